// Package guard implements the honesty gate. It is purely epistemic:
// it gates confidence, never topics. Every answer the system emits
// passes through Decide at least once.
package guard

import (
	"fmt"
	"strings"

	"engramd/internal/config"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// Evidence is one retrieved item's contribution to the risk estimate.
type Evidence struct {
	Relevance float64 // retrieval similarity in [0,1]
	Quality   float64 // stored quality score in [0,1]
	Decay     float64 // staleness in [0,1], higher is staler
}

// FromUnits converts retrieval results to evidence.
func FromUnits(units []types.ScoredUnit) []Evidence {
	evidence := make([]Evidence, 0, len(units))
	for _, su := range units {
		evidence = append(evidence, Evidence{
			Relevance: su.Relevance,
			Quality:   su.Unit.QualityScore,
			Decay:     su.Unit.DecayScore,
		})
	}
	return evidence
}

// Verdict is the gate's decision for a computed risk.
type Verdict int

const (
	// VerdictPass emits the answer unannotated.
	VerdictPass Verdict = iota
	// VerdictCaveat emits the answer with a confidence caveat.
	VerdictCaveat
	// VerdictAbstain forces an explicit "insufficient evidence" response.
	VerdictAbstain
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictCaveat:
		return "caveat"
	case VerdictAbstain:
		return "abstain"
	default:
		return fmt.Sprintf("unknown(%d)", int(v))
	}
}

// Guard computes answer risk from evidence and decides how to respond.
type Guard struct {
	cfg config.GuardConfig
}

// New creates a Guard with the given policy.
func New(cfg config.GuardConfig) *Guard {
	return &Guard{cfg: cfg}
}

// Risk combines retrieval shortfall, quality shortfall, and staleness
// into a value in [0,1]. An empty evidence set is maximum risk.
func (g *Guard) Risk(evidence []Evidence) float64 {
	if len(evidence) == 0 {
		return 1.0
	}

	var sumRel, sumQual, sumDecay float64
	for _, e := range evidence {
		sumRel += e.Relevance
		sumQual += e.Quality
		sumDecay += e.Decay
	}
	n := float64(len(evidence))
	avgRel := sumRel / n
	avgQual := sumQual / n
	avgDecay := sumDecay / n

	risk := g.cfg.RetrievalWeight*(1-avgRel) +
		g.cfg.QualityWeight*(1-avgQual) +
		g.cfg.DecayWeight*avgDecay

	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}
	return risk
}

// Decide maps risk to a verdict. Abstention requires risk strictly
// above the threshold: risk exactly at the threshold still answers.
func (g *Guard) Decide(risk float64) Verdict {
	switch {
	case risk > g.cfg.AbstainThreshold:
		return VerdictAbstain
	case risk > g.cfg.CaveatThreshold:
		return VerdictCaveat
	default:
		return VerdictPass
	}
}

// AbstainMessage builds the forced honest response: it enumerates what
// the system actually holds rather than guessing past it.
func (g *Guard) AbstainMessage(risk float64, units []types.ScoredUnit) string {
	logging.Get(logging.CategoryGuard).Infow("forcing abstention", "risk", risk, "evidence", len(units))

	if len(units) == 0 {
		return fmt.Sprintf("Insufficient evidence (risk %.2f). I have no relevant memories for this and will not guess.", risk)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Insufficient evidence (risk %.2f). I only have these memories to work with and will not guess beyond them:\n", risk)
	for i, su := range units {
		if i >= 6 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", su.Unit.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CaveatMessage annotates an answer with an explicit confidence caveat.
func (g *Guard) CaveatMessage(answer string, risk float64) string {
	return fmt.Sprintf("%s\n\n(Confidence caveat: supporting evidence is weak, risk %.2f.)", answer, risk)
}

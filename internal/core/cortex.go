// Package core wires the reasoning pipeline together. Cortex owns the
// query path (gate, router, retrieval, reasoning, honesty gate) and the
// two background tasks (adaptive loop, heartbeat), exposing the small
// surface the rest of the system consumes.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"engramd/internal/awake"
	"engramd/internal/axiom"
	"engramd/internal/bridge"
	"engramd/internal/config"
	"engramd/internal/gate"
	"engramd/internal/guard"
	"engramd/internal/logging"
	"engramd/internal/pulse"
	"engramd/internal/reason"
	"engramd/internal/router"
	"engramd/internal/solver"
	"engramd/internal/types"
)

// QueryResult is the outcome of one processed query.
type QueryResult struct {
	Answer         string      `json:"answer"`
	Mode           router.Mode `json:"mode"`
	Confidence     float64     `json:"confidence"`
	Risk           float64     `json:"risk"`
	RiskAnnotation string      `json:"risk_annotation"` // pass, caveat, abstain, clarify
	Abstained      bool        `json:"abstained"`
	Elapsed        time.Duration `json:"elapsed"`
}

const retrievalTopK = 5

// Cortex is the assembled reasoning core.
type Cortex struct {
	cfg config.Config

	store  types.MemoryStore
	llm    types.LLMClient
	axioms *axiom.Store

	gate   *gate.Gate
	router *router.Router
	guard  *guard.Guard
	bridge *bridge.Bridge
	reason *reason.Engine

	loop  *awake.Engine
	pulse *pulse.Heartbeat

	workers *semaphore.Weighted

	queries     atomic.Uint64
	abstentions atomic.Uint64
	queryErrors atomic.Uint64
}

// New assembles a Cortex from its collaborators. The formal solver is
// derived from the axiom catalog; its absence at verification time is
// tolerated downstream.
func New(cfg config.Config, store types.MemoryStore, llm types.LLMClient, axioms *axiom.Store) (*Cortex, error) {
	g := guard.New(cfg.Guard)
	b := bridge.New(llm, cfg.Reason.BridgeSamples)

	mangleSolver := solver.New(func() []string {
		statements := make([]string, 0, axioms.Count())
		for _, ax := range axioms.All() {
			statements = append(statements, ax.Statement)
		}
		return statements
	})

	reasoner, err := reason.New(cfg.Reason, llm, axioms, mangleSolver)
	if err != nil {
		return nil, fmt.Errorf("build reasoning engine: %w", err)
	}

	c := &Cortex{
		cfg:     cfg,
		store:   store,
		llm:     llm,
		axioms:  axioms,
		gate:    gate.New(cfg.Gate, llm),
		router:  router.New(cfg.Router),
		guard:   g,
		bridge:  b,
		reason:  reasoner,
		workers: semaphore.NewWeighted(int64(maxWorkers)),
	}

	c.loop = awake.New(cfg.Awake, store, llm, g, b, reasoner, axioms)
	c.pulse = pulse.New(cfg.Pulse, c.loop, store)
	c.pulse.Register("gate", func() map[string]float64 {
		return map[string]float64{
			"cache_size":         float64(c.gate.CacheSize()),
			"consensus_failures": float64(c.gate.ConsensusFailures()),
		}
	})
	c.pulse.Register("reason", func() map[string]float64 {
		stats := reasoner.Stats()
		return map[string]float64{
			"proofs":     float64(stats.Proofs),
			"cache_hits": float64(stats.CacheHits),
		}
	})
	c.pulse.Register("core", func() map[string]float64 {
		return map[string]float64{
			"queries":     float64(c.queries.Load()),
			"abstentions": float64(c.abstentions.Load()),
			"errors":      float64(c.queryErrors.Load()),
		}
	})
	return c, nil
}

const maxWorkers = 16

// Start launches the adaptive loop.
func (c *Cortex) Start() { c.loop.Start() }

// Stop halts the heartbeat and the adaptive loop.
func (c *Cortex) Stop() {
	c.pulse.Stop()
	c.loop.Stop()
}

// StartHeartbeat launches the meta-controller tick.
func (c *Cortex) StartHeartbeat() { c.pulse.Start() }

// StopHeartbeat halts the meta-controller tick.
func (c *Cortex) StopHeartbeat() { c.pulse.Stop() }

// Snapshot returns the most recent BrainSnapshot.
func (c *Cortex) Snapshot() pulse.BrainSnapshot { return c.pulse.Snapshot() }

// History returns up to lastN snapshots, oldest first.
func (c *Cortex) History(lastN int) []pulse.BrainSnapshot { return c.pulse.History(lastN) }

// ControllerState returns the adaptive loop's current state.
func (c *Cortex) ControllerState() awake.ControllerState { return c.loop.State() }

// ResetBreaker closes the adaptive loop's circuit breaker.
func (c *Cortex) ResetBreaker() { c.loop.ResetBreaker() }

// ProcessQuery runs the full pipeline on raw text. Component failures
// degrade the answer; the only user-visible failure mode is an explicit
// abstention or clarification, never an error, unless the caller's
// context is canceled.
func (c *Cortex) ProcessQuery(ctx context.Context, raw string) (*QueryResult, error) {
	start := time.Now()
	log := logging.Get(logging.CategoryCore)

	if err := c.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.workers.Release(1)

	c.queries.Add(1)

	filtered := c.gate.Filter(ctx, raw)

	retrieved, err := c.store.Search(ctx, filtered.Content, retrievalTopK)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.queryErrors.Add(1)
		log.Warnw("retrieval failed, proceeding without prior", "error", err)
		retrieved = nil
	}
	prior := 0.0
	if len(retrieved) > 0 {
		prior = retrieved[0].Relevance
	}

	decision := c.router.Route(filtered, prior)
	log.Debugw("query routed", "mode", string(decision.Mode), "prior", prior, "agreement", filtered.Agreement)

	var result *QueryResult
	switch decision.Mode {
	case router.ModeClarify:
		result = c.clarify(decision, filtered)
	case router.ModePattern:
		result = c.answerPattern(ctx, filtered, decision, retrieved)
	case router.ModeSymbolic:
		result, err = c.answerSymbolic(ctx, filtered, decision, retrieved)
	case router.ModeHybrid:
		result, err = c.answerHybrid(ctx, filtered, decision, retrieved)
	}
	if err != nil {
		return nil, err
	}

	if result.Abstained {
		c.abstentions.Add(1)
	}
	result.Elapsed = time.Since(start)
	return result, nil
}

func (c *Cortex) clarify(decision router.Decision, filtered gate.FilteredInput) *QueryResult {
	answer := "Could you rephrase that? " + decision.Reason + "."
	if filtered.NoiseWarning != "" {
		answer += " (" + filtered.NoiseWarning + ")"
	}
	return &QueryResult{
		Answer:         answer,
		Mode:           router.ModeClarify,
		Confidence:     decision.Confidence,
		RiskAnnotation: "clarify",
	}
}

const synthesisPrompt = `Answer the question using only the memories below. Be direct.

Question: %s

Memories:
%s`

// answerPattern is the fast path: retrieval plus the honesty gate.
func (c *Cortex) answerPattern(ctx context.Context, filtered gate.FilteredInput, decision router.Decision, retrieved []types.ScoredUnit) *QueryResult {
	risk := c.guard.Risk(guard.FromUnits(retrieved))

	switch c.guard.Decide(risk) {
	case guard.VerdictAbstain:
		if len(retrieved) > 0 {
			// Hand the weak evidence to the background loop for proof work.
			c.loop.FocusBurst(retrieved[0].Unit.ID)
		}
		return &QueryResult{
			Answer:         c.guard.AbstainMessage(risk, retrieved),
			Mode:           router.ModePattern,
			Confidence:     decision.Confidence,
			Risk:           risk,
			RiskAnnotation: "abstain",
			Abstained:      true,
		}
	case guard.VerdictCaveat:
		return &QueryResult{
			Answer:         c.guard.CaveatMessage(c.synthesize(ctx, filtered.Content, retrieved), risk),
			Mode:           router.ModePattern,
			Confidence:     decision.Confidence,
			Risk:           risk,
			RiskAnnotation: "caveat",
		}
	default:
		return &QueryResult{
			Answer:         c.synthesize(ctx, filtered.Content, retrieved),
			Mode:           router.ModePattern,
			Confidence:     decision.Confidence,
			Risk:           risk,
			RiskAnnotation: "pass",
		}
	}
}

// synthesize composes an answer from retrieved memories via the LLM,
// under a bounded timeout. On timeout or failure it degrades to the
// most relevant memory verbatim rather than hanging or erroring.
func (c *Cortex) synthesize(ctx context.Context, question string, retrieved []types.ScoredUnit) string {
	if len(retrieved) == 0 {
		return "I have no stored knowledge relevant to that."
	}

	var sb strings.Builder
	for _, su := range retrieved {
		fmt.Fprintf(&sb, "- %s\n", su.Unit.Content)
	}

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLM.Timeout.Std())
	defer cancel()

	answer, err := c.llm.Complete(llmCtx, fmt.Sprintf(synthesisPrompt, question, sb.String()))
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil && ctx.Err() == nil {
			c.queryErrors.Add(1)
			logging.Get(logging.CategoryCore).Warnw("synthesis degraded to raw retrieval", "error", err)
		}
		return retrieved[0].Unit.Content
	}
	return answer
}

// answerSymbolic is the slow path: logical encoding, proof attempt,
// and a second honesty-gate pass over the proof outcome.
func (c *Cortex) answerSymbolic(ctx context.Context, filtered gate.FilteredInput, decision router.Decision, retrieved []types.ScoredUnit) (*QueryResult, error) {
	log := logging.Get(logging.CategoryCore)

	llmCtx, cancel := context.WithTimeout(ctx, c.cfg.LLM.Timeout.Std())
	defer cancel()

	form, err := c.bridge.ToLogicalForm(llmCtx, filtered.Content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.queryErrors.Add(1)
		log.Warnw("logical encoding failed, degrading to pattern", "error", err)
		return c.answerPattern(ctx, filtered, decision, retrieved), nil
	}
	if form.Indeterminate {
		if len(retrieved) > 0 {
			return c.answerPattern(ctx, filtered, decision, retrieved), nil
		}
		return c.clarify(router.Decision{
			Confidence: decision.Confidence,
			Reason:     "the claim has no stable logical reading",
		}, filtered), nil
	}

	cand, err := c.reason.Prove(llmCtx, filtered.Content, form.Domain)
	if err != nil {
		if ctx.Err() != nil {
			// Caller abort: discard partial proof work entirely.
			return nil, ctx.Err()
		}
		c.queryErrors.Add(1)
		log.Warnw("proof attempt failed, degrading to pattern", "error", err)
		return c.answerPattern(ctx, filtered, decision, retrieved), nil
	}

	// Second gate pass, over the proof outcome itself.
	risk := c.proofRisk(cand)
	answer := c.bridge.ToNaturalLanguage(cand)

	switch c.guard.Decide(risk) {
	case guard.VerdictAbstain:
		return &QueryResult{
			Answer:         c.guard.AbstainMessage(risk, retrieved),
			Mode:           router.ModeSymbolic,
			Confidence:     cand.Confidence,
			Risk:           risk,
			RiskAnnotation: "abstain",
			Abstained:      true,
		}, nil
	case guard.VerdictCaveat:
		return &QueryResult{
			Answer:         c.guard.CaveatMessage(answer, risk),
			Mode:           router.ModeSymbolic,
			Confidence:     cand.Confidence,
			Risk:           risk,
			RiskAnnotation: "caveat",
		}, nil
	default:
		return &QueryResult{
			Answer:         answer,
			Mode:           router.ModeSymbolic,
			Confidence:     cand.Confidence,
			Risk:           risk,
			RiskAnnotation: "pass",
		}, nil
	}
}

// proofRisk maps a proof candidate to gate evidence. A decisive proof
// is strong evidence either way; UNKNOWN is weak evidence.
func (c *Cortex) proofRisk(cand types.ProofCandidate) float64 {
	if cand.Outcome == types.OutcomeUnknown {
		return c.guard.Risk([]guard.Evidence{{Relevance: cand.Confidence, Quality: 0.5}})
	}
	return c.guard.Risk([]guard.Evidence{{Relevance: cand.Confidence, Quality: cand.Confidence}})
}

// answerHybrid tries the pattern path and escalates to symbolic when
// the honesty gate flags the pattern answer.
func (c *Cortex) answerHybrid(ctx context.Context, filtered gate.FilteredInput, decision router.Decision, retrieved []types.ScoredUnit) (*QueryResult, error) {
	pattern := c.answerPattern(ctx, filtered, decision, retrieved)
	if pattern.RiskAnnotation == "pass" {
		pattern.Mode = router.ModeHybrid
		return pattern, nil
	}

	logging.Get(logging.CategoryCore).Debugw("hybrid escalating to symbolic", "pattern_risk", pattern.Risk)

	symbolic, err := c.answerSymbolic(ctx, filtered, decision, retrieved)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return pattern, nil
	}
	symbolic.Mode = router.ModeHybrid

	// Keep whichever pass said more. A caveated pattern answer beats a
	// symbolic abstention.
	if symbolic.Abstained && !pattern.Abstained {
		pattern.Mode = router.ModeHybrid
		return pattern, nil
	}
	return symbolic, nil
}

// Ingest stores raw text as a memory unit, deduplicated by content
// fingerprint. The second ingest of identical content returns the
// existing unit id with created=false.
func (c *Cortex) Ingest(ctx context.Context, raw string) (string, bool, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", false, fmt.Errorf("cannot ingest empty content")
	}

	fp := types.Fingerprint(content)
	existing, err := c.store.GetByFingerprint(ctx, fp)
	if err != nil {
		return "", false, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if existing != nil {
		logging.Get(logging.CategoryCore).Debugw("ingest deduplicated", "unit", existing.ID)
		return existing.ID, false, nil
	}

	unit := &types.MemoryUnit{
		Content:          content,
		Fingerprint:      fp,
		Domain:           "general",
		QualityScore:     0.5,
		ConsistencyScore: 1.0,
	}
	if err := c.store.Put(ctx, unit); err != nil {
		return "", false, fmt.Errorf("store unit: %w", err)
	}
	logging.Get(logging.CategoryCore).Infow("memory ingested", "unit", unit.ID)
	return unit.ID, true, nil
}

// Package router classifies filtered queries into a processing mode.
// Routing is purely lexical plus a retrieval prior: no randomness, so
// identical inputs always take the same path.
package router

import (
	"strings"

	"engramd/internal/config"
	"engramd/internal/gate"
	"engramd/internal/logging"
)

// Mode is the processing path chosen for a query.
type Mode string

const (
	// ModePattern answers from memory retrieval only.
	ModePattern Mode = "pattern"
	// ModeSymbolic routes to the first-principles proof path.
	ModeSymbolic Mode = "symbolic"
	// ModeHybrid tries pattern first and escalates to symbolic when the
	// honesty gate flags the pattern answer.
	ModeHybrid Mode = "hybrid"
	// ModeClarify asks the caller to rephrase.
	ModeClarify Mode = "clarify"
)

// Decision records the chosen mode and the signals behind it.
type Decision struct {
	Mode           Mode     `json:"mode"`
	Confidence     float64  `json:"confidence"`
	MatchedMarkers []string `json:"matched_markers,omitempty"`
	RetrievalPrior float64  `json:"retrieval_prior"`
	Reason         string   `json:"reason,omitempty"`
}

// symbolicMarkers demand first-principles reasoning.
var symbolicMarkers = []string{
	"prove", "proof", "derive", "derivation",
	"why fundamentally", "from first principles",
	"axiom", "theorem", "logically follows",
	"contradict", "contradiction", "necessarily",
	"formally verify", "demonstrate that",
}

// recallMarkers suggest retrieval alone is enough.
var recallMarkers = []string{
	"what is", "who is", "when was", "where is",
	"define", "list", "example", "summary",
	"recall", "remember", "tell me about",
}

// Router routes filtered inputs.
type Router struct {
	cfg config.RouterConfig
}

// New creates a Router with the given policy.
func New(cfg config.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// Route classifies a filtered input given a retrieval-confidence prior
// from a fast memory lookup.
func (r *Router) Route(in gate.FilteredInput, retrievalPrior float64) Decision {
	log := logging.Get(logging.CategoryRouter)

	if in.NeedsClarification || in.Confidence < r.cfg.ClarifyFloor {
		return Decision{
			Mode:           ModeClarify,
			Confidence:     in.Confidence,
			RetrievalPrior: retrievalPrior,
			Reason:         "input too ambiguous, please rephrase",
		}
	}

	text := strings.ToLower(in.Content)

	if matched := matchMarkers(text, symbolicMarkers); len(matched) > 0 {
		log.Debugw("symbolic marker matched", "markers", matched)
		return Decision{
			Mode:           ModeSymbolic,
			Confidence:     0.9,
			MatchedMarkers: matched,
			RetrievalPrior: retrievalPrior,
			Reason:         "symbolic-intent marker",
		}
	}

	recall := matchMarkers(text, recallMarkers)
	if len(recall) > 0 && retrievalPrior >= r.cfg.ConfidenceFloor {
		return Decision{
			Mode:           ModePattern,
			Confidence:     retrievalPrior * in.Confidence,
			MatchedMarkers: recall,
			RetrievalPrior: retrievalPrior,
			Reason:         "recall-intent marker with confident retrieval",
		}
	}

	if retrievalPrior > 0 {
		return Decision{
			Mode:           ModeHybrid,
			Confidence:     retrievalPrior * in.Confidence,
			MatchedMarkers: recall,
			RetrievalPrior: retrievalPrior,
			Reason:         "retrieval prior below floor, pattern with symbolic escalation",
		}
	}

	return Decision{
		Mode:           ModeClarify,
		Confidence:     in.Confidence,
		MatchedMarkers: recall,
		RetrievalPrior: retrievalPrior,
		Reason:         "no retrieval signal and no symbolic intent",
	}
}

func matchMarkers(text string, markers []string) []string {
	var matched []string
	for _, m := range markers {
		if strings.Contains(text, m) {
			matched = append(matched, m)
		}
	}
	return matched
}

// Package reason implements the symbolic reasoning engine: a
// generate-and-verify state machine (PROPOSE -> VERIFY -> terminal)
// over the axiom store, with an LRU cache of terminal outcomes keyed by
// claim and axiom-set version.
package reason

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"engramd/internal/axiom"
	"engramd/internal/config"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// strategy is the proposer's structured output.
type strategy struct {
	Domain     string   `json:"domain"`
	Approach   string   `json:"approach"`
	Formula    string   `json:"formula"`
	ProofSteps []string `json:"proof_steps"`
}

// critique is the self-verification pass's structured output.
type critique struct {
	Valid      bool     `json:"valid"`
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues"`
}

// Engine attempts proof or refutation of claims against the axiom store.
type Engine struct {
	cfg    config.ReasonConfig
	llm    types.LLMClient
	axioms *axiom.Store
	solver types.FormalSolver // optional; nil means self-verify only

	cache *lru.Cache[string, types.ProofCandidate]

	proofs       atomic.Int64
	cacheHits    atomic.Int64
	proposeCalls atomic.Int64
}

// New creates a reasoning engine. solver may be nil.
func New(cfg config.ReasonConfig, llm types.LLMClient, axioms *axiom.Store, solver types.FormalSolver) (*Engine, error) {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 500
	}
	cache, err := lru.New[string, types.ProofCandidate](capacity)
	if err != nil {
		return nil, fmt.Errorf("proof cache: %w", err)
	}
	return &Engine{cfg: cfg, llm: llm, axioms: axioms, solver: solver, cache: cache}, nil
}

// Prove runs the proof state machine for a claim. The returned candidate
// always carries a terminal outcome; reasoning failures surface as
// OutcomeUnknown, not as errors. The only error cause is caller abort,
// in which case no partial result is cached.
func (e *Engine) Prove(ctx context.Context, claim, domain string) (types.ProofCandidate, error) {
	log := logging.Get(logging.CategoryReason)

	key := e.cacheKey(claim)
	if cached, ok := e.cache.Get(key); ok {
		e.cacheHits.Add(1)
		log.Debugw("proof cache hit", "claim", truncate(claim, 60))
		return cached, nil
	}

	relevant := e.axioms.Lookup(domain, claim, 10)
	statements := make([]string, 0, len(relevant))
	for _, ax := range relevant {
		statements = append(statements, ax.Statement)
	}
	log.Infow("proving", "claim", truncate(claim, 60), "axioms", len(relevant))

	// PROPOSE
	strat, ok := e.propose(ctx, claim, statements)
	if ctx.Err() != nil {
		return types.ProofCandidate{}, ctx.Err()
	}
	if !ok {
		// Stalled proposer: terminal UNKNOWN rather than blocking.
		cand := types.ProofCandidate{
			Claim:    claim,
			Domain:   domain,
			Outcome:  types.OutcomeUnknown,
			Verifier: "none",
		}
		e.finish(key, relevant, &cand)
		return cand, nil
	}
	if strat.Domain != "" {
		domain = strat.Domain
	}

	cand := types.ProofCandidate{
		Claim:       claim,
		FormalClaim: strat.Formula,
		Domain:      domain,
		Steps:       strat.ProofSteps,
	}

	// VERIFY
	if e.solver != nil {
		outcome, err := e.solver.Verify(ctx, strat.Formula)
		if ctx.Err() != nil {
			return types.ProofCandidate{}, ctx.Err()
		}
		if err != nil {
			// Solver trouble is "solver unavailable", never fatal.
			log.Warnw("solver unavailable", "error", err)
		} else if outcome != types.OutcomeUnknown {
			cand.Outcome = outcome
			cand.Verifier = "solver"
			cand.Confidence = 0.95
			e.finish(key, relevant, &cand)
			return cand, nil
		}
	}

	outcome, confidence := e.selfVerify(ctx, claim, strat, statements)
	if ctx.Err() != nil {
		// Aborted before VERIFY completed: discard, never cache.
		return types.ProofCandidate{}, ctx.Err()
	}
	cand.Outcome = outcome
	cand.Confidence = confidence
	cand.Verifier = "self_verify"
	e.finish(key, relevant, &cand)
	return cand, nil
}

// finish caches a terminal candidate and updates axiom usage counts.
func (e *Engine) finish(key string, used []axiom.Axiom, cand *types.ProofCandidate) {
	for _, ax := range used {
		cand.AxiomsUsed = append(cand.AxiomsUsed, ax.ID)
		_ = e.axioms.IncrementUsage(ax.Domain, ax.ID)
	}
	e.cache.Add(key, *cand)
	if cand.Outcome == types.OutcomeProved {
		e.proofs.Add(1)
	}
}

const proposePrompt = `You are a formal reasoning engine. Generate a proof strategy.

Claim to prove: %s

Available axioms:
%s

Return JSON only:
{
  "domain": "logic|mathematics|epistemology|physics|causality|general",
  "approach": "direct|contradiction|induction|case_analysis",
  "formula": "formal representation of the claim",
  "proof_steps": ["step 1", "step 2"]
}`

// propose asks the LLM for a derivation strategy, retrying a bounded
// number of times before giving up.
func (e *Engine) propose(ctx context.Context, claim string, axioms []string) (strategy, bool) {
	attempts := e.cfg.MaxProposeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	prompt := fmt.Sprintf(proposePrompt, claim, bulleted(axioms))

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return strategy{}, false
		}
		e.proposeCalls.Add(1)

		raw, err := e.llm.Complete(ctx, prompt)
		if err != nil {
			logging.Get(logging.CategoryReason).Debugw("proposer attempt failed",
				"attempt", i+1, "error", err)
			continue
		}
		obj, ok := extractJSON(raw)
		if !ok {
			continue
		}
		var strat strategy
		if err := json.Unmarshal(obj, &strat); err != nil || strat.Formula == "" {
			continue
		}
		return strat, true
	}
	return strategy{}, false
}

const verifyPrompt = `Critically verify this proof. Be honest about weaknesses.

Claim: %s
Axioms used:
%s

Proposed steps:
%s

Assess whether the steps are logically valid and the conclusion supported.

Return JSON only:
{
  "valid": true,
  "confidence": 0.0,
  "issues": []
}`

// selfVerify runs the LLM critique pass. Confidence is penalized and
// capped because nothing formal checked the derivation.
func (e *Engine) selfVerify(ctx context.Context, claim string, strat strategy, axioms []string) (types.ProofOutcome, float64) {
	raw, err := e.llm.Complete(ctx, fmt.Sprintf(verifyPrompt, claim, bulleted(axioms), numbered(strat.ProofSteps)))
	if err != nil {
		logging.Get(logging.CategoryReason).Debugw("self-verify failed", "error", err)
		return types.OutcomeUnknown, 0
	}

	obj, ok := extractJSON(raw)
	if !ok {
		return types.OutcomeUnknown, 0
	}
	var c critique
	if err := json.Unmarshal(obj, &c); err != nil {
		return types.OutcomeUnknown, 0
	}

	// support is the critique's confidence that the claim holds. The
	// verdict comes from the raw support; the cap only penalizes the
	// reported confidence, since nothing formal checked the derivation.
	support := c.Confidence
	if !c.Valid {
		support = 1 - c.Confidence
	}
	confidence := support * e.cfg.SelfVerifyCap
	if confidence > e.cfg.SelfVerifyCap {
		confidence = e.cfg.SelfVerifyCap
	}

	switch {
	case support >= e.cfg.ProofThreshold:
		return types.OutcomeProved, confidence
	case support <= e.cfg.RefutationThreshold:
		return types.OutcomeRefuted, confidence
	default:
		return types.OutcomeUnknown, confidence
	}
}

// cacheKey fingerprints (claim, axiom-set version): any axiom write
// invalidates prior entries by changing the key space.
func (e *Engine) cacheKey(claim string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", strings.TrimSpace(claim), e.axioms.SetVersion())))
	return hex.EncodeToString(sum[:])
}

// Metrics reports engine counters for the heartbeat.
type Metrics struct {
	Proofs       int64
	CacheHits    int64
	CacheSize    int
	ProposeCalls int64
}

// Stats returns current counters.
func (e *Engine) Stats() Metrics {
	return Metrics{
		Proofs:       e.proofs.Load(),
		CacheHits:    e.cacheHits.Load(),
		CacheSize:    e.cache.Len(),
		ProposeCalls: e.proposeCalls.Load(),
	}
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "  (none)"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "  - %s\n", it)
	}
	return strings.TrimRight(b.String(), "\n")
}

func numbered(items []string) string {
	if len(items) == 0 {
		return "  (none)"
	}
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, it)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractJSON pulls the first JSON object out of LLM output.
func extractJSON(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	candidate := []byte(text[start : end+1])
	if !json.Valid(candidate) {
		return nil, false
	}
	return candidate, true
}

// Package gate implements the secure translator gate: an ensemble of
// independent rewrite strategies voted into one cleaned, confidence-scored
// input. Noisy or adversarial text is caught here, before it can reach
// memory or reasoning.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"engramd/internal/config"
	"engramd/internal/guard"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// FilteredInput is the gate's verdict on one raw query.
type FilteredInput struct {
	Content            string  `json:"content"`
	Original           string  `json:"original"`
	Confidence         float64 `json:"confidence"`
	IsClean            bool    `json:"is_clean"`
	NeedsClarification bool    `json:"needs_clarification"`
	RiskScore          float64 `json:"risk_score"`
	Agreement          float64 `json:"agreement"`
	NoiseWarning       string  `json:"noise_warning,omitempty"`
}

// Gate runs the rewrite ensemble and consensus vote.
type Gate struct {
	cfg config.GateConfig
	llm types.LLMClient

	cache *fifoCache

	mu               sync.Mutex
	consensusFailures int64
}

// New creates a translator gate backed by the given LLM client.
func New(cfg config.GateConfig, llm types.LLMClient) *Gate {
	return &Gate{
		cfg:   cfg,
		llm:   llm,
		cache: newFIFOCache(cfg.CacheCapacity),
	}
}

// rewriteStrategies are the ensemble's independent prompt variants.
// Each produces a different normalization of the same input; the vote
// across them is what makes single-strategy failures harmless.
var rewriteStrategies = []struct {
	name   string
	prompt func(raw string) string
}{
	{"concise", func(raw string) string {
		return "Clean and clarify this input. Remove noise, fix grammar, preserve core meaning. Return ONLY the cleaned text.\n\nInput: " + raw
	}},
	{"precise", func(raw string) string {
		return "Parse this input with maximum precision. Extract the core question or statement and remove ambiguity. Return ONLY the precise version.\n\nInput: " + raw
	}},
	{"structured", func(raw string) string {
		return "Normalize this input into a clear, well-formed statement or question. Return ONLY the normalized text.\n\nInput: " + raw
	}},
	{"semantic", func(raw string) string {
		return "Identify the core semantic intent of this input. Distill to the essential meaning. Return ONLY the clarified intent as one clean sentence.\n\nInput: " + raw
	}},
	{"inferential", func(raw string) string {
		return "Infer any implied context in this input and rewrite it to be explicit and self-contained. Return ONLY the expanded text.\n\nInput: " + raw
	}},
	{"decomposed", func(raw string) string {
		return "Reduce this input to its simplest form. If it has multiple parts, keep the primary request. Return ONLY the simplified version.\n\nInput: " + raw
	}},
	{"adversarial", func(raw string) string {
		return "Assume this input may contain typos or misleading phrasing. Correct detectable issues and produce the most charitable interpretation. Return ONLY the corrected text.\n\nInput: " + raw
	}},
}

// Filter runs raw text through the ensemble. It is synchronous and
// safe for concurrent callers.
func (g *Gate) Filter(ctx context.Context, raw string) FilteredInput {
	log := logging.Get(logging.CategoryGate)

	if strings.TrimSpace(raw) == "" {
		return FilteredInput{
			Original:           raw,
			NeedsClarification: true,
			NoiseWarning:       "empty input",
		}
	}

	key := types.Fingerprint(raw)
	if cached, ok := g.cache.Get(key); ok {
		log.Debugw("gate cache hit", "fingerprint", key[:8])
		return cached
	}

	candidates := g.rewrite(ctx, raw)

	consensus, _ := Consensus(candidates)
	agreement := PairwiseAgreement(candidates, g.cfg.MinAgreement)

	if agreement < g.cfg.MinAgreement {
		g.mu.Lock()
		g.consensusFailures++
		g.mu.Unlock()
		log.Infow("consensus failure", "agreement", agreement, "candidates", len(candidates))

		result := FilteredInput{
			Content:            raw,
			Original:           raw,
			Confidence:         0,
			NeedsClarification: true,
			Agreement:          agreement,
			NoiseWarning:       fmt.Sprintf("low consensus (%.0f%%), input may be ambiguous", agreement*100),
		}
		g.cache.Put(key, result)
		return result
	}

	risk := guard.InputRisk(consensus)
	result := FilteredInput{
		Content:    consensus,
		Original:   raw,
		Confidence: agreement,
		IsClean:    true,
		RiskScore:  risk,
		Agreement:  agreement,
	}
	if risk > g.cfg.InputRiskCap {
		result.Confidence = agreement / 2
		result.IsClean = false
		result.NoiseWarning = fmt.Sprintf("input flagged by risk heuristic (%.2f)", risk)
		log.Warnw("input flagged", "risk", risk)
	}

	g.cache.Put(key, result)
	return result
}

// rewrite fans the input out to the ensemble concurrently. Individual
// strategy failures are dropped; the raw input is always kept as a
// baseline candidate so the vote never runs empty.
func (g *Gate) rewrite(ctx context.Context, raw string) []string {
	n := g.cfg.EnsembleSize
	if n <= 0 || n > len(rewriteStrategies) {
		n = len(rewriteStrategies)
	}

	results := make([]string, n)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			out, err := g.llm.Complete(ctx, rewriteStrategies[i].prompt(raw))
			if err != nil {
				logging.Get(logging.CategoryGate).Debugw("rewrite strategy failed",
					"strategy", rewriteStrategies[i].name, "error", err)
				return nil // per-strategy failures never abort the ensemble
			}
			results[i] = strings.TrimSpace(out)
			return nil
		})
	}
	_ = eg.Wait()

	candidates := make([]string, 0, n+1)
	for _, r := range results {
		if r != "" {
			candidates = append(candidates, r)
		}
	}
	trimmed := strings.TrimSpace(raw)
	found := false
	for _, c := range candidates {
		if c == trimmed {
			found = true
			break
		}
	}
	if !found {
		candidates = append(candidates, trimmed)
	}
	return candidates
}

// CacheSize reports the fingerprint cache size for the heartbeat.
func (g *Gate) CacheSize() int { return g.cache.Len() }

// ConsensusFailures reports how many inputs failed the agreement floor.
func (g *Gate) ConsensusFailures() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consensusFailures
}

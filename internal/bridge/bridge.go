// Package bridge translates between natural-language claims and the
// normalized logical form the symbolic reasoner consumes. Extraction is
// multi-sampled and voted: a single LLM sample is never trusted alone.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"engramd/internal/logging"
	"engramd/internal/types"
)

// LogicalForm is a normalized logical encoding of a claim.
type LogicalForm struct {
	Formula       string   `json:"formula"`
	Domain        string   `json:"domain"`
	Predicates    []string `json:"predicates,omitempty"`
	Confidence    float64  `json:"confidence"`
	Indeterminate bool     `json:"indeterminate"`
}

// Bridge performs vector <-> logic translation via the LLM service.
type Bridge struct {
	llm     types.LLMClient
	samples int
}

// New creates a Bridge. samples is the multi-sample voting count.
func New(llm types.LLMClient, samples int) *Bridge {
	if samples <= 0 {
		samples = 3
	}
	return &Bridge{llm: llm, samples: samples}
}

const extractionPrompt = `Encode the following claim as a formal logical proposition.

Claim: %s

Return JSON only:
{
  "formula": "formal representation of the claim",
  "domain": "logic|mathematics|epistemology|physics|causality|general",
  "predicates": ["predicate names used"]
}`

// ToLogicalForm samples the LLM several times, clusters the candidate
// encodings by structural similarity, and returns the majority cluster's
// representative. When no cluster reaches a majority, the result is
// Indeterminate and the caller must fall back to pattern retrieval.
func (b *Bridge) ToLogicalForm(ctx context.Context, text string) (LogicalForm, error) {
	log := logging.Get(logging.CategoryBridge)

	raws, err := b.llm.Generate(ctx, fmt.Sprintf(extractionPrompt, text), b.samples)
	if err != nil {
		return LogicalForm{Indeterminate: true}, fmt.Errorf("logical form sampling: %w", err)
	}

	var forms []LogicalForm
	for _, raw := range raws {
		if form, ok := parseForm(raw); ok {
			forms = append(forms, form)
		}
	}
	if len(forms) == 0 {
		log.Debugw("no parseable logical forms", "samples", len(raws))
		return LogicalForm{Indeterminate: true}, nil
	}

	if len(forms) == 1 {
		// Single usable sample: no consensus backing, penalized confidence.
		forms[0].Confidence = 0.7
		return forms[0], nil
	}

	rep, size := majorityCluster(forms)
	agreement := float64(size) / float64(len(forms))
	if size*2 <= len(forms) {
		log.Debugw("no majority cluster", "forms", len(forms), "largest", size)
		return LogicalForm{Indeterminate: true}, nil
	}

	rep.Confidence = agreement
	return rep, nil
}

// ToNaturalLanguage renders a proof candidate as human-readable content
// suitable for storing as an axiom-derived memory unit.
func (b *Bridge) ToNaturalLanguage(cand types.ProofCandidate) string {
	claim := cand.FormalClaim
	if claim == "" {
		claim = cand.Claim
	}

	var summary string
	if len(cand.Steps) > 0 {
		steps := cand.Steps
		if len(steps) > 3 {
			steps = steps[:3]
		}
		summary = fmt.Sprintf("Proven: %s. Steps: %s", claim, strings.Join(steps, "; "))
	} else {
		summary = fmt.Sprintf("Axiom-derived knowledge: %s", claim)
	}

	if len(summary) > 500 {
		summary = summary[:500]
	}
	return summary
}

// parseForm extracts a LogicalForm from one raw LLM sample.
func parseForm(raw string) (LogicalForm, bool) {
	obj, ok := extractJSON(raw)
	if !ok {
		return LogicalForm{}, false
	}

	var form LogicalForm
	if err := json.Unmarshal(obj, &form); err != nil {
		return LogicalForm{}, false
	}
	form.Formula = strings.TrimSpace(form.Formula)
	if form.Formula == "" {
		return LogicalForm{}, false
	}
	if form.Domain == "" {
		form.Domain = "general"
	}
	return form, true
}

// majorityCluster groups forms by structural similarity and returns the
// largest cluster's representative plus its size. Clustering is greedy
// over normalized formula tokens with deterministic ordering.
func majorityCluster(forms []LogicalForm) (LogicalForm, int) {
	const similar = 0.7

	bestIdx, bestSize := 0, 0
	for i := range forms {
		size := 0
		for j := range forms {
			if structuralSimilarity(forms[i].Formula, forms[j].Formula) >= similar {
				size++
			}
		}
		if size > bestSize {
			bestSize = size
			bestIdx = i
		}
	}
	return forms[bestIdx], bestSize
}

// structuralSimilarity compares formulas as normalized token sets.
func structuralSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(formula string) map[string]struct{} {
	norm := strings.ToLower(formula)
	for _, r := range []string{"(", ")", ",", ":", "->", "<->"} {
		norm = strings.ReplaceAll(norm, r, " ")
	}
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(norm) {
		set[tok] = struct{}{}
	}
	return set
}

// extractJSON pulls the first JSON object out of LLM output, tolerating
// prose or fencing around it.
func extractJSON(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return []byte(text), true
	}

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

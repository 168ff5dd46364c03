package gate

import "strings"

// Jaccard returns word-overlap similarity between two texts in [0,1].
func Jaccard(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if _, ok := wordsB[w]; ok {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

// Consensus selects the majority-cluster representative from a fixed
// set of candidate rewrites. The representative is the candidate with
// the highest mean similarity to all others; agreement is that mean.
// Ties break toward the lower index, so the result is deterministic
// for identical inputs.
func Consensus(candidates []string) (best string, agreement float64) {
	switch len(candidates) {
	case 0:
		return "", 0
	case 1:
		return candidates[0], 1.0
	}

	bestIdx := 0
	bestScore := -1.0
	for i, a := range candidates {
		sum := 0.0
		for j, b := range candidates {
			if i == j {
				continue
			}
			sum += Jaccard(a, b)
		}
		mean := sum / float64(len(candidates)-1)
		if mean > bestScore {
			bestScore = mean
			bestIdx = i
		}
	}
	return candidates[bestIdx], bestScore
}

// PairwiseAgreement returns the fraction of candidate pairs whose
// similarity clears the threshold.
func PairwiseAgreement(candidates []string, threshold float64) float64 {
	n := len(candidates)
	if n < 2 {
		return 1.0
	}

	pairs, above := 0, 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs++
			if Jaccard(candidates[i], candidates[j]) >= threshold {
				above++
			}
		}
	}
	return float64(above) / float64(pairs)
}

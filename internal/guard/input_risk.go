package guard

import "strings"

// injectionMarkers are phrasings that try to steer the system rather
// than ask it something. Matching is substring-based after lowering.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"pretend you are",
	"system prompt",
	"jailbreak",
	"override your rules",
	"reveal your instructions",
}

// contradictionPairs are word pairs whose co-occurrence suggests a
// self-contradictory claim that should not enter memory as-is.
var contradictionPairs = [][2]string{
	{"always", "never"},
	{"everything", "nothing"},
	{"all ", "none "},
	{"true", "false"},
}

// InputRisk is the pre-retrieval heuristic used by the translator gate.
// It scores injection-like or self-contradictory phrasing in [0,1];
// it sees only the text, no memory, so it is deliberately coarse.
func InputRisk(text string) float64 {
	lc := " " + strings.ToLower(text) + " "

	risk := 0.0
	for _, marker := range injectionMarkers {
		if strings.Contains(lc, marker) {
			risk += 0.4
		}
	}
	for _, pair := range contradictionPairs {
		if strings.Contains(lc, pair[0]) && strings.Contains(lc, pair[1]) {
			risk += 0.25
		}
	}

	if risk > 1 {
		risk = 1
	}
	return risk
}

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"engramd/internal/config"
	"engramd/internal/gate"
)

func newRouter() *Router {
	return New(config.Default().Router)
}

func cleanInput(content string) gate.FilteredInput {
	return gate.FilteredInput{
		Content:    content,
		Original:   content,
		Confidence: 0.9,
		IsClean:    true,
		Agreement:  0.9,
	}
}

func TestLowGateConfidenceRoutesClarify(t *testing.T) {
	r := newRouter()

	d := r.Route(gate.FilteredInput{Content: "something", Confidence: 0.3}, 0.9)
	assert.Equal(t, ModeClarify, d.Mode)

	d = r.Route(gate.FilteredInput{Content: "something", Confidence: 0.9, NeedsClarification: true}, 0.9)
	assert.Equal(t, ModeClarify, d.Mode, "gate clarification flag always wins")
}

func TestSymbolicMarkersRouteSymbolic(t *testing.T) {
	r := newRouter()

	for _, q := range []string{
		"prove that the square root of 2 is irrational",
		"derive the formula from first principles",
		"does this contradict the second law",
		"demonstrate that the claim necessarily holds",
	} {
		d := r.Route(cleanInput(q), 0.95)
		assert.Equal(t, ModeSymbolic, d.Mode, q)
		assert.NotEmpty(t, d.MatchedMarkers)
	}
}

func TestRecallWithConfidentRetrievalRoutesPattern(t *testing.T) {
	r := newRouter()

	d := r.Route(cleanInput("what is the boiling point of water"), 0.9)
	assert.Equal(t, ModePattern, d.Mode)
	assert.Equal(t, 0.9, d.RetrievalPrior)
}

func TestRecallWithWeakRetrievalRoutesHybrid(t *testing.T) {
	r := newRouter()

	d := r.Route(cleanInput("what is the boiling point of water"), 0.4)
	assert.Equal(t, ModeHybrid, d.Mode, "prior below the confidence floor falls to hybrid")
}

func TestNoSignalRoutesClarify(t *testing.T) {
	r := newRouter()

	d := r.Route(cleanInput("what is 2+2"), 0)
	assert.Equal(t, ModeClarify, d.Mode, "no retrieval signal and no symbolic intent")
}

func TestRoutingIsDeterministic(t *testing.T) {
	r := newRouter()
	in := cleanInput("tell me about thermodynamics")

	first := r.Route(in, 0.85)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Route(in, 0.85))
	}
}

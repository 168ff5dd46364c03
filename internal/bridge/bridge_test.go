package bridge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engramd/internal/llm"
	"engramd/internal/types"
)

func TestToLogicalFormUnanimousSamples(t *testing.T) {
	client := llm.NewMockClient("").Respond("Encode the following claim",
		`{"formula": "even(X), even(Y) -> even(X+Y)", "domain": "mathematics", "predicates": ["even"]}`)
	b := New(client, 3)

	form, err := b.ToLogicalForm(context.Background(), "the sum of two even numbers is even")
	require.NoError(t, err)

	assert.False(t, form.Indeterminate)
	assert.Equal(t, "even(X), even(Y) -> even(X+Y)", form.Formula)
	assert.Equal(t, "mathematics", form.Domain)
	assert.Equal(t, 1.0, form.Confidence, "unanimous samples give full consensus confidence")
}

func TestToLogicalFormUnparseableSamplesAreIndeterminate(t *testing.T) {
	client := llm.NewMockClient("").Respond("Encode the following claim",
		"I cannot encode that as logic, sorry.")
	b := New(client, 3)

	form, err := b.ToLogicalForm(context.Background(), "colorless green ideas sleep furiously")
	require.NoError(t, err, "unparseable output is indeterminate, not an error")
	assert.True(t, form.Indeterminate)
}

func TestToLogicalFormLLMFailureIsError(t *testing.T) {
	client := llm.NewMockClient("").Fail("Encode the following claim", fmt.Errorf("service down"))
	b := New(client, 3)

	form, err := b.ToLogicalForm(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, form.Indeterminate)
}

func TestToLogicalFormWrappedJSON(t *testing.T) {
	// Models often wrap JSON in prose or code fences; extraction must cope.
	client := llm.NewMockClient("").Respond("Encode the following claim",
		"Here is the encoding:\n```json\n{\"formula\": \"mortal(socrates)\", \"domain\": \"logic\"}\n```")
	b := New(client, 3)

	form, err := b.ToLogicalForm(context.Background(), "Socrates is mortal")
	require.NoError(t, err)
	assert.False(t, form.Indeterminate)
	assert.Equal(t, "mortal(socrates)", form.Formula)
}

func TestMajorityClusterNoMajorityIsIndeterminate(t *testing.T) {
	forms := []LogicalForm{
		{Formula: "alpha(x)"},
		{Formula: "beta(y)"},
		{Formula: "gamma(z)"},
		{Formula: "delta(w)"},
	}

	_, size := majorityCluster(forms)
	assert.LessOrEqual(t, size*2, len(forms), "an even split must not produce a winner")
}

func TestMajorityClusterPicksLargest(t *testing.T) {
	forms := []LogicalForm{
		{Formula: "even(X) -> even(X + 2)"},
		{Formula: "even(X) -> even(X + 2)"},
		{Formula: "prime(7)"},
	}

	rep, size := majorityCluster(forms)
	assert.Equal(t, 2, size)
	assert.Contains(t, rep.Formula, "even")
}

func TestStructuralSimilarityIgnoresPunctuation(t *testing.T) {
	assert.Equal(t, 1.0, structuralSimilarity("p(x, y) -> q(y)", "p(x,y)->q(y)"))
	assert.Zero(t, structuralSimilarity("a(x)", ""))
}

func TestToNaturalLanguage(t *testing.T) {
	withSteps := types.ProofCandidate{
		FormalClaim: "even(4)",
		Steps:       []string{"4 = 2 * 2", "2 divides 4", "definition of even", "extra step"},
	}
	out := (&Bridge{}).ToNaturalLanguage(withSteps)
	assert.Contains(t, out, "even(4)")
	assert.Contains(t, out, "definition of even")
	assert.NotContains(t, out, "extra step", "at most three steps are rendered")

	bare := types.ProofCandidate{Claim: "the claim"}
	out = (&Bridge{}).ToNaturalLanguage(bare)
	assert.Contains(t, out, "the claim")

	long := types.ProofCandidate{Claim: strings.Repeat("x", 600)}
	assert.LessOrEqual(t, len((&Bridge{}).ToNaturalLanguage(long)), 500)
}

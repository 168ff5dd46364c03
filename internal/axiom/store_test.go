package axiom

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engramd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndLookup(t *testing.T) {
	s := newTestStore(t)

	ax, err := s.Add("forall x: x = x", "logic", 1.0, "foundational")
	require.NoError(t, err)
	assert.Equal(t, 1, ax.Version)
	assert.Equal(t, 1, s.Count())

	found := s.Lookup("logic", "", 10)
	require.Len(t, found, 1)
	assert.Equal(t, ax.ID, found[0].ID)
}

func TestAddDuplicateStatementBumpsVersion(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Add("P or not P", "logic", 0.8, "seed")
	require.NoError(t, err)
	v1 := s.SetVersion()

	second, err := s.Add("P or not P", "logic", 0.6, "seed")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same statement keeps its identity")
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 0.8, second.Confidence, "confidence never drops on re-add")
	assert.Equal(t, 1, s.Count(), "snapshot holds current versions only")
	assert.Greater(t, s.SetVersion(), v1, "every write bumps the set version")
}

func TestPromoteRequiresProvedOutcome(t *testing.T) {
	s := newTestStore(t)

	for _, outcome := range []types.ProofOutcome{types.OutcomeRefuted, types.OutcomeUnknown} {
		_, err := s.Promote(types.ProofCandidate{Claim: "c", Outcome: outcome, Confidence: 0.9})
		assert.Error(t, err)
	}
	assert.Zero(t, s.Count())
}

func TestPromoteRaisesExistingConfidence(t *testing.T) {
	s := newTestStore(t)

	cand := types.ProofCandidate{
		Claim:       "the sum of two even numbers is even",
		FormalClaim: "even(X), even(Y) -> even(X+Y)",
		Domain:      "mathematics",
		Outcome:     types.OutcomeProved,
		Confidence:  0.8,
	}

	first, err := s.Promote(cand)
	require.NoError(t, err)
	assert.Equal(t, "derived", first.Source)
	assert.Equal(t, 0.8, first.Confidence)

	second, err := s.Promote(cand)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	// raised = existing + (1 - existing) * confidence * 0.5
	assert.InDelta(t, 0.8+(1-0.8)*0.8*0.5, second.Confidence, 1e-9)
	assert.Greater(t, second.Confidence, first.Confidence)
}

func TestLookupOrdersByConfidenceThenRecency(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add("weak axiom statement", "physics", 0.5, "seed")
	require.NoError(t, err)
	_, err = s.Add("strong axiom statement", "physics", 0.95, "seed")
	require.NoError(t, err)

	found := s.Lookup("physics", "", 10)
	require.Len(t, found, 2)
	assert.Equal(t, "strong axiom statement", found[0].Statement)
}

func TestLookupGeneralAlwaysApplies(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add("a general principle", "general", 0.9, "seed")
	require.NoError(t, err)
	_, err = s.Add("a physics law", "physics", 0.9, "seed")
	require.NoError(t, err)
	_, err = s.Add("a logic rule", "logic", 0.9, "seed")
	require.NoError(t, err)

	found := s.Lookup("physics", "", 10)
	statements := make([]string, len(found))
	for i, ax := range found {
		statements[i] = ax.Statement
	}
	assert.Contains(t, statements, "a general principle")
	assert.Contains(t, statements, "a physics law")
	assert.NotContains(t, statements, "a logic rule")
}

func TestIncrementUsageDoesNotBumpSetVersion(t *testing.T) {
	s := newTestStore(t)

	ax, err := s.Add("usage counted axiom", "logic", 0.9, "seed")
	require.NoError(t, err)
	v := s.SetVersion()

	require.NoError(t, s.IncrementUsage(ax.Domain, ax.ID))
	assert.Equal(t, v, s.SetVersion(), "usage counts do not invalidate proof caches")

	found := s.Lookup("logic", "", 1)
	require.Len(t, found, 1)
	assert.Equal(t, 1, found[0].UsageCount)
}

func TestSeedFoundationalIsIdempotentOnNonEmpty(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SeedFoundational())
	seeded := s.Count()
	assert.Greater(t, seeded, 5)

	require.NoError(t, s.SeedFoundational())
	assert.Equal(t, seeded, s.Count(), "seeding only applies to an empty catalog")
}

func TestLoadSeedFile(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "axioms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
axioms:
  - statement: "entropy never decreases in a closed system"
    domain: physics
    confidence: 0.9
  - statement: ""
  - statement: "modus ponens"
    domain: logic
`), 0o644))

	require.NoError(t, s.LoadSeedFile(path))
	assert.Equal(t, 2, s.Count(), "empty statements are skipped")

	found := s.Lookup("logic", "", 10)
	require.NotEmpty(t, found)
	assert.Equal(t, 1.0, found[0].Confidence, "out-of-range confidence defaults to 1.0")
}

func TestWatchSeedFileReloadsOnChange(t *testing.T) {
	s := newTestStore(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "axioms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("axioms:\n  - statement: first axiom\n    domain: logic\n"), 0o644))

	require.NoError(t, s.LoadSeedFile(path))
	require.NoError(t, s.WatchSeedFile(path))
	require.Equal(t, 1, s.Count())

	require.NoError(t, os.WriteFile(path, []byte(
		"axioms:\n  - statement: first axiom\n    domain: logic\n  - statement: second axiom\n    domain: logic\n"), 0o644))

	require.Eventually(t, func() bool {
		return s.Count() == 2
	}, 5*time.Second, 50*time.Millisecond, "watcher reloads the seed file after debounce")
}

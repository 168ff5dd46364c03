package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"engramd/internal/axiom"
	"engramd/internal/config"
	"engramd/internal/llm"
	"engramd/internal/router"
	"engramd/internal/types"
)

// scriptedStore is an in-memory MemoryStore whose Search returns a
// fixed result set, so retrieval priors are exact in assertions.
type scriptedStore struct {
	mu      sync.Mutex
	results []types.ScoredUnit
	units   map[string]*types.MemoryUnit
	nextID  int
}

func newScriptedStore(results ...types.ScoredUnit) *scriptedStore {
	return &scriptedStore{results: results, units: make(map[string]*types.MemoryUnit)}
}

func (s *scriptedStore) Search(ctx context.Context, query string, topK int) ([]types.ScoredUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > topK {
		return s.results[:topK], nil
	}
	return s.results, nil
}

func (s *scriptedStore) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *scriptedStore) GetByFingerprint(ctx context.Context, fp string) (*types.MemoryUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.units {
		if u.Fingerprint == fp {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *scriptedStore) Put(ctx context.Context, unit *types.MemoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unit.ID == "" {
		s.nextID++
		unit.ID = fmt.Sprintf("unit-%d", s.nextID)
	}
	cp := *unit
	s.units[unit.ID] = &cp
	return nil
}

func (s *scriptedStore) Link(ctx context.Context, src, dst string) error { return nil }

func (s *scriptedStore) LinkedUnits(ctx context.Context, id string, depth int) ([]types.MemoryUnit, error) {
	return nil, nil
}

func (s *scriptedStore) WeakUnits(ctx context.Context, qualityFloor, consistencyFloor float64, limit int) ([]types.MemoryUnit, error) {
	return nil, nil
}

func (s *scriptedStore) Stats(ctx context.Context) (types.MemoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.MemoryStats{TotalUnits: len(s.units), AvgQuality: 0.8, AvgConsistency: 1.0}, nil
}

func scored(content string, relevance, quality, decay float64) types.ScoredUnit {
	return types.ScoredUnit{
		Unit: types.MemoryUnit{
			ID:               types.Fingerprint(content)[:8],
			Content:          content,
			Fingerprint:      types.Fingerprint(content),
			Domain:           "general",
			QualityScore:     quality,
			ConsistencyScore: 1.0,
			DecayScore:       decay,
		},
		Relevance: relevance,
	}
}

func newTestCortex(t *testing.T, store types.MemoryStore, client types.LLMClient) *Cortex {
	t.Helper()
	axioms, err := axiom.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = axioms.Close() })

	c, err := New(config.Default(), store, client, axioms)
	require.NoError(t, err)
	return c
}

// gateEcho scripts the rewrite ensemble to return cleaned unanimously,
// so gate consensus is total and routing depends only on retrieval.
func gateEcho(mock *llm.MockClient, cleaned string) *llm.MockClient {
	return mock.Respond("Return ONLY", cleaned)
}

func TestNoMemoryRoutesClarify(t *testing.T) {
	mock := gateEcho(llm.NewMockClient(""), "What is 2+2?")
	c := newTestCortex(t, newScriptedStore(), mock)

	result, err := c.ProcessQuery(context.Background(), "What is 2+2?")
	require.NoError(t, err)

	assert.Equal(t, router.ModeClarify, result.Mode)
	assert.Equal(t, "clarify", result.RiskAnnotation)
	assert.False(t, result.Abstained)
	assert.Contains(t, result.Answer, "rephrase")
}

func TestRecallQuerySynthesizesFromMemory(t *testing.T) {
	mock := gateEcho(llm.NewMockClient(""), "What is the capital of France?").
		Respond("using only the memories", "Paris.")
	store := newScriptedStore(scored("Paris is the capital of France.", 0.92, 0.9, 0))
	c := newTestCortex(t, store, mock)

	result, err := c.ProcessQuery(context.Background(), "What is the capital of France?")
	require.NoError(t, err)

	assert.Equal(t, router.ModePattern, result.Mode)
	assert.Equal(t, "pass", result.RiskAnnotation)
	assert.Equal(t, "Paris.", result.Answer)
	assert.InDelta(t, 0.45*(1-0.92)+0.35*(1-0.9), result.Risk, 1e-9)
}

func TestPatternAbstainsOnWeakEvidence(t *testing.T) {
	mock := gateEcho(llm.NewMockClient(""), "What is the melting point of unobtainium?")
	store := newScriptedStore(scored("Unobtainium is fictional.", 0.85, 0.1, 0.9))
	c := newTestCortex(t, store, mock)

	result, err := c.ProcessQuery(context.Background(), "What is the melting point of unobtainium?")
	require.NoError(t, err)

	assert.Equal(t, router.ModePattern, result.Mode)
	assert.True(t, result.Abstained)
	assert.Equal(t, "abstain", result.RiskAnnotation)
	assert.InDelta(t, 0.45*0.15+0.35*0.9+0.20*0.9, result.Risk, 1e-9)

	// The abstention hands the weak evidence to the background loop.
	assert.Equal(t, 1, c.ControllerState().QueueDepth)
}

func TestHybridEscalatesToSymbolicProof(t *testing.T) {
	query := "Socrates cannot be both mortal and immortal at once."
	mock := gateEcho(llm.NewMockClient(""), query).
		Respond("Encode the following claim",
			`{"formula":"not(and(mortal(socrates),immortal(socrates)))","domain":"logic","predicates":["mortal","immortal"]}`).
		Respond("Generate a proof strategy",
			`{"domain":"logic","approach":"contradiction","formula":"not(and(mortal(socrates),immortal(socrates)))","proof_steps":["assume both hold","mortal and immortal are exclusive","contradiction"]}`).
		Respond("Critically verify this proof", `{"valid": true, "confidence": 1.0, "issues": []}`)

	// Weak evidence forces the pattern pass to abstain, which is what
	// triggers symbolic escalation on the hybrid path.
	store := newScriptedStore(scored("Socrates was a philosopher.", 0.5, 0.2, 0.8))
	c := newTestCortex(t, store, mock)

	result, err := c.ProcessQuery(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, router.ModeHybrid, result.Mode)
	assert.Equal(t, "pass", result.RiskAnnotation)
	assert.False(t, result.Abstained)
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)
	assert.Contains(t, result.Answer, "Proven:")
}

func TestHybridKeepsPatternWhenSymbolicAbstains(t *testing.T) {
	query := "Heavier objects fall faster than light ones."
	mock := gateEcho(llm.NewMockClient(""), query).
		Respond("using only the memories", "They fall at the same rate absent drag.").
		Respond("Encode the following claim",
			`{"formula":"implies(heavier(X,Y),faster_fall(X,Y))","domain":"physics","predicates":["heavier","faster_fall"]}`).
		Respond("Generate a proof strategy",
			`{"domain":"physics","approach":"direct","formula":"implies(heavier(X,Y),faster_fall(X,Y))","proof_steps":["weight determines fall rate"]}`).
		Respond("Critically verify this proof", `{"valid": false, "confidence": 0.8, "issues": ["contradicts equivalence principle"]}`)

	// Mid-range risk: the pattern pass caveats rather than abstains.
	store := newScriptedStore(scored("Galileo's experiment showed equal fall rates.", 0.7, 0.6, 0.3))
	c := newTestCortex(t, store, mock)

	result, err := c.ProcessQuery(context.Background(), query)
	require.NoError(t, err)

	// The refuted proof carries low confidence, so the symbolic pass
	// abstains; the caveated pattern answer says more and wins.
	assert.Equal(t, router.ModeHybrid, result.Mode)
	assert.Equal(t, "caveat", result.RiskAnnotation)
	assert.False(t, result.Abstained)
	assert.Contains(t, result.Answer, "They fall at the same rate absent drag.")
}

func TestIngestDeduplicates(t *testing.T) {
	mock := llm.NewMockClient("ok")
	store := newScriptedStore()
	c := newTestCortex(t, store, mock)

	ctx := context.Background()
	id1, created, err := c.Ingest(ctx, "Water boils at 100C at sea level.")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, id1)

	id2, created, err := c.Ingest(ctx, "  Water boils at 100C at sea level.  ")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id1, id2)

	_, _, err = c.Ingest(ctx, "   ")
	require.Error(t, err)
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	mock := llm.NewMockClient("ok")
	cfg := config.Default()
	cfg.Awake.MinHz = 40
	cfg.Awake.MaxHz = 60
	cfg.Pulse.Interval = config.Duration(10 * time.Millisecond)

	axioms, err := axiom.Open(":memory:")
	require.NoError(t, err)
	defer axioms.Close()

	c, err := New(cfg, newScriptedStore(), mock, axioms)
	require.NoError(t, err)

	c.Start()
	c.StartHeartbeat()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	assert.GreaterOrEqual(t, c.Snapshot().Tick, uint64(1))
}

func TestProcessQueryHonorsCanceledContext(t *testing.T) {
	mock := llm.NewMockClient("ok")
	c := newTestCortex(t, newScriptedStore(), mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ProcessQuery(ctx, "What is entropy?")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

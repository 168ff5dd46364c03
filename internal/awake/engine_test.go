package awake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"engramd/internal/bridge"
	"engramd/internal/config"
	"engramd/internal/guard"
	"engramd/internal/llm"
	"engramd/internal/types"
)

// fakeStore is an in-memory MemoryStore for loop tests.
type fakeStore struct {
	mu    sync.Mutex
	units map[string]*types.MemoryUnit
	puts  atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{units: make(map[string]*types.MemoryUnit)}
}

func (f *fakeStore) add(u types.MemoryUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[u.ID] = &u
}

func (f *fakeStore) Search(ctx context.Context, query string, topK int) ([]types.ScoredUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ScoredUnit
	for _, u := range f.units {
		out = append(out, types.ScoredUnit{Unit: *u, Relevance: 0.9})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.units[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) Put(ctx context.Context, unit *types.MemoryUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *unit
	f.units[unit.ID] = &cp
	f.puts.Add(1)
	return nil
}

func (f *fakeStore) GetByFingerprint(ctx context.Context, fp string) (*types.MemoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.units {
		if u.Fingerprint == fp {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Link(ctx context.Context, src, dst string) error { return nil }

func (f *fakeStore) LinkedUnits(ctx context.Context, id string, depth int) ([]types.MemoryUnit, error) {
	return nil, nil
}

func (f *fakeStore) WeakUnits(ctx context.Context, qualityFloor, consistencyFloor float64, limit int) ([]types.MemoryUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryUnit
	for _, u := range f.units {
		if u.QualityScore < qualityFloor || u.ConsistencyScore < consistencyFloor {
			out = append(out, *u)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Stats(ctx context.Context) (types.MemoryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.MemoryStats{TotalUnits: len(f.units)}, nil
}

func fastConfig() config.AwakeConfig {
	cfg := config.Default().Awake
	cfg.MinHz = 40
	cfg.MaxHz = 60
	return cfg
}

func newTestEngine(store types.MemoryStore, client types.LLMClient) *Engine {
	g := guard.New(config.Default().Guard)
	b := bridge.New(client, 3)
	return New(fastConfig(), store, client, g, b, nil, nil)
}

func TestEscalationLadder(t *testing.T) {
	require.Equal(t, ModeThinking, Escalate(ModeIdle))
	require.Equal(t, ModeFocused, Escalate(ModeThinking))
	require.Equal(t, ModeFocused, Escalate(ModeFocused), "FOCUSED is the top of the ladder")
	require.Equal(t, ModeSleeping, Escalate(ModeSleeping), "escalation never wakes a sleeping loop")

	require.Equal(t, ModeThinking, Deescalate(ModeFocused))
	require.Equal(t, ModeIdle, Deescalate(ModeThinking))
	require.Equal(t, ModeIdle, Deescalate(ModeIdle))
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	e := newTestEngine(newFakeStore(), llm.NewMockClient("ok"))
	e.Start()
	require.Equal(t, ModeIdle, e.State().Mode)
	e.Stop()
	require.Equal(t, ModeSleeping, e.State().Mode)
	require.Zero(t, e.State().Rate)
}

func TestOpenBreakerBlocksAllWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	store := newFakeStore()
	store.add(types.MemoryUnit{ID: "weak-1", Content: "dubious fact", QualityScore: 0.2, ConsistencyScore: 0.7})

	client := llm.NewMockClient("ok")
	client.Respond("reliability", "0.9")

	e := newTestEngine(store, client)
	e.TripBreaker()
	e.Start()
	defer e.Stop()

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, store.puts.Load(), "no write-backs while the breaker is open")
	require.Zero(t, e.HealthCounters().Cycles)
	require.True(t, e.State().BreakerOpen)

	e.ResetBreaker()
	require.Eventually(t, func() bool {
		return store.puts.Load() > 0
	}, 3*time.Second, 20*time.Millisecond, "work resumes after explicit reset")
}

func TestResetBreakerWakesSleepingLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	store := newFakeStore()
	store.add(types.MemoryUnit{ID: "weak-1", Content: "dubious fact", QualityScore: 0.2, ConsistencyScore: 0.7})

	client := llm.NewMockClient("ok")
	client.Respond("reliability", "0.9")

	e := newTestEngine(store, client)
	e.Start()
	defer e.Stop()

	// A fatal-error trip also puts the loop to sleep.
	e.TripBreaker()
	e.RequestMode(ModeSleeping)
	require.Eventually(t, func() bool {
		return e.State().Mode == ModeSleeping
	}, 3*time.Second, 20*time.Millisecond)

	before := store.puts.Load()
	e.ResetBreaker()
	require.Eventually(t, func() bool {
		return e.State().Mode != ModeSleeping
	}, 3*time.Second, 20*time.Millisecond, "reset wakes the loop, not just the breaker")
	require.Eventually(t, func() bool {
		return store.puts.Load() > before
	}, 3*time.Second, 20*time.Millisecond, "work resumes after the reset")
}

func TestIdleEscalatesWhenScanFindsWeakUnits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	store := newFakeStore()
	store.add(types.MemoryUnit{ID: "weak-1", Content: "dubious fact", QualityScore: 0.2, ConsistencyScore: 0.7})

	client := llm.NewMockClient("ok")
	client.Respond("reliability", "0.9")

	e := newTestEngine(store, client)
	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		return store.puts.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)

	got, err := store.Get(context.Background(), "weak-1")
	require.NoError(t, err)
	require.Greater(t, got.QualityScore, 0.2, "refinement raises quality toward the verification rating")
}

func TestRefineExcludesSelfCorroboration(t *testing.T) {
	store := newFakeStore()
	store.add(types.MemoryUnit{ID: "lonely-1", Content: "isolated fact", QualityScore: 0.2, ConsistencyScore: 0.6})

	client := llm.NewMockClient("ok")
	client.Respond("reliability", "0.9")

	e := newTestEngine(store, client)
	e.ctx = context.Background()

	unit, err := store.Get(context.Background(), "lonely-1")
	require.NoError(t, err)
	e.refine(unit)

	got, err := store.Get(context.Background(), "lonely-1")
	require.NoError(t, err)
	require.InDelta(t, 0.6, got.ConsistencyScore, 1e-9,
		"a unit with no neighbors has no corroborating evidence")
	require.InDelta(t, (0.2+0.9)/2, got.QualityScore, 1e-9)
}

func TestRequestedModeAppliesAtCycleStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	e := newTestEngine(newFakeStore(), llm.NewMockClient("ok"))
	e.Start()
	defer e.Stop()

	e.RequestMode(ModeThinking)
	require.Eventually(t, func() bool {
		return e.State().Mode == ModeThinking
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDrainedQueueDeescalatesTowardIdle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	e := newTestEngine(newFakeStore(), llm.NewMockClient("ok"))
	e.Start()
	defer e.Stop()

	e.RequestMode(ModeFocused)
	require.Eventually(t, func() bool {
		return e.State().Mode == ModeIdle
	}, 5*time.Second, 20*time.Millisecond, "empty queue drifts back to IDLE one step per cycle")
}

func TestReapEnforcesHardCap(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueHardCap = 5
	e := New(cfg, newFakeStore(), llm.NewMockClient("ok"), guard.New(config.Default().Guard), nil, nil, nil)

	e.mu.Lock()
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		e.queue = append(e.queue, workItem{unitID: id, quality: float64(i) / 20, enqueuedAt: time.Now()})
		e.queued[id] = true
	}
	e.mu.Unlock()

	e.reap()

	st := e.State()
	require.Equal(t, 5, st.QueueDepth)

	// Most urgent (lowest quality) items survive the prune.
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range e.queue {
		require.Less(t, item.quality, 0.3)
	}
}

func TestPopOrdersByUrgency(t *testing.T) {
	e := newTestEngine(newFakeStore(), llm.NewMockClient("ok"))

	now := time.Now()
	e.mu.Lock()
	e.queue = []workItem{
		{unitID: "fresh-bad", quality: 0.1, enqueuedAt: now},
		{unitID: "old-ok", quality: 0.45, enqueuedAt: now.Add(-2 * time.Hour)},
		{unitID: "fresh-ok", quality: 0.45, enqueuedAt: now},
	}
	for _, item := range e.queue {
		e.queued[item.unitID] = true
	}
	e.mu.Unlock()

	batch := e.pop(2)
	require.Len(t, batch, 2)
	ids := []string{batch[0].unitID, batch[1].unitID}
	require.Contains(t, ids, "old-ok", "aged items gain urgency and are not starved")
	require.Contains(t, ids, "fresh-bad")
	require.Equal(t, 1, e.State().QueueDepth)
}

func TestFocusBurstJumpsTheQueue(t *testing.T) {
	e := newTestEngine(newFakeStore(), llm.NewMockClient("ok"))

	e.mu.Lock()
	e.queue = []workItem{{unitID: "routine", quality: 0.1, enqueuedAt: time.Now()}}
	e.queued["routine"] = true
	e.mu.Unlock()

	e.FocusBurst("urgent")
	e.FocusBurst("urgent") // dedup

	require.Equal(t, 2, e.State().QueueDepth)

	batch := e.pop(1)
	require.Len(t, batch, 1)
	require.Equal(t, "urgent", batch[0].unitID, "burst items outrank everything queued")

	// The burst also requests FOCUSED, applied at the next cycle start.
	e.beginCycle()
	require.Equal(t, ModeFocused, e.State().Mode)
}

// Package pulse implements the heartbeat meta-controller. On a fixed
// tick it samples component metrics into a BrainSnapshot, appends it to
// a bounded history, and steers the adaptive loop through feedback
// rules evaluated in strict priority order.
package pulse

import (
	"context"
	"sync"
	"time"

	"engramd/internal/awake"
	"engramd/internal/config"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// BrainSnapshot is one tick's view of system health. Snapshots are
// immutable once appended and strictly tick-ordered.
type BrainSnapshot struct {
	Tick           uint64             `json:"tick"`
	Time           time.Time          `json:"time"`
	Mode           awake.Mode         `json:"mode"`
	Rate           float64            `json:"rate"`
	QueueDepth     int                `json:"queue_depth"`
	BreakerOpen    bool               `json:"breaker_open"`
	TotalUnits     int                `json:"total_units"`
	AxiomDerived   int                `json:"axiom_derived"`
	Proofs         uint64             `json:"proofs"`
	Errors         uint64             `json:"errors"` // since the previous tick
	AvgQuality     float64            `json:"avg_quality"`
	AvgConsistency float64            `json:"avg_consistency"`
	Extra          map[string]float64 `json:"extra,omitempty"`
}

// Controller is the adaptive loop surface the heartbeat steers. It only
// reads state and requests changes; the loop remains the single writer.
type Controller interface {
	State() awake.ControllerState
	HealthCounters() awake.Health
	RequestMode(awake.Mode)
	RequestRate(float64)
	TripBreaker()
}

// MetricsFunc supplies component counters sampled each tick.
type MetricsFunc func() map[string]float64

// Heartbeat drives the meta-control tick.
type Heartbeat struct {
	cfg   config.PulseConfig
	ctrl  Controller
	store types.MemoryStore

	mu         sync.Mutex
	ring       *snapshotRing
	tick       uint64
	lastErrors uint64
	providers  map[string]MetricsFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped heartbeat.
func New(cfg config.PulseConfig, ctrl Controller, store types.MemoryStore) *Heartbeat {
	return &Heartbeat{
		cfg:       cfg,
		ctrl:      ctrl,
		store:     store,
		ring:      newSnapshotRing(cfg.HistoryCapacity),
		providers: make(map[string]MetricsFunc),
	}
}

// Register adds a named metrics provider sampled into Extra each tick.
// Must be called before Start.
func (h *Heartbeat) Register(name string, fn MetricsFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[name] = fn
}

// Start launches the ticker goroutine.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.done != nil {
		h.mu.Unlock()
		return
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.done = make(chan struct{})
	h.mu.Unlock()

	logging.Get(logging.CategoryPulse).Infow("heartbeat starting", "interval", h.cfg.Interval.Std())
	go h.run()
}

// Stop halts the ticker and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if h.done == nil {
		h.mu.Unlock()
		return
	}
	done := h.done
	h.cancel()
	h.mu.Unlock()

	<-done

	h.mu.Lock()
	h.done = nil
	h.mu.Unlock()
	logging.Get(logging.CategoryPulse).Infow("heartbeat stopped")
}

func (h *Heartbeat) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			h.step(now)
		}
	}
}

// step performs one tick: sample, snapshot, feedback. Feedback always
// acts on the snapshot just completed, never a stale one.
func (h *Heartbeat) step(now time.Time) {
	snap := h.collect(now)

	h.mu.Lock()
	h.ring.append(snap)
	h.mu.Unlock()

	h.feedback(snap)
}

func (h *Heartbeat) collect(now time.Time) BrainSnapshot {
	st := h.ctrl.State()
	health := h.ctrl.HealthCounters()

	h.mu.Lock()
	h.tick++
	tick := h.tick
	errDelta := health.Errors - h.lastErrors
	h.lastErrors = health.Errors
	providers := make(map[string]MetricsFunc, len(h.providers))
	for name, fn := range h.providers {
		providers[name] = fn
	}
	h.mu.Unlock()

	snap := BrainSnapshot{
		Tick:        tick,
		Time:        now,
		Mode:        st.Mode,
		Rate:        st.Rate,
		QueueDepth:  st.QueueDepth,
		BreakerOpen: st.BreakerOpen,
		Proofs:      health.Proofs,
		Errors:      errDelta,
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Interval.Std())
	defer cancel()
	if stats, err := h.store.Stats(ctx); err == nil {
		snap.TotalUnits = stats.TotalUnits
		snap.AxiomDerived = stats.AxiomDerived
		snap.AvgQuality = stats.AvgQuality
		snap.AvgConsistency = stats.AvgConsistency
	} else {
		logging.Get(logging.CategoryPulse).Warnw("store stats unavailable", "tick", tick, "error", err)
		snap.AvgConsistency = 1.0
	}

	if len(providers) > 0 {
		snap.Extra = make(map[string]float64)
		for name, fn := range providers {
			for k, v := range fn() {
				snap.Extra[name+"."+k] = v
			}
		}
	}
	return snap
}

// feedback evaluates the steering rules in priority order. Exactly one
// rule fires per tick.
func (h *Heartbeat) feedback(snap BrainSnapshot) {
	log := logging.Get(logging.CategoryPulse)

	switch {
	case snap.Errors >= uint64(h.cfg.ErrorFatalPerTick):
		log.Errorw("fatal error rate, opening breaker",
			"tick", snap.Tick, "errors", snap.Errors, "threshold", h.cfg.ErrorFatalPerTick)
		h.ctrl.TripBreaker()
		h.ctrl.RequestMode(awake.ModeSleeping)

	case snap.AvgConsistency < h.cfg.ConsistencyFloor && snap.Mode != awake.ModeSleeping:
		next := awake.Escalate(snap.Mode)
		if next != snap.Mode {
			log.Warnw("low consistency, escalating",
				"tick", snap.Tick, "avg_consistency", snap.AvgConsistency, "to", string(next))
			h.ctrl.RequestMode(next)
		}

	case snap.QueueDepth > h.cfg.PressureDepth:
		// The loop clamps the request to its mode's range.
		h.ctrl.RequestRate(snap.Rate * 1.5)
		log.Infow("queue pressure, raising rate", "tick", snap.Tick, "depth", snap.QueueDepth)

	default:
		if snap.Mode == awake.ModeThinking || snap.Mode == awake.ModeFocused {
			h.ctrl.RequestMode(awake.Deescalate(snap.Mode))
			log.Debugw("nominal health, de-escalating", "tick", snap.Tick, "from", string(snap.Mode))
		}
	}
}

// Snapshot returns the most recent snapshot, or a zero snapshot before
// the first tick.
func (h *Heartbeat) Snapshot() BrainSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, _ := h.ring.last()
	return snap
}

// History returns up to lastN snapshots, oldest first.
func (h *Heartbeat) History(lastN int) []BrainSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ring.history(lastN)
}

// Package awake implements the adaptive background loop. It scans the
// memory store for weak units and refines them at a rate that scales
// with its mode: IDLE scans slowly, THINKING re-verifies via the LLM,
// FOCUSED runs the full bridge and proof path. The heartbeat steers it
// through requested transitions that are applied only at cycle start.
package awake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engramd/internal/axiom"
	"engramd/internal/bridge"
	"engramd/internal/config"
	"engramd/internal/guard"
	"engramd/internal/logging"
	"engramd/internal/reason"
	"engramd/internal/types"
)

// workItem is a queued refinement task.
type workItem struct {
	unitID      string
	quality     float64
	consistency float64
	enqueuedAt  time.Time
	burst       bool // externally triggered, always dispatched first
}

// urgency rises as quality falls and as the item ages, so old items
// cannot be starved by a stream of fresh low-quality ones.
func (w workItem) urgency(now time.Time, staleAfter time.Duration) float64 {
	ageFactor := now.Sub(w.enqueuedAt).Seconds() / staleAfter.Seconds()
	if ageFactor > 1 {
		ageFactor = 1
	}
	u := (1 - w.quality) + ageFactor
	if w.burst {
		u += 10
	}
	return u
}

// Engine is the adaptive loop. It owns ControllerState exclusively;
// everything external goes through accessor and request methods.
type Engine struct {
	cfg config.AwakeConfig

	store  types.MemoryStore
	llm    types.LLMClient
	guard  *guard.Guard
	bridge *bridge.Bridge
	reason *reason.Engine
	axioms *axiom.Store

	mu      sync.Mutex
	mode    Mode
	rate    float64
	breaker bool
	queue   []workItem
	queued  map[string]bool

	// pending requests, applied at the next cycle start
	reqMode *Mode
	reqRate *float64

	cycles  atomic.Uint64
	refined atomic.Uint64
	proofs  atomic.Uint64
	errors  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the loop in SLEEPING mode. Start wakes it.
func New(cfg config.AwakeConfig, store types.MemoryStore, llm types.LLMClient,
	g *guard.Guard, b *bridge.Bridge, r *reason.Engine, axioms *axiom.Store) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		llm:    llm,
		guard:  g,
		bridge: b,
		reason: r,
		axioms: axioms,
		mode:   ModeSleeping,
		queued: make(map[string]bool),
	}
}

// Start wakes the loop into IDLE and launches the background task.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.done != nil {
		e.mu.Unlock()
		return
	}
	e.mode = ModeIdle
	e.rate = e.cfg.MinHz
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})
	e.mu.Unlock()

	logging.Get(logging.CategoryAwake).Infow("adaptive loop starting", "min_hz", e.cfg.MinHz, "max_hz", e.cfg.MaxHz)
	go e.run()
}

// Stop transitions to SLEEPING and waits for the background task.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.done == nil {
		e.mu.Unlock()
		return
	}
	done := e.done
	e.cancel()
	e.mu.Unlock()

	<-done

	e.mu.Lock()
	e.mode = ModeSleeping
	e.rate = 0
	e.done = nil
	e.mu.Unlock()
	logging.Get(logging.CategoryAwake).Infow("adaptive loop stopped")
}

// State returns the current controller state.
func (e *Engine) State() ControllerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ControllerState{Mode: e.mode, Rate: e.rate, QueueDepth: len(e.queue), BreakerOpen: e.breaker}
}

// HealthCounters returns cumulative work counters.
func (e *Engine) HealthCounters() Health {
	return Health{
		Cycles:  e.cycles.Load(),
		Refined: e.refined.Load(),
		Proofs:  e.proofs.Load(),
		Errors:  e.errors.Load(),
	}
}

// RequestMode asks for a transition, applied at the next cycle start.
func (e *Engine) RequestMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqMode = &m
}

// RequestRate asks for a rate change, clamped to the mode's range when
// applied at the next cycle start.
func (e *Engine) RequestRate(hz float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqRate = &hz
}

// TripBreaker opens the circuit breaker. The loop performs no work
// until ResetBreaker, regardless of queue depth or requested modes.
func (e *Engine) TripBreaker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.breaker {
		e.breaker = true
		logging.Get(logging.CategoryAwake).Warnw("circuit breaker opened")
	}
}

// ResetBreaker closes the breaker. This is the only way it closes.
// A loop that was put to sleep alongside the trip is woken back to
// IDLE, since nothing else issues mode requests while it sleeps.
func (e *Engine) ResetBreaker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breaker {
		e.breaker = false
		if e.mode == ModeSleeping && e.done != nil {
			m := ModeIdle
			e.reqMode = &m
		}
		logging.Get(logging.CategoryAwake).Infow("circuit breaker reset")
	}
}

// FocusBurst queues a unit at maximum urgency and requests FOCUSED.
// Used when query handling finds a unit that urgently needs proof work.
func (e *Engine) FocusBurst(unitID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.queued[unitID] {
		e.queue = append(e.queue, workItem{unitID: unitID, enqueuedAt: time.Now(), burst: true})
		e.queued[unitID] = true
	}
	m := ModeFocused
	e.reqMode = &m
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		interval := e.beginCycle()

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(interval):
		}

		e.mu.Lock()
		open := e.breaker
		sleeping := e.mode == ModeSleeping
		e.mu.Unlock()
		if open || sleeping {
			continue
		}

		e.cycle()
		e.cycles.Add(1)
	}
}

// beginCycle applies pending requests, recomputes the rate for the
// current mode and queue depth, and returns the wait interval.
func (e *Engine) beginCycle() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reqMode != nil {
		if *e.reqMode != e.mode {
			logging.Get(logging.CategoryAwake).Infow("mode transition",
				"from", string(e.mode), "to", string(*e.reqMode), "source", "controller")
		}
		e.mode = *e.reqMode
		e.reqMode = nil
	}

	e.rate = e.rateFor(e.mode, len(e.queue))
	if e.reqRate != nil {
		lo, hi := e.modeRange(e.mode)
		e.rate = clampRate(*e.reqRate, lo, hi)
		e.reqRate = nil
	}

	if e.mode == ModeSleeping || e.breaker || e.rate <= 0 {
		// Poll slowly so requests and resets are still picked up.
		return time.Duration(float64(time.Second) / e.cfg.MinHz)
	}
	return time.Duration(float64(time.Second) / e.rate)
}

// modeRange returns the hz bounds for a mode.
func (e *Engine) modeRange(m Mode) (float64, float64) {
	switch m {
	case ModeIdle:
		return e.cfg.MinHz, minf(1, e.cfg.MaxHz)
	case ModeThinking:
		return clampRate(2, e.cfg.MinHz, e.cfg.MaxHz), clampRate(15, e.cfg.MinHz, e.cfg.MaxHz)
	case ModeFocused:
		return clampRate(15, e.cfg.MinHz, e.cfg.MaxHz), e.cfg.MaxHz
	default:
		return 0, 0
	}
}

// rateFor scales the rate within the mode's range by queue pressure.
func (e *Engine) rateFor(m Mode, depth int) float64 {
	lo, hi := e.modeRange(m)
	if m == ModeIdle || lo >= hi {
		return lo
	}
	pressure := float64(depth) / 20
	if pressure > 1 {
		pressure = 1
	}
	return lo + pressure*(hi-lo)
}

func (e *Engine) cycle() {
	log := logging.Get(logging.CategoryAwake)

	e.scan()
	e.reap()

	batch := e.pop(e.cfg.ScanBatch)
	if len(batch) == 0 {
		// Queue drained and nothing new found: drift back toward IDLE.
		e.mu.Lock()
		if len(e.queue) == 0 && e.mode != ModeIdle && e.mode != ModeSleeping {
			e.mode = Deescalate(e.mode)
		}
		e.mu.Unlock()
		return
	}

	for _, item := range batch {
		unit, err := e.store.Get(e.ctx, item.unitID)
		if err != nil || unit == nil {
			if err != nil {
				e.errors.Add(1)
			}
			continue
		}

		// Deep inconsistency escalates THINKING to FOCUSED before dispatch.
		e.mu.Lock()
		if unit.ConsistencyScore < e.cfg.EscalationFloor && e.mode == ModeThinking {
			log.Infow("mode transition", "from", string(ModeThinking), "to", string(ModeFocused),
				"source", "escalation", "unit", unit.ID)
			e.mode = ModeFocused
		}
		mode := e.mode
		e.mu.Unlock()

		switch mode {
		case ModeFocused:
			e.prove(unit)
		default:
			e.refine(unit)
		}

		if e.ctx.Err() != nil {
			return
		}
	}
}

// scan pulls weak units from the store into the queue. Finding work
// while IDLE triggers the THINKING transition.
func (e *Engine) scan() {
	weak, err := e.store.WeakUnits(e.ctx, e.cfg.QualityFloor, e.cfg.ConsistencyFloor, e.cfg.ScanBatch)
	if err != nil {
		e.errors.Add(1)
		logging.Get(logging.CategoryAwake).Warnw("weak unit scan failed", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, u := range weak {
		if e.queued[u.ID] {
			continue
		}
		e.queue = append(e.queue, workItem{
			unitID:      u.ID,
			quality:     u.QualityScore,
			consistency: u.ConsistencyScore,
			enqueuedAt:  time.Now(),
		})
		e.queued[u.ID] = true
		added++
	}

	if added > 0 && e.mode == ModeIdle {
		logging.Get(logging.CategoryAwake).Infow("mode transition",
			"from", string(ModeIdle), "to", string(ModeThinking), "source", "scan", "found", added)
		e.mode = ModeThinking
	}
}

// reap drops stale low-quality items and enforces the hard cap.
func (e *Engine) reap() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	stale := e.cfg.StaleAfter.Std()
	kept := e.queue[:0]
	for _, item := range e.queue {
		if !item.burst && now.Sub(item.enqueuedAt) > stale && item.quality < e.cfg.QualityFloor/2 {
			delete(e.queued, item.unitID)
			continue
		}
		kept = append(kept, item)
	}
	e.queue = kept

	if len(e.queue) > e.cfg.QueueHardCap {
		sort.SliceStable(e.queue, func(i, j int) bool {
			return e.queue[i].urgency(now, stale) > e.queue[j].urgency(now, stale)
		})
		for _, dropped := range e.queue[e.cfg.QueueHardCap:] {
			delete(e.queued, dropped.unitID)
		}
		e.queue = e.queue[:e.cfg.QueueHardCap]
		logging.Get(logging.CategoryAwake).Warnw("queue pruned to hard cap", "cap", e.cfg.QueueHardCap)
	}
}

// pop removes up to n items, most urgent first.
func (e *Engine) pop(n int) []workItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 || n <= 0 {
		return nil
	}

	now := time.Now()
	stale := e.cfg.StaleAfter.Std()
	sort.SliceStable(e.queue, func(i, j int) bool {
		return e.queue[i].urgency(now, stale) > e.queue[j].urgency(now, stale)
	})

	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := e.queue[:n]
	e.queue = append([]workItem(nil), e.queue[n:]...)
	for _, item := range batch {
		delete(e.queued, item.unitID)
	}
	return batch
}

const verifyPrompt = `Assess the factual reliability of this stored memory.

Memory: %s

Reply with only a number between 0.0 and 1.0, where 1.0 means fully reliable.`

// refine is the THINKING path: LLM re-verification plus a corroboration
// check against neighboring memories through the honesty gate.
func (e *Engine) refine(unit *types.MemoryUnit) {
	log := logging.Get(logging.CategoryAwake)

	reply, err := e.llm.Complete(e.ctx, fmt.Sprintf(verifyPrompt, unit.Content))
	if err != nil {
		e.errors.Add(1)
		log.Warnw("refinement llm call failed", "unit", unit.ID, "error", err)
		return
	}

	rating, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil || rating < 0 || rating > 1 {
		rating = unit.QualityScore
	}

	// Corroboration: how well do neighboring memories support this one.
	// The unit itself comes back as a top match for its own content and
	// must not count as its own corroboration.
	consistency := unit.ConsistencyScore
	if related, err := e.store.Search(e.ctx, unit.Content, 4); err == nil {
		neighbors := related[:0]
		for _, su := range related {
			if su.Unit.ID != unit.ID {
				neighbors = append(neighbors, su)
			}
		}
		if len(neighbors) > 3 {
			neighbors = neighbors[:3]
		}
		if len(neighbors) > 0 {
			risk := e.guard.Risk(guard.FromUnits(neighbors))
			consistency = 1 - risk
		}
	}

	unit.QualityScore = (unit.QualityScore + rating) / 2
	unit.ConsistencyScore = (unit.ConsistencyScore + consistency) / 2
	unit.DecayScore = 0

	if err := e.store.Put(e.ctx, unit); err != nil {
		e.errors.Add(1)
		log.Warnw("refinement write-back failed", "unit", unit.ID, "error", err)
		return
	}
	e.refined.Add(1)
	log.Debugw("unit refined", "unit", unit.ID, "quality", unit.QualityScore, "consistency", unit.ConsistencyScore)
}

// prove is the FOCUSED path: encode the memory as a logical claim and
// attempt a first-principles proof. Proved units become axiom-derived.
func (e *Engine) prove(unit *types.MemoryUnit) {
	log := logging.Get(logging.CategoryAwake)

	form, err := e.bridge.ToLogicalForm(e.ctx, unit.Content)
	if err != nil {
		e.errors.Add(1)
		log.Warnw("logical encoding failed", "unit", unit.ID, "error", err)
		return
	}
	if form.Indeterminate {
		// No stable logical reading: fall back to plain refinement.
		e.refine(unit)
		return
	}

	cand, err := e.reason.Prove(e.ctx, unit.Content, form.Domain)
	if err != nil {
		e.errors.Add(1)
		log.Warnw("proof attempt failed", "unit", unit.ID, "error", err)
		return
	}

	switch cand.Outcome {
	case types.OutcomeProved:
		unit.AxiomDerived = true
		unit.ProofID = types.Fingerprint(cand.FormalClaim + cand.Claim)
		unit.ConsistencyScore = cand.Confidence
		unit.QualityScore = maxf(unit.QualityScore, cand.Confidence)
		unit.DecayScore = 0
		if _, err := e.axioms.Promote(cand); err != nil {
			log.Warnw("axiom promotion failed", "unit", unit.ID, "error", err)
		}
		e.proofs.Add(1)
	case types.OutcomeRefuted:
		unit.ConsistencyScore = minf(unit.ConsistencyScore, cand.Confidence)
		unit.QualityScore = unit.QualityScore * 0.5
	default:
		// Unknown: no verdict either way; note the attempt via decay reset.
		unit.DecayScore = 0
	}

	if err := e.store.Put(e.ctx, unit); err != nil {
		e.errors.Add(1)
		log.Warnw("proof write-back failed", "unit", unit.ID, "error", err)
		return
	}
	log.Infow("unit proof attempt complete", "unit", unit.ID, "outcome", string(cand.Outcome), "confidence", cand.Confidence)
}

func clampRate(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

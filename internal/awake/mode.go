package awake

// Mode is the adaptive loop's processing state.
type Mode string

const (
	// ModeSleeping performs no work. Entered only on explicit stop or
	// when the circuit breaker opens.
	ModeSleeping Mode = "SLEEPING"
	// ModeIdle scans at a fixed low rate.
	ModeIdle Mode = "IDLE"
	// ModeThinking refines weak units via LLM re-verification.
	ModeThinking Mode = "THINKING"
	// ModeFocused engages first-principles reasoning on weak units.
	ModeFocused Mode = "FOCUSED"
)

// rank orders modes for escalation. SLEEPING is outside the ladder.
func (m Mode) rank() int {
	switch m {
	case ModeIdle:
		return 1
	case ModeThinking:
		return 2
	case ModeFocused:
		return 3
	default:
		return 0
	}
}

// Escalate moves one step up the ladder. FOCUSED and SLEEPING are fixed
// points; a sleeping loop wakes only through Start or an explicit request.
func Escalate(m Mode) Mode {
	switch m {
	case ModeIdle:
		return ModeThinking
	case ModeThinking:
		return ModeFocused
	default:
		return m
	}
}

// Deescalate moves one step down toward IDLE.
func Deescalate(m Mode) Mode {
	switch m {
	case ModeFocused:
		return ModeThinking
	case ModeThinking:
		return ModeIdle
	default:
		return m
	}
}

// ControllerState is a read-only view of the loop's control variables.
// The loop is the single writer; the heartbeat reads it and requests
// changes that take effect at the start of the next cycle.
type ControllerState struct {
	Mode        Mode    `json:"mode"`
	Rate        float64 `json:"rate"`
	QueueDepth  int     `json:"queue_depth"`
	BreakerOpen bool    `json:"breaker_open"`
}

// Health holds cumulative work counters sampled by the heartbeat.
type Health struct {
	Cycles  uint64 `json:"cycles"`
	Refined uint64 `json:"refined"`
	Proofs  uint64 `json:"proofs"`
	Errors  uint64 `json:"errors"`
}

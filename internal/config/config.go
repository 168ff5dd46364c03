// Package config holds all engramd configuration.
// Every policy constant (agreement floors, risk thresholds, rate bounds)
// lives here so deployments can tune them without code changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s" style strings
// as well as integer nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level engramd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM    LLMConfig    `yaml:"llm"`
	Memory MemoryConfig `yaml:"memory"`
	Gate   GateConfig   `yaml:"gate"`
	Router RouterConfig `yaml:"router"`
	Guard  GuardConfig  `yaml:"guard"`
	Reason ReasonConfig `yaml:"reason"`
	Awake  AwakeConfig  `yaml:"awake"`
	Pulse  PulseConfig  `yaml:"pulse"`

	Debug bool `yaml:"debug"`
}

// LLMConfig configures the language model service client.
type LLMConfig struct {
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	EmbeddingModel string   `yaml:"embedding_model"`
	Timeout        Duration `yaml:"timeout"`
	MaxRetries     int      `yaml:"max_retries"`
}

// MemoryConfig configures the SQLite memory and axiom stores.
type MemoryConfig struct {
	DatabasePath  string `yaml:"database_path"`
	AxiomSeedPath string `yaml:"axiom_seed_path"` // optional YAML seed file, hot-reloaded
	RequireVec    bool   `yaml:"require_vec"`     // fail fast if sqlite-vec is unavailable
}

// GateConfig configures the translator gate ensemble.
type GateConfig struct {
	EnsembleSize  int     `yaml:"ensemble_size"`  // number of rewrite strategies to run
	MinAgreement  float64 `yaml:"min_agreement"`  // consensus floor, below which -> CLARIFY
	InputRiskCap  float64 `yaml:"input_risk_cap"` // pre-retrieval risk above which confidence is halved
	CacheCapacity int     `yaml:"cache_capacity"` // FIFO fingerprint cache size
}

// RouterConfig configures query routing.
type RouterConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"` // retrieval prior needed for PATTERN
	ClarifyFloor    float64 `yaml:"clarify_floor"`    // gate confidence below which -> CLARIFY
}

// GuardConfig configures the honesty gate.
type GuardConfig struct {
	AbstainThreshold float64 `yaml:"abstain_threshold"` // risk strictly above -> abstain
	CaveatThreshold  float64 `yaml:"caveat_threshold"`  // risk above -> annotate with caveat
	RetrievalWeight  float64 `yaml:"retrieval_weight"`
	QualityWeight    float64 `yaml:"quality_weight"`
	DecayWeight      float64 `yaml:"decay_weight"`
}

// ReasonConfig configures the symbolic reasoning engine.
type ReasonConfig struct {
	ProofThreshold      float64 `yaml:"proof_threshold"`      // confidence >= -> PROVED
	RefutationThreshold float64 `yaml:"refutation_threshold"` // confidence <= -> REFUTED
	MaxProposeAttempts  int     `yaml:"max_propose_attempts"`
	SelfVerifyCap       float64 `yaml:"self_verify_cap"` // confidence cap without a formal solver
	CacheCapacity       int     `yaml:"cache_capacity"`  // LRU proof cache entries
	BridgeSamples       int     `yaml:"bridge_samples"`  // multi-sample count for logical encoding
}

// AwakeConfig configures the adaptive background loop.
type AwakeConfig struct {
	MinHz            float64  `yaml:"min_hz"`
	MaxHz            float64  `yaml:"max_hz"`
	QualityFloor     float64  `yaml:"quality_floor"`     // below -> queued for refinement
	ConsistencyFloor float64  `yaml:"consistency_floor"` // below -> queued for refinement
	EscalationFloor  float64  `yaml:"escalation_floor"`  // below -> THINKING escalates to FOCUSED
	ScanBatch        int      `yaml:"scan_batch"`        // items pulled per idle scan
	QueueHardCap     int      `yaml:"queue_hard_cap"`    // ruthless prune above this depth
	StaleAfter       Duration `yaml:"stale_after"`       // reaper drops low-quality items older than this
}

// PulseConfig configures the heartbeat meta-controller.
type PulseConfig struct {
	Interval          Duration `yaml:"interval"`
	HistoryCapacity   int      `yaml:"history_capacity"`     // snapshot ring buffer size
	ErrorFatalPerTick int      `yaml:"error_fatal_per_tick"` // errors in one tick that trip the breaker
	PressureDepth     int      `yaml:"pressure_depth"`       // queue depth that requests a rate increase
	ConsistencyFloor  float64  `yaml:"consistency_floor"`    // avg consistency below -> escalate
}

// Default returns production defaults. Thresholds mirror the tuned
// policy values the system shipped with.
func Default() Config {
	return Config{
		Name:    "engramd",
		Version: "0.3.0",
		LLM: LLMConfig{
			Model:          "gemini-2.5-flash",
			EmbeddingModel: "gemini-embedding-001",
			Timeout:        Duration(30 * time.Second),
			MaxRetries:     2,
		},
		Memory: MemoryConfig{
			DatabasePath: "engrams.db",
		},
		Gate: GateConfig{
			EnsembleSize:  7,
			MinAgreement:  0.6,
			InputRiskCap:  0.6,
			CacheCapacity: 200,
		},
		Router: RouterConfig{
			ConfidenceFloor: 0.8,
			ClarifyFloor:    0.5,
		},
		Guard: GuardConfig{
			AbstainThreshold: 0.45,
			CaveatThreshold:  0.25,
			RetrievalWeight:  0.45,
			QualityWeight:    0.35,
			DecayWeight:      0.20,
		},
		Reason: ReasonConfig{
			ProofThreshold:      0.7,
			RefutationThreshold: 0.2,
			MaxProposeAttempts:  3,
			SelfVerifyCap:       0.7,
			CacheCapacity:       500,
			BridgeSamples:       3,
		},
		Awake: AwakeConfig{
			MinHz:            0.5,
			MaxHz:            60,
			QualityFloor:     0.5,
			ConsistencyFloor: 0.8,
			EscalationFloor:  0.6,
			ScanBatch:        3,
			QueueHardCap:     500,
			StaleAfter:       Duration(time.Hour),
		},
		Pulse: PulseConfig{
			Interval:          Duration(time.Second),
			HistoryCapacity:   300,
			ErrorFatalPerTick: 5,
			PressureDepth:     10,
			ConsistencyFloor:  0.7,
		},
	}
}

// Load reads a YAML config file, overlaying it on defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.Gate.MinAgreement < 0 || c.Gate.MinAgreement > 1 {
		return fmt.Errorf("gate.min_agreement must be in [0,1], got %v", c.Gate.MinAgreement)
	}
	if c.Guard.AbstainThreshold <= c.Guard.CaveatThreshold {
		return fmt.Errorf("guard.abstain_threshold (%v) must exceed guard.caveat_threshold (%v)",
			c.Guard.AbstainThreshold, c.Guard.CaveatThreshold)
	}
	if c.Reason.ProofThreshold <= c.Reason.RefutationThreshold {
		return fmt.Errorf("reason.proof_threshold (%v) must exceed reason.refutation_threshold (%v)",
			c.Reason.ProofThreshold, c.Reason.RefutationThreshold)
	}
	if c.Awake.MinHz <= 0 || c.Awake.MaxHz < c.Awake.MinHz {
		return fmt.Errorf("awake hz bounds invalid: min=%v max=%v", c.Awake.MinHz, c.Awake.MaxHz)
	}
	if c.Pulse.HistoryCapacity <= 0 {
		return fmt.Errorf("pulse.history_capacity must be positive, got %d", c.Pulse.HistoryCapacity)
	}
	return nil
}

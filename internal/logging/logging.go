// Package logging provides categorized logging for engramd.
// Each subsystem logs through a named zap logger; categories can be
// silenced wholesale by initializing in production mode.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup / wiring
	CategoryCore      Category = "core"      // Cortex query pipeline
	CategoryGate      Category = "gate"      // Translator gate ensemble
	CategoryRouter    Category = "router"    // Query routing decisions
	CategoryAxiom     Category = "axiom"     // Axiom store operations
	CategoryBridge    Category = "bridge"    // Vector <-> logic translation
	CategoryReason    Category = "reason"    // Symbolic reasoning engine
	CategoryGuard     Category = "guard"     // Honesty gate verdicts
	CategoryAwake     Category = "awake"     // Adaptive loop cycles
	CategoryPulse     Category = "pulse"     // Heartbeat / meta-controller
	CategoryStore     Category = "store"     // Memory store operations
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryAPI       Category = "api"       // LLM API calls
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the root logger. Debug mode enables verbose,
// human-readable output; otherwise production JSON at info level.
// Safe to call more than once; the last call wins.
func Initialize(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the sugared logger for a category. Before Initialize is
// called this is a no-op logger, so packages may log unconditionally.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Package types defines the shared data model and the collaborator
// interfaces the reasoning core consumes. Implementations live in their
// own packages; everything here is dependency-free to avoid import cycles.
package types

import (
	"context"
	"time"
)

// MemoryUnit is a stored, quality-scored knowledge fragment (an engram).
type MemoryUnit struct {
	ID               string    `json:"id"`
	Content          string    `json:"content"`
	Fingerprint      string    `json:"fingerprint"`
	Domain           string    `json:"domain"`
	QualityScore     float64   `json:"quality_score"`
	ConsistencyScore float64   `json:"consistency_score"`
	DecayScore       float64   `json:"decay_score"`
	AxiomDerived     bool      `json:"axiom_derived"`
	ProofID          string    `json:"proof_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ScoredUnit pairs a retrieved unit with its relevance to the query.
type ScoredUnit struct {
	Unit      MemoryUnit `json:"unit"`
	Relevance float64    `json:"relevance"`
}

// MemoryStats summarizes store health for the heartbeat.
type MemoryStats struct {
	TotalUnits     int     `json:"total_units"`
	AxiomDerived   int     `json:"axiom_derived"`
	LowConsistency int     `json:"low_consistency"`
	AvgQuality     float64 `json:"avg_quality"`
	AvgConsistency float64 `json:"avg_consistency"`
}

// MemoryStore is the persistence collaborator. Implementations must be
// safe for concurrent use; the core calls it from worker pool goroutines
// and from the adaptive loop.
type MemoryStore interface {
	// Search returns units ranked by relevance, best first.
	Search(ctx context.Context, query string, topK int) ([]ScoredUnit, error)
	Get(ctx context.Context, id string) (*MemoryUnit, error)
	// GetByFingerprint returns the unit with the given content
	// fingerprint, or nil. Ingest uses it for dedup.
	GetByFingerprint(ctx context.Context, fingerprint string) (*MemoryUnit, error)
	// Put inserts or updates a unit. Units are deduplicated by content
	// fingerprint; Put on an existing fingerprint updates scores in place.
	Put(ctx context.Context, unit *MemoryUnit) error
	// Link records a bidirectional association between two units.
	Link(ctx context.Context, src, dst string) error
	// LinkedUnits walks the association graph up to depth hops.
	LinkedUnits(ctx context.Context, id string, depth int) ([]MemoryUnit, error)
	// WeakUnits returns units below either score floor, weakest first.
	WeakUnits(ctx context.Context, qualityFloor, consistencyFloor float64, limit int) ([]MemoryUnit, error)
	Stats(ctx context.Context) (MemoryStats, error)
}

// EmbeddingEngine is the embedding service collaborator.
type EmbeddingEngine interface {
	// Embed returns a fixed-length vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMClient is the language model service collaborator. Calls must be
// bounded by the context deadline and safe to retry.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// Generate returns up to sampleCount completions for the same prompt.
	Generate(ctx context.Context, prompt string, sampleCount int) ([]string, error)
}

// ProofOutcome is the terminal verdict of a proof attempt.
type ProofOutcome string

const (
	OutcomeProved  ProofOutcome = "proved"
	OutcomeRefuted ProofOutcome = "refuted"
	OutcomeUnknown ProofOutcome = "unknown"
)

// FormalSolver is the optional exact verification collaborator.
// Absence is tolerated: callers fall back to LLM self-verification.
type FormalSolver interface {
	Verify(ctx context.Context, formalClaim string) (ProofOutcome, error)
}

// Package store implements the memory store collaborator over SQLite.
// Semantic search uses sqlite-vec when the extension is present, an
// in-process cosine scan over stored embeddings otherwise, and a
// keyword scan when no embedding engine is configured at all.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"engramd/internal/embedding"
	"engramd/internal/logging"
	"engramd/internal/types"
)

// SQLiteStore is the persistent memory store.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	dbPath   string
	embedder types.EmbeddingEngine // optional
	vectorExt bool
}

var _ types.MemoryStore = (*SQLiteStore)(nil)

// Open creates or opens the memory store. embedder may be nil, in which
// case search degrades to keyword matching.
func Open(path string, embedder types.EmbeddingEngine, requireVec bool) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, embedder: embedder}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	// Detect sqlite-vec availability.
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err == nil {
		s.vectorExt = true
		logging.Get(logging.CategoryStore).Infow("sqlite-vec available", "version", vecVersion)
	} else if requireVec {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension required but unavailable")
	} else {
		logging.Get(logging.CategoryStore).Infow("sqlite-vec unavailable, using fallback search")
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS units (
			id                TEXT PRIMARY KEY,
			content           TEXT NOT NULL,
			fingerprint       TEXT NOT NULL UNIQUE,
			domain            TEXT NOT NULL DEFAULT 'general',
			quality_score     REAL NOT NULL DEFAULT 0.5,
			consistency_score REAL NOT NULL DEFAULT 1.0,
			decay_score       REAL NOT NULL DEFAULT 0.0,
			axiom_derived     INTEGER NOT NULL DEFAULT 0,
			proof_id          TEXT NOT NULL DEFAULT '',
			embedding         BLOB,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_units_quality ON units(quality_score);
		CREATE INDEX IF NOT EXISTS idx_units_consistency ON units(consistency_score);

		CREATE TABLE IF NOT EXISTS links (
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			PRIMARY KEY (src, dst)
		);
		CREATE INDEX IF NOT EXISTS idx_links_dst ON links(dst);
	`)
	if err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	return nil
}

// Put inserts or updates a unit, deduplicated by content fingerprint.
func (s *SQLiteStore) Put(ctx context.Context, unit *types.MemoryUnit) error {
	if strings.TrimSpace(unit.Content) == "" {
		return fmt.Errorf("unit content is empty")
	}
	if unit.Fingerprint == "" {
		unit.Fingerprint = types.Fingerprint(unit.Content)
	}
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now

	var blob []byte
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, unit.Content)
		if err != nil {
			// Degraded write: keyword search still works without a vector.
			logging.Get(logging.CategoryStore).Warnw("embedding failed, storing without vector", "error", err)
		} else {
			blob = encodeVector(vec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, content, fingerprint, domain, quality_score, consistency_score,
		                   decay_score, axiom_derived, proof_id, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			content = excluded.content,
			quality_score = excluded.quality_score,
			consistency_score = excluded.consistency_score,
			decay_score = excluded.decay_score,
			axiom_derived = excluded.axiom_derived,
			proof_id = excluded.proof_id,
			updated_at = excluded.updated_at
	`, unit.ID, unit.Content, unit.Fingerprint, unit.Domain, unit.QualityScore,
		unit.ConsistencyScore, unit.DecayScore, boolToInt(unit.AxiomDerived),
		unit.ProofID, blob, unit.CreatedAt, unit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put unit: %w", err)
	}

	// A fingerprint conflict keeps the stored row's id, so the caller's
	// unit must carry that id rather than the freshly generated one.
	var id string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM units WHERE fingerprint = ?", unit.Fingerprint).Scan(&id); err != nil {
		return fmt.Errorf("resolve unit id: %w", err)
	}
	unit.ID = id
	return nil
}

// Get returns a unit by id, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanOne(s.db.QueryRowContext(ctx, selectUnit+" WHERE id = ?", id))
}

// GetByFingerprint returns a unit by content fingerprint, or nil.
func (s *SQLiteStore) GetByFingerprint(ctx context.Context, fp string) (*types.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanOne(s.db.QueryRowContext(ctx, selectUnit+" WHERE fingerprint = ?", fp))
}

const selectUnit = `
	SELECT id, content, fingerprint, domain, quality_score, consistency_score,
	       decay_score, axiom_derived, proof_id, created_at, updated_at
	FROM units`

func (s *SQLiteStore) scanOne(row *sql.Row) (*types.MemoryUnit, error) {
	var u types.MemoryUnit
	var derived int
	err := row.Scan(&u.ID, &u.Content, &u.Fingerprint, &u.Domain, &u.QualityScore,
		&u.ConsistencyScore, &u.DecayScore, &derived, &u.ProofID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan unit: %w", err)
	}
	u.AxiomDerived = derived != 0
	applyDecay(&u, time.Now().UTC())
	return &u, nil
}

// decayRateDaily sets how fast an unused unit goes stale, as an
// exponential rate per day since its last write or proof attempt.
const decayRateDaily = 0.05

// applyDecay folds time since last use into the stored decay score at
// read time, so stale units surface as decayed without a background
// rewrite pass. Axiom-derived and near-perfect-quality units decay
// slower.
func applyDecay(u *types.MemoryUnit, now time.Time) {
	days := now.Sub(u.UpdatedAt).Hours() / 24
	if days <= 0 {
		return
	}
	d := 1 - math.Exp(-decayRateDaily*days)
	if u.AxiomDerived {
		d *= 0.5
	}
	if u.QualityScore >= 0.95 {
		d *= 0.7
	}
	if d = clamp01(d); d > u.DecayScore {
		u.DecayScore = d
	}
}

// Search returns units ranked by relevance to the query.
func (s *SQLiteStore) Search(ctx context.Context, query string, topK int) ([]types.ScoredUnit, error) {
	if topK <= 0 {
		topK = 5
	}
	if s.embedder == nil {
		return s.keywordSearch(ctx, query, topK)
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryStore).Warnw("query embedding failed, keyword fallback", "error", err)
		return s.keywordSearch(ctx, query, topK)
	}

	if s.vectorExt {
		return s.vecSearch(ctx, queryVec, topK)
	}
	return s.cosineScan(ctx, queryVec, topK)
}

// vecSearch ranks with sqlite-vec's cosine distance in SQL.
func (s *SQLiteStore) vecSearch(ctx context.Context, queryVec []float32, topK int) ([]types.ScoredUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, fingerprint, domain, quality_score, consistency_score,
		       decay_score, axiom_derived, proof_id, created_at, updated_at,
		       vec_distance_cosine(embedding, ?) AS distance
		FROM units
		WHERE embedding IS NOT NULL
		ORDER BY distance ASC
		LIMIT ?`, encodeVector(queryVec), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var results []types.ScoredUnit
	for rows.Next() {
		var u types.MemoryUnit
		var derived int
		var distance float64
		if err := rows.Scan(&u.ID, &u.Content, &u.Fingerprint, &u.Domain, &u.QualityScore,
			&u.ConsistencyScore, &u.DecayScore, &derived, &u.ProofID,
			&u.CreatedAt, &u.UpdatedAt, &distance); err != nil {
			continue
		}
		u.AxiomDerived = derived != 0
		applyDecay(&u, now)
		results = append(results, types.ScoredUnit{Unit: u, Relevance: clamp01(1 - distance)})
	}
	return results, rows.Err()
}

// cosineScan ranks in-process when the vec extension is absent.
func (s *SQLiteStore) cosineScan(ctx context.Context, queryVec []float32, topK int) ([]types.ScoredUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, fingerprint, domain, quality_score, consistency_score,
		       decay_score, axiom_derived, proof_id, created_at, updated_at, embedding
		FROM units WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("cosine scan: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var results []types.ScoredUnit
	for rows.Next() {
		var u types.MemoryUnit
		var derived int
		var blob []byte
		if err := rows.Scan(&u.ID, &u.Content, &u.Fingerprint, &u.Domain, &u.QualityScore,
			&u.ConsistencyScore, &u.DecayScore, &derived, &u.ProofID,
			&u.CreatedAt, &u.UpdatedAt, &blob); err != nil {
			continue
		}
		u.AxiomDerived = derived != 0
		applyDecay(&u, now)

		sim, err := embedding.CosineSimilarity(queryVec, decodeVector(blob))
		if err != nil {
			continue
		}
		results = append(results, types.ScoredUnit{Unit: u, Relevance: clamp01(sim)})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, rows.Err()
}

// keywordSearch is the last-resort LIKE scan.
func (s *SQLiteStore) keywordSearch(ctx context.Context, query string, topK int) ([]types.ScoredUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	conditions := make([]string, len(words))
	args := make([]any, 0, len(words)+1)
	for i, w := range words {
		conditions[i] = "LOWER(content) LIKE ?"
		args = append(args, "%"+w+"%")
	}
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx,
		selectUnit+" WHERE "+strings.Join(conditions, " OR ")+" ORDER BY quality_score DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var results []types.ScoredUnit
	for rows.Next() {
		var u types.MemoryUnit
		var derived int
		if err := rows.Scan(&u.ID, &u.Content, &u.Fingerprint, &u.Domain, &u.QualityScore,
			&u.ConsistencyScore, &u.DecayScore, &derived, &u.ProofID,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			continue
		}
		u.AxiomDerived = derived != 0
		applyDecay(&u, now)

		// Relevance proxy: fraction of query words present.
		hits := 0
		lc := strings.ToLower(u.Content)
		for _, w := range words {
			if strings.Contains(lc, w) {
				hits++
			}
		}
		results = append(results, types.ScoredUnit{Unit: u, Relevance: float64(hits) / float64(len(words))})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	return results, rows.Err()
}

// Link records a directed association between two units.
func (s *SQLiteStore) Link(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO links (src, dst) VALUES (?, ?)", src, dst)
	if err != nil {
		return fmt.Errorf("link units: %w", err)
	}
	return nil
}

// LinkedUnits walks the association graph breadth-first up to depth hops.
func (s *SQLiteStore) LinkedUnits(ctx context.Context, id string, depth int) ([]types.MemoryUnit, error) {
	if depth <= 0 {
		depth = 1
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var collected []types.MemoryUnit

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			neighbors, err := s.neighbors(ctx, cur)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				next = append(next, n)

				unit, err := s.Get(ctx, n)
				if err != nil {
					return nil, err
				}
				if unit != nil {
					collected = append(collected, *unit)
				}
			}
		}
		frontier = next
	}
	return collected, nil
}

func (s *SQLiteStore) neighbors(ctx context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT dst FROM links WHERE src = ?
		UNION
		SELECT src FROM links WHERE dst = ?`, id, id)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err == nil {
			out = append(out, n)
		}
	}
	return out, rows.Err()
}

// WeakUnits returns units below either score floor, weakest first.
func (s *SQLiteStore) WeakUnits(ctx context.Context, qualityFloor, consistencyFloor float64, limit int) ([]types.MemoryUnit, error) {
	if limit <= 0 {
		limit = 3
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectUnit+`
		WHERE quality_score < ? OR consistency_score < ?
		ORDER BY consistency_score ASC, quality_score ASC
		LIMIT ?`, qualityFloor, consistencyFloor, limit)
	if err != nil {
		return nil, fmt.Errorf("weak units: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []types.MemoryUnit
	for rows.Next() {
		var u types.MemoryUnit
		var derived int
		if err := rows.Scan(&u.ID, &u.Content, &u.Fingerprint, &u.Domain, &u.QualityScore,
			&u.ConsistencyScore, &u.DecayScore, &derived, &u.ProofID,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			continue
		}
		u.AxiomDerived = derived != 0
		applyDecay(&u, now)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Stats summarizes store health for the heartbeat.
func (s *SQLiteStore) Stats(ctx context.Context) (types.MemoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats types.MemoryStats
	var avgQ, avgC sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(quality_score), AVG(consistency_score),
		       SUM(CASE WHEN axiom_derived = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN consistency_score < 0.5 THEN 1 ELSE 0 END)
		FROM units`).Scan(&stats.TotalUnits, &avgQ, &avgC, &stats.AxiomDerived, &stats.LowConsistency)
	if err != nil {
		return stats, fmt.Errorf("store stats: %w", err)
	}
	stats.AvgQuality = avgQ.Float64
	if avgC.Valid {
		stats.AvgConsistency = avgC.Float64
	} else {
		stats.AvgConsistency = 1.0
	}
	return stats, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeVector(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	_ = binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec)
	return vec
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

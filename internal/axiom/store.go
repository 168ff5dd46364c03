// Package axiom implements the versioned, domain-tagged catalog of
// foundational statements. The catalog is append-only: axioms are never
// deleted, only superseded by a higher version. Reads run lock-free
// against an immutable snapshot; writes are serialized and atomically
// publish a fresh snapshot.
package axiom

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"engramd/internal/logging"
	"engramd/internal/types"
)

// Domains is the fixed set of valid domain tags.
var Domains = []string{"logic", "mathematics", "epistemology", "physics", "causality", "general"}

// Axiom is one versioned foundational statement.
type Axiom struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	Version    int       `json:"version"`
	Statement  string    `json:"statement"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"` // "foundational", "seed", "derived"
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the axiom catalog.
type Store struct {
	writeMu sync.Mutex // serializes all writers
	db      *sql.DB

	snapshot   atomic.Pointer[[]Axiom] // current versions only, for lock-free reads
	setVersion atomic.Int64            // bumped on every write; feeds proof-cache keys

	watcher *seedWatcher
}

// Open creates or opens the axiom catalog at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open axiom db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.refreshSnapshot(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryAxiom).Infow("axiom store opened", "path", path, "axioms", s.Count())
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS axioms (
			id          TEXT NOT NULL,
			domain      TEXT NOT NULL,
			version     INTEGER NOT NULL,
			statement   TEXT NOT NULL,
			confidence  REAL NOT NULL,
			source      TEXT NOT NULL DEFAULT 'seed',
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (domain, id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_axioms_domain ON axioms(domain);
		CREATE INDEX IF NOT EXISTS idx_axioms_confidence ON axioms(confidence);
	`)
	if err != nil {
		return fmt.Errorf("init axiom schema: %w", err)
	}
	return nil
}

// refreshSnapshot rebuilds the immutable read snapshot from the current
// version of every axiom. Callers must hold writeMu (or be in Open).
func (s *Store) refreshSnapshot() error {
	rows, err := s.db.Query(`
		SELECT a.id, a.domain, a.version, a.statement, a.confidence, a.source, a.usage_count, a.created_at
		FROM axioms a
		JOIN (SELECT id, domain, MAX(version) AS v FROM axioms GROUP BY domain, id) cur
		  ON a.id = cur.id AND a.domain = cur.domain AND a.version = cur.v
	`)
	if err != nil {
		return fmt.Errorf("load axioms: %w", err)
	}
	defer rows.Close()

	var axioms []Axiom
	for rows.Next() {
		var ax Axiom
		if err := rows.Scan(&ax.ID, &ax.Domain, &ax.Version, &ax.Statement,
			&ax.Confidence, &ax.Source, &ax.UsageCount, &ax.CreatedAt); err != nil {
			return fmt.Errorf("scan axiom: %w", err)
		}
		axioms = append(axioms, ax)
	}
	s.snapshot.Store(&axioms)
	return rows.Err()
}

// SetVersion returns the monotonic axiom-set version. Any write bumps
// it, which invalidates proof-cache entries keyed on the old set.
func (s *Store) SetVersion() int64 { return s.setVersion.Load() }

// Count returns the number of current (non-superseded) axioms.
func (s *Store) Count() int { return len(*s.snapshot.Load()) }

// All returns the current version of every axiom.
func (s *Store) All() []Axiom { return *s.snapshot.Load() }

// validDomain folds unknown tags into "general".
func validDomain(domain string) string {
	for _, d := range Domains {
		if d == domain {
			return d
		}
	}
	return "general"
}

// Add appends a new axiom and publishes a fresh snapshot.
func (s *Store) Add(statement, domain string, confidence float64, source string) (Axiom, error) {
	if strings.TrimSpace(statement) == "" {
		return Axiom{}, fmt.Errorf("axiom statement is empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	domain = validDomain(domain)

	// Same statement in the same domain is a version bump, not a duplicate.
	if existing, ok := s.findByStatement(domain, statement); ok {
		return s.supersede(existing, maxf(existing.Confidence, confidence))
	}

	ax := Axiom{
		ID:         uuid.NewString(),
		Domain:     domain,
		Version:    1,
		Statement:  statement,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.insert(ax); err != nil {
		return Axiom{}, err
	}
	if err := s.publish(); err != nil {
		return Axiom{}, err
	}

	logging.Get(logging.CategoryAxiom).Infow("axiom added",
		"domain", ax.Domain, "id", ax.ID, "confidence", ax.Confidence)
	return ax, nil
}

// Promote inserts a new axiom version from a proved candidate and raises
// confidence to reflect the accumulated verification evidence. Unproved
// candidates are rejected.
func (s *Store) Promote(cand types.ProofCandidate) (Axiom, error) {
	if cand.Outcome != types.OutcomeProved {
		return Axiom{}, fmt.Errorf("cannot promote candidate with outcome %q", cand.Outcome)
	}
	statement := cand.FormalClaim
	if statement == "" {
		statement = cand.Claim
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	domain := validDomain(cand.Domain)

	if existing, ok := s.findByStatement(domain, statement); ok {
		// Confidence only moves up as verification evidence accumulates.
		raised := existing.Confidence + (1-existing.Confidence)*cand.Confidence*0.5
		return s.supersede(existing, raised)
	}

	ax := Axiom{
		ID:         uuid.NewString(),
		Domain:     domain,
		Version:    1,
		Statement:  statement,
		Confidence: cand.Confidence,
		Source:     "derived",
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.insert(ax); err != nil {
		return Axiom{}, err
	}
	if err := s.publish(); err != nil {
		return Axiom{}, err
	}

	logging.Get(logging.CategoryAxiom).Infow("proof promoted to axiom",
		"domain", ax.Domain, "id", ax.ID, "confidence", ax.Confidence)
	return ax, nil
}

// supersede writes version+1 of an existing axiom. Caller holds writeMu.
func (s *Store) supersede(existing Axiom, confidence float64) (Axiom, error) {
	next := existing
	next.Version = existing.Version + 1
	next.Confidence = confidence
	next.CreatedAt = time.Now().UTC()

	if err := s.insert(next); err != nil {
		return Axiom{}, err
	}
	if err := s.publish(); err != nil {
		return Axiom{}, err
	}

	logging.Get(logging.CategoryAxiom).Infow("axiom superseded",
		"domain", next.Domain, "id", next.ID, "version", next.Version, "confidence", next.Confidence)
	return next, nil
}

func (s *Store) insert(ax Axiom) error {
	_, err := s.db.Exec(`
		INSERT INTO axioms (id, domain, version, statement, confidence, source, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ax.ID, ax.Domain, ax.Version, ax.Statement, ax.Confidence, ax.Source, ax.UsageCount, ax.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert axiom: %w", err)
	}
	return nil
}

// publish rebuilds the snapshot and bumps the set version. Caller holds writeMu.
func (s *Store) publish() error {
	if err := s.refreshSnapshot(); err != nil {
		return err
	}
	s.setVersion.Add(1)
	return nil
}

func (s *Store) findByStatement(domain, statement string) (Axiom, bool) {
	for _, ax := range *s.snapshot.Load() {
		if ax.Domain == domain && ax.Statement == statement {
			return ax, true
		}
	}
	return Axiom{}, false
}

// Lookup returns axioms relevant to a query, ranked by confidence then
// recency. Domain "" matches everything; "general" axioms always apply.
func (s *Store) Lookup(domain, query string, limit int) []Axiom {
	if limit <= 0 {
		limit = 10
	}
	keywords := strings.Fields(strings.ToLower(query))

	var matched []Axiom
	for _, ax := range *s.snapshot.Load() {
		if domain != "" && ax.Domain != domain && ax.Domain != "general" {
			continue
		}
		if len(keywords) > 0 && !matchesAny(ax.Statement, keywords) && domain == "" {
			continue
		}
		matched = append(matched, ax)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func matchesAny(statement string, keywords []string) bool {
	lc := strings.ToLower(statement)
	for _, kw := range keywords {
		if strings.Contains(lc, kw) {
			return true
		}
	}
	return false
}

// IncrementUsage records that an axiom participated in a proof.
func (s *Store) IncrementUsage(domain, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(
		"UPDATE axioms SET usage_count = usage_count + 1 WHERE domain = ? AND id = ?", domain, id,
	); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	// Usage counts do not change the axiom set; no version bump.
	return s.refreshSnapshot()
}

// Close stops the seed watcher, if any, and closes the database.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.stop()
	}
	return s.db.Close()
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

package axiom

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"engramd/internal/logging"
)

// foundational axioms seeded into an empty catalog.
var foundational = []struct {
	statement string
	domain    string
}{
	{"forall x: x = x", "logic"},                                   // identity
	{"forall P: P or not P", "logic"},                              // excluded middle
	{"not (P and not P)", "logic"},                                 // non-contradiction
	{"forall x,y: (x = y) -> (P(x) <-> P(y))", "logic"},            // Leibniz's law
	{"forall A,B: P(A|B) = P(B|A) * P(A) / P(B)", "mathematics"},   // Bayes
	{"forall n in N: n + 0 = n", "mathematics"},
	{"F = m * a", "physics"},
	{"E = m * c^2", "physics"},
	{"forall x: cause(x) -> precedes(x, effect(x))", "causality"},
	{"knowledge requires justified true belief plus warrant", "epistemology"},
}

// SeedFoundational inserts the built-in axioms when the catalog is empty.
func (s *Store) SeedFoundational() error {
	if s.Count() > 0 {
		return nil
	}
	for _, f := range foundational {
		if _, err := s.Add(f.statement, f.domain, 1.0, "foundational"); err != nil {
			return fmt.Errorf("seed foundational axioms: %w", err)
		}
	}
	logging.Get(logging.CategoryAxiom).Infow("seeded foundational axioms", "count", len(foundational))
	return nil
}

// seedFile is the YAML layout of an external axiom seed file.
type seedFile struct {
	Axioms []struct {
		Statement  string  `yaml:"statement"`
		Domain     string  `yaml:"domain"`
		Confidence float64 `yaml:"confidence"`
	} `yaml:"axioms"`
}

// LoadSeedFile merges axioms from a YAML file into the catalog.
// Statements already present get a version bump instead of a duplicate.
func (s *Store) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	loaded := 0
	for _, entry := range sf.Axioms {
		if entry.Statement == "" {
			continue
		}
		conf := entry.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1.0
		}
		if _, err := s.Add(entry.Statement, entry.Domain, conf, "seed"); err != nil {
			return err
		}
		loaded++
	}

	logging.Get(logging.CategoryAxiom).Infow("seed file loaded", "path", path, "axioms", loaded)
	return nil
}

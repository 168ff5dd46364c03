// Package solver provides the optional formal verification collaborator,
// backed by the Google Mangle Datalog engine. Axioms whose statements
// parse as Mangle clauses form the program; a claim is proved when it is
// derivable from that program, and refuted when its predicate is known
// but the fact is not derivable (closed-world reading). Anything the
// engine cannot express yields unknown, never an error the caller must
// handle as fatal.
package solver

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"

	"engramd/internal/logging"
	"engramd/internal/types"
)

// ProgramSource supplies the current axiom statements. Only statements
// that parse as Mangle clauses participate; the rest are skipped.
type ProgramSource func() []string

// MangleSolver implements types.FormalSolver over a Datalog program
// rebuilt lazily whenever the axiom set changes.
type MangleSolver struct {
	source ProgramSource

	mu          sync.Mutex
	programText string
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
}

var _ types.FormalSolver = (*MangleSolver)(nil)

// New creates a solver over the given axiom source.
func New(source ProgramSource) *MangleSolver {
	return &MangleSolver{source: source}
}

// Verify checks a formal claim against the axiom program.
func (s *MangleSolver) Verify(ctx context.Context, formalClaim string) (types.ProofOutcome, error) {
	log := logging.Get(logging.CategoryReason)

	claim, err := parseClaim(formalClaim)
	if err != nil {
		log.Debugw("claim not expressible in datalog", "claim", formalClaim, "error", err)
		return types.OutcomeUnknown, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rebuildLocked(); err != nil {
		// A broken program means the solver cannot decide anything.
		log.Debugw("solver program rebuild failed", "error", err)
		return types.OutcomeUnknown, nil
	}
	if s.programInfo == nil {
		return types.OutcomeUnknown, nil
	}

	select {
	case <-ctx.Done():
		return types.OutcomeUnknown, ctx.Err()
	default:
	}

	declared := false
	for pred := range s.programInfo.Decls {
		if pred.Symbol == claim.Predicate.Symbol && pred.Arity == claim.Predicate.Arity {
			declared = true
			break
		}
	}
	if !declared {
		return types.OutcomeUnknown, nil
	}

	derived := false
	target := claim.String()
	err = s.store.GetFacts(ast.NewQuery(claim.Predicate), func(fact ast.Atom) error {
		if groundClaim(claim) {
			if fact.String() == target {
				derived = true
			}
		} else if unifies(claim, fact) {
			derived = true
		}
		return nil
	})
	if err != nil {
		log.Debugw("solver fact scan failed", "error", err)
		return types.OutcomeUnknown, nil
	}

	if derived {
		return types.OutcomeProved, nil
	}
	// Predicate is declared and fully evaluated but the fact is absent:
	// under Datalog's closed world the claim does not hold.
	return types.OutcomeRefuted, nil
}

// rebuildLocked reparses and re-evaluates the program when the axiom
// set has changed since the last call.
func (s *MangleSolver) rebuildLocked() error {
	var clauses []string
	for _, stmt := range s.source() {
		if clause, ok := asClause(stmt); ok {
			clauses = append(clauses, clause)
		}
	}
	text := strings.Join(clauses, "\n")
	if text == s.programText && s.programInfo != nil {
		return nil
	}

	if text == "" {
		s.programText = ""
		s.programInfo = nil
		s.store = nil
		return nil
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(text)))
	if err != nil {
		return fmt.Errorf("parse axiom program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("analyze axiom program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return fmt.Errorf("evaluate axiom program: %w", err)
	}

	s.programText = text
	s.programInfo = programInfo
	s.store = store
	return nil
}

// asClause normalizes an axiom statement into a Mangle clause if it
// looks like one. Statements in other notations are skipped silently.
func asClause(stmt string) (string, bool) {
	stmt = strings.TrimSpace(stmt)
	if stmt == "" {
		return "", false
	}
	if !strings.HasSuffix(stmt, ".") {
		stmt += "."
	}
	if _, err := parse.Unit(bytes.NewReader([]byte(stmt))); err != nil {
		return "", false
	}
	return stmt, true
}

func parseClaim(claim string) (ast.Atom, error) {
	clean := strings.TrimSpace(claim)
	clean = strings.TrimSuffix(clean, ".")
	if clean == "" {
		return ast.Atom{}, fmt.Errorf("empty claim")
	}
	return parse.Atom(clean)
}

func groundClaim(a ast.Atom) bool {
	for _, arg := range a.Args {
		if _, ok := arg.(ast.Variable); ok {
			return false
		}
	}
	return true
}

// unifies matches a claim with variables against a ground fact.
// Repeated variables must bind consistently.
func unifies(claim, fact ast.Atom) bool {
	if len(claim.Args) != len(fact.Args) {
		return false
	}
	bindings := make(map[string]string, len(claim.Args))
	for i, arg := range claim.Args {
		if v, ok := arg.(ast.Variable); ok {
			val := fact.Args[i].String()
			if bound, seen := bindings[v.Symbol]; seen && bound != val {
				return false
			}
			bindings[v.Symbol] = val
			continue
		}
		if arg.String() != fact.Args[i].String() {
			return false
		}
	}
	return true
}

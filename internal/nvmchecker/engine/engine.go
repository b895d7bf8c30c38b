// Package engine declares the external collaborators a persistent-memory
// checker is built against: the symbolic execution engine, its constraint
// solver, and a points-to analysis. None of the three is implemented here -
// they are named interfaces the rest of internal/nvmchecker consumes, with a
// fake implementation of each under enginetest for this module's own tests.
package engine

import (
	"context"
	"time"

	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

// Location identifies a program point the way the collaborator engine's own
// instruction dispatcher would: a function name, a source position, and an
// opaque instruction ID it assigns.
type Location struct {
	Function string
	File     string
	Line     int
	InstID   uint64
}

func (l Location) String() string {
	if l.File == "" {
		return l.Function
	}
	return l.Function + "@" + l.File
}

// Value is an engine-assigned identity for an in-flight IR value - an
// operand, a return value, a call argument. The checker never inspects a
// Value's contents; it only uses it as a key into its own descriptor maps
// and as an argument to Engine/Solver queries.
type Value struct {
	ID uint64
}

// State is an opaque handle to one symbolic execution state. Forking the
// engine produces a new State; the checker clones its own per-state shadow
// data (see shadow.Object.Clone) alongside it rather than sharing state
// across forks.
type State struct {
	ID uint64
}

// MemoryObject is an engine-assigned identity for one allocated memory
// region - the unit that shadow.Object tracks cache lines for.
type MemoryObject struct {
	ID   uint64
	Size uint64
}

// Solver answers queries about the current path constraint. Every query
// that can time out returns timedOut=true rather than panicking or
// blocking forever; callers apply the conservative default named in §5 of
// the spec this module implements (a timed-out "must" query reads false, a
// timed-out "may" query reads true - see ConservativeMustBeTrue and
// ConservativeMayBeTrue).
type Solver interface {
	// MustBeTrue reports whether expr is true in every model of the
	// current path constraint.
	MustBeTrue(ctx context.Context, state State, expr symbolic.Expr) (result bool, timedOut bool, err error)

	// MayBeTrue reports whether expr is true in at least one model of the
	// current path constraint.
	MayBeTrue(ctx context.Context, state State, expr symbolic.Expr) (result bool, timedOut bool, err error)

	// GetRange returns a conservative [lo, hi] bound for expr under the
	// current path constraint.
	GetRange(ctx context.Context, state State, expr symbolic.Expr) (lo, hi uint64, timedOut bool, err error)

	// FreshSymbol allocates a new, totally unconstrained symbolic variable -
	// used to phrase "for any offset" queries such as must_be_persisted.
	FreshSymbol(name string) symbolic.Expr
}

// PointsToAnalysis answers "what memory objects could this value refer to"
// queries. pointsto.Wrapper memoizes calls through this interface.
type PointsToAnalysis interface {
	PointsTo(ctx context.Context, state State, v Value) ([]MemoryObject, error)
}

// Engine is the symbolic execution engine itself: state forking,
// constraining, address resolution, and value materialization. It is the
// thinnest slice of the real engine this module needs to drive its own
// logic and tests against.
type Engine interface {
	Fork(ctx context.Context, state State) (State, error)
	Constrain(ctx context.Context, state State, expr symbolic.Expr) error
	ResolveAddress(ctx context.Context, state State, v Value) (obj MemoryObject, offset uint64, err error)
	GetValue(ctx context.Context, state State, v Value) (symbolic.Expr, error)
	TerminateState(ctx context.Context, state State, reason string) error
}

// DefaultSolverTimeout is the default per-query solver timeout, the same
// 5-second value pkg/nvmchecker.DefaultConfig sets.
const DefaultSolverTimeout = 5 * time.Second

// ConservativeMustBeTrue calls Solver.MustBeTrue and applies the
// timeout-conservative default: a timed-out "must" query is treated as
// false, since a checker that cannot prove an invariant holds must not
// assume that it does.
func ConservativeMustBeTrue(ctx context.Context, s Solver, state State, expr symbolic.Expr) (bool, error) {
	result, timedOut, err := s.MustBeTrue(ctx, state, expr)
	if err != nil {
		return false, err
	}
	if timedOut {
		return false, nil
	}
	return result, nil
}

// ConservativeMayBeTrue calls Solver.MayBeTrue and applies the
// timeout-conservative default: a timed-out "may" query is treated as true,
// since a checker that cannot rule out a possibility must not assume that
// it is impossible.
func ConservativeMayBeTrue(ctx context.Context, s Solver, state State, expr symbolic.Expr) (bool, error) {
	result, timedOut, err := s.MayBeTrue(ctx, state, expr)
	if err != nil {
		return false, err
	}
	if timedOut {
		return true, nil
	}
	return result, nil
}

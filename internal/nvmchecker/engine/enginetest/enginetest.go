// Package enginetest provides in-memory fakes for the engine.Engine,
// engine.Solver, and engine.PointsToAnalysis collaborator interfaces, built
// the way the teacher repo builds its own test fixtures: minimal, explicit,
// no mocking framework.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

// FakeSolver evaluates symbolic.Expr by bounded enumeration over a fixed set
// of free symbols, each given an explicit domain. This is tractable because
// each free symbol a test queries is bound to a small, explicit domain with
// Bind - there is no need for a real SMT backend to answer must/may queries
// over it.
type FakeSolver struct {
	mu       sync.Mutex
	domains  map[string][]uint64
	timeouts map[string]bool
	fresh    int
}

// NewFakeSolver returns a solver with no registered symbols; callers add
// domains with Bind before issuing queries that reference them.
func NewFakeSolver() *FakeSolver {
	return &FakeSolver{
		domains:  make(map[string][]uint64),
		timeouts: make(map[string]bool),
	}
}

// Bind registers the finite domain a free symbol ranges over.
func (f *FakeSolver) Bind(name string, domain []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[name] = domain
}

// ForceTimeout makes any query mentioning the named symbol report timedOut.
func (f *FakeSolver) ForceTimeout(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts[name] = true
}

func (f *FakeSolver) symbols(e symbolic.Expr) []string {
	var names []string
	var walk func(symbolic.Expr)
	walk = func(e symbolic.Expr) {
		switch v := e.(type) {
		case symbolic.Sym:
			names = append(names, v.Name)
		case symbolic.BinExpr:
			walk(v.L)
			walk(v.R)
		case symbolic.UnExpr:
			walk(v.X)
		case symbolic.IteExpr:
			walk(v.Cond)
			walk(v.Then)
			walk(v.Else)
		case symbolic.LineOfExpr:
			walk(v.X)
		}
	}
	walk(e)
	return names
}

func (f *FakeSolver) wouldTimeOut(names []string) bool {
	for _, n := range names {
		if f.timeouts[n] {
			return true
		}
	}
	return false
}

func eval(e symbolic.Expr, assign map[string]uint64) uint64 {
	switch v := e.(type) {
	case symbolic.Const:
		return v.Value
	case symbolic.Sym:
		return assign[v.Name]
	case symbolic.BinExpr:
		l, r := eval(v.L, assign), eval(v.R, assign)
		switch v.Op {
		case symbolic.OpEq:
			return boolU64(l == r)
		case symbolic.OpLt:
			return boolU64(l < r)
		case symbolic.OpLe:
			return boolU64(l <= r)
		case symbolic.OpAnd:
			return boolU64(l != 0 && r != 0)
		case symbolic.OpOr:
			return boolU64(l != 0 || r != 0)
		case symbolic.OpAdd:
			return l + r
		}
	case symbolic.UnExpr:
		x := eval(v.X, assign)
		if v.Op == symbolic.OpNot {
			return boolU64(x == 0)
		}
	case symbolic.IteExpr:
		if eval(v.Cond, assign) != 0 {
			return eval(v.Then, assign)
		}
		return eval(v.Else, assign)
	case symbolic.LineOfExpr:
		return eval(v.X, assign) / v.CacheLineSize
	}
	return 0
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// enumerate calls visit once per assignment of every referenced symbol to
// every value in its bound domain. Symbols with no registered domain are
// treated as ranging over {0} only (a constant collapse, conservative for
// an unbound fake).
func (f *FakeSolver) enumerate(names []string, visit func(map[string]uint64)) {
	domains := make([][]uint64, len(names))
	for i, n := range names {
		d := f.domains[n]
		if len(d) == 0 {
			d = []uint64{0}
		}
		domains[i] = d
	}
	assign := make(map[string]uint64, len(names))
	var rec func(i int)
	rec = func(i int) {
		if i == len(names) {
			visit(assign)
			return
		}
		for _, v := range domains[i] {
			assign[names[i]] = v
			rec(i + 1)
		}
	}
	rec(0)
}

func (f *FakeSolver) MustBeTrue(_ context.Context, _ engine.State, expr symbolic.Expr) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.symbols(expr)
	if f.wouldTimeOut(names) {
		return false, true, nil
	}
	result := true
	f.enumerate(names, func(a map[string]uint64) {
		if eval(expr, a) == 0 {
			result = false
		}
	})
	return result, false, nil
}

func (f *FakeSolver) MayBeTrue(_ context.Context, _ engine.State, expr symbolic.Expr) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.symbols(expr)
	if f.wouldTimeOut(names) {
		return false, true, nil
	}
	result := false
	f.enumerate(names, func(a map[string]uint64) {
		if eval(expr, a) != 0 {
			result = true
		}
	})
	return result, false, nil
}

func (f *FakeSolver) GetRange(_ context.Context, _ engine.State, expr symbolic.Expr) (uint64, uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.symbols(expr)
	if f.wouldTimeOut(names) {
		return 0, 0, true, nil
	}
	var lo, hi uint64
	first := true
	f.enumerate(names, func(a map[string]uint64) {
		v := eval(expr, a)
		if first {
			lo, hi = v, v
			first = false
			return
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	})
	return lo, hi, false, nil
}

// FreshSymbol names the n-th fresh symbol (counting from 0 on this solver)
// "name#n", so a test can Bind its domain ahead of the query.
func (f *FakeSolver) FreshSymbol(name string) symbolic.Expr {
	f.mu.Lock()
	defer f.mu.Unlock()
	sym := symbolic.Sym{Name: fmt.Sprintf("%s#%d", name, f.fresh)}
	f.fresh++
	return sym
}

// FakeEngine is a minimal in-memory engine: it hands out sequential State
// and Value IDs and tracks address resolution via an explicit map the test
// populates, rather than performing any real symbolic execution.
type FakeEngine struct {
	mu        sync.Mutex
	nextState uint64
	nextValue uint64
	resolved  map[uint64]resolution
	values    map[uint64]symbolic.Expr
	terminal  map[uint64]string
}

type resolution struct {
	obj    engine.MemoryObject
	offset uint64
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		resolved: make(map[uint64]resolution),
		values:   make(map[uint64]symbolic.Expr),
		terminal: make(map[uint64]string),
	}
}

// NewState allocates a fresh State for test setup (outside of Fork).
func (e *FakeEngine) NewState() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextState++
	return engine.State{ID: e.nextState}
}

// NewValue allocates a fresh Value and records what it resolves to and its
// symbolic contents, for test setup.
func (e *FakeEngine) NewValue(obj engine.MemoryObject, offset uint64, expr symbolic.Expr) engine.Value {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextValue++
	v := engine.Value{ID: e.nextValue}
	e.resolved[v.ID] = resolution{obj: obj, offset: offset}
	e.values[v.ID] = expr
	return v
}

func (e *FakeEngine) Fork(_ context.Context, _ engine.State) (engine.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextState++
	return engine.State{ID: e.nextState}, nil
}

func (e *FakeEngine) Constrain(_ context.Context, _ engine.State, _ symbolic.Expr) error {
	return nil
}

func (e *FakeEngine) ResolveAddress(_ context.Context, _ engine.State, v engine.Value) (engine.MemoryObject, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.resolved[v.ID]
	if !ok {
		return engine.MemoryObject{}, 0, fmt.Errorf("enginetest: value %d never registered", v.ID)
	}
	return r.obj, r.offset, nil
}

func (e *FakeEngine) GetValue(_ context.Context, _ engine.State, v engine.Value) (symbolic.Expr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	expr, ok := e.values[v.ID]
	if !ok {
		return nil, fmt.Errorf("enginetest: value %d never registered", v.ID)
	}
	return expr, nil
}

func (e *FakeEngine) TerminateState(_ context.Context, s engine.State, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminal[s.ID] = reason
	return nil
}

// TerminationReason returns why a state was terminated, for test assertions.
func (e *FakeEngine) TerminationReason(s engine.State) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.terminal[s.ID]
	return r, ok
}

// FakePointsTo is an explicit value->objects map, set up by the test rather
// than computed.
type FakePointsTo struct {
	mu   sync.Mutex
	sets map[uint64][]engine.MemoryObject
}

func NewFakePointsTo() *FakePointsTo {
	return &FakePointsTo{sets: make(map[uint64][]engine.MemoryObject)}
}

// Set registers the points-to set for v.
func (p *FakePointsTo) Set(v engine.Value, objs []engine.MemoryObject) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets[v.ID] = objs
}

func (p *FakePointsTo) PointsTo(_ context.Context, _ engine.State, v engine.Value) ([]engine.MemoryObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	objs := p.sets[v.ID]
	sorted := make([]engine.MemoryObject, len(objs))
	copy(sorted, objs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted, nil
}

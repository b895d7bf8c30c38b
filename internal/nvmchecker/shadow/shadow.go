// Package shadow implements the persistent shadow state: for one
// persistent memory object, which cache lines are dirty vs. persisted, and
// which program location is responsible for the current dirtiness,
// expressed as solver-queryable symbolic arrays rather than concrete bits.
//
// Grounded on the byte-level dirty-bit tracking overlaid on memory in the
// original engine's memory shadowing, generalized to cache-line granularity,
// and on the teacher's vm.VMState RAM bookkeeping for the "keep an
// append-only trace, expose a read-only view" shape.
package shadow

import (
	"context"
	"fmt"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

// Persisted and Dirty are the two values a cacheLines entry takes.
var (
	Persisted symbolic.Expr = symbolic.Const{Value: 1}
	Dirty     symbolic.Expr = symbolic.Const{Value: 0}
)

// NoRootCause is the rootCauses sentinel meaning "never written or flushed."
const NoRootCause uint64 = 0

// ignoreRange is a byte range declared untracked by add_ignore_offset.
type ignoreRange struct{ lo, hi uint64 }

// Object is the persistent shadow state for one memory object: N cache
// lines' worth of persisted/dirty status and root-cause ids, each kept as
// two views - authoritative (writes only, since the last fence) and
// pending (writes and flushes, since the last fence) - sharing one
// underlying store history, per the invariant that authoritative is always
// a prefix of pending by extension order.
type Object struct {
	Size          uint64
	CacheLineSize uint32

	cacheLines symbolic.Array
	rootCauses symbolic.Array
	authLen    int // prefix of cacheLines/rootCauses.Stores visible to the authoritative view
	ignores    []ignoreRange
	anyOffset  symbolic.Expr // the object's "any offset" symbol, created by the first MustBePersisted
}

// NewObject returns a shadow object for a region of the given size, with
// every cache line initially persisted and no recorded root cause.
func NewObject(size uint64, cacheLineSize uint32) *Object {
	return &Object{
		Size:          size,
		CacheLineSize: cacheLineSize,
		cacheLines:    symbolic.NewArray(Persisted),
		rootCauses:    symbolic.NewArray(symbolic.Const{Value: NoRootCause}),
	}
}

// Clone deep-copies the object for a state fork: shadow state is never
// shared mutably across forked execution states.
func (o *Object) Clone() *Object {
	c := *o
	c.cacheLines.Stores = append([]symbolic.Store(nil), o.cacheLines.Stores...)
	c.rootCauses.Stores = append([]symbolic.Store(nil), o.rootCauses.Stores...)
	c.ignores = append([]ignoreRange(nil), o.ignores...)
	return &c
}

func (o *Object) lineOf(offset symbolic.Expr) symbolic.Expr {
	if c, ok := offset.(symbolic.Const); ok {
		return symbolic.Const{Value: c.Value / uint64(o.CacheLineSize)}
	}
	return symbolic.LineOfExpr{X: offset, CacheLineSize: uint64(o.CacheLineSize)}
}

func concreteLine(offset uint64, cacheLineSize uint32) symbolic.Expr {
	return symbolic.Const{Value: offset / uint64(cacheLineSize)}
}

func (o *Object) ignored(offset uint64) bool {
	for _, r := range o.ignores {
		if offset >= r.lo && offset < r.hi {
			return true
		}
	}
	return false
}

// Write8 inherits the byte-level write from the base engine state (the
// caller is responsible for that), then marks the covering cache line
// dirty and records rootCauseID as the root cause for that line, in both the
// authoritative and pending lists - since a write extends both.
func (o *Object) Write8(offset uint64, rootCauseID uint64) {
	if o.ignored(offset) {
		return
	}
	line := concreteLine(offset, o.CacheLineSize)
	o.cacheLines = o.cacheLines.Extend(line, Dirty)
	o.rootCauses = o.rootCauses.Extend(line, symbolic.Const{Value: rootCauseID})
	o.authLen = o.cacheLines.Len()
}

// WriteSymbolic is Write8 for a symbolic byte offset (scenario: "symbolic
// offset leak"): the covering line is itself symbolic, computed via
// LineOfExpr rather than known at call time.
func (o *Object) WriteSymbolic(offset symbolic.Expr, rootCauseID uint64) {
	line := o.lineOf(offset)
	o.cacheLines = o.cacheLines.Extend(line, Dirty)
	o.rootCauses = o.rootCauses.Extend(line, symbolic.Const{Value: rootCauseID})
	o.authLen = o.cacheLines.Len()
}

// FlushAt extends only the pending list, setting the covering cache line to
// persisted, and records rootCauseID as that pending persist's root cause. It does
// not touch the authoritative list - the line reads dirty from the
// authoritative view until the next fence.
func (o *Object) FlushAt(offset uint64, rootCauseID uint64) {
	if o.ignored(offset) {
		return
	}
	line := concreteLine(offset, o.CacheLineSize)
	o.cacheLines = o.cacheLines.Extend(line, Persisted)
	o.rootCauses = o.rootCauses.Extend(line, symbolic.Const{Value: rootCauseID})
}

// CommitPending makes the pending list authoritative: invoked at each
// fence, ending the current epoch for this object.
func (o *Object) CommitPending() {
	o.authLen = o.cacheLines.Len()
}

// IsOffsetPersisted returns the symbolic expression reading the chosen
// list - pending if pending is true, else authoritative - at the line
// covering offset, compared against the persisted constant.
func (o *Object) IsOffsetPersisted(offset symbolic.Expr, pending bool) symbolic.Expr {
	n := o.authLen
	if pending {
		n = o.cacheLines.Len()
	}
	line := o.lineOf(offset)
	return symbolic.Eq(o.cacheLines.Select(line, n), Persisted)
}

// MustBePersisted introduces an unconstrained symbolic offset bounded to
// this object's size, and asks the solver whether is_offset_persisted for
// that offset must hold under the current path condition - i.e. every
// reachable cache line is persisted, without enumerating lines. The offset
// symbol is allocated once per object and reused by later calls.
func (o *Object) MustBePersisted(ctx context.Context, solver engine.Solver, state engine.State) (bool, error) {
	if o.anyOffset == nil {
		o.anyOffset = solver.FreshSymbol("any_offset")
	}
	inBounds := symbolic.Lt(o.anyOffset, symbolic.Const{Value: o.Size})
	expr := symbolic.Or(symbolic.Not(inBounds), o.IsOffsetPersisted(o.anyOffset, true))
	return engine.ConservativeMustBeTrue(ctx, solver, state, expr)
}

// NumLines returns the number of cache lines this object spans.
func (o *Object) NumLines() int {
	n := int(o.Size / uint64(o.CacheLineSize))
	if o.Size%uint64(o.CacheLineSize) != 0 {
		n++
	}
	return n
}

// GetRootCauses enumerates, for every cache line whose root-cause integer
// could be non-zero under the current constraints, the possible id values,
// and returns their union. It follows the "enumerate every cache line, ask
// the solver for each id range" strategy (the first of the source's three
// alternative implementations).
func (o *Object) GetRootCauses(ctx context.Context, solver engine.Solver, state engine.State) ([]uint64, error) {
	ids := make(map[uint64]bool)
	for line := 0; line < o.NumLines(); line++ {
		lineExpr := symbolic.Const{Value: uint64(line)}
		rcExpr := o.rootCauses.Select(lineExpr, o.cacheLines.Len())

		mayBeSet, err := engine.ConservativeMayBeTrue(ctx, solver, state,
			symbolic.Not(symbolic.Eq(rcExpr, symbolic.Const{Value: NoRootCause})))
		if err != nil {
			return nil, fmt.Errorf("shadow: querying root cause for line %d: %w", line, err)
		}
		if !mayBeSet {
			continue
		}
		lo, hi, _, err := solver.GetRange(ctx, state, rcExpr)
		if err != nil {
			return nil, fmt.Errorf("shadow: ranging root cause for line %d: %w", line, err)
		}
		for id := lo; id <= hi; id++ {
			if id != NoRootCause {
				ids[id] = true
			}
		}
	}
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out, nil
}

// AddIgnoreOffset declares [offset, offset+size) untracked: writes and
// flushes within it are no-ops, used for volatile fields layered atop an
// otherwise-persistent object.
func (o *Object) AddIgnoreOffset(offset, size uint64) {
	o.ignores = append(o.ignores, ignoreRange{lo: offset, hi: offset + size})
}

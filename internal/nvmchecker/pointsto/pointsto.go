// Package pointsto identifies persistent-allocation sites and wraps a
// collaborator points-to analysis with memoization.
//
// The mmap fd/-1 rule is grounded on the original engine's NVM analysis
// utilities (the allocation-site heuristic: an intrinsic call, or an mmap
// call whose fd does not denote an anonymous mapping). The memoizing
// wrapper-around-an-external-analysis layering mirrors the teacher's own
// style of wrapping a field/crypto package behind a thin adapter
// (pkg/vybium-starks-vm/vm.go wrapping internal/.../core.Field).
package pointsto

import (
	"context"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sys/unix"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
)

// MmapCall describes one mmap/mmap64 call site's arguments, as much as the
// allocation-site rule needs of them.
type MmapCall struct {
	FD         int64  // -1 denotes an anonymous mapping
	FDSymbolic bool   // true if fd could not be resolved to a concrete value
	Flags      uint64 // raw mmap flags, e.g. unix.MAP_SHARED
}

// IntrinsicCall names the intrinsic, if any, a call site invokes.
type IntrinsicCall string

const (
	NoIntrinsic          IntrinsicCall = ""
	IntrinsicMarkPersist IntrinsicCall = "mark_persistent"
	IntrinsicAllocPmem   IntrinsicCall = "alloc_pmem"
)

// AllocationSiteTracker decides, for a call instruction, whether it is a
// persistent-allocation site.
type AllocationSiteTracker struct {
	sites map[engine.Value]bool
}

// NewAllocationSiteTracker returns a tracker with no discovered sites yet.
func NewAllocationSiteTracker() *AllocationSiteTracker {
	return &AllocationSiteTracker{sites: make(map[engine.Value]bool)}
}

// Classify applies the allocation-site rule to one call instruction's
// return value and records the verdict. A call is a persistent-allocation
// site iff it is a mark_persistent/alloc_pmem intrinsic, or an mmap/mmap64
// call whose fd is not the constant -1. A symbolic fd is conservatively
// treated as possibly persistent.
func (t *AllocationSiteTracker) Classify(retval engine.Value, intrinsic IntrinsicCall, mmap *MmapCall) bool {
	isSite := false
	switch {
	case intrinsic == IntrinsicMarkPersist || intrinsic == IntrinsicAllocPmem:
		isSite = true
	case mmap != nil:
		if mmap.FDSymbolic {
			isSite = true
		} else if mmap.FD != -1 {
			isSite = true
		}
	}
	t.sites[retval] = isSite
	return isSite
}

// IsKnownSite reports whether v was previously classified as a persistent
// allocation site.
func (t *AllocationSiteTracker) IsKnownSite(v engine.Value) bool {
	return t.sites[v]
}

// AllSites returns every value classified as a persistent allocation site.
func (t *AllocationSiteTracker) AllSites() []engine.Value {
	out := make([]engine.Value, 0, len(t.sites))
	for v, isSite := range t.sites {
		if isSite {
			out = append(out, v)
		}
	}
	return out
}

// IsSharedMapping reports whether flags indicate a shared, file-backed
// style mapping per POSIX mmap semantics (MAP_SHARED rather than
// MAP_PRIVATE), for callers building an MmapCall from raw syscall args.
func IsSharedMapping(flags uint64) bool {
	return flags&uint64(unix.MAP_SHARED) != 0
}

// Wrapper amortizes points-to-set construction by memoizing per-value
// queries ahead of the wrapped analysis, via an LRU cache.
type Wrapper struct {
	inner engine.PointsToAnalysis
	cache *lru.Cache
}

type cacheKey struct {
	state engine.State
	value engine.Value
}

// NewWrapper wraps inner with an LRU cache holding up to capacity entries.
func NewWrapper(inner engine.PointsToAnalysis, capacity int) *Wrapper {
	return &Wrapper{inner: inner, cache: lru.New(capacity)}
}

// PointsTo answers the wrapped analysis, consulting the cache first.
func (w *Wrapper) PointsTo(ctx context.Context, state engine.State, v engine.Value) ([]engine.MemoryObject, error) {
	key := cacheKey{state: state, value: v}
	if cached, ok := w.cache.Get(key); ok {
		return cached.([]engine.MemoryObject), nil
	}
	objs, err := w.inner.PointsTo(ctx, state, v)
	if err != nil {
		return nil, err
	}
	w.cache.Add(key, objs)
	return objs, nil
}

// MayAlias reports whether a and b's points-to sets intersect.
func (w *Wrapper) MayAlias(ctx context.Context, state engine.State, a, b engine.Value) (bool, error) {
	aSet, err := w.PointsTo(ctx, state, a)
	if err != nil {
		return false, err
	}
	bSet, err := w.PointsTo(ctx, state, b)
	if err != nil {
		return false, err
	}
	bIDs := make(map[uint64]bool, len(bSet))
	for _, o := range bSet {
		bIDs[o.ID] = true
	}
	for _, o := range aSet {
		if bIDs[o.ID] {
			return true, nil
		}
	}
	return false, nil
}

// SameSet reports whether a and b's points-to sets are exactly equal
// ("do their points-to sets coincide").
func (w *Wrapper) SameSet(ctx context.Context, state engine.State, a, b engine.Value) (bool, error) {
	aSet, err := w.PointsTo(ctx, state, a)
	if err != nil {
		return false, err
	}
	bSet, err := w.PointsTo(ctx, state, b)
	if err != nil {
		return false, err
	}
	if len(aSet) != len(bSet) {
		return false, nil
	}
	bIDs := make(map[uint64]bool, len(bSet))
	for _, o := range bSet {
		bIDs[o.ID] = true
	}
	for _, o := range aSet {
		if !bIDs[o.ID] {
			return false, nil
		}
	}
	return true, nil
}

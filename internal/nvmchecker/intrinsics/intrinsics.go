// Package intrinsics dispatches the five program-facing intrinsics against
// an active checker run: mark_persistent, alloc_pmem, check_persisted,
// check_ordered_before, is_pmem.
//
// Grounded on the original engine's SpecialFunctionHandler: intrinsic
// dispatch by name against the current execution state and memory
// objects, reporting errors through the same root-cause path as any other
// bug.
package intrinsics

import (
	"context"
	"fmt"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/epoch"
	"github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"
	"github.com/vybium/nvm-checker/internal/nvmchecker/shadow"
)

// Registry is the set of live persistent objects and their epoch models,
// keyed by the engine's memory object identity - the state Dispatch
// mutates on mark_persistent/alloc_pmem and queries on everything else.
type Registry struct {
	Objects map[engine.MemoryObject]*shadow.Object
	Epochs  map[engine.MemoryObject]*epoch.Model
	Names   map[engine.MemoryObject]string

	CacheLineSize uint32
	RootCauses    *rootcause.Manager
}

// NewRegistry returns an empty registry configured with the given cache
// line size.
func NewRegistry(cacheLineSize uint32, rc *rootcause.Manager) *Registry {
	return &Registry{
		Objects:       make(map[engine.MemoryObject]*shadow.Object),
		Epochs:        make(map[engine.MemoryObject]*epoch.Model),
		Names:         make(map[engine.MemoryObject]string),
		CacheLineSize: cacheLineSize,
		RootCauses:    rc,
	}
}

// frameOf builds the single-frame stack rootcause records for a location -
// the collaborator interfaces expose no caller-stack-walking API, so every
// bug site carries exactly one frame.
func frameOf(loc engine.Location) []rootcause.Frame {
	return []rootcause.Frame{{
		Description: loc.String(),
		Function:    loc.Function,
		File:        loc.File,
		Line:        loc.Line,
	}}
}

// MarkPersistent converts the memory object covering obj into a persistent
// object: attaches shadow state and registers the allocation site.
func (r *Registry) MarkPersistent(obj engine.MemoryObject, name string) {
	r.Objects[obj] = shadow.NewObject(obj.Size, r.CacheLineSize)
	r.Epochs[obj] = epoch.NewModel()
	r.Names[obj] = name
}

// AllocPmem allocates a new persistent object of the given size, which
// must be a multiple of the cache line size.
func (r *Registry) AllocPmem(obj engine.MemoryObject, name string) error {
	if obj.Size%uint64(r.CacheLineSize) != 0 {
		return fmt.Errorf("intrinsics: alloc_pmem size %d is not a multiple of cache line size %d", obj.Size, r.CacheLineSize)
	}
	r.MarkPersistent(obj, name)
	return nil
}

// CheckPersisted queries the persistent object covering [addr, addr+size)
// (resolved by the caller to obj) and, if some reachable cache line may
// still be unpersisted, registers a new Unpersisted root cause at loc,
// masking every write/flush root cause that may have contributed, and
// marks it a bug. Returns the raised id, or 0 if the range must already be
// persisted.
func (r *Registry) CheckPersisted(ctx context.Context, solver engine.Solver, state engine.State, obj engine.MemoryObject, loc engine.Location) (uint64, error) {
	shadowObj, ok := r.Objects[obj]
	if !ok {
		return 0, fmt.Errorf("intrinsics: check_persisted on unregistered object %v", obj)
	}
	must, err := shadowObj.MustBePersisted(ctx, solver, state)
	if err != nil {
		return 0, err
	}
	if must {
		return 0, nil
	}
	maskedIDs, err := shadowObj.GetRootCauses(ctx, solver, state)
	if err != nil {
		return 0, err
	}
	id := r.RootCauses.GetOrCreateIDMasking(r.Names[obj], loc.String(), frameOf(loc), rootcause.Unpersisted, maskedIDs)
	r.RootCauses.MarkAsBug(id)
	return id, nil
}

// CheckOrderedBefore checks the §4.2 ordering predicate against the epoch
// model for the object covering both ranges and emits a violation if it
// does not hold.
func (r *Registry) CheckOrderedBefore(obj engine.MemoryObject, loc engine.Location, aLo, aHi, bLo, bHi uint64) (bool, *uint64) {
	model, ok := r.Epochs[obj]
	if !ok {
		return false, nil
	}
	if model.IsOrderedBefore(aLo, aHi, bLo, bHi) {
		return true, nil
	}
	id := r.RootCauses.GetOrCreateID(r.Names[obj], loc.String(), frameOf(loc), rootcause.Unpersisted)
	r.RootCauses.MarkAsBug(id)
	return false, &id
}

// IsPmem reports whether the range is backed by a registered persistent
// object - true iff obj (the resolved object covering the whole range) is
// present in the registry.
func (r *Registry) IsPmem(obj engine.MemoryObject) bool {
	_, ok := r.Objects[obj]
	return ok
}

// Write records a write at offset within obj, in both the shadow state and
// the epoch model, using id as the write's root cause.
func (r *Registry) Write(obj engine.MemoryObject, loc engine.Location, offset uint64, reason rootcause.Reason) {
	shadowObj := r.Objects[obj]
	model := r.Epochs[obj]
	if shadowObj == nil || model == nil {
		return
	}
	id := r.RootCauses.GetOrCreateID(r.Names[obj], loc.String(), frameOf(loc), reason)
	shadowObj.Write8(offset, id)
	model.Store(offset, offset+1)
}

// Flush records a flush at offset within obj, in both the shadow state and
// the epoch model. A flush of a line never written raises a
// FlushOnUnmodified bug; a flush of a line already flushed this epoch, or
// already fully persisted and unmodified since, raises an UnnecessaryFlush
// bug. Either way the flush itself still proceeds.
func (r *Registry) Flush(obj engine.MemoryObject, loc engine.Location, offset uint64) {
	shadowObj := r.Objects[obj]
	model := r.Epochs[obj]
	if shadowObj == nil || model == nil {
		return
	}
	switch {
	case !model.LineWritten(offset, r.CacheLineSize):
		id := r.RootCauses.GetOrCreateID(r.Names[obj], loc.String(), frameOf(loc), rootcause.FlushOnUnmodified)
		r.RootCauses.MarkAsBug(id)
	case model.LineAlreadyFlushed(offset, r.CacheLineSize):
		id := r.RootCauses.GetOrCreateID(r.Names[obj], loc.String(), frameOf(loc), rootcause.UnnecessaryFlush)
		r.RootCauses.MarkAsBug(id)
	}
	shadowObj.FlushAt(offset, shadow.NoRootCause)
	model.Flush(offset, r.CacheLineSize)
}

// Fence commits the pending list to authoritative for every registered
// object, and advances each object's epoch model.
func (r *Registry) Fence() {
	for obj, shadowObj := range r.Objects {
		shadowObj.CommitPending()
		r.Epochs[obj].Fence(r.CacheLineSize)
	}
}

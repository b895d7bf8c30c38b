// Package nvmvalue implements the per-path NVM value descriptor and the
// per-call NVM context descriptor: which IR values are known to be (or not
// be) persistent at a given point, and the weight/priority maps the
// priority-directed search consumes.
//
// Grounded on the original engine's NvmHeuristicInfo/NvmHeuristics: a
// per-path value-descriptor propagated across calls and returns, and a
// per-function context owning weight/priority maps built by a
// core-weights pass followed by an aux-weights (call resolution) pass and
// a reverse-topological priority pass.
package nvmvalue

import (
	"context"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/pointsto"
)

// ValueDescriptor is immutable once returned: all mutation happens through
// Update/DoCall/DoReturn, which return a new descriptor (§3's "immutable
// except through explicit update operations that return a new shared
// descriptor").
type ValueDescriptor struct {
	allocSites    map[engine.Value]bool // identical across the whole run
	globalVolatile map[engine.Value]bool
	localVolatile  map[engine.Value]bool
}

// StaticState returns the initial descriptor for a module: every
// discovered allocation site, and empty known-volatile sets.
func StaticState(allocSites []engine.Value) *ValueDescriptor {
	sites := make(map[engine.Value]bool, len(allocSites))
	for _, s := range allocSites {
		sites[s] = true
	}
	return &ValueDescriptor{
		allocSites:     sites,
		globalVolatile: make(map[engine.Value]bool),
		localVolatile:  make(map[engine.Value]bool),
	}
}

func (d *ValueDescriptor) clone() *ValueDescriptor {
	c := &ValueDescriptor{
		allocSites:     d.allocSites, // identical across the run, never copied
		globalVolatile: make(map[engine.Value]bool, len(d.globalVolatile)),
		localVolatile:  make(map[engine.Value]bool, len(d.localVolatile)),
	}
	for v := range d.globalVolatile {
		c.globalVolatile[v] = true
	}
	for v := range d.localVolatile {
		c.localVolatile[v] = true
	}
	return c
}

// IsNVM reports whether ptr may point to NVM: its points-to set
// intersects the allocation set, unless some known-volatile pointer has
// exactly the same points-to set. A known-volatile whose set strictly
// contains ptr's set does not make ptr non-NVM.
func (d *ValueDescriptor) IsNVM(ctx context.Context, pt *pointsto.Wrapper, state engine.State, ptr engine.Value) (bool, error) {
	intersects := false
	for site := range d.allocSites {
		may, err := pt.MayAlias(ctx, state, ptr, site)
		if err != nil {
			return false, err
		}
		if may {
			intersects = true
			break
		}
	}
	if !intersects {
		return false, nil
	}
	for _, volSet := range []map[engine.Value]bool{d.globalVolatile, d.localVolatile} {
		for vol := range volSet {
			same, err := pt.SameSet(ctx, state, ptr, vol)
			if err != nil {
				return false, err
			}
			if same {
				return false, nil
			}
		}
	}
	return true, nil
}

// Update returns a new descriptor reflecting that value was (or was not)
// determined to be NVM. If isNVM is false and value is a pointer, it is
// added to the global known-volatile set if global, else the local one.
func (d *ValueDescriptor) Update(value engine.Value, isNVM bool, isGlobal bool) *ValueDescriptor {
	if isNVM {
		return d
	}
	c := d.clone()
	if isGlobal {
		c.globalVolatile[value] = true
	} else {
		c.localVolatile[value] = true
	}
	return c
}

// DoCall propagates NVM-ness into a callee's parameter descriptor: for
// each pointer argument whose points-to set intersects NVM allocations,
// the callee parameter inherits NVM status; otherwise the parameter is
// added to the callee's local known-volatile set. The caller's local
// known-volatile set is dropped (globals persist across the call).
func (d *ValueDescriptor) DoCall(paramIsNVM map[engine.Value]bool) *ValueDescriptor {
	c := &ValueDescriptor{
		allocSites:     d.allocSites,
		globalVolatile: make(map[engine.Value]bool, len(d.globalVolatile)),
		localVolatile:  make(map[engine.Value]bool),
	}
	for v := range d.globalVolatile {
		c.globalVolatile[v] = true
	}
	for param, isNVM := range paramIsNVM {
		if !isNVM {
			c.localVolatile[param] = true
		}
	}
	return c
}

// DoReturn updates the caller's descriptor with the NVM status of a
// returned pointer value, if the return value is a pointer.
func (d *ValueDescriptor) DoReturn(returnIsPointer bool, returnIsNVM bool, dest engine.Value, destIsGlobal bool) *ValueDescriptor {
	if !returnIsPointer {
		return d
	}
	return d.Update(dest, returnIsNVM, destIsGlobal)
}

// MayModifyNVM reports whether an instruction is a store through an NVM
// pointer, or a cache-flush intrinsic applied to an NVM pointer.
func MayModifyNVM(isStore, isFlushIntrinsic, ptrIsNVM bool) bool {
	return (isStore || isFlushIntrinsic) && ptrIsNVM
}

// Hash returns a structural digest of the descriptor's mutable sets, used
// as half of the (function, value-descriptor) context-cache key.
func (d *ValueDescriptor) Hash() [32]byte {
	var ids []uint64
	for v := range d.globalVolatile {
		ids = append(ids, v.ID|1<<63)
	}
	for v := range d.localVolatile {
		ids = append(ids, v.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h, _ := blake2b.New256(nil)
	buf := make([]byte, 8)
	for _, id := range ids {
		for i := 0; i < 8; i++ {
			buf[i] = byte(id >> (8 * i))
		}
		h.Write(buf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

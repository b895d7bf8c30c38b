package nvmvalue

import (
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
)

// InstKind classifies an instruction for the purpose of core-weight
// assignment.
type InstKind int

const (
	KindOther InstKind = iota
	KindStoreToNVM
	KindFlushOfNVM
	KindFence
	KindAllocSite
	KindCall
	KindReturn
)

// InstInfo is everything set_core_weights/set_aux_weights/set_priorities
// need about one instruction: its kind, its successors in control flow
// (empty for a terminal instruction), and - for calls - the callee it
// resolves to, if known.
type InstInfo struct {
	ID         engine.Location
	Kind       InstKind
	Successors []engine.Location
	Callee     *Function // nil for an unresolved indirect call
}

// Function identifies a callable unit a ContextDescriptor can be built
// for.
type Function struct {
	Name  string
	Entry engine.Location
}

// ContextDescriptor is a function paired with an incoming value
// descriptor: it owns the weight and priority maps for that function's
// instructions, and the call-site -> child-context map.
type ContextDescriptor struct {
	fn    Function
	value *ValueDescriptor

	insts map[engine.Location]InstInfo

	weight     map[engine.Location]int
	priority   map[engine.Location]int
	childCtx   map[engine.Location]*ContextDescriptor
	cache      *ContextCache
	inProgress bool
}

// ContextCache deduplicates contexts by (function, value-descriptor hash),
// so recursive and repeated calls share one computed context.
type ContextCache struct {
	byKey map[cacheKey]*ContextDescriptor
}

type cacheKey struct {
	fn   string
	hash [32]byte
}

// NewContextCache returns an empty cache.
func NewContextCache() *ContextCache {
	return &ContextCache{byKey: make(map[cacheKey]*ContextDescriptor)}
}

// GetOrBuild returns the cached context for (fn, value), building and
// inserting a new one via build if absent. build receives the
// not-yet-populated context so recursive lookups (cycle-broken by the
// cache insertion happening before descent) see a placeholder rather than
// looping forever.
func (c *ContextCache) GetOrBuild(fn Function, value *ValueDescriptor, insts map[engine.Location]InstInfo, build func(*ContextDescriptor)) *ContextDescriptor {
	key := cacheKey{fn: fn.Name, hash: value.Hash()}
	if existing, ok := c.byKey[key]; ok {
		return existing
	}
	ctx := &ContextDescriptor{
		fn:       fn,
		value:    value,
		insts:    insts,
		weight:   make(map[engine.Location]int),
		priority: make(map[engine.Location]int),
		childCtx: make(map[engine.Location]*ContextDescriptor),
		cache:    c,
	}
	c.byKey[key] = ctx
	build(ctx)
	return ctx
}

// SetCoreWeights scans every instruction, giving core instructions
// (stores to NVM, flushes of NVM pointers, fences, NVM allocation sites)
// weight 1 and everything else weight 0, and returns the auxiliary
// instructions (calls and returns) for a following SetAuxWeights pass.
func (c *ContextDescriptor) SetCoreWeights() []engine.Location {
	var aux []engine.Location
	for loc, info := range c.insts {
		switch info.Kind {
		case KindStoreToNVM, KindFlushOfNVM, KindFence, KindAllocSite:
			c.weight[loc] = 1
		case KindCall, KindReturn:
			aux = append(aux, loc)
		default:
			c.weight[loc] = 0
		}
	}
	return aux
}

// SetAuxWeights resolves each call instruction's weight to its callee's
// root (entry) priority, recursively building or looking up the callee's
// context. Calls that cannot be resolved to a known callee default to
// weight 1; returns get weight 0.
func (c *ContextDescriptor) SetAuxWeights(aux []engine.Location) {
	if c.inProgress {
		return
	}
	c.inProgress = true
	defer func() { c.inProgress = false }()

	for _, loc := range aux {
		info := c.insts[loc]
		if info.Kind != KindCall {
			c.weight[loc] = 0
			continue
		}
		if info.Callee == nil {
			c.weight[loc] = 1
			continue
		}
		child := c.cache.GetOrBuild(*info.Callee, c.value, c.insts, func(ctx *ContextDescriptor) {
			childAux := ctx.SetCoreWeights()
			ctx.SetAuxWeights(childAux)
			ctx.SetPriorities()
		})
		c.childCtx[loc] = child
		c.weight[loc] = child.PriorityAt(info.Callee.Entry)
	}
}

// SetPriorities propagates priority in reverse topological order from
// terminal instructions: priority[i] = weight[i] + max(priority[succ] for
// succ in successors(i)). An instruction is re-visited only when strictly
// more priority becomes available through it, which bounds propagation
// through loops to a fixpoint.
func (c *ContextDescriptor) SetPriorities() {
	changed := true
	for changed {
		changed = false
		for loc, info := range c.insts {
			best := 0
			for _, succ := range info.Successors {
				if p := c.priority[succ]; p > best {
					best = p
				}
			}
			newPriority := c.weight[loc] + best
			if newPriority > c.priority[loc] {
				c.priority[loc] = newPriority
				changed = true
			}
		}
	}
}

// PriorityAt returns the priority computed for loc.
func (c *ContextDescriptor) PriorityAt(loc engine.Location) int {
	return c.priority[loc]
}

// WeightAt returns the weight computed for loc.
func (c *ContextDescriptor) WeightAt(loc engine.Location) int {
	return c.weight[loc]
}

// TryGetNextContext returns the context execution should be in after
// stepping from pc to nextPC: if pc is a call whose next pc lands in a
// different function, the (built-if-needed) callee context; otherwise c
// itself.
func (c *ContextDescriptor) TryGetNextContext(pc, nextPC engine.Location) *ContextDescriptor {
	info, ok := c.insts[pc]
	if !ok || info.Kind != KindCall || info.Callee == nil {
		return c
	}
	if nextPC.Function == c.fn.Name {
		return c
	}
	if child, ok := c.childCtx[pc]; ok {
		return child
	}
	return c.cache.GetOrBuild(*info.Callee, c.value, c.insts, func(ctx *ContextDescriptor) {
		aux := ctx.SetCoreWeights()
		ctx.SetAuxWeights(aux)
		ctx.SetPriorities()
	})
}

// TryUpdateContext returns an updated context if changing value's NVM
// status would change IsNVM for it under this context's value descriptor;
// otherwise it returns c unchanged.
func (c *ContextDescriptor) TryUpdateContext(value engine.Value, isNVM bool, isGlobal bool) *ContextDescriptor {
	updated := c.value.Update(value, isNVM, isGlobal)
	if updated == c.value {
		return c
	}
	return c.cache.GetOrBuild(c.fn, updated, c.insts, func(ctx *ContextDescriptor) {
		aux := ctx.SetCoreWeights()
		ctx.SetAuxWeights(aux)
		ctx.SetPriorities()
	})
}

// Function returns the function this context was built for.
func (c *ContextDescriptor) Function() Function { return c.fn }

// Value returns the value descriptor this context was built with.
func (c *ContextDescriptor) Value() *ValueDescriptor { return c.value }

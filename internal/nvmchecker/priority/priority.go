// Package priority implements the priority-directed search heuristic: a
// searcher plugin that maintains a priority queue of execution states and
// selects the highest-priority ready state next, with generational
// coverage control to avoid redundantly exploring symmetric subtrees.
//
// Grounded on the original engine's Searcher interface (selectState,
// update(current, added, removed)) translated to Go; generational coverage
// control is modeled on the teacher's discrete, ordered-pass style for its
// own table-padding/AET generation code (GenerateAET/Pad process work in
// explicit passes rather than recursively).
package priority

import (
	"container/heap"
	"math/rand"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/nvmvalue"
)

// Fallback selects among equal-zero-priority states when the heuristic has
// nothing to say.
type Fallback int

const (
	FallbackDFS Fallback = iota
	FallbackRandom
)

// entry is one tracked state in the priority queue.
type entry struct {
	state      engine.State
	ctx        *nvmvalue.ContextDescriptor
	pc         engine.Location
	priority   int
	generation int
	index      int // heap bookkeeping
	seq        int // insertion order, for DFS fallback (last-in, first-out)
}

// pq is a container/heap max-priority queue ordered first by generation
// (lower drains first), then by priority (higher first), then LIFO by
// insertion (depth-first tie-break).
type pq []*entry

func (q pq) Len() int { return len(q) }
func (q pq) Less(i, j int) bool {
	if q[i].generation != q[j].generation {
		return q[i].generation < q[j].generation
	}
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq > q[j].seq
}
func (q pq) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *pq) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *pq) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Searcher selects the next execution state to run, by generation then by
// priority then by a configurable fallback among ties.
type Searcher struct {
	queue       pq
	byState     map[engine.State]*entry
	nextSeq     int
	currentGen  int
	fallback    Fallback
	rng         *rand.Rand
	allZero     bool
}

// NewSearcher returns an empty searcher. rng is used only by the random
// fallback; pass a seeded *rand.Rand for deterministic tests.
func NewSearcher(fallback Fallback, rng *rand.Rand) *Searcher {
	s := &Searcher{
		byState:  make(map[engine.State]*entry),
		fallback: fallback,
		rng:      rng,
		allZero:  true,
	}
	heap.Init(&s.queue)
	return s
}

// Add registers a newly forked state at the given generation (0 for the
// common case; a later generation for the second of two symmetric
// successors under generational coverage control), computing its priority
// from ctx at pc.
func (s *Searcher) Add(state engine.State, ctx *nvmvalue.ContextDescriptor, pc engine.Location, generation int) {
	p := ctx.PriorityAt(pc)
	if p != 0 {
		s.allZero = false
	}
	e := &entry{state: state, ctx: ctx, pc: pc, priority: p, generation: generation, seq: s.nextSeq}
	s.nextSeq++
	s.byState[state] = e
	heap.Push(&s.queue, e)
}

// Remove drops a state from the queue (it terminated, or was dropped by
// the engine).
func (s *Searcher) Remove(state engine.State) {
	e, ok := s.byState[state]
	if !ok {
		return
	}
	delete(s.byState, state)
	heap.Remove(&s.queue, e.index)
}

// UpdateContext replaces a tracked state's context - e.g. because its next
// pc crossed a function boundary, or it hit an update_current_state hint -
// and recomputes its priority and queue position.
func (s *Searcher) UpdateContext(state engine.State, ctx *nvmvalue.ContextDescriptor, pc engine.Location) {
	e, ok := s.byState[state]
	if !ok {
		return
	}
	e.ctx = ctx
	e.pc = pc
	newPriority := ctx.PriorityAt(pc)
	if newPriority != 0 {
		s.allZero = false
	}
	e.priority = newPriority
	heap.Fix(&s.queue, e.index)
}

// Next selects the next state to run: the lowest-generation,
// highest-priority entry, falling back to DFS or random choice among ties
// at zero priority.
func (s *Searcher) Next() (engine.State, bool) {
	if len(s.queue) == 0 {
		return engine.State{}, false
	}
	if s.allZero && s.fallback == FallbackRandom && s.rng != nil {
		minGen := s.queue[0].generation
		var ties []*entry
		for _, e := range s.queue {
			if e.generation == minGen {
				ties = append(ties, e)
			}
		}
		return ties[s.rng.Intn(len(ties))].state, true
	}
	// Default (and DFS fallback): the heap's own ordering already places
	// the most-recently-added state first among zero-priority ties.
	return s.queue[0].state, true
}

// Len reports how many states are currently tracked.
func (s *Searcher) Len() int { return len(s.queue) }

// AdvanceGeneration moves the searcher to the next generation once the
// current one is fully drained (no tracked entry remains at currentGen),
// exposing states held back by generational coverage control.
func (s *Searcher) AdvanceGeneration() {
	for _, e := range s.queue {
		if e.generation == s.currentGen {
			return // current generation not yet drained
		}
	}
	s.currentGen++
}

// CurrentGeneration returns the generation currently being drained.
func (s *Searcher) CurrentGeneration() int { return s.currentGen }

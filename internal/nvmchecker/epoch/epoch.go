// Package epoch implements the persistence-epoch and persist-interval
// reference model: a concrete, fully executable account of which writes to
// a persistent memory object are guaranteed ordered before which other
// writes, given the fences and flushes issued so far.
//
// The interval bookkeeping here is modeled on PersistentMemoryState's use
// of an interval map in the original engine this checker is built for,
// translated into a sorted, non-overlapping slice of ranges rather than
// porting a C++ interval-tree dependency - see DESIGN.md.
package epoch

import "sort"

// PersistInterval records that bytes in [Lo, Hi) were last modified at
// ModEpoch and are guaranteed persisted as of PersistEpoch. PersistEpoch is
// -1 (NotPersisted) until a Flush+Fence pair commits the range.
type PersistInterval struct {
	Lo, Hi       uint64
	ModEpoch     int64
	PersistEpoch int64
}

// NotPersisted marks a PersistInterval whose bytes have not yet been
// ordered persistent by any fence.
const NotPersisted int64 = -1

// Model is the per-object epoch and persist-interval state machine.
type Model struct {
	currEpoch        int64
	intervals        []PersistInterval // sorted, non-overlapping, covers every byte ever stored to
	flushedThisEpoch map[uint64]bool   // cache-line index -> flushed since last fence
	dirtyRanges      []rangeT          // byte ranges stored but not yet fully persisted
}

type rangeT struct{ lo, hi uint64 }

// NewModel returns a Model starting at epoch 0 with no history.
func NewModel() *Model {
	return &Model{
		currEpoch:        0,
		flushedThisEpoch: make(map[uint64]bool),
	}
}

// CurrentEpoch returns the model's current epoch counter.
func (m *Model) CurrentEpoch() int64 { return m.currEpoch }

// Store records a write to [lo, hi) at the current epoch. The written range
// becomes NotPersisted until a subsequent Flush+Fence commits it.
func (m *Model) Store(lo, hi uint64) {
	m.insert(PersistInterval{Lo: lo, Hi: hi, ModEpoch: m.currEpoch, PersistEpoch: NotPersisted})
	m.dirtyRanges = append(m.dirtyRanges, rangeT{lo, hi})
}

// Flush marks the cache line containing addr as flushed in the current
// epoch. A flush alone does not make the line persisted - only a following
// Fence advances PersistEpoch for lines flushed since the last fence.
func (m *Model) Flush(addr uint64, cacheLineSize uint32) {
	line := addr / uint64(cacheLineSize)
	m.flushedThisEpoch[line] = true
}

// Fence commits every line flushed since the last fence: the bytes of
// not-yet-persisted intervals that lie in those lines get the current epoch
// as their PersistEpoch, then the epoch counter advances. Lines touched but
// never flushed remain NotPersisted.
func (m *Model) Fence(cacheLineSize uint32) {
	if len(m.flushedThisEpoch) != 0 {
		cls := uint64(cacheLineSize)
		var result []PersistInterval
		for _, iv := range m.intervals {
			if iv.PersistEpoch != NotPersisted || !m.anyLineFlushed(iv.Lo, iv.Hi, cacheLineSize) {
				result = append(result, iv)
				continue
			}
			// Split at cache-line boundaries so only the flushed lines commit.
			for lo := iv.Lo; lo < iv.Hi; {
				line := lo / cls
				seg := PersistInterval{Lo: lo, Hi: min64(iv.Hi, (line+1)*cls), ModEpoch: iv.ModEpoch, PersistEpoch: NotPersisted}
				if m.flushedThisEpoch[line] {
					seg.PersistEpoch = m.currEpoch
				}
				result = append(result, seg)
				lo = seg.Hi
			}
		}
		m.intervals = result
		m.flushedThisEpoch = make(map[uint64]bool)
		m.pruneDirty(cacheLineSize)
	}
	m.currEpoch++
}

// LineWritten reports whether any byte in the cache line containing addr
// has ever been stored to.
func (m *Model) LineWritten(addr uint64, cacheLineSize uint32) bool {
	lo, hi := lineBounds(addr, cacheLineSize)
	return len(m.overlapping(lo, hi)) > 0
}

// LineAlreadyFlushed reports whether the cache line containing addr has
// already been flushed since the last fence, or is already fully persisted
// and has not been re-modified since - either way, a further flush of it
// would be redundant.
func (m *Model) LineAlreadyFlushed(addr uint64, cacheLineSize uint32) bool {
	line := addr / uint64(cacheLineSize)
	if m.flushedThisEpoch[line] {
		return true
	}
	lo, hi := lineBounds(addr, cacheLineSize)
	ivs := m.overlapping(lo, hi)
	if len(ivs) == 0 {
		return false
	}
	for _, iv := range ivs {
		if iv.PersistEpoch == NotPersisted {
			return false
		}
	}
	return true
}

func lineBounds(addr uint64, cacheLineSize uint32) (uint64, uint64) {
	line := addr / uint64(cacheLineSize)
	lo := line * uint64(cacheLineSize)
	return lo, lo + uint64(cacheLineSize)
}

func (m *Model) anyLineFlushed(lo, hi uint64, cacheLineSize uint32) bool {
	first := lo / uint64(cacheLineSize)
	last := (hi - 1) / uint64(cacheLineSize)
	for line := first; line <= last; line++ {
		if m.flushedThisEpoch[line] {
			return true
		}
	}
	return false
}

func (m *Model) pruneDirty(cacheLineSize uint32) {
	kept := m.dirtyRanges[:0]
	for _, r := range m.dirtyRanges {
		if m.isPersisted(r.lo, r.hi) {
			continue
		}
		kept = append(kept, r)
	}
	m.dirtyRanges = kept
}

// IsPersisted reports whether every byte in [lo, hi) has a PersistEpoch set
// (i.e. has survived a fence since its last modification).
func (m *Model) IsPersisted(lo, hi uint64) bool { return m.isPersisted(lo, hi) }

func (m *Model) isPersisted(lo, hi uint64) bool {
	covered := uint64(0)
	for _, iv := range m.overlapping(lo, hi) {
		if iv.PersistEpoch == NotPersisted {
			return false
		}
		segLo, segHi := max64(lo, iv.Lo), min64(hi, iv.Hi)
		if segHi > segLo {
			covered += segHi - segLo
		}
	}
	return covered == hi-lo
}

// IsOrderedBefore reports whether a store to [aLo, aHi) is guaranteed to be
// ordered, by fences issued so far, before a store to [bLo, bHi): that is,
// a's persist epoch (once persisted) is strictly less than b's mod epoch,
// or a is already persisted and b has not yet been modified at all.
func (m *Model) IsOrderedBefore(aLo, aHi, bLo, bHi uint64) bool {
	aIvs := m.overlapping(aLo, aHi)
	bIvs := m.overlapping(bLo, bHi)
	if len(aIvs) == 0 {
		return false
	}
	for _, a := range aIvs {
		if a.PersistEpoch == NotPersisted {
			return false
		}
		for _, b := range bIvs {
			if a.PersistEpoch >= b.ModEpoch {
				return false
			}
		}
	}
	return true
}

// insert overlays [lo, hi) atop the interval list, splitting any existing
// interval it partially overlaps, keeping the slice sorted and disjoint.
func (m *Model) insert(n PersistInterval) {
	var result []PersistInterval
	placed := false
	for _, iv := range m.intervals {
		if iv.Hi <= n.Lo || iv.Lo >= n.Hi {
			result = append(result, iv)
			continue
		}
		if iv.Lo < n.Lo {
			result = append(result, PersistInterval{Lo: iv.Lo, Hi: n.Lo, ModEpoch: iv.ModEpoch, PersistEpoch: iv.PersistEpoch})
		}
		if iv.Hi > n.Hi {
			result = append(result, PersistInterval{Lo: n.Hi, Hi: iv.Hi, ModEpoch: iv.ModEpoch, PersistEpoch: iv.PersistEpoch})
		}
	}
	result = append(result, n)
	sort.Slice(result, func(i, j int) bool { return result[i].Lo < result[j].Lo })
	_ = placed
	m.intervals = result
}

// overlapping returns every stored interval that intersects [lo, hi), in
// ascending order of Lo.
func (m *Model) overlapping(lo, hi uint64) []PersistInterval {
	var out []PersistInterval
	for _, iv := range m.intervals {
		if iv.Hi > lo && iv.Lo < hi {
			out = append(out, iv)
		}
	}
	return out
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

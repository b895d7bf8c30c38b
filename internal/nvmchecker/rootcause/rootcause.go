// Package rootcause implements the deduplicating bug-site registry: every
// distinct (allocation site, instruction, stack trace, reason) tuple is
// assigned a dense integer id on first sight, and later events can record
// that they masked - subsumed or hid - earlier ones.
//
// Grounded on RootCauseManager/RootCauseLocation in the original engine's
// root-cause tracking: getRootCauseLocationID's dedup-by-hash and
// masking-flattening behavior, and dumpText/dumpCSV/getSummary's report
// shape.
package rootcause

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Reason categorizes why a location was registered.
type Reason int

const (
	// Unpersisted marks a write that was never flushed and fenced.
	Unpersisted Reason = iota
	// UnnecessaryFlush marks a flush of an already-clean cache line.
	UnnecessaryFlush
	// FlushOnUnmodified marks a flush of a line that was never written.
	FlushOnUnmodified
)

func (r Reason) String() string {
	switch r {
	case Unpersisted:
		return "Unpersisted"
	case UnnecessaryFlush:
		return "UnnecessaryFlush"
	case FlushOnUnmodified:
		return "FlushOnUnmodified"
	default:
		return "Unknown"
	}
}

// Frame is one level of a root-cause location's call stack: a
// human-readable description plus its structured function/file/line,
// mirroring the original engine's RootCauseStackFrame. dump_csv renders
// stacks as one column group per frame, padded to the deepest stack
// recorded across all reported bugs.
type Frame struct {
	Description string
	Function    string
	File        string
	Line        int
}

func (f Frame) key() string {
	return f.Description + "\x00" + f.Function + "\x00" + f.File + "\x00" + strconv.Itoa(f.Line)
}

// Location is a (allocation site, instruction, stack trace, reason) tuple:
// one potential bug site. Locations are immutable once registered; the
// Manager owns the masking relationship between them.
type Location struct {
	AllocSite   string
	Instruction string
	Stack       []Frame
	Reason      Reason

	id uint64
}

// ID returns the dense integer id this location was assigned.
func (l Location) ID() uint64 { return l.id }

func (l Location) String() string {
	descs := make([]string, len(l.Stack))
	for i, f := range l.Stack {
		descs[i] = f.Description
	}
	return fmt.Sprintf("%s at %s (alloc: %s) [%s]", l.Reason, l.Instruction, l.AllocSite, strings.Join(descs, " -> "))
}

func (l Location) key() [32]byte {
	h, _ := blake2b.New256(nil)
	io.WriteString(h, l.AllocSite)
	h.Write([]byte{0})
	io.WriteString(h, l.Instruction)
	h.Write([]byte{0})
	for _, f := range l.Stack {
		io.WriteString(h, f.key())
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	io.WriteString(h, strconv.Itoa(int(l.Reason)))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Manager is the process-wide, append-only root-cause registry. It is the
// single shared mutable structure in the checker (§5): every mutation is
// guarded by a mutex, though the engine itself is assumed single-threaded.
type Manager struct {
	mu sync.Mutex

	nextID   uint64
	byKey    map[[32]byte]uint64
	byID     map[uint64]Location
	masked   map[uint64]map[uint64]bool // id -> set of ids it masks (transitively closed)
	isBug    map[uint64]bool
	occur    map[uint64]int
	catCount map[Reason]int

	log *logrus.Entry
}

// NewManager returns an empty registry. log may be nil, in which case a
// disabled logger is used (no output, zero overhead beyond a field check).
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Manager{
		nextID:   1,
		byKey:    make(map[[32]byte]uint64),
		byID:     make(map[uint64]Location),
		masked:   make(map[uint64]map[uint64]bool),
		isBug:    make(map[uint64]bool),
		occur:    make(map[uint64]int),
		catCount: make(map[Reason]int),
		log:      log,
	}
}

// GetOrCreateID computes a structural hash of the location and returns its
// existing id, or assigns and returns a new one.
func (m *Manager) GetOrCreateID(allocSite, instruction string, stack []Frame, reason Reason) uint64 {
	return m.GetOrCreateIDMasking(allocSite, instruction, stack, reason, nil)
}

// GetOrCreateIDMasking is GetOrCreateID, additionally recording that this
// location masks every id in maskedIDs - and, transitively, everything
// those ids already masked. The masking set is kept closed under
// transitivity so later queries never need to walk the chain themselves.
func (m *Manager) GetOrCreateIDMasking(allocSite, instruction string, stack []Frame, reason Reason, maskedIDs []uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc := Location{AllocSite: allocSite, Instruction: instruction, Stack: stack, Reason: reason}
	key := loc.key()

	id, existing := m.byKey[key]
	if !existing {
		id = m.nextID
		m.nextID++
		loc.id = id
		m.byKey[key] = id
		m.byID[id] = loc
		m.masked[id] = make(map[uint64]bool)
		m.log.WithFields(logrus.Fields{"id": id, "reason": reason.String(), "inst": instruction}).Debug("root cause registered")
	} else {
		id = existing
	}

	if len(maskedIDs) > 0 {
		set := m.masked[id]
		for _, other := range maskedIDs {
			if other == id {
				continue
			}
			set[other] = true
			for transitively := range m.masked[other] {
				set[transitively] = true
			}
		}
		m.log.WithFields(logrus.Fields{"id": id, "masked": maskedIDs}).Debug("root cause masking recorded")
	}

	return id
}

// Masked returns every id this id's registered event masked, transitively.
func (m *Manager) Masked(id uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.masked[id]
	out := make([]uint64, 0, len(set))
	for other := range set {
		out = append(out, other)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkAsBug increments the per-category and per-id occurrence counters for
// id, and marks every id it masks as a bug too - they are real bugs whose
// manifestation was hidden by later code.
func (m *Manager) MarkAsBug(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markAsBugLocked(id)
	for masked := range m.masked[id] {
		m.markAsBugLocked(masked)
	}
}

func (m *Manager) markAsBugLocked(id uint64) {
	loc, ok := m.byID[id]
	if !ok {
		return
	}
	m.isBug[id] = true
	m.occur[id]++
	m.catCount[loc.Reason]++
	m.log.WithFields(logrus.Fields{"id": id, "reason": loc.Reason.String()}).Warn("root cause marked as bug")
}

// Location returns the registered location for id.
func (m *Manager) Location(id uint64) (Location, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.byID[id]
	return loc, ok
}

// LocationString renders id's location the way dumpText renders one row.
func (m *Manager) LocationString(id uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.byID[id]
	if !ok {
		return fmt.Sprintf("<unknown root cause %d>", id)
	}
	return loc.String()
}

// UniqueLocationStrings maps a set of ids to their deduplicated location
// strings, for reporting a state's possible root causes (§4.1 get_root_causes).
func (m *Manager) UniqueLocationStrings(ids []uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		loc, ok := m.byID[id]
		if !ok {
			continue
		}
		s := loc.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Summary is the per-category bug tally (mirrors getSummary).
type Summary struct {
	Counts     map[Reason]int
	TotalBugs  int
	TotalSites int
}

// GetSummary returns the registry's aggregate bug counts.
func (m *Manager) GetSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Reason]int, len(m.catCount))
	for r, c := range m.catCount {
		counts[r] = c
	}
	total := 0
	for id := range m.isBug {
		if m.isBug[id] {
			total++
		}
	}
	return Summary{Counts: counts, TotalBugs: total, TotalSites: len(m.byID)}
}

// DumpText writes a human-readable report of every location marked as a
// bug, one per line, sorted by id.
func (m *Manager) DumpText(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bugIDsLocked()
	for _, id := range ids {
		loc := m.byID[id]
		if _, err := fmt.Fprintf(w, "[%d] %s (occurrences: %d, masks: %v)\n",
			id, loc.String(), m.occur[id], m.sortedMaskedLocked(id)); err != nil {
			return err
		}
	}
	return nil
}

// DumpCSV writes the bug report in tabular form: id, category, occurrences,
// then one column group per stack frame - description, function, file,
// line - padded to the deepest stack recorded across all reported bugs,
// mirroring the original engine's dumpCSV layout.
func (m *Manager) DumpCSV(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cw := csv.NewWriter(w)
	defer cw.Flush()

	ids := m.bugIDsLocked()
	depth := 0
	for _, id := range ids {
		if n := len(m.byID[id].Stack); n > depth {
			depth = n
		}
	}

	header := []string{"id", "category", "occurrences"}
	for i := 0; i < depth; i++ {
		header = append(header,
			fmt.Sprintf("stack_frame_%d", i),
			fmt.Sprintf("stack_frame_%d_function", i),
			fmt.Sprintf("stack_frame_%d_file", i),
			fmt.Sprintf("stack_frame_%d_line", i),
		)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, id := range ids {
		loc := m.byID[id]
		row := []string{
			strconv.FormatUint(id, 10),
			loc.Reason.String(),
			strconv.Itoa(m.occur[id]),
		}
		for i := 0; i < depth; i++ {
			if i < len(loc.Stack) {
				f := loc.Stack[i]
				row = append(row, f.Description, f.Function, f.File, strconv.Itoa(f.Line))
			} else {
				row = append(row, "", "", "", "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) bugIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(m.isBug))
	for id, isBug := range m.isBug {
		if isBug {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Manager) sortedMaskedLocked(id uint64) []uint64 {
	set := m.masked[id]
	out := make([]uint64, 0, len(set))
	for other := range set {
		out = append(out, other)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear resets the registry to empty. Exposed for test isolation between
// scenarios that must not share ids.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = 1
	m.byKey = make(map[[32]byte]uint64)
	m.byID = make(map[uint64]Location)
	m.masked = make(map[uint64]map[uint64]bool)
	m.isBug = make(map[uint64]bool)
	m.occur = make(map[uint64]int)
	m.catCount = make(map[Reason]int)
}

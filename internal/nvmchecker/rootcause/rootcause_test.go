package rootcause_test

import (
	"strings"
	"testing"

	"github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"
)

func frame(desc string) []rootcause.Frame {
	return []rootcause.Frame{{Description: desc, Function: "main", File: "main.c", Line: 10}}
}

func TestGetOrCreateIDDeduplicates(t *testing.T) {
	m := rootcause.NewManager(nil)
	a := m.GetOrCreateID("obj#1", "store@10", frame("main->foo"), rootcause.Unpersisted)
	b := m.GetOrCreateID("obj#1", "store@10", frame("main->foo"), rootcause.Unpersisted)
	if a != b {
		t.Fatalf("identical tuples must dedup to the same id, got %d and %d", a, b)
	}
	c := m.GetOrCreateID("obj#1", "store@11", frame("main->foo"), rootcause.Unpersisted)
	if c == a {
		t.Fatal("distinct instructions must get distinct ids")
	}
}

func TestMaskingIsFlattenedTransitively(t *testing.T) {
	m := rootcause.NewManager(nil)
	a := m.GetOrCreateID("obj", "inst-a", frame("stack"), rootcause.Unpersisted)
	b := m.GetOrCreateIDMasking("obj", "inst-b", frame("stack"), rootcause.UnnecessaryFlush, []uint64{a})
	c := m.GetOrCreateIDMasking("obj", "inst-c", frame("stack"), rootcause.FlushOnUnmodified, []uint64{b})

	masked := m.Masked(c)
	if len(masked) != 2 {
		t.Fatalf("expected c to transitively mask {a,b}, got %v", masked)
	}
}

func TestMarkAsBugPropagatesToMaskedIDs(t *testing.T) {
	m := rootcause.NewManager(nil)
	a := m.GetOrCreateID("obj", "inst-a", frame("stack"), rootcause.Unpersisted)
	b := m.GetOrCreateIDMasking("obj", "inst-b", frame("stack"), rootcause.UnnecessaryFlush, []uint64{a})

	m.MarkAsBug(b)

	summary := m.GetSummary()
	if summary.TotalBugs != 2 {
		t.Fatalf("expected both b and masked a to count as bugs, got total %d", summary.TotalBugs)
	}
	if summary.Counts[rootcause.Unpersisted] != 1 || summary.Counts[rootcause.UnnecessaryFlush] != 1 {
		t.Fatalf("expected one bug per category, got %v", summary.Counts)
	}
}

func TestDumpCSVHasHeaderAndBugRows(t *testing.T) {
	m := rootcause.NewManager(nil)
	id := m.GetOrCreateID("obj", "inst", frame("stack"), rootcause.Unpersisted)
	m.MarkAsBug(id)

	var sb strings.Builder
	if err := m.DumpCSV(&sb); err != nil {
		t.Fatalf("DumpCSV: %v", err)
	}
	out := sb.String()
	wantHeader := "id,category,occurrences,stack_frame_0,stack_frame_0_function,stack_frame_0_file,stack_frame_0_line\n"
	if !strings.HasPrefix(out, wantHeader) {
		t.Fatalf("missing expected header, got:\n%s", out)
	}
	if !strings.Contains(out, "Unpersisted") {
		t.Fatalf("expected a row for the marked bug, got:\n%s", out)
	}
	if !strings.Contains(out, "main.c") {
		t.Fatalf("expected the frame's file to appear in the row, got:\n%s", out)
	}
}

func TestUniqueLocationStringsDeduplicates(t *testing.T) {
	m := rootcause.NewManager(nil)
	a := m.GetOrCreateID("obj", "inst-a", frame("stack"), rootcause.Unpersisted)
	b := m.GetOrCreateID("obj", "inst-a", frame("stack"), rootcause.Unpersisted)

	strs := m.UniqueLocationStrings([]uint64{a, b})
	if len(strs) != 1 {
		t.Fatalf("expected identical ids to produce one unique string, got %v", strs)
	}
}

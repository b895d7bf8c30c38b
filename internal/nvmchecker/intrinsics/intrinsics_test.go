package intrinsics_test

import (
	"context"
	"testing"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine/enginetest"
	"github.com/vybium/nvm-checker/internal/nvmchecker/intrinsics"
	"github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"
)

const lineSize = 64

func TestAllocPmemRejectsMisalignedSize(t *testing.T) {
	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 100}
	if err := r.AllocPmem(obj, "buf"); err == nil {
		t.Fatal("expected an error for a size that is not a multiple of the cache line size")
	}
}

func TestAllocPmemRegistersObject(t *testing.T) {
	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 128}
	if err := r.AllocPmem(obj, "buf"); err != nil {
		t.Fatal(err)
	}
	if !r.IsPmem(obj) {
		t.Fatal("expected the allocated object to be registered as persistent memory")
	}
}

func TestCheckPersistedRaisesUnpersistedBug(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 64}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 0, rootcause.Unpersisted)

	checkLoc := engine.Location{Function: "main", InstID: 2}
	id, err := r.CheckPersisted(ctx, solver, state, obj, checkLoc)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero bug id for an unflushed write")
	}
}

func TestCheckPersistedCleanAfterFlushAndFence(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 64}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 0, rootcause.Unpersisted)
	r.Flush(obj, loc, 0)
	r.Fence()

	checkLoc := engine.Location{Function: "main", InstID: 2}
	id, err := r.CheckPersisted(ctx, solver, state, obj, checkLoc)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("expected no bug after write+flush+fence, got id %d", id)
	}
}

func TestCheckOrderedBeforeUsesEpochModel(t *testing.T) {
	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 128}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 0, rootcause.Unpersisted)
	r.Flush(obj, loc, 0)
	r.Fence()
	r.Write(obj, loc, 64, rootcause.Unpersisted)

	ordered, id := r.CheckOrderedBefore(obj, loc, 0, 8, 64, 72)
	if !ordered || id != nil {
		t.Fatalf("expected the persisted-then-modified pair to be ordered, got %v, %v", ordered, id)
	}
}

func TestDoubleFlushSameLineRaisesUnnecessaryFlush(t *testing.T) {
	rc := rootcause.NewManager(nil)
	r := intrinsics.NewRegistry(lineSize, rc)
	obj := engine.MemoryObject{ID: 1, Size: 64}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 10, rootcause.Unpersisted)
	r.Write(obj, loc, 11, rootcause.Unpersisted)
	r.Flush(obj, loc, 10)
	r.Flush(obj, loc, 11)
	r.Fence()

	summary := rc.GetSummary()
	if summary.Counts[rootcause.UnnecessaryFlush] != 1 {
		t.Fatalf("expected exactly one UnnecessaryFlush bug, got counts %v", summary.Counts)
	}
	if summary.Counts[rootcause.FlushOnUnmodified] != 0 {
		t.Fatalf("expected no FlushOnUnmodified bugs, got counts %v", summary.Counts)
	}
}

func TestFlushOnCleanLineRaisesFlushOnUnmodified(t *testing.T) {
	rc := rootcause.NewManager(nil)
	r := intrinsics.NewRegistry(lineSize, rc)
	obj := engine.MemoryObject{ID: 1, Size: 64}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Flush(obj, loc, 0)
	r.Fence()

	summary := rc.GetSummary()
	if summary.Counts[rootcause.FlushOnUnmodified] != 1 {
		t.Fatalf("expected exactly one FlushOnUnmodified bug, got counts %v", summary.Counts)
	}
	if summary.Counts[rootcause.UnnecessaryFlush] != 0 {
		t.Fatalf("expected no UnnecessaryFlush bugs, got counts %v", summary.Counts)
	}
}

func TestCleanFlushRaisesNoBug(t *testing.T) {
	rc := rootcause.NewManager(nil)
	r := intrinsics.NewRegistry(lineSize, rc)
	obj := engine.MemoryObject{ID: 1, Size: 64}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 10, rootcause.Unpersisted)
	r.Fence()
	r.Flush(obj, loc, 10)
	r.Fence()

	summary := rc.GetSummary()
	if summary.TotalBugs != 0 {
		t.Fatalf("expected a clean store+fence+flush+fence to raise no bug, got %v", summary.Counts)
	}
}

func TestCheckOrderedBeforeViolation(t *testing.T) {
	r := intrinsics.NewRegistry(lineSize, rootcause.NewManager(nil))
	obj := engine.MemoryObject{ID: 1, Size: 128}
	r.MarkPersistent(obj, "buf")

	loc := engine.Location{Function: "main", InstID: 1}
	r.Write(obj, loc, 0, rootcause.Unpersisted)
	r.Write(obj, loc, 64, rootcause.Unpersisted)

	ordered, id := r.CheckOrderedBefore(obj, loc, 0, 8, 64, 72)
	if ordered || id == nil {
		t.Fatal("expected an ordering violation when neither range has been fenced")
	}
}

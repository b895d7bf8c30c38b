package checkers_test

import (
	"context"
	"testing"

	"github.com/vybium/nvm-checker/internal/nvmchecker/checkers"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine/enginetest"
	"github.com/vybium/nvm-checker/internal/nvmchecker/shadow"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

func TestTransactionOverlapCheckerFlagsOverlap(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	c := checkers.NewTransactionOverlapChecker()
	finding, err := c.AddRange(ctx, solver, state, symbolic.Const{Value: 0}, symbolic.Const{Value: 16})
	if err != nil || finding != nil {
		t.Fatalf("first add should not overlap anything, got %v, %v", finding, err)
	}
	finding, err = c.AddRange(ctx, solver, state, symbolic.Const{Value: 8}, symbolic.Const{Value: 24})
	if err != nil {
		t.Fatal(err)
	}
	if finding == nil {
		t.Fatal("expected an overlap finding for [8,24) against existing [0,16)")
	}
}

func TestTransactionOverlapCheckerNoFalsePositiveOnDisjointRanges(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	c := checkers.NewTransactionOverlapChecker()
	_, err := c.AddRange(ctx, solver, state, symbolic.Const{Value: 0}, symbolic.Const{Value: 16})
	if err != nil {
		t.Fatal(err)
	}
	finding, err := c.AddRange(ctx, solver, state, symbolic.Const{Value: 16}, symbolic.Const{Value: 32})
	if err != nil {
		t.Fatal(err)
	}
	if finding != nil {
		t.Fatalf("adjacent, non-overlapping ranges must not be flagged, got %v", finding)
	}
}

func TestTransactionOnlyUpdateCheckerWarnsOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	overlap := checkers.NewTransactionOverlapChecker()
	only := checkers.NewTransactionOnlyUpdateChecker(overlap)
	only.DeclareMustBeInTx(symbolic.Const{Value: 0}, symbolic.Const{Value: 16})

	obj := shadow.NewObject(128, 64)
	step := checkers.Step{
		Ctx:    ctx,
		State:  state,
		Object: obj,
		Offset: 4,
		Solver: solver,
	}
	findings, err := only.Check(step)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected one warning for an untransacted store into a must-be-in-tx range, got %v", findings)
	}
}

func TestTransactionOnlyUpdateCheckerSilentWhenCovered(t *testing.T) {
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	overlap := checkers.NewTransactionOverlapChecker()
	only := checkers.NewTransactionOnlyUpdateChecker(overlap)
	only.DeclareMustBeInTx(symbolic.Const{Value: 0}, symbolic.Const{Value: 16})

	if _, err := overlap.AddRange(ctx, solver, state, symbolic.Const{Value: 0}, symbolic.Const{Value: 16}); err != nil {
		t.Fatal(err)
	}

	obj := shadow.NewObject(128, 64)
	step := checkers.Step{Ctx: ctx, State: state, Object: obj, Offset: 4, Solver: solver}
	findings, err := only.Check(step)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Fatalf("a store already covered by the open transaction must not warn, got %v", findings)
	}
}

func TestVolatileFilterAddsIgnoreRange(t *testing.T) {
	obj := shadow.NewObject(128, 64)
	c := checkers.NewVolatileFilterChecker([]string{"volatile_byte"})
	c.MarkVolatile("volatile_byte", obj, 8, 4)
	obj.Write8(8, 1)

	expr := obj.IsOffsetPersisted(symbolic.Const{Value: 8}, true)
	ctx := context.Background()
	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()
	persisted, _, err := solver.MustBeTrue(ctx, state, expr)
	if err != nil {
		t.Fatal(err)
	}
	if !persisted {
		t.Fatal("a write into an ignored (volatile-marked) range must not dirty the line")
	}
}

func TestInvocationCounterCountsAndReports(t *testing.T) {
	c := checkers.NewInvocationCounter()
	for i := 0; i < 3; i++ {
		if _, err := c.Check(checkers.Step{}); err != nil {
			t.Fatal(err)
		}
	}
	if c.Count() != 3 {
		t.Fatalf("expected count 3, got %d", c.Count())
	}
	if c.Teardown().Message == "" {
		t.Fatal("expected a non-empty teardown report")
	}
}

func TestHandlerDispatchesToRegisteredChecker(t *testing.T) {
	h := checkers.NewHandler(nil)
	counter := checkers.NewInvocationCounter()
	h.Register(counter)
	if _, err := h.Handle(checkers.Step{}); err != nil {
		t.Fatal(err)
	}
	if counter.Count() != 1 {
		t.Fatalf("expected the registered checker to run once, got count %d", counter.Count())
	}
}

package engine_test

import (
	"context"
	"testing"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine/enginetest"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

func TestConservativeMustBeTrue(t *testing.T) {
	ctx := context.Background()
	s := enginetest.NewFakeSolver()
	e := enginetest.NewFakeEngine()
	state := e.NewState()

	t.Run("decided true", func(t *testing.T) {
		got, err := engine.ConservativeMustBeTrue(ctx, s, state, symbolic.True)
		if err != nil || !got {
			t.Fatalf("got %v, %v, want true, nil", got, err)
		}
	})

	t.Run("decided false", func(t *testing.T) {
		got, err := engine.ConservativeMustBeTrue(ctx, s, state, symbolic.False)
		if err != nil || got {
			t.Fatalf("got %v, %v, want false, nil", got, err)
		}
	})

	t.Run("timed out defaults to false", func(t *testing.T) {
		s.Bind("x", []uint64{0, 1})
		s.ForceTimeout("x")
		expr := symbolic.Eq(symbolic.Sym{Name: "x"}, symbolic.Const{Value: 0})
		got, err := engine.ConservativeMustBeTrue(ctx, s, state, expr)
		if err != nil || got {
			t.Fatalf("got %v, %v, want false, nil (timeout must default to false)", got, err)
		}
	})
}

func TestConservativeMayBeTrue(t *testing.T) {
	ctx := context.Background()
	s := enginetest.NewFakeSolver()
	e := enginetest.NewFakeEngine()
	state := e.NewState()

	t.Run("timed out defaults to true", func(t *testing.T) {
		s.Bind("y", []uint64{5, 6})
		s.ForceTimeout("y")
		expr := symbolic.Eq(symbolic.Sym{Name: "y"}, symbolic.Const{Value: 5})
		got, err := engine.ConservativeMayBeTrue(ctx, s, state, expr)
		if err != nil || !got {
			t.Fatalf("got %v, %v, want true, nil (timeout may default to true)", got, err)
		}
	})

	t.Run("decided false", func(t *testing.T) {
		got, err := engine.ConservativeMayBeTrue(ctx, s, state, symbolic.False)
		if err != nil || got {
			t.Fatalf("got %v, %v, want false, nil", got, err)
		}
	})
}

func TestFakeSolverEnumeration(t *testing.T) {
	ctx := context.Background()
	s := enginetest.NewFakeSolver()
	e := enginetest.NewFakeEngine()
	state := e.NewState()
	s.Bind("off", []uint64{0, 64, 128})

	expr := symbolic.Lt(symbolic.Sym{Name: "off"}, symbolic.Const{Value: 200})
	must, _, err := s.MustBeTrue(ctx, state, expr)
	if err != nil || !must {
		t.Fatalf("expected off<200 to be must-true across {0,64,128}, got %v, %v", must, err)
	}

	lo, hi, timedOut, err := s.GetRange(ctx, state, symbolic.Sym{Name: "off"})
	if err != nil || timedOut || lo != 0 || hi != 128 {
		t.Fatalf("GetRange = %d,%d,%v,%v, want 0,128,false,nil", lo, hi, timedOut, err)
	}
}

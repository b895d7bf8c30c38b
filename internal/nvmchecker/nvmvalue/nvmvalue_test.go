package nvmvalue_test

import (
	"context"
	"testing"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine/enginetest"
	"github.com/vybium/nvm-checker/internal/nvmchecker/nvmvalue"
	"github.com/vybium/nvm-checker/internal/nvmchecker/pointsto"
)

func TestIsNVMIntersectsAllocationSet(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()
	fake := enginetest.NewFakePointsTo()

	site := engine.Value{ID: 1}
	ptr := engine.Value{ID: 2}
	obj := engine.MemoryObject{ID: 100}
	fake.Set(site, []engine.MemoryObject{obj})
	fake.Set(ptr, []engine.MemoryObject{obj})

	w := pointsto.NewWrapper(fake, 16)
	d := nvmvalue.StaticState([]engine.Value{site})

	isNVM, err := d.IsNVM(ctx, w, state, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if !isNVM {
		t.Fatal("a pointer aliasing a known allocation site should be NVM")
	}
}

func TestIsNVMFalseWhenVolatileCovers(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()
	fake := enginetest.NewFakePointsTo()

	site := engine.Value{ID: 1}
	ptr := engine.Value{ID: 2}
	vol := engine.Value{ID: 3}
	obj := engine.MemoryObject{ID: 100}
	fake.Set(site, []engine.MemoryObject{obj})
	fake.Set(ptr, []engine.MemoryObject{obj})
	fake.Set(vol, []engine.MemoryObject{obj})

	w := pointsto.NewWrapper(fake, 16)
	d := nvmvalue.StaticState([]engine.Value{site})
	d = d.Update(vol, false, true)

	isNVM, err := d.IsNVM(ctx, w, state, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if isNVM {
		t.Fatal("a pointer whose points-to set matches a known-volatile must read as not NVM")
	}
}

func TestUpdateReturnsNewDescriptorOnVolatile(t *testing.T) {
	d := nvmvalue.StaticState(nil)
	v := engine.Value{ID: 1}
	d2 := d.Update(v, false, false)
	if d == d2 {
		t.Fatal("Update with isNVM=false must return a distinct descriptor")
	}
	d3 := d.Update(v, true, false)
	if d != d3 {
		t.Fatal("Update with isNVM=true is a no-op and should return the same descriptor")
	}
}

func TestContextCoreWeightsAndPriorityPropagation(t *testing.T) {
	entry := engine.Location{Function: "f", InstID: 1}
	store := engine.Location{Function: "f", InstID: 2}
	ret := engine.Location{Function: "f", InstID: 3}

	insts := map[engine.Location]nvmvalue.InstInfo{
		entry: {ID: entry, Kind: nvmvalue.KindOther, Successors: []engine.Location{store}},
		store: {ID: store, Kind: nvmvalue.KindStoreToNVM, Successors: []engine.Location{ret}},
		ret:   {ID: ret, Kind: nvmvalue.KindReturn},
	}

	cache := nvmvalue.NewContextCache()
	value := nvmvalue.StaticState(nil)
	fn := nvmvalue.Function{Name: "f", Entry: entry}

	ctxDesc := cache.GetOrBuild(fn, value, insts, func(c *nvmvalue.ContextDescriptor) {
		aux := c.SetCoreWeights()
		c.SetAuxWeights(aux)
		c.SetPriorities()
	})

	if ctxDesc.WeightAt(store) != 1 {
		t.Fatalf("store to NVM should have weight 1, got %d", ctxDesc.WeightAt(store))
	}
	if ctxDesc.PriorityAt(entry) != 1 {
		t.Fatalf("entry priority should be 1 (propagated from the one core instruction), got %d", ctxDesc.PriorityAt(entry))
	}
	if ctxDesc.PriorityAt(ret) != 0 {
		t.Fatalf("return instruction with no successors and weight 0 should have priority 0, got %d", ctxDesc.PriorityAt(ret))
	}
}

func TestContextCacheDeduplicatesByFunctionAndValueHash(t *testing.T) {
	entry := engine.Location{Function: "g", InstID: 1}
	insts := map[engine.Location]nvmvalue.InstInfo{
		entry: {ID: entry, Kind: nvmvalue.KindOther},
	}
	cache := nvmvalue.NewContextCache()
	value := nvmvalue.StaticState(nil)
	fn := nvmvalue.Function{Name: "g", Entry: entry}

	build := func(c *nvmvalue.ContextDescriptor) {
		aux := c.SetCoreWeights()
		c.SetAuxWeights(aux)
		c.SetPriorities()
	}

	first := cache.GetOrBuild(fn, value, insts, build)
	second := cache.GetOrBuild(fn, value, insts, build)
	if first != second {
		t.Fatal("identical (function, value descriptor) pairs must share one cached context")
	}
}

func TestMayModifyNVM(t *testing.T) {
	if !nvmvalue.MayModifyNVM(true, false, true) {
		t.Fatal("a store through an NVM pointer must modify NVM")
	}
	if !nvmvalue.MayModifyNVM(false, true, true) {
		t.Fatal("a flush intrinsic on an NVM pointer must modify NVM")
	}
	if nvmvalue.MayModifyNVM(true, false, false) {
		t.Fatal("a store through a non-NVM pointer must not modify NVM")
	}
}

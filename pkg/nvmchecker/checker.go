// Package nvmchecker is the public facade: it wires the points-to wrapper,
// NVM value/context descriptors, priority-directed search, custom-checker
// framework, persistent shadow state, epoch model, and root-cause registry
// into one configured run, mirroring the teacher's
// pkg/vybium-starks-vm.VM / VMConfig / VMError public-wraps-internal
// layering.
package nvmchecker

import (
	"context"
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/vybium/nvm-checker/internal/nvmchecker/checkers"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/intrinsics"
	"github.com/vybium/nvm-checker/internal/nvmchecker/nvmvalue"
	"github.com/vybium/nvm-checker/internal/nvmchecker/pointsto"
	"github.com/vybium/nvm-checker/internal/nvmchecker/priority"
	"github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

// Checker is one configured checker run: a root-cause registry, an
// intrinsic-dispatch registry of live persistent objects, and a
// checker-plugin handler, all driven against collaborator Engine/Solver/
// PointsToAnalysis implementations supplied by the caller.
type Checker struct {
	config       *Config
	rootCauses   *rootcause.Manager
	registry     *intrinsics.Registry
	handler      *checkers.Handler
	pointsTo     *pointsto.Wrapper
	overlap      *checkers.TransactionOverlapChecker
	searcher     *priority.Searcher
	contextCache *nvmvalue.ContextCache

	log *logrus.Entry
}

// New builds a Checker from a validated configuration, a collaborator
// points-to analysis, and an optional structured logger (nil uses a
// discarding one).
func New(config *Config, pt engine.PointsToAnalysis, log *logrus.Entry) (*Checker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}

	rootCauses := rootcause.NewManager(log.WithField("component", "rootcause"))
	registry := intrinsics.NewRegistry(config.CacheLineSize, rootCauses)
	handler := checkers.NewHandler(log.WithField("component", "checkers"))

	overlap := checkers.NewTransactionOverlapChecker()
	onlyUpdate := checkers.NewTransactionOnlyUpdateChecker(overlap)
	volatile := checkers.NewVolatileFilterChecker(config.IgnoreStructs)
	counter := checkers.NewInvocationCounter()
	handler.Register(overlap)
	handler.Register(onlyUpdate)
	handler.Register(volatile)
	handler.Register(counter)

	var searcher *priority.Searcher
	var contextCache *nvmvalue.ContextCache
	if config.HeuristicType != HeuristicNone {
		searcher = priority.NewSearcher(priority.FallbackDFS, rand.New(rand.NewSource(1)))
		contextCache = nvmvalue.NewContextCache()
	}

	return &Checker{
		config:       config,
		rootCauses:   rootCauses,
		registry:     registry,
		handler:      handler,
		pointsTo:     pointsto.NewWrapper(pt, 4096),
		overlap:      overlap,
		searcher:     searcher,
		contextCache: contextCache,
		log:          log,
	}, nil
}

// MarkPersistent implements the mark_persistent intrinsic.
func (c *Checker) MarkPersistent(obj engine.MemoryObject, name string) {
	c.registry.MarkPersistent(obj, name)
}

// AllocPmem implements the alloc_pmem intrinsic.
func (c *Checker) AllocPmem(obj engine.MemoryObject, name string) error {
	if err := c.registry.AllocPmem(obj, name); err != nil {
		return &CheckerError{Code: ErrIntrinsicPrecondition, Message: "alloc_pmem", Cause: err}
	}
	return nil
}

// IsPmem implements the is_pmem intrinsic.
func (c *Checker) IsPmem(obj engine.MemoryObject) bool {
	return c.registry.IsPmem(obj)
}

// Write records a write for the purposes of both the shadow state and the
// epoch reference model.
func (c *Checker) Write(obj engine.MemoryObject, loc engine.Location, offset uint64) {
	c.registry.Write(obj, loc, offset, rootcause.Unpersisted)
}

// Flush records a flush.
func (c *Checker) Flush(obj engine.MemoryObject, loc engine.Location, offset uint64) {
	c.registry.Flush(obj, loc, offset)
}

// Fence commits every live object's pending list to authoritative and
// advances its epoch.
func (c *Checker) Fence() {
	c.registry.Fence()
}

// CheckPersisted implements the check_persisted intrinsic.
func (c *Checker) CheckPersisted(ctx context.Context, solver engine.Solver, state engine.State, obj engine.MemoryObject, loc engine.Location) (uint64, error) {
	if !c.registry.IsPmem(obj) {
		return 0, &CheckerError{Code: ErrUnregisteredObject, Message: "check_persisted"}
	}
	id, err := c.registry.CheckPersisted(ctx, solver, state, obj, loc)
	if err != nil {
		return 0, &CheckerError{Code: ErrSolverFailure, Message: "check_persisted", Cause: err}
	}
	return id, nil
}

// CheckOrderedBefore implements the check_ordered_before intrinsic.
func (c *Checker) CheckOrderedBefore(obj engine.MemoryObject, loc engine.Location, aLo, aHi, bLo, bHi uint64) bool {
	ordered, _ := c.registry.CheckOrderedBefore(obj, loc, aLo, aHi, bLo, bHi)
	return ordered
}

// RunCheckers dispatches every registered checker against one executed
// instruction step.
func (c *Checker) RunCheckers(step checkers.Step) ([]checkers.Finding, error) {
	return c.handler.Handle(step)
}

// AddTransactionRange records a range added to the current transaction,
// returning a finding if it may overlap a range already added.
func (c *Checker) AddTransactionRange(ctx context.Context, solver engine.Solver, state engine.State, start, end symbolic.Expr) (*checkers.Finding, error) {
	return c.overlap.AddRange(ctx, solver, state, start, end)
}

// PointsTo exposes the memoizing points-to wrapper to callers that need to
// build NVM value descriptors.
func (c *Checker) PointsTo() *pointsto.Wrapper {
	return c.pointsTo
}

// Searcher exposes the priority-directed searcher selected by
// Config.HeuristicType, for callers driving their own exploration loop. It
// is nil under HeuristicNone, where the caller is expected to pick its own
// state-selection strategy.
func (c *Checker) Searcher() *priority.Searcher {
	return c.searcher
}

// ContextCache exposes the NVM value/context descriptor cache backing the
// selected heuristic. It is nil under HeuristicNone for the same reason as
// Searcher.
func (c *Checker) ContextCache() *nvmvalue.ContextCache {
	return c.contextCache
}

// Report returns the current aggregate bug report.
func (c *Checker) Report() Report {
	r := newReport(c.rootCauses.GetSummary())
	return r
}

// DumpText writes the human-readable bug report.
func (c *Checker) DumpText(w io.Writer) error {
	return c.rootCauses.DumpText(w)
}

// DumpCSV writes the tabular bug report.
func (c *Checker) DumpCSV(w io.Writer) error {
	return c.rootCauses.DumpCSV(w)
}

// Package checkers implements the pluggable per-instruction callback
// framework: a pipeline of independently registered checks invoked by the
// engine after every executed instruction, and the four required checkers
// layered on top of it.
//
// The pipeline shape - an interface implemented by each check, run in
// registration order by an owning handler - is grounded on kanso-lang's
// OptimizationPass/OptimizationPipeline (AddPass/Run over a registered
// slice). The transaction checkers are grounded on
// mansub1029-go-pmem-transaction's undoTx: a log of byte ranges added to a
// transaction and committed or aborted as a unit, here turned into
// symbolic range-overlap queries instead of a real undo log.
package checkers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"
	"github.com/vybium/nvm-checker/internal/nvmchecker/shadow"
	"github.com/vybium/nvm-checker/internal/nvmchecker/symbolic"
)

// Finding is one problem a checker reports for the current instruction.
type Finding struct {
	Checker string
	Message string
	Reason  rootcause.Reason
}

// Step is everything a checker needs about the instruction that just
// executed: read-only access to the instruction, the memory object it
// resolved to (if any), and the engine/solver to query further.
type Step struct {
	Ctx    context.Context
	State  engine.State
	Loc    engine.Location
	Object *shadow.Object // nil if this instruction did not resolve to a persistent object
	Offset uint64
	IsNVM  bool

	Engine engine.Engine
	Solver engine.Solver
}

// Checker is implemented by every per-instruction plugin.
type Checker interface {
	// Name identifies the checker for logging and findings.
	Name() string
	// Check runs after the instruction in step has executed. It may
	// return findings and/or an error; an error aborts the run, a
	// finding is just reported.
	Check(step Step) ([]Finding, error)
}

// Handler owns the registered checkers for the whole run and dispatches
// Handle(step) to each of them in registration order.
type Handler struct {
	checkers []Checker
	log      *logrus.Entry
}

// NewHandler returns a handler with no checkers registered.
func NewHandler(log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Handler{log: log}
}

// Register appends c to the dispatch order.
func (h *Handler) Register(c Checker) {
	h.checkers = append(h.checkers, c)
}

// Handle runs every registered checker against step, in registration
// order, collecting all findings. It stops and returns the first error any
// checker produces.
func (h *Handler) Handle(step Step) ([]Finding, error) {
	var all []Finding
	for _, c := range h.checkers {
		findings, err := c.Check(step)
		if err != nil {
			return all, fmt.Errorf("checkers: %s: %w", c.Name(), err)
		}
		for _, f := range findings {
			h.log.WithFields(logrus.Fields{"checker": c.Name(), "loc": step.Loc.String()}).Warn(f.Message)
		}
		all = append(all, findings...)
	}
	return all, nil
}

// txRange is a symbolic [start, end) byte range added to a transaction.
type txRange struct {
	start, end symbolic.Expr
}

// TransactionOverlapChecker maintains the ranges added to the current
// transaction and reports when a newly added range may overlap one already
// present - a double-add into an undo-logged transaction, the bug pattern
// transaction libraries like undoTx exist to prevent.
type TransactionOverlapChecker struct {
	added []txRange
}

func NewTransactionOverlapChecker() *TransactionOverlapChecker {
	return &TransactionOverlapChecker{}
}

func (c *TransactionOverlapChecker) Name() string { return "transaction-overlap" }

// AddRange is called by the intrinsic dispatcher when the program adds
// [start, end) to the current transaction's undo log.
func (c *TransactionOverlapChecker) AddRange(ctx context.Context, solver engine.Solver, state engine.State, start, end symbolic.Expr) (*Finding, error) {
	for _, existing := range c.added {
		overlap := symbolic.And(
			symbolic.Lt(existing.start, end),
			symbolic.Lt(start, existing.end),
		)
		may, err := engine.ConservativeMayBeTrue(ctx, solver, state, overlap)
		if err != nil {
			return nil, err
		}
		if may {
			c.added = append(c.added, txRange{start: start, end: end})
			return &Finding{
				Checker: c.Name(),
				Message: fmt.Sprintf("transaction range [%s,%s) may overlap an already-added range [%s,%s)", start, end, existing.start, existing.end),
				Reason:  rootcause.UnnecessaryFlush,
			}, nil
		}
	}
	c.added = append(c.added, txRange{start: start, end: end})
	return nil, nil
}

func (c *TransactionOverlapChecker) Check(Step) ([]Finding, error) { return nil, nil }

// CommitOrAbort clears the added-ranges log, the way undoTx.End/abort
// clears its log as a unit once the transaction concludes.
func (c *TransactionOverlapChecker) CommitOrAbort() { c.added = nil }

// TransactionOnlyUpdateChecker maintains byte ranges declared
// must-be-in-transaction (by the static type of the pointer stored
// through) and, on each store, warns if the store's range intersects one
// of those ranges without the current transaction's added set covering it.
type TransactionOnlyUpdateChecker struct {
	mustBeInTx []txRange
	overlap    *TransactionOverlapChecker
}

// NewTransactionOnlyUpdateChecker shares the overlap checker's added-ranges
// log so it can ask "is this store's range already covered by the current
// transaction."
func NewTransactionOnlyUpdateChecker(overlap *TransactionOverlapChecker) *TransactionOnlyUpdateChecker {
	return &TransactionOnlyUpdateChecker{overlap: overlap}
}

func (c *TransactionOnlyUpdateChecker) Name() string { return "transaction-only-update" }

// DeclareMustBeInTx registers [start, end) as requiring transactional
// protection, e.g. because the pointer stored through it has a
// transaction-required marker type.
func (c *TransactionOnlyUpdateChecker) DeclareMustBeInTx(start, end symbolic.Expr) {
	c.mustBeInTx = append(c.mustBeInTx, txRange{start: start, end: end})
}

func (c *TransactionOnlyUpdateChecker) Check(step Step) ([]Finding, error) {
	if step.Object == nil {
		return nil, nil
	}
	storeStart := symbolic.Const{Value: step.Offset}
	storeEnd := symbolic.Const{Value: step.Offset + 1}

	var findings []Finding
	for _, must := range c.mustBeInTx {
		intersects := symbolic.And(symbolic.Lt(must.start, storeEnd), symbolic.Lt(storeStart, must.end))
		may, err := engine.ConservativeMayBeTrue(step.Ctx, step.Solver, step.State, intersects)
		if err != nil {
			return findings, err
		}
		if !may {
			continue
		}
		covered := c.isCovered(step, storeStart, storeEnd)
		if !covered {
			findings = append(findings, Finding{
				Checker: c.Name(),
				Message: fmt.Sprintf("store at offset %d touches a must-be-in-transaction range outside any open transaction", step.Offset),
				Reason:  rootcause.Unpersisted,
			})
		}
	}
	return findings, nil
}

func (c *TransactionOnlyUpdateChecker) isCovered(step Step, start, end symbolic.Expr) bool {
	for _, added := range c.overlap.added {
		overlap := symbolic.And(symbolic.Lt(added.start, end), symbolic.Lt(start, added.end))
		must, err := engine.ConservativeMustBeTrue(step.Ctx, step.Solver, step.State, overlap)
		if err == nil && must {
			return true
		}
	}
	return false
}

// VolatileFilterChecker recognizes operands of a configured marker type
// (e.g. "volatile_byte") and adds their offset+size to the owning object's
// ignore list so later persistence queries skip them.
type VolatileFilterChecker struct {
	markerTypes map[string]bool
}

// NewVolatileFilterChecker takes the configured marker struct type names.
func NewVolatileFilterChecker(markerTypes []string) *VolatileFilterChecker {
	m := make(map[string]bool, len(markerTypes))
	for _, t := range markerTypes {
		m[t] = true
	}
	return &VolatileFilterChecker{markerTypes: m}
}

func (c *VolatileFilterChecker) Name() string { return "volatile-filter" }

// MarkVolatile adds [offset, offset+size) to obj's ignore list when typeName
// is one of the configured marker types; otherwise it does nothing.
func (c *VolatileFilterChecker) MarkVolatile(typeName string, obj *shadow.Object, offset, size uint64) {
	if !c.markerTypes[typeName] || obj == nil {
		return
	}
	obj.AddIgnoreOffset(offset, size)
}

func (c *VolatileFilterChecker) Check(Step) ([]Finding, error) { return nil, nil }

// InvocationCounter is the canonical minimal plugin: it counts every
// instruction it sees and reports the total on teardown.
type InvocationCounter struct {
	count int
}

func NewInvocationCounter() *InvocationCounter { return &InvocationCounter{} }

func (c *InvocationCounter) Name() string { return "invocation-counter" }

func (c *InvocationCounter) Check(Step) ([]Finding, error) {
	c.count++
	return nil, nil
}

// Count returns the number of instructions observed so far.
func (c *InvocationCounter) Count() int { return c.count }

// Teardown reports the final count as a Finding, mirroring the spec's
// "reports on teardown" behavior for this checker.
func (c *InvocationCounter) Teardown() Finding {
	return Finding{
		Checker: c.Name(),
		Message: fmt.Sprintf("observed %d instructions", c.count),
	}
}

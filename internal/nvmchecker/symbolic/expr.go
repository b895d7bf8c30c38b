// Package symbolic provides the small expression vocabulary shared between
// the persistent shadow state, the custom-checker framework, and the
// collaborator Solver. It does not interpret expressions itself - that is
// the Solver's job (see internal/nvmchecker/engine).
package symbolic

import "fmt"

// Expr is a symbolic boolean or integer-valued expression.
type Expr interface {
	String() string
	isExpr()
}

// Const is a concrete, known-at-build-time value.
type Const struct {
	Value uint64
}

func (c Const) String() string { return fmt.Sprintf("%d", c.Value) }
func (Const) isExpr()          {}

// Sym is a free symbolic variable, e.g. an unconstrained offset introduced
// by Solver.FreshSymbol for a must_be_persisted query.
type Sym struct {
	Name string
}

func (s Sym) String() string { return s.Name }
func (Sym) isExpr()          {}

// Op identifies the operator of a BinExpr or UnExpr.
type Op int

const (
	OpEq Op = iota
	OpLt
	OpLe
	OpAnd
	OpOr
	OpNot
	OpAdd
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpAnd:
		return "&&"
	case OpOr:
		return "||"
	case OpNot:
		return "!"
	case OpAdd:
		return "+"
	default:
		return "?"
	}
}

// BinExpr is a binary operator applied to two sub-expressions.
type BinExpr struct {
	Op   Op
	L, R Expr
}

func (b BinExpr) String() string { return fmt.Sprintf("(%s %s %s)", b.L, b.Op, b.R) }
func (BinExpr) isExpr()          {}

// UnExpr is a unary operator (currently only logical negation) applied to a
// sub-expression.
type UnExpr struct {
	Op Op
	X  Expr
}

func (u UnExpr) String() string { return fmt.Sprintf("%s%s", u.Op, u.X) }
func (UnExpr) isExpr()          {}

// IteExpr is "if Cond then Then else Else", the building block used to
// overlay an ordered sequence of array stores atop a base value.
type IteExpr struct {
	Cond, Then, Else Expr
}

func (i IteExpr) String() string {
	return fmt.Sprintf("ite(%s, %s, %s)", i.Cond, i.Then, i.Else)
}
func (IteExpr) isExpr() {}

// LineOfExpr is floor(X / CacheLineSize): the cache line index a byte
// offset falls in. CacheLineSize is always a known constant (the object's
// configured cache line size), so this is the one division this vocabulary
// needs - never a division by a second symbolic expression.
type LineOfExpr struct {
	X             Expr
	CacheLineSize uint64
}

func (l LineOfExpr) String() string { return fmt.Sprintf("line(%s)", l.X) }
func (LineOfExpr) isExpr()          {}

// And, Or, Not, Eq, Lt, Le are small constructors kept for readability at
// call sites that build path constraints and queries.
func And(l, r Expr) Expr { return BinExpr{Op: OpAnd, L: l, R: r} }
func Or(l, r Expr) Expr  { return BinExpr{Op: OpOr, L: l, R: r} }
func Not(x Expr) Expr    { return UnExpr{Op: OpNot, X: x} }
func Eq(l, r Expr) Expr  { return BinExpr{Op: OpEq, L: l, R: r} }
func Lt(l, r Expr) Expr  { return BinExpr{Op: OpLt, L: l, R: r} }
func Le(l, r Expr) Expr  { return BinExpr{Op: OpLe, L: l, R: r} }

// True and False are the two boolean constants, represented as Const(1) and
// Const(0) so a Solver need only understand uint64-valued expressions.
var (
	True  Expr = Const{Value: 1}
	False Expr = Const{Value: 0}
)

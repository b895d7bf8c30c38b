package symbolic

// Offset is a byte offset into a persistent memory object. It is either a
// concrete value or a symbolic expression bounded by [Lo, Hi] - the shape
// spec.md §4.1's must_be_persisted and §8's "symbolic offset leak" scenario
// require: an unconstrained symbolic offset still has to be resolvable to a
// finite set of candidate cache lines.
type Offset struct {
	concrete uint64
	isConst  bool

	Expr   Expr
	Lo, Hi uint64
}

// ConcreteOffset builds an offset with a known, constant value.
func ConcreteOffset(value uint64) Offset {
	return Offset{concrete: value, isConst: true, Expr: Const{Value: value}, Lo: value, Hi: value}
}

// SymbolicOffset builds an offset constrained only to lie within [lo, hi].
func SymbolicOffset(expr Expr, lo, hi uint64) Offset {
	return Offset{Expr: expr, Lo: lo, Hi: hi}
}

// IsConcrete reports whether the offset has a single, known value.
func (o Offset) IsConcrete() bool { return o.isConst }

// Value returns the concrete value; only meaningful if IsConcrete is true.
func (o Offset) Value() uint64 { return o.concrete }

// CacheLines returns the cache lines the offset may touch, given a cache
// line size. A concrete offset touches exactly one line; a symbolic offset
// touches every line its [Lo, Hi] bound could reach.
func (o Offset) CacheLines(cacheLineSize uint32) []int {
	loLine := int(o.Lo / uint64(cacheLineSize))
	hiLine := int(o.Hi / uint64(cacheLineSize))
	lines := make([]int, 0, hiLine-loLine+1)
	for l := loLine; l <= hiLine; l++ {
		lines = append(lines, l)
	}
	return lines
}

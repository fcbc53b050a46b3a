// Package prim builds the builtin vector primitives and their
// hand-written derivatives. Differentiable code calls these primitives
// rather than using the raw vector opcodes, which appear only inside
// primitive bodies; each primitive registers a derivative witness so
// nested differentiation bottoms out here instead of recursing into
// arithmetic.
package prim

import (
	"fmt"

	"github.com/gradir-ml/gradir/internal/ir"
)

// Lib hands out the primitives of one module, building each (function,
// derivative, pullback, witness) set on first use. Primitives are
// monomorphic per vector dimension.
type Lib struct {
	module *ir.Module
}

func NewLib(m *ir.Module) *Lib { return &Lib{module: m} }

// Module returns the module the primitives are registered in.
func (l *Lib) Module() *ir.Module { return l.module }

// RegisterAll eagerly builds every vector primitive for the given
// dimension.
func (l *Lib) RegisterAll(dim int) {
	l.VAdd(dim)
	l.VSub(dim)
	l.VNeg(dim)
	l.VMul(dim)
	l.VScale(dim)
	l.Dot(dim)
}

func primName(op string, dim int) string {
	return fmt.Sprintf("%s.%d", op, dim)
}

// binaryVec builds a (Vector, Vector) -> Vector primitive.
func (l *Lib) binaryVec(name string, dim int, emit func(b *ir.Builder, x, y *ir.Value) *ir.Value) *ir.Function {
	v := ir.Vector(dim)
	fn := l.module.AddFunction(name,
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}}, []ir.Result{{Type: v}}))
	b := ir.NewBuilder(fn)
	b.Return(emit(b, fn.Param(0), fn.Param(1)))
	return fn
}

// witness installs a hand-built derivative for fn over all parameters.
func (l *Lib) witness(fn, deriv *ir.Function, params ...int) {
	deriv.Transparent = true
	w := l.module.DeclareWitness(fn, ir.NewIndices(params, 0))
	w.Derivative = deriv
}

package prim

import "github.com/gradir-ml/gradir/internal/ir"

// Dot returns the inner-product primitive for dimension dim:
// output = a . b.
//
// Backward pass:
//   - d(a.b)/da = b, so grad_a = seed * b
//   - d(a.b)/db = a, so grad_b = seed * a
//
// The pullback captures both primal operands; the seed is a scalar.
func (l *Lib) Dot(dim int) *ir.Function {
	name := primName("dot", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	v := ir.Vector(dim)
	fn := l.module.AddFunction(name,
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}}, []ir.Result{{Type: ir.Float}}))
	b := ir.NewBuilder(fn)
	b.Return(b.Dot(fn.Param(0), fn.Param(1)))

	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: ir.Float}, {Type: v}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	seed, a, bv := pb.Param(0), pb.Param(1), pb.Param(2)
	pbb.Return(pbb.VScale(seed, bv), pbb.VScale(seed, a))

	closureType := ir.NewFunc([]ir.Param{{Type: ir.Float}},
		[]ir.Result{{Type: v}, {Type: v}})
	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}},
			[]ir.Result{{Type: ir.Float}, {Type: closureType}}))
	db := ir.NewBuilder(deriv)
	prod := db.Dot(deriv.Param(0), deriv.Param(1))
	closure := db.PartialApply(db.FunctionRef(pb), deriv.Param(0), deriv.Param(1))
	db.Return(prod, closure)

	l.witness(fn, deriv, 0, 1)
	return fn
}

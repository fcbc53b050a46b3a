package prim

import "github.com/gradir-ml/gradir/internal/ir"

// VScale returns the scalar-vector product primitive for dimension
// dim: output = c * v.
//
// Backward pass:
//   - d(c*v)/dc = v, so grad_c = seed . v
//   - d(c*v)/dv = c, so grad_v = c * seed
//
// The pullback captures both primal operands.
func (l *Lib) VScale(dim int) *ir.Function {
	name := primName("vscale", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	v := ir.Vector(dim)
	fn := l.module.AddFunction(name,
		ir.NewFunc([]ir.Param{{Type: ir.Float}, {Type: v}}, []ir.Result{{Type: v}}))
	b := ir.NewBuilder(fn)
	b.Return(b.VScale(fn.Param(0), fn.Param(1)))

	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: ir.Float}, {Type: v}},
			[]ir.Result{{Type: ir.Float}, {Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	seed, c, vec := pb.Param(0), pb.Param(1), pb.Param(2)
	pbb.Return(pbb.Dot(seed, vec), pbb.VScale(c, seed))

	closureType := ir.NewFunc([]ir.Param{{Type: v}},
		[]ir.Result{{Type: ir.Float}, {Type: v}})
	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: ir.Float}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: closureType}}))
	db := ir.NewBuilder(deriv)
	scaled := db.VScale(deriv.Param(0), deriv.Param(1))
	closure := db.PartialApply(db.FunctionRef(pb), deriv.Param(0), deriv.Param(1))
	db.Return(scaled, closure)

	l.witness(fn, deriv, 0, 1)
	return fn
}

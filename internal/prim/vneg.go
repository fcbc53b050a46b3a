package prim

import "github.com/gradir-ml/gradir/internal/ir"

// VNeg returns the element-wise vector negation primitive for
// dimension dim: output = -a.
//
// Backward pass:
//   - d(-a)/da = -1, so grad_a = -seed
func (l *Lib) VNeg(dim int) *ir.Function {
	name := primName("vneg", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	v := ir.Vector(dim)
	fn := l.module.AddFunction(name,
		ir.NewFunc([]ir.Param{{Type: v}}, []ir.Result{{Type: v}}))
	b := ir.NewBuilder(fn)
	b.Return(b.VNeg(fn.Param(0)))

	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: v}}, []ir.Result{{Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	pbb.Return(pbb.VNeg(pb.Param(0)))

	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: v}},
			[]ir.Result{{Type: v}, {Type: pb.Type()}}))
	db := ir.NewBuilder(deriv)
	neg := db.VNeg(deriv.Param(0))
	db.Return(neg, db.FunctionRef(pb))

	l.witness(fn, deriv, 0)
	return fn
}

package prim

import "github.com/gradir-ml/gradir/internal/ir"

// VSub returns the element-wise vector subtraction primitive for
// dimension dim: output = a - b.
//
// Backward pass:
//   - d(a-b)/da = 1, so grad_a = seed
//   - d(a-b)/db = -1, so grad_b = -seed
func (l *Lib) VSub(dim int) *ir.Function {
	name := primName("vsub", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	fn := l.binaryVec(name, dim, (*ir.Builder).VSub)

	v := ir.Vector(dim)
	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: v}}, []ir.Result{{Type: v}, {Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	pbb.Return(pb.Param(0), pbb.VNeg(pb.Param(0)))

	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: pb.Type()}}))
	db := ir.NewBuilder(deriv)
	diff := db.VSub(deriv.Param(0), deriv.Param(1))
	db.Return(diff, db.FunctionRef(pb))

	l.witness(fn, deriv, 0, 1)
	return fn
}

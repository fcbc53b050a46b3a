package prim

import "github.com/gradir-ml/gradir/internal/ir"

// VAdd returns the element-wise vector addition primitive for
// dimension dim: output = a + b.
//
// Backward pass:
//   - d(a+b)/da = 1, so grad_a = seed
//   - d(a+b)/db = 1, so grad_b = seed
func (l *Lib) VAdd(dim int) *ir.Function {
	name := primName("vadd", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	fn := l.binaryVec(name, dim, (*ir.Builder).VAdd)

	v := ir.Vector(dim)
	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: v}}, []ir.Result{{Type: v}, {Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	pbb.Return(pb.Param(0), pb.Param(0))

	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: pb.Type()}}))
	db := ir.NewBuilder(deriv)
	sum := db.VAdd(deriv.Param(0), deriv.Param(1))
	db.Return(sum, db.FunctionRef(pb))

	l.witness(fn, deriv, 0, 1)
	return fn
}

package prim

import "github.com/gradir-ml/gradir/internal/ir"

// VMul returns the element-wise (Hadamard) vector product primitive
// for dimension dim: output = a * b.
//
// Backward pass:
//   - d(a*b)/da = b, so grad_a = seed * b
//   - d(a*b)/db = a, so grad_b = seed * a
//
// The pullback captures both primal operands.
func (l *Lib) VMul(dim int) *ir.Function {
	name := primName("vmul", dim)
	if fn := l.module.Function(name); fn != nil {
		return fn
	}
	fn := l.binaryVec(name, dim, (*ir.Builder).VMul)

	v := ir.Vector(dim)
	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: v}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	seed, a, bv := pb.Param(0), pb.Param(1), pb.Param(2)
	pbb.Return(pbb.VMul(seed, bv), pbb.VMul(seed, a))

	closureType := ir.NewFunc([]ir.Param{{Type: v}}, []ir.Result{{Type: v}, {Type: v}})
	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: v}, {Type: v}},
			[]ir.Result{{Type: v}, {Type: closureType}}))
	db := ir.NewBuilder(deriv)
	prod := db.VMul(deriv.Param(0), deriv.Param(1))
	closure := db.PartialApply(db.FunctionRef(pb), deriv.Param(0), deriv.Param(1))
	db.Return(prod, closure)

	l.witness(fn, deriv, 0, 1)
	return fn
}

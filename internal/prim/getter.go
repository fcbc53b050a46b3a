package prim

import (
	"github.com/gradir-ml/gradir/internal/adjoint"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/pkg/errors"
)

// Getter builds, registers, and returns the field getter for st.field
// together with its hand-built derivative. Projections out of structs
// whose tangent layout differs from their own are differentiated as
// calls to this getter.
//
// Backward pass: grad_s is the struct's tangent aggregate with seed at
// the field's tangent position and zeros elsewhere.
func (l *Lib) Getter(r *tangent.Resolver, st *ir.StructType, field int) (*ir.Function, error) {
	name := st.Name + ".get." + st.Fields[field].Name
	if fn := l.module.Function(name); fn != nil {
		return fn, nil
	}
	sp := r.Space(st)
	if sp.IsNone() {
		return nil, errors.Wrapf(tangent.ErrNoTangent, "struct %s", st.Name)
	}
	ti, ok := sp.TangentIndex(field)
	if !ok {
		return nil, errors.Wrapf(tangent.ErrNoTangent,
			"field %s.%s", st.Name, st.Fields[field].Name)
	}
	fieldType := st.Fields[field].Type
	seedType := r.Space(fieldType).Type()

	fn := l.module.AddFunction(name,
		ir.NewFunc([]ir.Param{{Type: st}}, []ir.Result{{Type: fieldType}}))
	b := ir.NewBuilder(fn)
	b.Return(b.StructExtract(fn.Param(0), field))

	pb := l.module.AddFunction(name+".pb",
		ir.NewFunc([]ir.Param{{Type: seedType}}, []ir.Result{{Type: sp.Type()}}))
	pb.Transparent = true
	pbb := ir.NewBuilder(pb)
	elems := make([]*ir.Value, len(sp.Elements()))
	for k, es := range sp.Elements() {
		if k == ti {
			elems[k] = pb.Param(0)
			continue
		}
		z, err := adjoint.MaterializeZero(pbb, es.Type())
		if err != nil {
			return nil, err
		}
		elems[k] = z
	}
	tangentStruct, ok := sp.Type().(*ir.StructType)
	if !ok {
		return nil, errors.Wrapf(tangent.ErrNoTangent,
			"struct %s has non-aggregate tangent %s", st.Name, sp.Type())
	}
	pbb.Return(pbb.Struct(tangentStruct, elems...))

	deriv := l.module.AddFunction(name+".vjp",
		ir.NewFunc([]ir.Param{{Type: st}},
			[]ir.Result{{Type: fieldType}, {Type: pb.Type()}}))
	db := ir.NewBuilder(deriv)
	val := db.StructExtract(deriv.Param(0), field)
	db.Return(val, db.FunctionRef(pb))

	l.witness(fn, deriv, 0)
	l.module.RegisterGetter(st, field, fn)
	return fn, nil
}

package tangent

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// PullbackType computes the signature of the adjoint's linear map for
// a function type differentiated at indices: one seed parameter (the
// tangent of the selected result, indirect if the result is), one
// gradient result per selected parameter in index order, each
// mirroring the parameter's direct/indirect convention.
func (r *Resolver) PullbackType(ft *ir.FuncType, indices ir.Indices) (*ir.FuncType, error) {
	if indices.Result() < 0 || indices.Result() >= len(ft.Results) {
		return nil, errors.Errorf("result index %d out of range for %s", indices.Result(), ft)
	}
	res := ft.Results[indices.Result()]
	seedSpace := r.Space(res.Type)
	if seedSpace.IsNone() {
		return nil, errors.Wrapf(ErrNoTangent, "selected result type %s", res.Type)
	}
	params := []ir.Param{{Type: seedSpace.Type(), Indirect: res.Indirect}}
	var results []ir.Result
	for _, p := range indices.Params() {
		if p >= len(ft.Params) {
			return nil, errors.Errorf("parameter index %d out of range for %s", p, ft)
		}
		ps := r.Space(ft.Params[p].Type)
		if ps.IsNone() {
			return nil, errors.Wrapf(ErrNoTangent, "selected parameter %d type %s", p, ft.Params[p].Type)
		}
		results = append(results, ir.Result{Type: ps.Type(), Indirect: ft.Params[p].Indirect})
	}
	return ir.NewFunc(params, results), nil
}

// DerivativeType computes the external derivative signature callers
// see: the original parameters and results plus one trailing direct
// result, the pullback closure.
func (r *Resolver) DerivativeType(ft *ir.FuncType, indices ir.Indices) (*ir.FuncType, error) {
	pbType, err := r.PullbackType(ft, indices)
	if err != nil {
		return nil, err
	}
	results := append([]ir.Result(nil), ft.Results...)
	results = append(results, ir.Result{Type: pbType})
	return ir.NewFunc(append([]ir.Param(nil), ft.Params...), results), nil
}

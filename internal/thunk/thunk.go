// Package thunk synthesizes the adaptation functions the transform
// needs when a located derivative does not match the signature a call
// site expects: subset thunks narrow a derivative built for a superset
// of the requested parameters, and reabstraction thunks convert
// pullbacks between direct and indirect passing conventions.
package thunk

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/pkg/errors"
)

// ErrShapeMismatch reports an adaptation request between signatures
// that do not agree on arity or value types.
var ErrShapeMismatch = errors.New("thunk: incompatible signatures")

// ErrFunctionTypedTangent reports a thunk request over a tangent space
// recursively composed of function types. Zero-initialization and
// accumulation of function-typed tangents are unsupported; the request
// fails rather than miscompile.
var ErrFunctionTypedTangent = errors.New("thunk: function-typed tangent space")

// hasFuncType reports whether t recursively contains a function type.
func hasFuncType(t ir.Type) bool {
	switch tt := t.(type) {
	case *ir.FuncType:
		return true
	case *ir.TupleType:
		for _, e := range tt.Elems {
			if hasFuncType(e) {
				return true
			}
		}
	case *ir.StructType:
		for _, f := range tt.Fields {
			if hasFuncType(f.Type) {
				return true
			}
		}
	}
	return false
}

// Generator synthesizes thunks into a module, memoizing by name so
// repeated requests for the same adaptation share one function.
type Generator struct {
	module   *ir.Module
	resolver *tangent.Resolver
}

func NewGenerator(module *ir.Module, resolver *tangent.Resolver) *Generator {
	return &Generator{module: module, resolver: resolver}
}

// SubsetParameters builds a derivative of orig for the desired indices
// out of deriv, a derivative of orig for actual ⊇ desired, by calling
// deriv and dropping the gradients of the extra parameters.
func (g *Generator) SubsetParameters(orig, deriv *ir.Function, actual, desired ir.Indices) (*ir.Function, error) {
	if !actual.IsSupersetOf(desired) || actual.Result() != desired.Result() {
		return nil, errors.Wrapf(ErrShapeMismatch,
			"cannot narrow %s to %s for @%s", actual, desired, orig.Name)
	}
	for _, p := range actual.Params() {
		if hasFuncType(orig.Type().Params[p].Type) {
			return nil, errors.Wrapf(ErrFunctionTypedTangent,
				"parameter %d of @%s", p, orig.Name)
		}
	}
	name := ir.SubsetThunkName(deriv, desired)
	if existing := g.module.Function(name); existing != nil {
		return existing, nil
	}

	thunkType, err := g.resolver.DerivativeType(orig.Type(), desired)
	if err != nil {
		return nil, err
	}
	pbActual, err := g.resolver.PullbackType(orig.Type(), actual)
	if err != nil {
		return nil, err
	}
	pbDesired, err := g.resolver.PullbackType(orig.Type(), desired)
	if err != nil {
		return nil, err
	}

	pbThunk, err := g.emitSubsetPullback(name+".pullback", actual, desired, pbActual, pbDesired)
	if err != nil {
		return nil, err
	}

	fn := g.module.AddFunction(name, thunkType)
	fn.Transparent = true
	b := ir.NewBuilder(fn)

	// Both signatures share the original's parameter and result
	// layout, so formals forward one to one.
	nDecl := len(orig.Type().Params)
	args := fn.Params()[:nDecl]
	bufs := fn.Params()[nDecl:]
	results := b.CallFunc(deriv, args, bufs...)
	inner := results[len(results)-1]

	closure := b.PartialApply(b.FunctionRef(pbThunk), inner)
	rets := append(results[:len(results)-1:len(results)-1], closure)
	b.Return(rets...)
	return fn, nil
}

// emitSubsetPullback builds the pullback-side narrowing: it forwards
// the seed to the wider pullback and keeps only the gradients of the
// desired parameters.
func (g *Generator) emitSubsetPullback(name string, actual, desired ir.Indices,
	pbActual, pbDesired *ir.FuncType) (*ir.Function, error) {

	params := append(append([]ir.Param{}, pbDesired.Params...), ir.Param{Type: pbActual})
	fn := g.module.AddFunction(name, ir.NewFunc(params, pbDesired.Results))
	fn.Transparent = true
	b := ir.NewBuilder(fn)

	seed := fn.Param(0)
	inner := fn.Param(1)

	desiredSlot := make(map[int]int, len(desired.Params()))
	for k, p := range desired.Params() {
		desiredSlot[p] = k
	}

	// Indirect gradients of desired parameters land directly in this
	// thunk's result buffers; dropped indirect gradients go through
	// scratch buffers.
	var innerBufs []*ir.Value
	var scratch []*ir.Value
	for k, p := range actual.Params() {
		r := pbActual.Results[k]
		if !r.Indirect {
			continue
		}
		if slot, ok := desiredSlot[p]; ok {
			innerBufs = append(innerBufs, fn.IndirectResultBuffer(slot))
		} else {
			buf := b.AllocStack(r.Type)
			scratch = append(scratch, buf)
			innerBufs = append(innerBufs, buf)
		}
	}

	grads := b.Call(inner, []*ir.Value{seed}, innerBufs...)

	var rets []*ir.Value
	direct := 0
	for k, p := range actual.Params() {
		if pbActual.Results[k].Indirect {
			continue
		}
		if _, ok := desiredSlot[p]; ok {
			rets = append(rets, grads[direct])
		}
		direct++
	}
	for _, buf := range scratch {
		b.DeallocStack(buf)
	}
	b.Return(rets...)
	return fn, nil
}

// Reabstraction builds a thunk converting a closure of type from into
// one of type to, where the signatures agree on value types and differ
// only in direct versus indirect passing. The source closure is the
// thunk's trailing parameter, so a partial application of the thunk
// over it yields the target type.
func (g *Generator) Reabstraction(from, to *ir.FuncType) (*ir.Function, error) {
	if len(from.Params) != len(to.Params) || len(from.Results) != len(to.Results) {
		return nil, errors.Wrapf(ErrShapeMismatch, "reabstract %s to %s", from, to)
	}
	for i := range from.Params {
		if !from.Params[i].Type.Equal(to.Params[i].Type) {
			return nil, errors.Wrapf(ErrShapeMismatch, "parameter %d: %s vs %s",
				i, from.Params[i].Type, to.Params[i].Type)
		}
	}
	for j := range from.Results {
		if !from.Results[j].Type.Equal(to.Results[j].Type) {
			return nil, errors.Wrapf(ErrShapeMismatch, "result %d: %s vs %s",
				j, from.Results[j].Type, to.Results[j].Type)
		}
	}
	for i := range from.Params {
		if from.Params[i].Indirect != to.Params[i].Indirect && hasFuncType(from.Params[i].Type) {
			return nil, errors.Wrapf(ErrFunctionTypedTangent,
				"cannot spill parameter %d of %s", i, from)
		}
	}
	name := ir.ReabstractionThunkName(from, to)
	if existing := g.module.Function(name); existing != nil {
		return existing, nil
	}

	params := append(append([]ir.Param{}, to.Params...), ir.Param{Type: from})
	fn := g.module.AddFunction(name, ir.NewFunc(params, to.Results))
	fn.Transparent = true
	b := ir.NewBuilder(fn)

	source := fn.Param(len(to.Params))
	var temps []*ir.Value

	args := make([]*ir.Value, len(from.Params))
	for i := range from.Params {
		formal := fn.Param(i)
		switch {
		case from.Params[i].Indirect == to.Params[i].Indirect:
			args[i] = formal
		case from.Params[i].Indirect:
			// Direct here, indirect there: spill to a temporary.
			buf := b.AllocStack(from.Params[i].Type)
			b.Store(formal, buf)
			temps = append(temps, buf)
			args[i] = buf
		default:
			args[i] = b.Load(formal)
		}
	}

	// Result buffers: pass ours through where conventions agree,
	// temporaries where the source returns indirectly but we return
	// directly.
	var innerBufs []*ir.Value
	loads := make(map[int]*ir.Value)
	for j := range from.Results {
		if !from.Results[j].Indirect {
			continue
		}
		if to.Results[j].Indirect {
			innerBufs = append(innerBufs, fn.IndirectResultBuffer(j))
		} else {
			buf := b.AllocStack(from.Results[j].Type)
			temps = append(temps, buf)
			innerBufs = append(innerBufs, buf)
			loads[j] = buf
		}
	}

	directResults := b.Call(source, args, innerBufs...)

	var rets []*ir.Value
	direct := 0
	for j := range from.Results {
		switch {
		case !from.Results[j].Indirect && !to.Results[j].Indirect:
			rets = append(rets, directResults[direct])
			direct++
		case !from.Results[j].Indirect && to.Results[j].Indirect:
			b.Store(directResults[direct], fn.IndirectResultBuffer(j))
			direct++
		case from.Results[j].Indirect && !to.Results[j].Indirect:
			rets = append(rets, b.Load(loads[j]))
		}
	}
	for _, buf := range temps {
		b.DeallocStack(buf)
	}
	b.Return(rets...)
	return fn, nil
}

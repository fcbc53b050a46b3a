package thunk_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradir-ml/gradir/internal/interp"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/prim"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/gradir-ml/gradir/internal/thunk"
)

func TestSubsetParameters(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	vmul := lib.VMul(2)
	deriv := m.Witness(vmul, ir.NewIndices([]int{0, 1}, 0)).Derivative
	require.NotNil(t, deriv)

	g := thunk.NewGenerator(m, tangent.NewResolver())
	actual := ir.NewIndices([]int{0, 1}, 0)
	desired := ir.NewIndices([]int{0}, 0)
	narrow, err := g.SubsetParameters(vmul, deriv, actual, desired)
	require.NoError(t, err)
	assert.True(t, narrow.Transparent)

	// Same request memoizes to the same function.
	again, err := g.SubsetParameters(vmul, deriv, actual, desired)
	require.NoError(t, err)
	assert.Same(t, narrow, again)

	// The narrowed derivative keeps the primal result and returns a
	// single gradient: d(a*b)/da = b element-wise.
	it := interp.New(m)
	out, err := it.Call(narrow, interp.NewVector(2, 3), interp.NewVector(5, 7))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 21}, out[0].Vec)

	grads, err := it.Apply(out[1], interp.NewVector(1, 1))
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Equal(t, []float64{5, 7}, grads[0].Vec)
}

func TestSubsetParametersRejectsNonSubset(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	vadd := lib.VAdd(2)
	deriv := m.Witness(vadd, ir.NewIndices([]int{0, 1}, 0)).Derivative

	g := thunk.NewGenerator(m, tangent.NewResolver())
	_, err := g.SubsetParameters(vadd, deriv,
		ir.NewIndices([]int{0}, 0), ir.NewIndices([]int{0, 1}, 0))
	assert.True(t, errors.Is(err, thunk.ErrShapeMismatch))
}

func TestSubsetParametersRejectsFunctionTypedTangent(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	closure := ir.NewFunc([]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}})

	// A parameter whose type carries a function has no supported
	// tangent accumulation; narrowing must refuse up front.
	orig := m.AddFunction("apply", ir.NewFunc(
		[]ir.Param{{Type: ir.Tuple(v2, closure)}, {Type: v2}},
		[]ir.Result{{Type: v2}}))
	deriv := m.AddFunction("apply.vjp.p0_1_r0", orig.Type())

	g := thunk.NewGenerator(m, tangent.NewResolver())
	_, err := g.SubsetParameters(orig, deriv,
		ir.NewIndices([]int{0, 1}, 0), ir.NewIndices([]int{1}, 0))
	assert.True(t, errors.Is(err, thunk.ErrFunctionTypedTangent))
}

func TestReabstraction(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	neg := m.AddFunction("neg", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	b := ir.NewBuilder(neg)
	b.Return(b.VNeg(neg.Param(0)))

	from := neg.Type()
	to := ir.NewFunc(
		[]ir.Param{{Type: v2, Indirect: true}},
		[]ir.Result{{Type: v2, Indirect: true}})

	g := thunk.NewGenerator(m, tangent.NewResolver())
	th, err := g.Reabstraction(from, to)
	require.NoError(t, err)
	assert.True(t, th.Transparent)

	// The thunk's trailing parameter is the source closure; partial
	// application over it yields the target abstraction.
	source := interp.Value{Kind: interp.KindClosure, Fn: neg}
	out, err := interp.New(m).Call(th, interp.NewVector(1, -2), source)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 2}, out[0].Vec)

	// Memoized by signature pair.
	again, err := g.Reabstraction(from, to)
	require.NoError(t, err)
	assert.Same(t, th, again)
}

func TestReabstractionOppositeDirection(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	// Source takes and returns indirectly; target is fully direct.
	src := m.AddFunction("copy", ir.NewFunc(
		[]ir.Param{{Type: v2, Indirect: true}},
		[]ir.Result{{Type: v2, Indirect: true}}))
	b := ir.NewBuilder(src)
	b.CopyAddr(src.Param(0), src.IndirectResultBuffer(0))
	b.Return()

	to := ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2))
	g := thunk.NewGenerator(m, tangent.NewResolver())
	th, err := g.Reabstraction(src.Type(), to)
	require.NoError(t, err)

	out, err := interp.New(m).Call(th, interp.NewVector(4, 5),
		interp.Value{Kind: interp.KindClosure, Fn: src})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, out[0].Vec)
}

func TestReabstractionRejectsShapeMismatch(t *testing.T) {
	g := thunk.NewGenerator(ir.NewModule("t"), tangent.NewResolver())
	v2 := ir.Vector(2)
	from := ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2))

	_, err := g.Reabstraction(from, ir.NewFunc(ir.DirectParams(v2, v2), ir.DirectResults(v2)))
	assert.True(t, errors.Is(err, thunk.ErrShapeMismatch), "arity mismatch")

	_, err = g.Reabstraction(from, ir.NewFunc(ir.DirectParams(ir.Vector(3)), ir.DirectResults(ir.Vector(3))))
	assert.True(t, errors.Is(err, thunk.ErrShapeMismatch), "value type mismatch")
}

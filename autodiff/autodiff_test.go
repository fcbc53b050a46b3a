package autodiff_test

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradir-ml/gradir/autodiff"
	"github.com/gradir-ml/gradir/internal/interp"
	"github.com/gradir-ml/gradir/internal/prim"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/gradir-ml/gradir/ir"
)

// newModule returns a module with the dimension-2 vector primitives
// registered.
func newModule(t *testing.T) (*ir.Module, *prim.Lib) {
	t.Helper()
	m := ir.NewModule("test")
	lib := prim.NewLib(m)
	lib.RegisterAll(2)
	return m, lib
}

// grad differentiates fn's materialized witness and pulls seed back
// through it.
func grad(t *testing.T, m *ir.Module, fn *ir.Function, indices ir.Indices,
	seed interp.Value, args ...interp.Value) []interp.Value {
	t.Helper()
	w := m.Witness(fn, indices)
	require.NotNil(t, w, "witness for @%s %s", fn.Name, indices)
	require.NotNil(t, w.Derivative, "derivative for @%s %s", fn.Name, indices)

	it := interp.New(m)
	out, err := it.Call(w.Derivative, args...)
	require.NoError(t, err)
	grads, err := it.Apply(out[len(out)-1], seed)
	require.NoError(t, err)
	return grads
}

// TestGradientThroughPrimitiveCall differentiates f(x) = x + x.
func TestGradientThroughPrimitiveCall(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("double", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	b.Return(b.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), fn.Param(0)})[0])

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	// Primal result survives unchanged in the derivative.
	w := m.Witness(fn, ix)
	out, err := interp.New(m).Call(w.Derivative, interp.NewVector(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out[0].Vec)

	grads := grad(t, m, fn, ix, interp.NewVector(1, 1), interp.NewVector(3, 4))
	assert.Equal(t, []float64{2, 2}, grads[0].Vec, "d(x+x)/dx = 2")
}

// TestUnusedParameterGradientIsZero differentiates f(x, y) = x with
// respect to both parameters.
func TestUnusedParameterGradientIsZero(t *testing.T) {
	m, _ := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("first", ir.NewFunc(
		[]ir.Param{{Type: v2}, {Type: v2}}, []ir.Result{{Type: v2}}))
	ir.NewBuilder(fn).Return(fn.Param(0))

	ix := ir.NewIndices([]int{0, 1}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	grads := grad(t, m, fn, ix, interp.NewVector(5, 7),
		interp.NewVector(1, 2), interp.NewVector(3, 4))
	require.Len(t, grads, 2)
	assert.Equal(t, []float64{5, 7}, grads[0].Vec)
	assert.Equal(t, []float64{0, 0}, grads[1].Vec, "unused parameter receives a zero gradient")
}

// TestFieldwiseProjection differentiates a projection out of a struct
// whose tangent layout mirrors its own.
func TestFieldwiseProjection(t *testing.T) {
	m, _ := newModule(t)
	v2 := ir.Vector(2)
	st := ir.NewStruct("Pair",
		ir.StructField{Name: "a", Type: v2},
		ir.StructField{Name: "b", Type: v2})
	m.DeclareStruct(st)

	fn := m.AddFunction("firstField", ir.NewFunc(
		[]ir.Param{{Type: st}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	b.Return(b.StructExtract(fn.Param(0), 0))

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	arg := interp.NewAggregate(interp.NewVector(1, 2), interp.NewVector(3, 4))
	grads := grad(t, m, fn, ix, interp.NewVector(9, 9), arg)
	require.Len(t, grads[0].Elems, 2)
	assert.Equal(t, []float64{9, 9}, grads[0].Elems[0].Vec)
	assert.Equal(t, []float64{0, 0}, grads[0].Elems[1].Vec)
}

// TestGetterProjection differentiates a projection out of a struct
// whose tangent layout is filtered, which must go through the
// registered getter's derivative.
func TestGetterProjection(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	st := ir.NewStruct("Layer",
		ir.StructField{Name: "w", Type: v2},
		ir.StructField{Name: "step", Type: ir.Int, NoDerivative: true})
	m.DeclareStruct(st)
	_, err := lib.Getter(tangent.NewResolver(), st, 0)
	require.NoError(t, err)

	fn := m.AddFunction("weights", ir.NewFunc(
		[]ir.Param{{Type: st}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	b.Return(b.StructExtract(fn.Param(0), 0))

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	arg := interp.NewAggregate(interp.NewVector(1, 2), interp.NewFloat(7))
	grads := grad(t, m, fn, ix, interp.NewVector(3, 5), arg)
	// Layer.Tangent has a single field, w.
	require.Len(t, grads[0].Elems, 1)
	assert.Equal(t, []float64{3, 5}, grads[0].Elems[0].Vec)
}

// TestNestedDifferentiationIsMemoized differentiates a composition:
// the inner function's derivative must be synthesized exactly once.
func TestNestedDifferentiationIsMemoized(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)

	inner := m.AddFunction("inner", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bi := ir.NewBuilder(inner)
	bi.Return(bi.CallFunc(lib.VAdd(2), []*ir.Value{inner.Param(0), inner.Param(0)})[0])

	outer := m.AddFunction("outer", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bo := ir.NewBuilder(outer)
	mid := bo.CallFunc(inner, []*ir.Value{outer.Param(0)})[0]
	bo.Return(bo.CallFunc(inner, []*ir.Value{mid})[0])

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(outer, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	// Chain rule through the composition: d(4x)/dx = 4.
	grads := grad(t, m, outer, ix, interp.NewVector(1, 1), interp.NewVector(2, 3))
	assert.Equal(t, []float64{4, 4}, grads[0].Vec)

	count := 0
	for _, f := range m.Functions() {
		if strings.HasPrefix(f.Name, "inner.vjp.") {
			count++
		}
	}
	assert.Equal(t, 1, count, "both call sites must share one derivative of @inner")
	w := m.Witness(inner, ix)
	require.NotNil(t, w, "nested synthesis must record a witness")
	assert.NotNil(t, w.Derivative)
}

// TestSubsetThunkNarrowsWiderWitness requests a one-parameter gradient
// of a function whose primitive only carries an all-parameter witness.
func TestSubsetThunkNarrowsWiderWitness(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("sum", ir.NewFunc(
		[]ir.Param{{Type: v2}, {Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	b.Return(b.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), fn.Param(1)})[0])

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	found := false
	for _, f := range m.Functions() {
		if strings.Contains(f.Name, ".subset.") {
			found = true
			assert.True(t, f.Transparent)
		}
	}
	assert.True(t, found, "narrowing @vadd.2's [0,1] witness to [0] needs a subset thunk")

	grads := grad(t, m, fn, ix, interp.NewVector(1, 1),
		interp.NewVector(2, 3), interp.NewVector(4, 5))
	require.Len(t, grads, 1)
	assert.Equal(t, []float64{1, 1}, grads[0].Vec)
}

// TestGradientThroughScopedAccess differentiates a function that
// routes a primitive's result through stack memory, writing under a
// scoped access and reading back from the buffer root.
func TestGradientThroughScopedAccess(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("stash", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	buf := b.AllocStack(v2)
	acc := b.BeginAccess(ir.AccessInit, buf)
	sum := b.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), fn.Param(0)})[0]
	b.Store(sum, acc)
	b.EndAccess(acc)
	out := b.Load(buf)
	b.DeallocStack(buf)
	b.Return(out)

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	w := m.Witness(fn, ix)
	prim, err := interp.New(m).Call(w.Derivative, interp.NewVector(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, prim[0].Vec)

	// The write lands through an access view while the read takes the
	// root; the gradient must still flow through the buffer.
	grads := grad(t, m, fn, ix, interp.NewVector(1, 1), interp.NewVector(3, 4))
	assert.Equal(t, []float64{2, 2}, grads[0].Vec)
}

// TestGradientWithIndirectConventions differentiates a function whose
// parameter and result are both passed through memory.
func TestGradientWithIndirectConventions(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("doubleIndirect", ir.NewFunc(
		[]ir.Param{{Type: v2, Indirect: true}},
		[]ir.Result{{Type: v2, Indirect: true}}))
	b := ir.NewBuilder(fn)
	x := b.Load(fn.Param(0))
	sum := b.CallFunc(lib.VAdd(2), []*ir.Value{x, x})[0]
	b.Store(sum, fn.IndirectResultBuffer(0))
	b.Return()

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	w := m.Witness(fn, ix)
	it := interp.New(m)
	out, err := it.Call(w.Derivative, interp.NewVector(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out[0].Vec)

	// Seed arrives indirectly, the gradient leaves indirectly; the
	// interpreter boxes both transparently.
	grads, err := it.Apply(out[len(out)-1], interp.NewVector(1, 1))
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Equal(t, []float64{2, 2}, grads[0].Vec)
}

// TestGradientThroughBufferCopy differentiates an identity routed
// through two buffers joined by copy_addr.
func TestGradientThroughBufferCopy(t *testing.T) {
	m, _ := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("relay", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	src := b.AllocStack(v2)
	b.Store(fn.Param(0), src)
	dst := b.AllocStack(v2)
	b.CopyAddr(src, dst)
	out := b.Load(dst)
	b.DeallocStack(dst)
	b.DeallocStack(src)
	b.Return(out)

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	grads := grad(t, m, fn, ix, interp.NewVector(5, 7), interp.NewVector(1, 2))
	assert.Equal(t, []float64{5, 7}, grads[0].Vec)
}

// TestMarkerRewriting resolves a differentiable_function marker into a
// reference to the synthesized derivative.
func TestMarkerRewriting(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("double", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bf := ir.NewBuilder(fn)
	bf.Return(bf.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), fn.Param(0)})[0])

	ix := ir.NewIndices([]int{0}, 0)
	resolver := tangent.NewResolver()
	derivType, err := resolver.DerivativeType(fn.Type(), ix)
	require.NoError(t, err)

	use := m.AddFunction("use", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bu := ir.NewBuilder(use)
	marker := bu.DifferentiableFunction(fn, ix, derivType)
	rets := bu.Call(marker, []*ir.Value{use.Param(0)})
	bu.Return(rets[0])

	require.NoError(t, autodiff.ProcessModule(m))

	rewritten := use.Entry().Instrs[0]
	assert.Equal(t, ir.OpFunctionRef, rewritten.Op, "marker must become a function reference")
	require.NotNil(t, rewritten.Callee)
	assert.Equal(t, "double.vjp.p0_r0", rewritten.Callee.Name)

	out, err := interp.New(m).Call(use, interp.NewVector(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out[0].Vec)
}

// TestRollbackOnFailure checks the all-or-nothing guarantee: one bad
// request must roll back every generated function, including those of
// requests that succeeded on their own.
func TestRollbackOnFailure(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)

	good := m.AddFunction("good", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bg := ir.NewBuilder(good)
	bg.Return(bg.CallFunc(lib.VAdd(2), []*ir.Value{good.Param(0), good.Param(0)})[0])

	// Raw vector arithmetic outside a primitive body has no adjoint
	// rule.
	bad := m.AddFunction("bad", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bb := ir.NewBuilder(bad)
	bb.Return(bb.VAdd(bad.Param(0), bad.Param(0)))

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(good, ix)
	m.DeclareWitness(bad, ix)

	before := len(m.Functions())
	err := autodiff.ProcessModule(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, autodiff.ErrUnsupported))

	assert.Equal(t, before, len(m.Functions()), "failed runs must leave no generated functions")
	assert.Nil(t, m.Witness(good, ix).Derivative, "successful sibling must be rolled back too")
	assert.Nil(t, m.Witness(bad, ix).Derivative)
	assert.Empty(t, m.Structs(), "synthesized record structs must be rolled back")
}

// TestErrorClasses checks that failures surface under the documented
// class sentinels with request provenance attached.
func TestErrorClasses(t *testing.T) {
	t.Run("no tangent", func(t *testing.T) {
		m, _ := newModule(t)
		fn := m.AddFunction("count", ir.NewFunc(
			[]ir.Param{{Type: ir.Int}}, []ir.Result{{Type: ir.Int}}))
		ir.NewBuilder(fn).Return(fn.Param(0))
		m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))

		err := autodiff.ProcessModule(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, autodiff.ErrNoTangent))
	})

	t.Run("unresolved callee", func(t *testing.T) {
		m, _ := newModule(t)
		v2 := ir.Vector(2)
		// Bodyless, not opaque: no way to obtain a derivative.
		ext := m.AddFunction("external", ir.NewFunc(
			[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
		fn := m.AddFunction("wrap", ir.NewFunc(
			[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
		b := ir.NewBuilder(fn)
		b.Return(b.CallFunc(ext, []*ir.Value{fn.Param(0)})[0])
		m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))

		err := autodiff.ProcessModule(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, autodiff.ErrUnresolved))
		assert.Contains(t, err.Error(), "note: requested by",
			"diagnostics must carry the request chain")
		assert.Contains(t, err.Error(), "@wrap")
	})

	t.Run("unsupported construct", func(t *testing.T) {
		m, _ := newModule(t)
		v2 := ir.Vector(2)
		fn := m.AddFunction("raw", ir.NewFunc(
			[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
		b := ir.NewBuilder(fn)
		b.Return(b.VAdd(fn.Param(0), fn.Param(0)))
		m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))

		err := autodiff.ProcessModule(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, autodiff.ErrUnsupported))
	})
}

// TestOpaqueCallsPassThrough keeps calls to opaque functions out of
// differentiation entirely.
func TestOpaqueCallsPassThrough(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	clock := m.AddFunction("clock", ir.NewFunc(nil, []ir.Result{{Type: v2}}))
	clock.Opaque = true
	bc := ir.NewBuilder(clock)
	bc.Return(bc.Lit(v2, 10, 20))

	fn := m.AddFunction("offset", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	noise := b.CallFunc(clock, nil)[0]
	b.Return(b.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), noise})[0])

	ix := ir.NewIndices([]int{0}, 0)
	m.DeclareWitness(fn, ix)
	require.NoError(t, autodiff.ProcessModule(m))

	grads := grad(t, m, fn, ix, interp.NewVector(1, 1), interp.NewVector(1, 2))
	assert.Equal(t, []float64{1, 1}, grads[0].Vec, "opaque operand contributes no gradient")
}

// TestDifferentiateSingleRequest exercises the one-off entry point with
// its scoped rollback.
func TestDifferentiateSingleRequest(t *testing.T) {
	m, lib := newModule(t)
	v2 := ir.Vector(2)
	fn := m.AddFunction("double", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	b := ir.NewBuilder(fn)
	b.Return(b.CallFunc(lib.VAdd(2), []*ir.Value{fn.Param(0), fn.Param(0)})[0])

	ctx := autodiff.NewContext(m)
	deriv, err := ctx.Differentiate(fn, ir.NewIndices([]int{0}, 0))
	require.NoError(t, err)
	require.NotNil(t, deriv)

	again, err := ctx.Differentiate(fn, ir.NewIndices([]int{0}, 0))
	require.NoError(t, err)
	assert.Same(t, deriv, again, "repeated requests must memoize")

	before := len(m.Functions())
	bad := m.AddFunction("raw", ir.NewFunc(
		[]ir.Param{{Type: v2}}, []ir.Result{{Type: v2}}))
	bb := ir.NewBuilder(bad)
	bb.Return(bb.VAdd(bad.Param(0), bad.Param(0)))
	_, err = ctx.Differentiate(bad, ir.NewIndices([]int{0}, 0))
	require.Error(t, err)
	assert.Equal(t, before+1, len(m.Functions()), "failed request must roll back its artifacts")
}

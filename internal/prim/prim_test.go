package prim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradir-ml/gradir/internal/interp"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/prim"
	"github.com/gradir-ml/gradir/internal/tangent"
)

// gradOf runs a primitive's registered derivative and pulls the seed
// back through the returned closure.
func gradOf(t *testing.T, m *ir.Module, fn *ir.Function, seed interp.Value, args ...interp.Value) []interp.Value {
	t.Helper()
	w := m.Witness(fn, ir.NewIndices([]int{0, 1}, 0))
	require.NotNil(t, w, "primitive %s must register a witness", fn.Name)
	require.NotNil(t, w.Derivative)
	assert.True(t, w.Derivative.Transparent)

	it := interp.New(m)
	out, err := it.Call(w.Derivative, args...)
	require.NoError(t, err)
	grads, err := it.Apply(out[len(out)-1], seed)
	require.NoError(t, err)
	return grads
}

func TestVAddGradient(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	fn := lib.VAdd(2)

	grads := gradOf(t, m, fn, interp.NewVector(1, 2),
		interp.NewVector(3, 4), interp.NewVector(5, 6))
	assert.Equal(t, []float64{1, 2}, grads[0].Vec)
	assert.Equal(t, []float64{1, 2}, grads[1].Vec)
}

func TestVSubGradient(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	fn := lib.VSub(2)

	grads := gradOf(t, m, fn, interp.NewVector(1, 2),
		interp.NewVector(3, 4), interp.NewVector(5, 6))
	assert.Equal(t, []float64{1, 2}, grads[0].Vec)
	assert.Equal(t, []float64{-1, -2}, grads[1].Vec)
}

func TestVMulGradientCapturesOperands(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	fn := lib.VMul(2)

	grads := gradOf(t, m, fn, interp.NewVector(1, 1),
		interp.NewVector(2, 3), interp.NewVector(5, 7))
	assert.Equal(t, []float64{5, 7}, grads[0].Vec, "d(a*b)/da = b")
	assert.Equal(t, []float64{2, 3}, grads[1].Vec, "d(a*b)/db = a")
}

func TestDotGradient(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	fn := lib.Dot(3)

	it := interp.New(m)
	w := m.Witness(fn, ir.NewIndices([]int{0, 1}, 0))
	out, err := it.Call(w.Derivative, interp.NewVector(1, 2, 3), interp.NewVector(4, 5, 6))
	require.NoError(t, err)
	assert.Equal(t, 32.0, out[0].Float)

	grads, err := it.Apply(out[1], interp.NewFloat(2))
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 10, 12}, grads[0].Vec)
	assert.Equal(t, []float64{2, 4, 6}, grads[1].Vec)
}

func TestVNegAndVScaleGradients(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	it := interp.New(m)

	neg := lib.VNeg(2)
	w := m.Witness(neg, ir.NewIndices([]int{0}, 0))
	require.NotNil(t, w)
	out, err := it.Call(w.Derivative, interp.NewVector(1, -2))
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 2}, out[0].Vec)
	grads, err := it.Apply(out[1], interp.NewVector(3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float64{-3, -4}, grads[0].Vec)

	scale := lib.VScale(2)
	ws := m.Witness(scale, ir.NewIndices([]int{0, 1}, 0))
	require.NotNil(t, ws)
	out, err = it.Call(ws.Derivative, interp.NewFloat(3), interp.NewVector(2, 5))
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 15}, out[0].Vec)
	grads, err = it.Apply(out[1], interp.NewVector(1, 1))
	require.NoError(t, err)
	// d(c*v)/dc = seed . v, d(c*v)/dv = c * seed.
	assert.Equal(t, 7.0, grads[0].Float)
	assert.Equal(t, []float64{3, 3}, grads[1].Vec)
}

func TestRegisterAllIsIdempotent(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	lib.RegisterAll(2)
	n := len(m.Functions())
	lib.RegisterAll(2)
	assert.Equal(t, n, len(m.Functions()), "re-registration must reuse existing functions")

	lib.RegisterAll(3)
	assert.Greater(t, len(m.Functions()), n, "primitives are monomorphic per dimension")
}

func TestGetter(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	r := tangent.NewResolver()
	st := ir.NewStruct("Layer",
		ir.StructField{Name: "w", Type: ir.Vector(2)},
		ir.StructField{Name: "bias", Type: ir.Float},
		ir.StructField{Name: "step", Type: ir.Int, NoDerivative: true},
	)
	m.DeclareStruct(st)

	getter, err := lib.Getter(r, st, 1)
	require.NoError(t, err)
	assert.Same(t, getter, m.Getter(st, 1), "getter must be registered on the module")

	again, err := lib.Getter(r, st, 1)
	require.NoError(t, err)
	assert.Same(t, getter, again)

	w := m.Witness(getter, ir.NewIndices([]int{0}, 0))
	require.NotNil(t, w)
	require.NotNil(t, w.Derivative)

	it := interp.New(m)
	arg := interp.NewAggregate(interp.NewVector(1, 2), interp.NewFloat(5), interp.NewFloat(9))
	out, err := it.Call(w.Derivative, arg)
	require.NoError(t, err)
	assert.Equal(t, 5.0, out[0].Float)

	// The pullback produces the struct's tangent aggregate: seed at the
	// field's tangent slot, zeros elsewhere, filtered fields dropped.
	grads, err := it.Apply(out[1], interp.NewFloat(2))
	require.NoError(t, err)
	require.Len(t, grads[0].Elems, 2)
	assert.Equal(t, []float64{0, 0}, grads[0].Elems[0].Vec)
	assert.Equal(t, 2.0, grads[0].Elems[1].Float)
}

func TestGetterRejectsNoTangentField(t *testing.T) {
	m := ir.NewModule("t")
	lib := prim.NewLib(m)
	r := tangent.NewResolver()
	st := ir.NewStruct("S",
		ir.StructField{Name: "w", Type: ir.Vector(2)},
		ir.StructField{Name: "tag", Type: ir.Int},
	)
	m.DeclareStruct(st)

	_, err := lib.Getter(r, st, 1)
	require.Error(t, err)
}

package tangent_test

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
)

func TestVectorLikeTypesAreTheirOwnTangent(t *testing.T) {
	r := tangent.NewResolver()
	for _, typ := range []ir.Type{ir.Float, ir.Vector(2), ir.Vector(16)} {
		sp := r.Space(typ)
		if sp.Kind() != tangent.Vector {
			t.Errorf("%s: kind = %v, want Vector", typ, sp.Kind())
		}
		if !sp.Type().Equal(typ) {
			t.Errorf("%s: tangent type = %s", typ, sp.Type())
		}
	}
}

func TestNonDifferentiableTypesHaveNoTangent(t *testing.T) {
	r := tangent.NewResolver()
	fnType := ir.NewFunc(ir.DirectParams(ir.Float), ir.DirectResults(ir.Float))
	for _, typ := range []ir.Type{ir.Int, fnType, ir.Tuple(ir.Int, ir.Int)} {
		if !r.Space(typ).IsNone() {
			t.Errorf("%s: expected no tangent space", typ)
		}
	}
}

func TestTupleTangentFiltersElements(t *testing.T) {
	r := tangent.NewResolver()
	tt := ir.Tuple(ir.Int, ir.Vector(2), ir.Int, ir.Float)
	sp := r.Space(tt)
	if sp.Kind() != tangent.Aggregate {
		t.Fatalf("kind = %v, want Aggregate", sp.Kind())
	}
	if len(sp.Elements()) != 2 {
		t.Fatalf("filtered arity = %d, want 2", len(sp.Elements()))
	}
	if !sp.Type().Equal(ir.Tuple(ir.Vector(2), ir.Float)) {
		t.Errorf("tangent type = %s", sp.Type())
	}

	// Original positions translate through the filtered index map.
	if _, ok := sp.TangentIndex(0); ok {
		t.Error("Int element must have no tangent index")
	}
	if ti, ok := sp.TangentIndex(1); !ok || ti != 0 {
		t.Errorf("TangentIndex(1) = %d, %v", ti, ok)
	}
	if ti, ok := sp.TangentIndex(3); !ok || ti != 1 {
		t.Errorf("TangentIndex(3) = %d, %v", ti, ok)
	}
}

func TestStructTangentSkipsNoDerivativeFields(t *testing.T) {
	r := tangent.NewResolver()
	st := ir.NewStruct("Layer",
		ir.StructField{Name: "w", Type: ir.Vector(4)},
		ir.StructField{Name: "step", Type: ir.Int},
		ir.StructField{Name: "mask", Type: ir.Vector(4), NoDerivative: true},
	)
	sp := r.Space(st)
	tanTy, ok := sp.Type().(*ir.StructType)
	if !ok {
		t.Fatalf("tangent type = %s, want a struct", sp.Type())
	}
	if tanTy.Name != "Layer.Tangent" || len(tanTy.Fields) != 1 || tanTy.Fields[0].Name != "w" {
		t.Errorf("tangent struct = %s with %d fields", tanTy.Name, len(tanTy.Fields))
	}

	// Resolution is memoized per struct name: repeated queries return
	// the identical nominal type.
	if r.Space(st).Type() != sp.Type() {
		t.Error("struct tangent type must be cached by name")
	}
}

func TestFieldwise(t *testing.T) {
	r := tangent.NewResolver()
	plain := ir.NewStruct("Pair",
		ir.StructField{Name: "a", Type: ir.Vector(2)},
		ir.StructField{Name: "b", Type: ir.Vector(2)},
	)
	filtered := ir.NewStruct("Tagged",
		ir.StructField{Name: "w", Type: ir.Vector(2)},
		ir.StructField{Name: "tag", Type: ir.Int},
	)
	if !r.Fieldwise(plain) {
		t.Error("struct of vector fields must be fieldwise")
	}
	if r.Fieldwise(filtered) {
		t.Error("struct with filtered fields must not be fieldwise")
	}
}

func TestCanAdd(t *testing.T) {
	r := tangent.NewResolver()
	if !r.CanAdd(ir.Vector(3)) || !r.CanAdd(ir.Tuple(ir.Float, ir.Vector(2))) {
		t.Error("vector-like and aggregate-of-vector types must be additive")
	}
	if r.CanAdd(ir.Int) {
		t.Error("Int must not be additive")
	}
}

func TestPullbackType(t *testing.T) {
	r := tangent.NewResolver()
	v2 := ir.Vector(2)
	ft := ir.NewFunc(
		[]ir.Param{{Type: v2}, {Type: ir.Int}, {Type: v2, Indirect: true}},
		[]ir.Result{{Type: ir.Float}})

	pb, err := r.PullbackType(ft, ir.NewIndices([]int{0, 2}, 0))
	if err != nil {
		t.Fatal(err)
	}
	// Seed mirrors the result's convention; gradients mirror each
	// selected parameter's.
	want := ir.NewFunc(
		[]ir.Param{{Type: ir.Float}},
		[]ir.Result{{Type: v2}, {Type: v2, Indirect: true}})
	if !pb.Equal(want) {
		t.Errorf("pullback type = %s, want %s", pb, want)
	}

	// Selecting a parameter without a tangent space fails.
	if _, err := r.PullbackType(ft, ir.NewIndices([]int{1}, 0)); !errors.Is(err, tangent.ErrNoTangent) {
		t.Errorf("Int parameter: err = %v, want ErrNoTangent", err)
	}
}

func TestDerivativeType(t *testing.T) {
	r := tangent.NewResolver()
	v2 := ir.Vector(2)
	ft := ir.NewFunc(ir.DirectParams(v2, v2), ir.DirectResults(v2))
	dt, err := r.DerivativeType(ft, ir.NewIndices([]int{0, 1}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(dt.Params) != 2 || len(dt.Results) != 2 {
		t.Fatalf("derivative type = %s", dt)
	}
	pb, ok := dt.Results[1].Type.(*ir.FuncType)
	if !ok || dt.Results[1].Indirect {
		t.Fatalf("trailing result must be a direct closure, got %s", dt)
	}
	wantPB := ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2, v2))
	if !pb.Equal(wantPB) {
		t.Errorf("closure type = %s, want %s", pb, wantPB)
	}
}

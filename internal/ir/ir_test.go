package ir_test

import (
	"strings"
	"testing"

	"github.com/gradir-ml/gradir/internal/ir"
)

func TestTypeEquality(t *testing.T) {
	v2 := ir.Vector(2)
	v3 := ir.Vector(3)
	s := ir.NewStruct("S", ir.StructField{Name: "a", Type: v2})
	s2 := ir.NewStruct("S", ir.StructField{Name: "b", Type: v3})

	cases := []struct {
		name string
		a, b ir.Type
		want bool
	}{
		{"int int", ir.Int, ir.Int, true},
		{"int float", ir.Int, ir.Float, false},
		{"vector same dim", v2, ir.Vector(2), true},
		{"vector other dim", v2, v3, false},
		{"tuple structural", ir.Tuple(v2, ir.Float), ir.Tuple(ir.Vector(2), ir.Float), true},
		{"tuple arity", ir.Tuple(v2), ir.Tuple(v2, v2), false},
		{"struct nominal", s, s2, true}, // structs compare by name only
		{"func same", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)),
			ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)), true},
		{"func convention", ir.NewFunc([]ir.Param{{Type: v2, Indirect: true}}, ir.DirectResults(v2)),
			ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)), false},
	}
	for _, tc := range cases {
		if got := tc.a.Equal(tc.b); got != tc.want {
			t.Errorf("%s: Equal(%s, %s) = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIndicesNormalization(t *testing.T) {
	ix := ir.NewIndices([]int{2, 0, 2, 1}, 0)
	want := []int{0, 1, 2}
	got := ix.Params()
	if len(got) != len(want) {
		t.Fatalf("Params() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Params() = %v, want %v", got, want)
		}
	}
	if ix.Key() != "p0_1_2_r0" {
		t.Errorf("Key() = %q", ix.Key())
	}
}

func TestIndicesSupersetAndEqual(t *testing.T) {
	wide := ir.NewIndices([]int{0, 1}, 0)
	narrow := ir.NewIndices([]int{1}, 0)
	otherResult := ir.NewIndices([]int{1}, 1)
	constrained := ir.NewIndices([]int{1}, 0, "R1")

	if !wide.IsSupersetOf(narrow) {
		t.Error("wide should cover narrow")
	}
	if narrow.IsSupersetOf(wide) {
		t.Error("narrow should not cover wide")
	}
	if wide.IsSupersetOf(otherResult) {
		t.Error("superset must preserve the result index")
	}
	if narrow.IsSupersetOf(constrained) || constrained.IsSupersetOf(narrow) {
		t.Error("requirements must match exactly")
	}
	if !ir.NewIndices([]int{1, 0}, 0).Equal(wide) {
		t.Error("order must not matter for equality")
	}
}

func TestFunctionEntryLayout(t *testing.T) {
	v2 := ir.Vector(2)
	// (direct, indirect) -> (indirect, direct): entry is
	// [param0, param1(addr), buffer for result 0].
	ft := ir.NewFunc(
		[]ir.Param{{Type: v2}, {Type: v2, Indirect: true}},
		[]ir.Result{{Type: v2, Indirect: true}, {Type: ir.Float}})
	fn := ir.NewFunction("f", ft)

	if len(fn.Params()) != 3 {
		t.Fatalf("entry parameter count = %d, want 3", len(fn.Params()))
	}
	if fn.Param(0).IsAddress() {
		t.Error("direct parameter must not be an address")
	}
	if !fn.Param(1).IsAddress() {
		t.Error("indirect parameter must be an address")
	}
	buf := fn.IndirectResultBuffer(0)
	if buf != fn.Params()[2] {
		t.Error("indirect result buffer must be the trailing entry parameter")
	}
	if !buf.IsAddress() || !buf.Type().Equal(v2) {
		t.Errorf("result buffer has type %s, addr %v", buf.Type(), buf.IsAddress())
	}
}

func TestPartialApplyDropsTrailingParams(t *testing.T) {
	v2 := ir.Vector(2)
	m := ir.NewModule("t")
	callee := m.AddFunction("callee",
		ir.NewFunc(ir.DirectParams(v2, v2, ir.Float), ir.DirectResults(v2)))
	bld := ir.NewBuilder(callee)
	bld.Return(bld.VScale(callee.Param(2), bld.VAdd(callee.Param(0), callee.Param(1))))

	host := m.AddFunction("host", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	b := ir.NewBuilder(host)
	cap1 := b.Zero(v2)
	cap2 := b.Lit(ir.Float, 2)
	clos := b.PartialApply(b.FunctionRef(callee), cap1, cap2)

	want := ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2))
	if !clos.Type().Equal(want) {
		t.Fatalf("closure type = %s, want %s", clos.Type(), want)
	}
	b.Return(b.Call(clos, []*ir.Value{host.Param(0)})[0])
}

func TestModuleWitnessMemoization(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	fn := m.AddFunction("f", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))

	w1 := m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))
	w2 := m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))
	if w1 != w2 {
		t.Error("identical configurations must share one witness")
	}
	if got := m.Witness(fn, ir.NewIndices([]int{0}, 0)); got != w1 {
		t.Error("lookup must return the declared witness")
	}
	if m.Witness(fn, ir.NewIndices([]int{0}, 1)) != nil {
		t.Error("different result index must be a distinct witness")
	}
}

func TestSupersetWitnessPrefersNarrowest(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	ft := ir.NewFunc(ir.DirectParams(v2, v2, v2), ir.DirectResults(v2))
	fn := m.AddFunction("f", ft)
	dummy := m.AddFunction("f.d", ft)

	wide := m.DeclareWitness(fn, ir.NewIndices([]int{0, 1, 2}, 0))
	wide.Derivative = dummy
	mid := m.DeclareWitness(fn, ir.NewIndices([]int{0, 1}, 0))
	mid.Derivative = dummy
	pending := m.DeclareWitness(fn, ir.NewIndices([]int{0}, 0))
	_ = pending // unmaterialized, must be skipped

	got := m.SupersetWitness(fn, ir.NewIndices([]int{0}, 0))
	if got != mid {
		t.Fatalf("SupersetWitness picked %v, want the narrowest materialized superset", got)
	}
}

func TestRemoveFunctionAndStruct(t *testing.T) {
	m := ir.NewModule("t")
	v2 := ir.Vector(2)
	fn := m.AddFunction("f", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	st := ir.NewStruct("R", ir.StructField{Name: "x", Type: v2})
	m.DeclareStruct(st)

	m.RemoveFunction(fn)
	if m.Function("f") != nil || len(m.Functions()) != 0 {
		t.Error("function survived removal")
	}
	m.RemoveStruct(st)
	if m.Struct("R") != nil || len(m.Structs()) != 0 {
		t.Error("struct survived removal")
	}

	// Removal is identity-guarded: a same-named replacement stays.
	again := m.AddFunction("f", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	m.RemoveFunction(fn)
	if m.Function("f") != again {
		t.Error("removing a stale handle must not unregister the replacement")
	}
}

func TestValidateBody(t *testing.T) {
	v2 := ir.Vector(2)
	fn := ir.NewFunction("f", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	if err := ir.ValidateBody(fn); err == nil {
		t.Error("empty body must be rejected")
	}
	b := ir.NewBuilder(fn)
	b.Return(fn.Param(0))
	if err := ir.ValidateBody(fn); err != nil {
		t.Errorf("single-block returning body rejected: %v", err)
	}

	multi := ir.NewFunction("g", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	ir.NewBuilder(multi).Return(multi.Param(0))
	multi.AddBlock()
	if err := ir.ValidateBody(multi); err == nil {
		t.Error("multi-block body must be rejected")
	}
}

func TestPrintSmoke(t *testing.T) {
	m := ir.NewModule("demo")
	v2 := ir.Vector(2)
	fn := m.AddFunction("double", ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2)))
	fn.Param(0).SetName("x")
	b := ir.NewBuilder(fn)
	b.Return(b.VAdd(fn.Param(0), fn.Param(0)))

	out := m.String()
	for _, frag := range []string{
		`module "demo"`,
		"func @double(%x: Vector<2>) -> (Vector<2>)",
		"vadd %x, %x",
	} {
		if !strings.Contains(out, frag) {
			t.Errorf("printed module missing %q:\n%s", frag, out)
		}
	}
}

func TestGeneratedNamesAreDeterministic(t *testing.T) {
	v2 := ir.Vector(2)
	fn := ir.NewFunction("f", ir.NewFunc(ir.DirectParams(v2, v2), ir.DirectResults(v2)))
	ix := ir.NewIndices([]int{1, 0}, 0)

	if got := ir.VJPName(fn, ix); got != "f.vjp.p0_1_r0" {
		t.Errorf("VJPName = %q", got)
	}
	if got := ir.PullbackName(fn, ix); got != "f.pullback.p0_1_r0" {
		t.Errorf("PullbackName = %q", got)
	}
	a := ir.NewFunc(ir.DirectParams(v2), ir.DirectResults(v2))
	bTy := ir.NewFunc([]ir.Param{{Type: v2, Indirect: true}}, ir.DirectResults(v2))
	if ir.ReabstractionThunkName(a, bTy) == ir.ReabstractionThunkName(bTy, a) {
		t.Error("reabstraction names must distinguish direction")
	}
	if ir.ReabstractionThunkName(a, bTy) != ir.ReabstractionThunkName(a, bTy) {
		t.Error("reabstraction names must be stable")
	}
}

package ir

import (
	"fmt"
	"strings"
)

// TypeKind discriminates the closed set of IR types.
type TypeKind uint8

const (
	KindInt TypeKind = iota
	KindFloat
	KindVector
	KindTuple
	KindStruct
	KindFunc
)

// Type is the interface implemented by all IR types.
//
// The type system is deliberately small: scalars, fixed-size vectors,
// structural tuples, nominal structs, and function types. Equality is
// structural except for structs, which are nominal (compared by name).
type Type interface {
	Kind() TypeKind
	String() string
	Equal(other Type) bool
}

// IntType is a non-differentiable integer scalar.
type IntType struct{}

// FloatType is a differentiable scalar. Its tangent space is itself.
type FloatType struct{}

// Singleton instances for the scalar types.
var (
	Int   = IntType{}
	Float = FloatType{}
)

func (IntType) Kind() TypeKind      { return KindInt }
func (IntType) String() string      { return "Int" }
func (IntType) Equal(o Type) bool   { _, ok := o.(IntType); return ok }
func (FloatType) Kind() TypeKind    { return KindFloat }
func (FloatType) String() string    { return "Float" }
func (FloatType) Equal(o Type) bool { _, ok := o.(FloatType); return ok }

// VectorType is a fixed-dimension dense vector. Vector types are
// vector-like: they describe their own tangent space and support
// additive combination.
type VectorType struct {
	Dim int
}

// Vector returns the vector type of the given dimension.
func Vector(dim int) VectorType {
	if dim <= 0 {
		panic(fmt.Sprintf("ir: invalid vector dimension %d", dim))
	}
	return VectorType{Dim: dim}
}

func (t VectorType) Kind() TypeKind { return KindVector }
func (t VectorType) String() string { return fmt.Sprintf("Vector<%d>", t.Dim) }

func (t VectorType) Equal(o Type) bool {
	ot, ok := o.(VectorType)
	return ok && ot.Dim == t.Dim
}

// TupleType is a structural product of element types.
type TupleType struct {
	Elems []Type
}

// Tuple returns the tuple type over the given element types.
func Tuple(elems ...Type) *TupleType {
	return &TupleType{Elems: elems}
}

func (t *TupleType) Kind() TypeKind { return KindTuple }

func (t *TupleType) String() string {
	parts := make([]string, len(t.Elems))
	for i, e := range t.Elems {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t *TupleType) Equal(o Type) bool {
	ot, ok := o.(*TupleType)
	if !ok || len(ot.Elems) != len(t.Elems) {
		return false
	}
	for i, e := range t.Elems {
		if !e.Equal(ot.Elems[i]) {
			return false
		}
	}
	return true
}

// StructField is a named field of a struct type. Fields marked
// NoDerivative are excluded from the struct's tangent space and stop
// variedness propagation through projections.
type StructField struct {
	Name         string
	Type         Type
	NoDerivative bool
}

// StructType is a nominal aggregate type.
type StructType struct {
	Name   string
	Fields []StructField
}

// NewStruct returns a new nominal struct type.
func NewStruct(name string, fields ...StructField) *StructType {
	return &StructType{Name: name, Fields: fields}
}

func (t *StructType) Kind() TypeKind { return KindStruct }
func (t *StructType) String() string { return t.Name }

func (t *StructType) Equal(o Type) bool {
	ot, ok := o.(*StructType)
	return ok && ot.Name == t.Name
}

// FieldIndex returns the index of the named field, or -1.
func (t *StructType) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Param is a formal parameter slot of a function type. Indirect
// parameters are passed by address.
type Param struct {
	Type     Type
	Indirect bool
}

// Result is a formal result slot of a function type. Indirect results
// are written through a caller-provided buffer that becomes a trailing
// entry parameter of the function.
type Result struct {
	Type     Type
	Indirect bool
}

// FuncType is the type of a function or closure value.
type FuncType struct {
	Params  []Param
	Results []Result
}

// NewFunc returns a function type over the given slots.
func NewFunc(params []Param, results []Result) *FuncType {
	return &FuncType{Params: params, Results: results}
}

// DirectParams is a convenience constructor for all-direct signatures.
func DirectParams(types ...Type) []Param {
	params := make([]Param, len(types))
	for i, t := range types {
		params[i] = Param{Type: t}
	}
	return params
}

// DirectResults is a convenience constructor for all-direct signatures.
func DirectResults(types ...Type) []Result {
	results := make([]Result, len(types))
	for i, t := range types {
		results[i] = Result{Type: t}
	}
	return results
}

func (t *FuncType) Kind() TypeKind { return KindFunc }

func (t *FuncType) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range t.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		if p.Indirect {
			sb.WriteByte('*')
		}
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(") -> (")
	for i, r := range t.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		if r.Indirect {
			sb.WriteByte('*')
		}
		sb.WriteString(r.Type.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func (t *FuncType) Equal(o Type) bool {
	ot, ok := o.(*FuncType)
	if !ok || len(ot.Params) != len(t.Params) || len(ot.Results) != len(t.Results) {
		return false
	}
	for i, p := range t.Params {
		if p.Indirect != ot.Params[i].Indirect || !p.Type.Equal(ot.Params[i].Type) {
			return false
		}
	}
	for i, r := range t.Results {
		if r.Indirect != ot.Results[i].Indirect || !r.Type.Equal(ot.Results[i].Type) {
			return false
		}
	}
	return true
}

// NumDirectResults counts the direct result slots.
func (t *FuncType) NumDirectResults() int {
	n := 0
	for _, r := range t.Results {
		if !r.Indirect {
			n++
		}
	}
	return n
}

// NumIndirectResults counts the indirect result slots.
func (t *FuncType) NumIndirectResults() int {
	return len(t.Results) - t.NumDirectResults()
}

// ContainsFunc reports whether t recursively contains a function type.
// Used to reject function-typed tangent spaces in thunk generation.
func ContainsFunc(t Type) bool {
	switch tt := t.(type) {
	case *FuncType:
		return true
	case *TupleType:
		for _, e := range tt.Elems {
			if ContainsFunc(e) {
				return true
			}
		}
	case *StructType:
		for _, f := range tt.Fields {
			if ContainsFunc(f.Type) {
				return true
			}
		}
	}
	return false
}

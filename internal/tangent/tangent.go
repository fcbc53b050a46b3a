// Package tangent resolves the tangent space carried by an IR type:
// the type of derivative values flowing through the adjoint of a
// computation. Vector-like types (Float, Vector) describe their own
// tangent space; aggregates carry the filtered product of their
// elements' spaces; everything else has none.
//
// The filtered arity is load-bearing: elements whose own tangent space
// is None are omitted, so an aggregate's tangent may have fewer
// elements than the aggregate itself. Every component that walks an
// aggregate's tangent structure must translate indices through
// Space.TangentIndex rather than assuming the original arity.
package tangent

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// ErrNoTangent reports a type with no tangent space where one is
// required. It is a missing-conformance error for the enclosing
// differentiation request.
var ErrNoTangent = errors.New("type has no tangent space")

// Kind discriminates tangent spaces.
type Kind uint8

const (
	// None marks a type with no derivative representation.
	None Kind = iota
	// Vector marks a vector-like type that is its own tangent space.
	Vector
	// Aggregate marks a tuple or struct whose tangent space is the
	// filtered product of its elements' tangent spaces.
	Aggregate
)

// Space is the tangent space of a type. Immutable after construction.
type Space struct {
	kind  Kind
	typ   ir.Type
	elems []Space
	// index maps original element positions to tangent positions;
	// -1 marks elements with no tangent space.
	index []int
}

// IsNone reports whether the space is empty.
func (s Space) IsNone() bool { return s.kind == None }

// Kind returns the space's kind.
func (s Space) Kind() Kind { return s.kind }

// Type returns the IR type of tangent values, or nil for None.
func (s Space) Type() ir.Type { return s.typ }

// Elements returns the filtered child spaces of an Aggregate.
func (s Space) Elements() []Space { return s.elems }

// TangentIndex translates an original element index into the filtered
// tangent index. ok is false if the element has no tangent space.
func (s Space) TangentIndex(orig int) (int, bool) {
	if s.kind != Aggregate || orig < 0 || orig >= len(s.index) {
		return -1, false
	}
	ti := s.index[orig]
	return ti, ti >= 0
}

// Element returns the tangent space of the original element index.
func (s Space) Element(orig int) Space {
	ti, ok := s.TangentIndex(orig)
	if !ok {
		return Space{}
	}
	return s.elems[ti]
}

// Resolver computes and memoizes tangent spaces. Synthesized struct
// tangent types are cached by struct name so repeated queries return
// the identical nominal type.
type Resolver struct {
	structs map[string]Space
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{structs: make(map[string]Space)}
}

// Space resolves the tangent space of t. Pure with respect to the
// type system: the same type always resolves to the same space.
func (r *Resolver) Space(t ir.Type) Space {
	switch tt := t.(type) {
	case ir.FloatType, ir.VectorType:
		return Space{kind: Vector, typ: t}
	case *ir.TupleType:
		elems := make([]Space, 0, len(tt.Elems))
		index := make([]int, len(tt.Elems))
		types := make([]ir.Type, 0, len(tt.Elems))
		for i, e := range tt.Elems {
			es := r.Space(e)
			if es.IsNone() {
				index[i] = -1
				continue
			}
			index[i] = len(elems)
			elems = append(elems, es)
			types = append(types, es.Type())
		}
		if len(elems) == 0 {
			return Space{}
		}
		return Space{kind: Aggregate, typ: ir.Tuple(types...), elems: elems, index: index}
	case *ir.StructType:
		if s, ok := r.structs[tt.Name]; ok {
			return s
		}
		elems := make([]Space, 0, len(tt.Fields))
		index := make([]int, len(tt.Fields))
		fields := make([]ir.StructField, 0, len(tt.Fields))
		for i, f := range tt.Fields {
			if f.NoDerivative {
				index[i] = -1
				continue
			}
			es := r.Space(f.Type)
			if es.IsNone() {
				index[i] = -1
				continue
			}
			index[i] = len(elems)
			elems = append(elems, es)
			fields = append(fields, ir.StructField{Name: f.Name, Type: es.Type()})
		}
		var s Space
		if len(elems) > 0 {
			tanType := ir.NewStruct(tt.Name+".Tangent", fields...)
			s = Space{kind: Aggregate, typ: tanType, elems: elems, index: index}
		}
		r.structs[tt.Name] = s
		return s
	default:
		// Int, function types, and anything else carry no derivative.
		return Space{}
	}
}

// CanAdd reports whether t supports additive combination: vector-like,
// or an aggregate made entirely of additively-combinable elements.
func (r *Resolver) CanAdd(t ir.Type) bool {
	s := r.Space(t)
	switch s.kind {
	case Vector:
		return true
	case Aggregate:
		for _, e := range s.elems {
			if !r.CanAdd(e.Type()) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Fieldwise reports whether the struct's tangent space is structurally
// identical to the struct's own layout: same field count, each field's
// tangent being the field type itself. Projections out of fieldwise
// structs stay simple structural accesses; everything else goes
// through the registered getter's derivative.
func (r *Resolver) Fieldwise(st *ir.StructType) bool {
	s := r.Space(st)
	if s.kind != Aggregate || len(s.elems) != len(st.Fields) {
		return false
	}
	for i, f := range st.Fields {
		if !s.elems[i].Type().Equal(f.Type) {
			return false
		}
	}
	return true
}

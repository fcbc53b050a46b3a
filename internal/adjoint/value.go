// Package adjoint provides the symbolic derivative values manipulated
// during reverse (pullback) emission: lazily materialized zeros,
// concrete IR values, and aggregates mirroring the tangent shape of a
// type, together with the accumulation algebra that combines them and
// the cleanup trees attached to materialized buffers.
//
// Values in this package exist only while one pullback body is being
// emitted; nothing here is persisted.
package adjoint

import (
	"fmt"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// ErrNotAdditive reports a tangent type that cannot be zero-initialized
// or accumulated, typically because it recursively contains a function
// type. The gap is surfaced loudly instead of being miscompiled.
var ErrNotAdditive = errors.New("tangent type does not support zero initialization or accumulation")

// Kind discriminates adjoint values.
type Kind uint8

const (
	// Zero is the additive identity of its type, not yet materialized.
	Zero Kind = iota
	// Concrete wraps a materialized IR value plus its cleanup
	// obligation.
	Concrete
	// Aggregate is an ordered list of child adjoints matching the
	// tangent shape of its type.
	Aggregate
)

// Value is a symbolic derivative value. Never mutated after
// construction; the emitter replaces map entries rather than editing
// values in place.
type Value struct {
	kind    Kind
	typ     ir.Type // tangent type
	value   *ir.Value
	cleanup *Cleanup
	elems   []Value
}

// NewZero returns the unmaterialized zero of the given tangent type.
func NewZero(typ ir.Type) Value {
	return Value{kind: Zero, typ: typ}
}

// NewConcrete wraps a materialized value. cleanup may be nil.
func NewConcrete(v *ir.Value, cleanup *Cleanup) Value {
	return Value{kind: Concrete, typ: v.Type(), value: v, cleanup: cleanup}
}

// NewAggregate builds an aggregate adjoint. The element count and
// order must match the tangent shape of typ.
func NewAggregate(typ ir.Type, elems []Value) Value {
	switch t := typ.(type) {
	case *ir.TupleType:
		if len(elems) != len(t.Elems) {
			panic(fmt.Sprintf("adjoint: aggregate arity %d does not match %s", len(elems), typ))
		}
	case *ir.StructType:
		if len(elems) != len(t.Fields) {
			panic(fmt.Sprintf("adjoint: aggregate arity %d does not match %s", len(elems), typ))
		}
	default:
		panic(fmt.Sprintf("adjoint: aggregate over non-aggregate type %s", typ))
	}
	return Value{kind: Aggregate, typ: typ, elems: elems}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Type returns the tangent type.
func (v Value) Type() ir.Type { return v.typ }

// IsZero reports whether v is a symbolic zero.
func (v Value) IsZero() bool { return v.kind == Zero }

// Concrete returns the materialized IR value of a Concrete adjoint.
func (v Value) Concrete() *ir.Value {
	if v.kind != Concrete {
		panic("adjoint: value is not concrete")
	}
	return v.value
}

// Cleanup returns the cleanup obligation attached to a Concrete
// adjoint, possibly nil.
func (v Value) Cleanup() *Cleanup { return v.cleanup }

// Elements returns the children of an Aggregate adjoint.
func (v Value) Elements() []Value {
	if v.kind != Aggregate {
		panic("adjoint: value is not an aggregate")
	}
	return v.elems
}

func (v Value) String() string {
	switch v.kind {
	case Zero:
		return fmt.Sprintf("Zero(%s)", v.typ)
	case Concrete:
		return fmt.Sprintf("Concrete(%s: %s)", v.value, v.typ)
	default:
		return fmt.Sprintf("Aggregate(%s, %d elems)", v.typ, len(v.elems))
	}
}

// tangentElemTypes lists the element types of an aggregate tangent
// type. Tangent types are already filtered, so every element has a
// tangent (itself).
func tangentElemTypes(typ ir.Type) ([]ir.Type, bool) {
	switch t := typ.(type) {
	case *ir.TupleType:
		return t.Elems, true
	case *ir.StructType:
		types := make([]ir.Type, len(t.Fields))
		for i, f := range t.Fields {
			types[i] = f.Type
		}
		return types, true
	default:
		return nil, false
	}
}

// MaterializeZero emits instructions producing the zero value of a
// tangent type: a zero literal for vector-like types, a recursively
// zero-filled aggregate otherwise.
func MaterializeZero(b *ir.Builder, typ ir.Type) (*ir.Value, error) {
	switch t := typ.(type) {
	case ir.FloatType, ir.VectorType:
		return b.Zero(typ), nil
	case *ir.TupleType:
		elems := make([]*ir.Value, len(t.Elems))
		for i, et := range t.Elems {
			ev, err := MaterializeZero(b, et)
			if err != nil {
				return nil, err
			}
			elems[i] = ev
		}
		return b.Tuple(elems...), nil
	case *ir.StructType:
		fields := make([]*ir.Value, len(t.Fields))
		for i, f := range t.Fields {
			fv, err := MaterializeZero(b, f.Type)
			if err != nil {
				return nil, err
			}
			fields[i] = fv
		}
		return b.Struct(t, fields...), nil
	default:
		return nil, errors.Wrapf(ErrNotAdditive, "type %s", typ)
	}
}

// Materialize turns a symbolic adjoint into an IR value, emitting
// whatever instructions are needed.
func Materialize(b *ir.Builder, v Value) (*ir.Value, error) {
	switch v.kind {
	case Zero:
		return MaterializeZero(b, v.typ)
	case Concrete:
		return v.value, nil
	default:
		elemVals := make([]*ir.Value, len(v.elems))
		for i, e := range v.elems {
			ev, err := Materialize(b, e)
			if err != nil {
				return nil, err
			}
			elemVals[i] = ev
		}
		switch t := v.typ.(type) {
		case *ir.TupleType:
			return b.Tuple(elemVals...), nil
		case *ir.StructType:
			return b.Struct(t, elemVals...), nil
		default:
			return nil, errors.Errorf("aggregate adjoint of non-aggregate type %s", v.typ)
		}
	}
}

// extractElem projects element i out of a materialized aggregate
// tangent value.
func extractElem(b *ir.Builder, agg *ir.Value, i int) *ir.Value {
	switch agg.Type().(type) {
	case *ir.TupleType:
		return b.TupleExtract(agg, i)
	case *ir.StructType:
		return b.StructExtract(agg, i)
	default:
		panic(fmt.Sprintf("adjoint: extract from non-aggregate %s", agg.Type()))
	}
}

// Split decomposes an adjoint into per-element adjoints of an
// aggregate tangent type, emitting extracts for concrete values.
func Split(b *ir.Builder, v Value) ([]Value, error) {
	elemTypes, ok := tangentElemTypes(v.typ)
	if !ok {
		return nil, errors.Errorf("cannot split non-aggregate adjoint of type %s", v.typ)
	}
	switch v.kind {
	case Zero:
		out := make([]Value, len(elemTypes))
		for i, et := range elemTypes {
			out[i] = NewZero(et)
		}
		return out, nil
	case Aggregate:
		return v.elems, nil
	default:
		out := make([]Value, len(elemTypes))
		for i := range elemTypes {
			out[i] = NewConcrete(extractElem(b, v.value, i), v.cleanup)
		}
		return out, nil
	}
}

// Accumulate combines two adjoints of the identical tangent type.
//
// Zero is the identity on both sides. Two concretes of vector-like
// type combine through the type's additive operation; aggregate
// tangent types recurse element-wise, splitting concrete operands as
// needed. The combination is associative and commutative up to Zero
// identity; it may emit instructions (it is not side-effect free),
// but accumulating repeatedly is equivalent to accumulating the sum
// once.
func Accumulate(b *ir.Builder, x, y Value) (Value, error) {
	if !x.typ.Equal(y.typ) {
		return Value{}, errors.Errorf("accumulating adjoints of distinct types %s and %s", x.typ, y.typ)
	}
	if x.IsZero() {
		return y, nil
	}
	if y.IsZero() {
		return x, nil
	}
	switch x.typ.(type) {
	case ir.FloatType, ir.VectorType:
		xv, err := Materialize(b, x)
		if err != nil {
			return Value{}, err
		}
		yv, err := Materialize(b, y)
		if err != nil {
			return Value{}, err
		}
		return NewConcrete(b.VAdd(xv, yv), mergeCleanups(x.cleanup, y.cleanup)), nil
	case *ir.TupleType, *ir.StructType:
		xs, err := Split(b, x)
		if err != nil {
			return Value{}, err
		}
		ys, err := Split(b, y)
		if err != nil {
			return Value{}, err
		}
		elems := make([]Value, len(xs))
		for i := range xs {
			elems[i], err = Accumulate(b, xs[i], ys[i])
			if err != nil {
				return Value{}, err
			}
		}
		return NewAggregate(x.typ, elems), nil
	default:
		return Value{}, errors.Wrapf(ErrNotAdditive, "type %s", x.typ)
	}
}

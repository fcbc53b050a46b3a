// Package interp is a reference evaluator for single-block functions.
// It exists for the end-to-end tests and the CLI eval command; it is
// deliberately slow and checks types as it goes.
package interp

import (
	"fmt"
	"strings"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// Kind discriminates runtime values.
type Kind uint8

const (
	KindFloat Kind = iota
	KindVector
	KindAggregate // tuples and structs
	KindClosure
)

// Value is a runtime value. Exactly the fields implied by Kind are
// meaningful.
type Value struct {
	Kind  Kind
	Float float64
	Vec   []float64
	Elems []Value
	Fn    *ir.Function
	Caps  []Value // captured trailing arguments, outermost first
}

func NewFloat(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func NewVector(elems ...float64) Value {
	return Value{Kind: KindVector, Vec: elems}
}

func NewAggregate(elems ...Value) Value {
	return Value{Kind: KindAggregate, Elems: elems}
}

func (v Value) String() string {
	switch v.Kind {
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindVector:
		parts := make([]string, len(v.Vec))
		for i, f := range v.Vec {
			parts[i] = fmt.Sprintf("%g", f)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindAggregate:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindClosure:
		return fmt.Sprintf("closure @%s/%d", v.Fn.Name, len(v.Caps))
	}
	return "?"
}

// Zero builds the zero value of a type.
func Zero(t ir.Type) (Value, error) {
	switch tt := t.(type) {
	case ir.FloatType, ir.IntType:
		return NewFloat(0), nil
	case ir.VectorType:
		return NewVector(make([]float64, tt.Dim)...), nil
	case *ir.TupleType:
		elems := make([]Value, len(tt.Elems))
		for i, et := range tt.Elems {
			z, err := Zero(et)
			if err != nil {
				return Value{}, err
			}
			elems[i] = z
		}
		return NewAggregate(elems...), nil
	case *ir.StructType:
		elems := make([]Value, len(tt.Fields))
		for i, f := range tt.Fields {
			z, err := Zero(f.Type)
			if err != nil {
				return Value{}, err
			}
			elems[i] = z
		}
		return NewAggregate(elems...), nil
	default:
		return Value{}, errors.Errorf("interp: no zero value for %s", t)
	}
}

// cell is a memory location. A root cell owns a value; a projected
// cell views one field of its parent.
type cell struct {
	parent *cell
	field  int
	val    Value
}

func (c *cell) load() Value {
	if c.parent == nil {
		return c.val
	}
	return c.parent.load().Elems[c.field]
}

func (c *cell) store(v Value) {
	if c.parent == nil {
		c.val = v
		return
	}
	agg := c.parent.load()
	elems := append([]Value(nil), agg.Elems...)
	elems[c.field] = v
	agg.Elems = elems
	c.parent.store(agg)
}

package vjp

import (
	"fmt"

	"github.com/gradir-ml/gradir/internal/ir"
)

// InvokerKind records why a derivative is being synthesized.
type InvokerKind uint8

const (
	// InvokerExplicit is a pre-declared derivative request (witness).
	InvokerExplicit InvokerKind = iota
	// InvokerMarker is an unresolved differentiable_function marker.
	InvokerMarker
	// InvokerNested is a request triggered by differentiating a call
	// inside another request.
	InvokerNested
)

var invokerNames = [...]string{"explicit request", "derivative marker", "nested call"}

func (k InvokerKind) String() string { return invokerNames[k] }

// Invoker is diagnostic provenance for a differentiation request. It
// carries no computational data; error reports walk the Parent chain
// to attach a note at each enclosing request.
type Invoker struct {
	Kind    InvokerKind
	Fn      *ir.Function
	Indices ir.Indices
	Parent  *Invoker
}

// NewExplicitInvoker records a pre-declared request.
func NewExplicitInvoker(fn *ir.Function, indices ir.Indices) Invoker {
	return Invoker{Kind: InvokerExplicit, Fn: fn, Indices: indices}
}

// NewMarkerInvoker records a request arising from a marker instruction.
func NewMarkerInvoker(fn *ir.Function, indices ir.Indices) Invoker {
	return Invoker{Kind: InvokerMarker, Fn: fn, Indices: indices}
}

// Nested derives a child invoker for a call discovered while
// differentiating the parent.
func (iv Invoker) Nested(fn *ir.Function, indices ir.Indices) Invoker {
	parent := iv
	return Invoker{Kind: InvokerNested, Fn: fn, Indices: indices, Parent: &parent}
}

func (iv Invoker) String() string {
	return fmt.Sprintf("%s for @%s %s", iv.Kind, iv.Fn.Name, iv.Indices)
}

// Chain renders the provenance from root request to this one.
func (iv Invoker) Chain() []string {
	var stack []string
	for cur := &iv; cur != nil; cur = cur.Parent {
		stack = append(stack, cur.String())
	}
	// Reverse into root-first order.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

package adjoint

import "github.com/gradir-ml/gradir/internal/ir"

// CleanupFunc emits the release action for a value or buffer.
type CleanupFunc func(b *ir.Builder, v *ir.Value)

// Cleanup is a deferred release action attached to a materialized
// value or buffer, with owned children applied recursively. A cleanup
// applies at most once along every exit path: Apply and Disable both
// flip the node (and its subtree) into the disabled state.
type Cleanup struct {
	value    *ir.Value
	emit     CleanupFunc
	children []*Cleanup
	disabled bool
}

// NewCleanup builds a cleanup node over v with owned children.
func NewCleanup(v *ir.Value, emit CleanupFunc, children ...*Cleanup) *Cleanup {
	return &Cleanup{value: v, emit: emit, children: children}
}

// DeallocCleanup is the common case: release a stack buffer.
func DeallocCleanup(buf *ir.Value) *Cleanup {
	return NewCleanup(buf, func(b *ir.Builder, v *ir.Value) {
		b.DeallocStack(v)
	})
}

// Apply emits the release actions, children first, then disables the
// subtree. Idempotent.
func (c *Cleanup) Apply(b *ir.Builder) {
	if c == nil || c.disabled {
		return
	}
	c.disabled = true
	for _, child := range c.children {
		child.Apply(b)
	}
	if c.emit != nil {
		c.emit(b, c.value)
	}
}

// Disable marks the subtree as already handled without emitting
// anything, for ownership transfers.
func (c *Cleanup) Disable() {
	if c == nil || c.disabled {
		return
	}
	c.disabled = true
	for _, child := range c.children {
		child.Disable()
	}
}

// Disabled reports whether the node has been applied or disabled.
func (c *Cleanup) Disabled() bool { return c == nil || c.disabled }

// mergeCleanups joins two obligation trees; nil operands collapse.
func mergeCleanups(a, b *Cleanup) *Cleanup {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return NewCleanup(nil, nil, a, b)
	}
}

package vjp

import "github.com/gradir-ml/gradir/internal/ir"

// NestedApplyInfo records, for each original call replaced by a call
// to a derivative during the forward pass, how the reverse pass must
// invoke the checkpointed pullback.
type NestedApplyInfo struct {
	// Indices used to differentiate the inner call (the minimal pair
	// required by data flow at the call site, after any subset
	// narrowing).
	Indices ir.Indices

	// RawPullbackType is the pullback type actually produced by the
	// located derivative before reabstraction, or nil when no
	// reabstraction was applied.
	RawPullbackType *ir.FuncType

	// PullbackType is the pullback type the reverse pass invokes the
	// checkpoint with. Differs from RawPullbackType exactly when a
	// reabstraction thunk is required.
	PullbackType *ir.FuncType

	// Checkpoint is the field index of the pullback closure in the
	// synthesized pullback record.
	Checkpoint int
}

// ProjectionStrategy classifies how a field projection is
// differentiated. Decided once per projection instruction during the
// forward pass and reused symmetrically by the reverse pass.
type ProjectionStrategy uint8

const (
	// ProjectionFieldwise keeps the projection a structural access;
	// its adjoint is a zero-filled aggregate with the projected
	// field's adjoint at the corresponding tangent position.
	ProjectionFieldwise ProjectionStrategy = iota
	// ProjectionGetter differentiates the projection as a call to the
	// registered getter's derivative; its adjoint invokes the
	// checkpointed pullback.
	ProjectionGetter
)

// projectionInfo records the strategy for one projection instruction;
// Checkpoint is only meaningful for ProjectionGetter.
type projectionInfo struct {
	Strategy   ProjectionStrategy
	Checkpoint int
}

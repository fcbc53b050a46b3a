package vjp

import "github.com/pkg/errors"

// Failure conditions of the emitters. All are fatal for the request
// that hits them; the orchestrator keeps draining its worklist to
// surface every diagnosable error before rolling back.
var (
	// ErrUnsupportedInstruction marks an instruction kind with no
	// adjoint rule that is not an explicit no-op.
	ErrUnsupportedInstruction = errors.New("instruction is not differentiable")

	// ErrMultipleActiveResults marks a call with more than one active
	// result; multi-result differentiation is rejected.
	ErrMultipleActiveResults = errors.New("call has multiple active results")

	// ErrNonDifferentiableWrite marks a write through caller-owned or
	// captured-by-reference memory.
	ErrNonDifferentiableWrite = errors.New("write target is not differentiable storage")

	// ErrUnresolvedCallee marks a call whose callee cannot be mapped
	// to a known differentiable function and is not marked opaque.
	ErrUnresolvedCallee = errors.New("callee cannot be resolved to a differentiable function")
)

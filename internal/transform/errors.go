package transform

import (
	"fmt"
	"strings"

	"github.com/gradir-ml/gradir/internal/adjoint"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/gradir-ml/gradir/internal/thunk"
	"github.com/gradir-ml/gradir/internal/vjp"
	"github.com/pkg/errors"
)

// The three failure classes of the transform. Every request failure is
// wrapped in an *Error carrying one of these, so callers can branch on
// the class with errors.Is while the underlying emitter error stays
// reachable through the wrap chain.
var (
	// ErrUnsupported covers constructs the transform rejects:
	// multi-block control flow, function-typed tangents, multiple
	// active results per call, writes into non-differentiable
	// storage.
	ErrUnsupported = errors.New("unsupported construct")

	// ErrNoTangent covers a selected parameter or result whose type
	// has no tangent space.
	ErrNoTangent = errors.New("type has no tangent space")

	// ErrUnresolved covers callees that cannot be mapped to a known
	// differentiable function and are not marked opaque.
	ErrUnresolved = errors.New("cannot resolve a differentiable function")
)

// Error is one classified request failure with its invoker provenance.
type Error struct {
	Class error
	Chain []string
	err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Class, e.err)
	for _, step := range e.Chain {
		fmt.Fprintf(&sb, "\n  note: requested by %s", step)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Is(target error) bool { return target == e.Class }

func classify(err error) error {
	switch {
	case errors.Is(err, tangent.ErrNoTangent):
		return ErrNoTangent
	case errors.Is(err, vjp.ErrUnresolvedCallee):
		return ErrUnresolved
	case errors.Is(err, vjp.ErrUnsupportedInstruction),
		errors.Is(err, vjp.ErrMultipleActiveResults),
		errors.Is(err, vjp.ErrNonDifferentiableWrite),
		errors.Is(err, ir.ErrMultiBlock),
		errors.Is(err, ir.ErrNoReturn),
		errors.Is(err, adjoint.ErrNotAdditive),
		errors.Is(err, thunk.ErrShapeMismatch):
		return ErrUnsupported
	default:
		return ErrUnsupported
	}
}

func requestError(err error, invoker vjp.Invoker) error {
	var te *Error
	if errors.As(err, &te) {
		// Already classified at a deeper request; keep the root
		// diagnostic and extend provenance.
		return &Error{Class: te.Class, Chain: invoker.Chain(), err: te.err}
	}
	return &Error{Class: classify(err), Chain: invoker.Chain(), err: err}
}

package ir

import "github.com/pkg/errors"

// Shape errors shared by the analyses and emitters. Both are
// unsupported-construct conditions: fatal for the request that hit
// them, non-retryable.
var (
	// ErrMultiBlock marks a function with branching control flow.
	ErrMultiBlock = errors.New("unsupported control flow: function has more than one basic block")
	// ErrNoReturn marks a function without a terminating return.
	ErrNoReturn = errors.New("function has no terminating return instruction")
)

// ValidateBody checks the shape invariants the transform relies on: a
// single basic block ending in a return.
func ValidateBody(fn *Function) error {
	if len(fn.Blocks()) != 1 {
		return errors.Wrapf(ErrMultiBlock, "function @%s has %d blocks", fn.Name, len(fn.Blocks()))
	}
	if fn.ReturnInstr() == nil {
		return errors.Wrapf(ErrNoReturn, "function @%s", fn.Name)
	}
	return nil
}

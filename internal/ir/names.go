package ir

import (
	"fmt"
	"hash/fnv"
)

// Generated-function names are module-unique and deterministically
// derived from the original function's identity and the configuration,
// so repeated runs over the same input produce identical symbol
// tables.

// VJPName is the name of the primal (forward) clone of fn at indices.
func VJPName(fn *Function, indices Indices) string {
	return fmt.Sprintf("%s.vjp.%s", fn.Name, indices.Key())
}

// PullbackName is the name of the adjoint function of fn at indices.
func PullbackName(fn *Function, indices Indices) string {
	return fmt.Sprintf("%s.pullback.%s", fn.Name, indices.Key())
}

// PullbackStructName is the name of the synthesized record type that
// checkpoints inner pullbacks of fn at indices.
func PullbackStructName(fn *Function, indices Indices) string {
	return fmt.Sprintf("%s.PB.%s", fn.Name, indices.Key())
}

// DerivativeName is the name of the packaged derivative exposing the
// external (results + pullback closure) signature.
func DerivativeName(fn *Function, indices Indices) string {
	return fmt.Sprintf("%s.deriv.%s", fn.Name, indices.Key())
}

// SubsetThunkName is the name of the thunk narrowing a derivative
// from the actual indices it was built for down to desired.
func SubsetThunkName(derivative *Function, desired Indices) string {
	return fmt.Sprintf("%s.subset.%s", derivative.Name, desired.Key())
}

// ReabstractionThunkName encodes the source and target signatures; the
// signatures themselves are hashed to keep names bounded.
func ReabstractionThunkName(from, to *FuncType) string {
	h := fnv.New64a()
	h.Write([]byte(from.String()))
	h.Write([]byte{0})
	h.Write([]byte(to.String()))
	return fmt.Sprintf("reabstract.%016x", h.Sum64())
}

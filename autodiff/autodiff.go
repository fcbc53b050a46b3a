// Copyright 2026 Gradir ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff differentiates IR modules.
//
// It implements reverse-mode automatic differentiation as a compiler
// transform: for each requested (function, indices) pair it
// synthesizes a derivative function returning the original results
// plus a pullback closure, and the pullback itself, which maps a seed
// to the gradients of the selected parameters.
//
// Example:
//
//	import (
//	    "github.com/gradir-ml/gradir/autodiff"
//	    "github.com/gradir-ml/gradir/ir"
//	)
//
//	func main() {
//	    m, _ := ir.Parse(src) // module with a witness request for @f
//	    if err := autodiff.ProcessModule(m); err != nil {
//	        log.Fatal(err)
//	    }
//	    // @f.vjp.p0_r0 and @f.pullback.p0_r0 are now in m.
//	}
package autodiff

import (
	"log/slog"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/transform"
)

// Context is the per-module differentiation state.
type Context = transform.Context

// Option configures a Context.
type Option = transform.Option

// Error is one classified request failure with invoker provenance.
type Error = transform.Error

// Failure classes. Match with errors.Is.
var (
	ErrUnsupported = transform.ErrUnsupported
	ErrNoTangent   = transform.ErrNoTangent
	ErrUnresolved  = transform.ErrUnresolved
)

// WithLogger directs the transform's debug output.
func WithLogger(l *slog.Logger) Option { return transform.WithLogger(l) }

// NewContext creates the differentiation state for one module.
func NewContext(m *ir.Module, opts ...Option) *Context {
	return transform.NewContext(m, opts...)
}

// ProcessModule differentiates every pending request in m: witness
// declarations without a derivative plus every differentiable_function
// marker. On any failure it reports every diagnosable error and rolls
// back all functions generated by the run.
func ProcessModule(m *ir.Module, opts ...Option) error {
	return transform.ProcessModule(m, opts...)
}

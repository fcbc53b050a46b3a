// Package transform orchestrates reverse-mode differentiation of a
// module: it drains a worklist of derivative requests, memoizes
// results in the module's witness table, rewrites derivative markers,
// and rolls back everything it generated if any request fails.
package transform

import (
	"io"
	"log/slog"

	"github.com/gradir-ml/gradir/internal/activity"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/gradir-ml/gradir/internal/thunk"
	"github.com/gradir-ml/gradir/internal/vjp"
	"github.com/pkg/errors"
)

// Context is the per-module differentiation state. It is the sole
// writer of the witness table and the activity cache; the transform is
// a single-threaded batch pass, so none of this is synchronized.
type Context struct {
	module   *ir.Module
	resolver *tangent.Resolver
	thunks   *thunk.Generator
	log      *slog.Logger

	activityCache map[string]*activity.Info
	inProgress    map[string]bool
	errs          []error
}

// Option configures a Context.
type Option func(*Context)

// WithLogger directs debug output of the transform.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) { c.log = l }
}

// NewContext creates the differentiation state for one module.
func NewContext(m *ir.Module, opts ...Option) *Context {
	resolver := tangent.NewResolver()
	c := &Context{
		module:        m,
		resolver:      resolver,
		thunks:        thunk.NewGenerator(m, resolver),
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		activityCache: make(map[string]*activity.Info),
		inProgress:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolver returns the tangent-space resolver shared by this context.
func (c *Context) Resolver() *tangent.Resolver { return c.resolver }

func requestKey(fn *ir.Function, indices ir.Indices) string {
	return fn.Name + "#" + indices.Key()
}

func (c *Context) activityFor(fn *ir.Function, indices ir.Indices) (*activity.Info, error) {
	key := requestKey(fn, indices)
	if info, ok := c.activityCache[key]; ok {
		return info, nil
	}
	info, err := activity.Analyze(fn, indices)
	if err != nil {
		return nil, err
	}
	c.activityCache[key] = info
	return info, nil
}

// Derivative implements vjp.Host: resolve a memoized derivative, fall
// back to a materialized superset witness, or synthesize on the spot.
// The returned indices are the ones the derivative was actually built
// for; the caller narrows with a subset thunk when they are wider than
// desired.
func (c *Context) Derivative(orig *ir.Function, desired ir.Indices, invoker vjp.Invoker) (*ir.Function, ir.Indices, error) {
	if w := c.module.Witness(orig, desired); w != nil && w.Derivative != nil {
		return w.Derivative, desired, nil
	}
	if w := c.module.SupersetWitness(orig, desired); w != nil && w.Derivative != nil {
		return w.Derivative, w.Indices, nil
	}
	if orig.Opaque {
		return nil, ir.Indices{}, errors.Wrapf(vjp.ErrUnresolvedCallee,
			"@%s is excluded from differentiation", orig.Name)
	}
	if len(orig.Entry().Instrs) == 0 {
		return nil, ir.Indices{}, errors.Wrapf(vjp.ErrUnresolvedCallee,
			"@%s has no body and no derivative witness", orig.Name)
	}
	deriv, err := c.synthesize(orig, desired, invoker)
	if err != nil {
		return nil, ir.Indices{}, err
	}
	return deriv, desired, nil
}

// SubsetThunk implements vjp.Host.
func (c *Context) SubsetThunk(orig, deriv *ir.Function, actual, desired ir.Indices) (*ir.Function, error) {
	return c.thunks.SubsetParameters(orig, deriv, actual, desired)
}

// ReabstractionThunk implements vjp.Host.
func (c *Context) ReabstractionThunk(from, to *ir.FuncType) (*ir.Function, error) {
	return c.thunks.Reabstraction(from, to)
}

func (c *Context) synthesize(fn *ir.Function, indices ir.Indices, invoker vjp.Invoker) (*ir.Function, error) {
	key := requestKey(fn, indices)
	if c.inProgress[key] {
		return nil, errors.Wrapf(vjp.ErrUnresolvedCallee,
			"recursive differentiation of @%s %s", fn.Name, indices)
	}
	c.inProgress[key] = true
	defer delete(c.inProgress, key)

	c.log.Debug("differentiating",
		"function", fn.Name, "indices", indices.String(), "invoker", invoker.String())

	act, err := c.activityFor(fn, indices)
	if err != nil {
		return nil, err
	}
	res, err := vjp.Emit(c.module, c.resolver, c, act, fn, indices, invoker)
	if err != nil {
		return nil, err
	}
	w := c.module.DeclareWitness(fn, indices)
	w.Derivative = res.Derivative

	c.log.Debug("synthesized derivative",
		"derivative", res.Derivative.Name, "pullback", res.Pullback.Name)
	return res.Derivative, nil
}

package transform

import (
	stderrors "errors"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/vjp"
	"github.com/pkg/errors"
)

// ProcessModule differentiates every pending request in m: witness
// declarations without a derivative plus every differentiable_function
// marker. It drains the whole worklist even after failures so all
// diagnosable errors surface in one pass, then rolls back everything
// this run generated if any request failed. Markers are rewritten to
// function references of their derivatives only on full success.
func ProcessModule(m *ir.Module, opts ...Option) error {
	return NewContext(m, opts...).Process()
}

type request struct {
	fn      *ir.Function
	indices ir.Indices
	invoker vjp.Invoker
}

// Process runs the module-level fixed-point loop. See ProcessModule.
func (c *Context) Process() error {
	base := c.snapshot()

	var work []request
	for _, w := range c.module.Witnesses() {
		if w.Derivative == nil {
			work = append(work, request{w.Original, w.Indices,
				vjp.NewExplicitInvoker(w.Original, w.Indices)})
		}
	}
	var markers []*ir.Instr
	for _, fn := range c.module.Functions() {
		for _, blk := range fn.Blocks() {
			for _, in := range blk.Instrs {
				if in.Op == ir.OpDifferentiableFunction {
					markers = append(markers, in)
					work = append(work, request{in.Callee, in.Indices,
						vjp.NewMarkerInvoker(in.Callee, in.Indices)})
				}
			}
		}
	}
	c.log.Debug("processing module",
		"module", c.module.Name, "requests", len(work), "markers", len(markers))

	for _, req := range work {
		if w := c.module.Witness(req.fn, req.indices); w != nil && w.Derivative != nil {
			continue
		}
		if _, err := c.synthesize(req.fn, req.indices, req.invoker); err != nil {
			c.errs = append(c.errs, requestError(err, req.invoker))
		}
	}
	if len(c.errs) == 0 {
		c.rewriteMarkers(markers)
	}
	if len(c.errs) > 0 {
		c.rollback(base)
		err := stderrors.Join(c.errs...)
		c.errs = nil
		return err
	}
	return nil
}

// Differentiate serves one explicit request outside module processing,
// with the same rollback-on-failure guarantee scoped to the request.
func (c *Context) Differentiate(fn *ir.Function, indices ir.Indices) (*ir.Function, error) {
	base := c.snapshot()
	invoker := vjp.NewExplicitInvoker(fn, indices)
	if w := c.module.Witness(fn, indices); w != nil && w.Derivative != nil {
		return w.Derivative, nil
	}
	deriv, err := c.synthesize(fn, indices, invoker)
	if err != nil {
		c.rollback(base)
		return nil, requestError(err, invoker)
	}
	return deriv, nil
}

// rewriteMarkers checks every marker's declared type against the
// synthesized derivative, then replaces the markers with plain
// function references. Validation runs over all markers before any is
// mutated so a type mismatch rolls back an untouched module.
func (c *Context) rewriteMarkers(markers []*ir.Instr) {
	derivs := make([]*ir.Function, len(markers))
	for i, in := range markers {
		w := c.module.Witness(in.Callee, in.Indices)
		if w == nil || w.Derivative == nil {
			c.errs = append(c.errs, requestError(
				errors.Wrapf(vjp.ErrUnresolvedCallee, "no derivative materialized for @%s %s",
					in.Callee.Name, in.Indices),
				vjp.NewMarkerInvoker(in.Callee, in.Indices)))
			continue
		}
		if !in.Result().Type().Equal(w.Derivative.Type()) {
			c.errs = append(c.errs, requestError(
				errors.Wrapf(vjp.ErrUnresolvedCallee,
					"marker type %s does not match derivative type %s",
					in.Result().Type(), w.Derivative.Type()),
				vjp.NewMarkerInvoker(in.Callee, in.Indices)))
			continue
		}
		derivs[i] = w.Derivative
	}
	if len(c.errs) > 0 {
		return
	}
	for i, in := range markers {
		in.Op = ir.OpFunctionRef
		in.Callee = derivs[i]
	}
}

type snapshot struct {
	funcs        map[string]bool
	structs      map[string]bool
	witnesses    map[string]bool
	materialized map[string]bool
}

func (c *Context) snapshot() snapshot {
	s := snapshot{
		funcs:        make(map[string]bool),
		structs:      make(map[string]bool),
		witnesses:    make(map[string]bool),
		materialized: make(map[string]bool),
	}
	for _, f := range c.module.Functions() {
		s.funcs[f.Name] = true
	}
	for _, st := range c.module.Structs() {
		s.structs[st.Name] = true
	}
	for _, w := range c.module.Witnesses() {
		key := requestKey(w.Original, w.Indices)
		s.witnesses[key] = true
		s.materialized[key] = w.Derivative != nil
	}
	return s
}

// rollback deletes everything generated since the snapshot: functions,
// synthesized record structs, and witness entries. Pre-existing
// witness declarations that were materialized during the run are reset
// to pending.
func (c *Context) rollback(base snapshot) {
	funcs := append([]*ir.Function(nil), c.module.Functions()...)
	for _, f := range funcs {
		if !base.funcs[f.Name] {
			c.module.RemoveFunction(f)
		}
	}
	structs := append([]*ir.StructType(nil), c.module.Structs()...)
	for _, st := range structs {
		if !base.structs[st.Name] {
			c.module.RemoveStruct(st)
		}
	}
	wits := append([]*ir.Witness(nil), c.module.Witnesses()...)
	for _, w := range wits {
		key := requestKey(w.Original, w.Indices)
		switch {
		case !base.witnesses[key]:
			c.module.RemoveWitness(w.Original, w.Indices)
		case !base.materialized[key]:
			w.Derivative = nil
		}
	}
	c.log.Warn("differentiation failed, rolled back generated functions",
		"module", c.module.Name, "failures", len(c.errs))
}

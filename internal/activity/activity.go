// Package activity implements the two-pass dataflow analysis that
// decides which values the differentiation transform must care about.
//
// A value is varied w.r.t. parameter i when it (transitively) depends
// on parameter i, and useful w.r.t. result j when it (transitively)
// reaches result j. Active is the conjunction over the requested
// configuration. The varied pass walks the single block forward, the
// useful pass walks it backward; propagation through memory follows
// the defining address-projection chain in both directions.
//
// Queries are only valid once Analyze has returned: there is no
// incremental mode.
package activity

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// maxIndices bounds the parameter and result counts a single function
// may have; index sets are stored as 64-bit masks.
const maxIndices = 64

// indexBits is a set of parameter or result indices.
type indexBits uint64

func bit(i int) indexBits { return indexBits(1) << uint(i) }

func (b indexBits) has(i int) bool { return b&bit(i) != 0 }

// Info holds the analysis result for one function under one
// differentiation configuration. Cached by the orchestrator per
// (function, indices, generic context); immutable once built.
type Info struct {
	fn      *ir.Function
	indices ir.Indices
	varied  map[*ir.Value]indexBits
	useful  map[*ir.Value]indexBits
}

// Analyze runs both passes over fn. The indices only matter for the
// IsActive conjunction; varied/useful facts are computed for every
// parameter and result index.
func Analyze(fn *ir.Function, indices ir.Indices) (*Info, error) {
	if err := ir.ValidateBody(fn); err != nil {
		return nil, err
	}
	ft := fn.Type()
	if len(ft.Params) > maxIndices || len(ft.Results) > maxIndices {
		return nil, errors.Errorf("function @%s exceeds %d parameters or results", fn.Name, maxIndices)
	}
	info := &Info{
		fn:      fn,
		indices: indices,
		varied:  make(map[*ir.Value]indexBits),
		useful:  make(map[*ir.Value]indexBits),
	}
	info.propagateVaried()
	info.propagateUseful()
	return info, nil
}

// Function returns the analyzed function.
func (a *Info) Function() *ir.Function { return a.fn }

// Indices returns the configuration the Active queries are relative to.
func (a *Info) Indices() ir.Indices { return a.indices }

// IsVaried reports whether v depends on parameter param.
func (a *Info) IsVaried(v *ir.Value, param int) bool {
	return a.varied[v].has(param)
}

// IsVariedForAny reports whether v depends on any selected parameter.
func (a *Info) IsVariedForAny(v *ir.Value) bool {
	for _, p := range a.indices.Params() {
		if a.IsVaried(v, p) {
			return true
		}
	}
	return false
}

// IsUseful reports whether v reaches result index result.
func (a *Info) IsUseful(v *ir.Value, result int) bool {
	return a.useful[v].has(result)
}

// IsActive reports Varied(v, i) for some selected i and
// Useful(v, selected result).
func (a *Info) IsActive(v *ir.Value) bool {
	return a.IsVariedForAny(v) && a.IsUseful(v, a.indices.Result())
}

// VariedParams returns the selected parameter indices v is varied
// with respect to, in index order.
func (a *Info) VariedParams(v *ir.Value) []int {
	var out []int
	for _, p := range a.indices.Params() {
		if a.IsVaried(v, p) {
			out = append(out, p)
		}
	}
	return out
}

func (a *Info) setVaried(v *ir.Value, set indexBits) bool {
	old := a.varied[v]
	if old|set == old {
		return false
	}
	a.varied[v] = old | set
	return true
}

func (a *Info) setUseful(v *ir.Value, set indexBits) bool {
	old := a.useful[v]
	if old|set == old {
		return false
	}
	a.useful[v] = old | set
	return true
}

// markBufferVaried marks an address and everything reachable through
// its defining address-projection chain.
func (a *Info) markBufferVaried(addr *ir.Value, set indexBits) {
	a.setVaried(addr, set)
	def := addr.Def()
	if def == nil {
		return
	}
	switch def.Op {
	case ir.OpFieldAddr, ir.OpBeginAccess:
		a.markBufferVaried(def.Operands()[0], set)
	}
}

// markAddrUseful marks an address and its projection chain useful.
func (a *Info) markAddrUseful(addr *ir.Value, set indexBits) {
	a.setUseful(addr, set)
	def := addr.Def()
	if def == nil {
		return
	}
	switch def.Op {
	case ir.OpFieldAddr, ir.OpBeginAccess:
		a.markAddrUseful(def.Operands()[0], set)
	}
}

// addrUseful resolves the useful bits of an address through its
// defining projection chain. Reads mark the chain upward from their
// own operand, so a write through a sibling view of the same buffer
// sees the root's bits only by walking its own chain.
func (a *Info) addrUseful(addr *ir.Value) indexBits {
	set := a.useful[addr]
	def := addr.Def()
	if def == nil {
		return set
	}
	switch def.Op {
	case ir.OpFieldAddr, ir.OpBeginAccess:
		set |= a.addrUseful(def.Operands()[0])
	}
	return set
}

// excluded reports whether the call must not propagate activity: its
// callee is explicitly marked opaque to differentiation.
func excluded(in *ir.Instr) bool {
	callee := in.CalleeFunc()
	return callee != nil && callee.Opaque
}

func (a *Info) propagateVaried() {
	// Seed: each declared parameter is varied with respect to itself.
	ft := a.fn.Type()
	for i := range ft.Params {
		a.setVaried(a.fn.Param(i), bit(i))
	}
	for _, in := range a.fn.Entry().Instrs {
		switch in.Op {
		case ir.OpCall:
			if excluded(in) {
				continue
			}
			var set indexBits
			for _, arg := range in.CallArgs() {
				set |= a.varied[arg]
			}
			if set == 0 {
				continue
			}
			for _, res := range in.Results() {
				a.setVaried(res, set)
			}
			for _, buf := range in.CallIndirectResults() {
				a.markBufferVaried(buf, set)
			}
		case ir.OpStore:
			ops := in.Operands()
			if set := a.varied[ops[0]]; set != 0 {
				a.markBufferVaried(ops[1], set)
			}
		case ir.OpCopyAddr:
			ops := in.Operands()
			if set := a.varied[ops[0]]; set != 0 {
				a.markBufferVaried(ops[1], set)
			}
		case ir.OpStructExtract, ir.OpFieldAddr:
			base := in.Operands()[0]
			st := base.Type().(*ir.StructType)
			if st.Fields[in.Field].NoDerivative {
				continue // variedness stops at @noDerivative fields
			}
			a.setVaried(in.Result(), a.varied[base])
		default:
			var set indexBits
			for _, op := range in.Operands() {
				set |= a.varied[op]
			}
			if set == 0 {
				continue
			}
			for _, res := range in.Results() {
				a.setVaried(res, set)
			}
		}
	}
}

func (a *Info) propagateUseful() {
	// Seed: each formal result is useful with respect to itself.
	ft := a.fn.Type()
	ret := a.fn.ReturnInstr()
	direct := 0
	for j, r := range ft.Results {
		if r.Indirect {
			a.markAddrUseful(a.fn.IndirectResultBuffer(j), bit(j))
		} else {
			a.setUseful(ret.Operands()[direct], bit(j))
			direct++
		}
	}
	instrs := a.fn.Entry().Instrs
	for i := len(instrs) - 1; i >= 0; i-- {
		in := instrs[i]
		switch in.Op {
		case ir.OpReturn:
			// Seeded above.
		case ir.OpCall:
			if excluded(in) {
				continue
			}
			var set indexBits
			for _, res := range in.Results() {
				set |= a.useful[res]
			}
			for _, buf := range in.CallIndirectResults() {
				set |= a.useful[buf]
			}
			if set == 0 {
				continue
			}
			for _, arg := range in.CallArgs() {
				if arg.IsAddress() {
					a.markAddrUseful(arg, set)
				} else {
					a.setUseful(arg, set)
				}
			}
		case ir.OpLoad:
			if set := a.useful[in.Result()]; set != 0 {
				a.markAddrUseful(in.Operands()[0], set)
			}
		case ir.OpStore:
			ops := in.Operands()
			if set := a.addrUseful(ops[1]); set != 0 {
				a.setUseful(ops[0], set)
			}
		case ir.OpCopyAddr:
			ops := in.Operands()
			if set := a.addrUseful(ops[1]); set != 0 {
				a.markAddrUseful(ops[0], set)
			}
		default:
			var set indexBits
			for _, res := range in.Results() {
				set |= a.useful[res]
			}
			if set == 0 {
				continue
			}
			for _, op := range in.Operands() {
				if op.IsAddress() {
					a.markAddrUseful(op, set)
				} else {
					a.setUseful(op, set)
				}
			}
		}
	}
}

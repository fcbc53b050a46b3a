package vjp

import (
	"github.com/gradir-ml/gradir/internal/adjoint"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/pkg/errors"
)

// pullbackEmitter walks the original function body backwards, invoking
// checkpointed pullbacks and accumulating adjoints. Adjoints of direct
// values live in a map keyed by the ORIGINAL value; adjoints of memory
// live in freshly allocated buffers keyed by the original buffer root.
type pullbackEmitter struct {
	e      *Emitter
	b      *ir.Builder
	fn     *ir.Function
	record *ir.Value

	adjoints  map[*ir.Value]adjoint.Value
	rootBuf   map[*ir.Value]*ir.Value // original buffer root -> adjoint buffer
	addrMemo  map[*ir.Value]*ir.Value // original address -> adjoint address
	accessAdj map[*ir.Instr]*ir.Value // original begin_access -> reversed access
	cleanups  []*adjoint.Cleanup
}

func (e *Emitter) emitPullback(pbFn *ir.Function, record *ir.StructType) error {
	p := &pullbackEmitter{
		e:         e,
		b:         ir.NewBuilder(pbFn),
		fn:        pbFn,
		record:    pbFn.Param(1),
		adjoints:  make(map[*ir.Value]adjoint.Value),
		rootBuf:   make(map[*ir.Value]*ir.Value),
		addrMemo:  make(map[*ir.Value]*ir.Value),
		accessAdj: make(map[*ir.Instr]*ir.Value),
	}
	if err := p.seed(); err != nil {
		return err
	}
	instrs := e.original.Entry().Instrs
	for i := len(instrs) - 1; i >= 0; i-- {
		if err := p.reverse(instrs[i]); err != nil {
			return err
		}
	}
	return p.finish()
}

// seed plants the incoming seed as the adjoint of the selected result.
func (p *pullbackEmitter) seed() error {
	orig := p.e.original
	ft := orig.Type()
	j := p.e.indices.Result()
	seed := p.fn.Param(0)
	if ft.Results[j].Indirect {
		// Copy into a fresh buffer so reversal can consume and zero
		// it without touching caller memory.
		buf := p.b.AllocStack(seed.Type())
		p.b.CopyAddr(seed, buf)
		root := orig.IndirectResultBuffer(j)
		p.rootBuf[root] = buf
		p.cleanups = append(p.cleanups, adjoint.DeallocCleanup(buf))
		return nil
	}
	direct := 0
	for k := 0; k < j; k++ {
		if !ft.Results[k].Indirect {
			direct++
		}
	}
	ret := orig.ReturnInstr()
	p.adjoints[ret.Operands()[direct]] = adjoint.NewConcrete(seed, nil)
	return nil
}

func (p *pullbackEmitter) takeAdjoint(v *ir.Value) (adjoint.Value, bool) {
	a, ok := p.adjoints[v]
	return a, ok
}

func (p *pullbackEmitter) addAdjoint(v *ir.Value, a adjoint.Value) error {
	if a.IsZero() {
		return nil
	}
	cur, ok := p.adjoints[v]
	if !ok {
		p.adjoints[v] = a
		return nil
	}
	sum, err := adjoint.Accumulate(p.b, cur, a)
	if err != nil {
		return err
	}
	p.adjoints[v] = sum
	return nil
}

// bufferRoot resolves an address through projection and access links to
// the allocation or formal parameter it views.
func bufferRoot(v *ir.Value) *ir.Value {
	for {
		def := v.Def()
		if def == nil {
			return v
		}
		switch def.Op {
		case ir.OpFieldAddr, ir.OpBeginAccess:
			v = def.Operands()[0]
		default:
			return v
		}
	}
}

func (p *pullbackEmitter) isDeclaredParam(v *ir.Value) bool {
	orig := p.e.original
	for i := range orig.Type().Params {
		if orig.Param(i) == v {
			return true
		}
	}
	return false
}

// adjointRoot returns the adjoint buffer for a buffer root, allocating
// a zero-initialized one on first use.
func (p *pullbackEmitter) adjointRoot(root *ir.Value) (*ir.Value, error) {
	if buf, ok := p.rootBuf[root]; ok {
		return buf, nil
	}
	sp := p.e.resolver.Space(root.Type())
	if sp.IsNone() {
		return nil, errors.Wrapf(ErrUnsupportedInstruction,
			"adjoint of non-differentiable buffer %s in @%s", root, p.e.original.Name)
	}
	buf := p.b.AllocStack(sp.Type())
	z, err := adjoint.MaterializeZero(p.b, sp.Type())
	if err != nil {
		return nil, err
	}
	p.b.Store(z, buf)
	p.rootBuf[root] = buf
	p.cleanups = append(p.cleanups, adjoint.DeallocCleanup(buf))
	return buf, nil
}

// adjointAddr mirrors an original address onto the adjoint buffers,
// replaying field projections and reopening accesses with the reversed
// kind.
func (p *pullbackEmitter) adjointAddr(v *ir.Value) (*ir.Value, error) {
	if av, ok := p.addrMemo[v]; ok {
		return av, nil
	}
	def := v.Def()
	var av *ir.Value
	var err error
	switch {
	case def == nil || def.Op == ir.OpAllocStack:
		av, err = p.adjointRoot(v)
	case def.Op == ir.OpFieldAddr:
		base := def.Operands()[0]
		var parent *ir.Value
		parent, err = p.adjointAddr(base)
		if err != nil {
			break
		}
		sp := p.e.resolver.Space(base.Type())
		ti, ok := sp.TangentIndex(def.Field)
		if !ok {
			err = errors.Wrapf(ErrUnsupportedInstruction,
				"adjoint of non-differentiable field projection in @%s", p.e.original.Name)
			break
		}
		av = p.b.FieldAddr(parent, ti)
	case def.Op == ir.OpBeginAccess:
		var parent *ir.Value
		parent, err = p.adjointAddr(def.Operands()[0])
		if err != nil {
			break
		}
		av = p.b.BeginAccess(def.Access.Reversed(), parent)
		p.accessAdj[def] = av
	default:
		err = errors.Wrapf(ErrUnsupportedInstruction,
			"adjoint of address %s in @%s", v, p.e.original.Name)
	}
	if err != nil {
		return nil, err
	}
	p.addrMemo[v] = av
	return av, nil
}

// accumulateInto adds a into the adjoint buffer mirroring origAddr.
func (p *pullbackEmitter) accumulateInto(origAddr *ir.Value, a adjoint.Value) error {
	if a.IsZero() {
		return nil
	}
	abuf, err := p.adjointAddr(origAddr)
	if err != nil {
		return err
	}
	cur := p.b.Load(abuf)
	sum, err := adjoint.Accumulate(p.b, adjoint.NewConcrete(cur, nil), a)
	if err != nil {
		return err
	}
	mat, err := adjoint.Materialize(p.b, sum)
	if err != nil {
		return err
	}
	p.b.Store(mat, abuf)
	return nil
}

// zeroBuffer resets the adjoint buffer mirroring origAddr, modeling
// that the forward write it reverses overwrote the memory.
func (p *pullbackEmitter) zeroBuffer(origAddr *ir.Value) error {
	abuf, err := p.adjointAddr(origAddr)
	if err != nil {
		return err
	}
	sp := p.e.resolver.Space(origAddr.Type())
	z, err := adjoint.MaterializeZero(p.b, sp.Type())
	if err != nil {
		return err
	}
	p.b.Store(z, abuf)
	return nil
}

func (p *pullbackEmitter) reverse(in *ir.Instr) error {
	switch in.Op {
	case ir.OpReturn, ir.OpLit, ir.OpFunctionRef, ir.OpAllocStack,
		ir.OpDeallocStack, ir.OpEndAccess, ir.OpFieldAddr,
		ir.OpDebug, ir.OpDifferentiableFunction, ir.OpPartialApply:
		return nil
	case ir.OpBeginAccess:
		if av, ok := p.accessAdj[in]; ok {
			p.b.EndAccess(av)
		}
		return nil
	case ir.OpStruct:
		return p.reverseConstruct(in, p.e.resolver.Space(in.Result().Type()))
	case ir.OpTuple:
		return p.reverseConstruct(in, p.e.resolver.Space(in.Result().Type()))
	case ir.OpStructExtract:
		return p.reverseStructExtract(in)
	case ir.OpTupleExtract:
		return p.reverseExtractFieldwise(in)
	case ir.OpLoad:
		a, ok := p.takeAdjoint(in.Result())
		if !ok {
			return nil
		}
		return p.accumulateInto(in.Operands()[0], a)
	case ir.OpStore:
		return p.reverseStore(in)
	case ir.OpCopyAddr:
		return p.reverseCopyAddr(in)
	case ir.OpCall:
		info := p.e.nested[in]
		if info == nil {
			return nil
		}
		return p.reverseCall(in.CalleeFunc(), info, in.CallArgs(), in.CallIndirectResults(), in.Results())
	default:
		// Raw arithmetic has no instruction-level adjoint rule; it is
		// only differentiable through a primitive's witness. Tolerate it
		// when no gradient flows through.
		for _, r := range in.Results() {
			if _, ok := p.adjoints[r]; ok {
				return errors.Wrapf(ErrUnsupportedInstruction,
					"cannot reverse %s in @%s", in.Op, p.e.original.Name)
			}
		}
		return nil
	}
}

// reverseConstruct splits the adjoint of an aggregate across the
// operands that have tangent components.
func (p *pullbackEmitter) reverseConstruct(in *ir.Instr, sp tangent.Space) error {
	a, ok := p.takeAdjoint(in.Result())
	if !ok {
		return nil
	}
	elems, err := adjoint.Split(p.b, a)
	if err != nil {
		return err
	}
	for i, op := range in.Operands() {
		ti, ok := sp.TangentIndex(i)
		if !ok {
			continue
		}
		if err := p.addAdjoint(op, elems[ti]); err != nil {
			return err
		}
	}
	return nil
}

func (p *pullbackEmitter) reverseStructExtract(in *ir.Instr) error {
	if info, ok := p.e.projections[in]; ok && info.Strategy == ProjectionGetter {
		ninfo := p.e.nested[in]
		return p.reverseCall(nil, ninfo, in.Operands()[:1], nil, in.Results())
	}
	return p.reverseExtractFieldwise(in)
}

// reverseExtractFieldwise pushes the projection's adjoint onto its base
// as a one-hot aggregate.
func (p *pullbackEmitter) reverseExtractFieldwise(in *ir.Instr) error {
	a, ok := p.takeAdjoint(in.Result())
	if !ok {
		return nil
	}
	base := in.Operands()[0]
	sp := p.e.resolver.Space(base.Type())
	ti, ok := sp.TangentIndex(in.Field)
	if !ok {
		return errors.Wrapf(ErrUnsupportedInstruction,
			"adjoint of non-differentiable projection in @%s", p.e.original.Name)
	}
	elems := make([]adjoint.Value, len(sp.Elements()))
	for k, es := range sp.Elements() {
		elems[k] = adjoint.NewZero(es.Type())
	}
	elems[ti] = a
	return p.addAdjoint(base, adjoint.NewAggregate(sp.Type(), elems))
}

func (p *pullbackEmitter) reverseStore(in *ir.Instr) error {
	val, dst := in.Operands()[0], in.Operands()[1]
	root := bufferRoot(dst)
	if _, touched := p.rootBuf[root]; !touched {
		return nil
	}
	if p.isDeclaredParam(root) && p.e.act.IsVariedForAny(val) {
		return errors.Wrapf(ErrNonDifferentiableWrite,
			"store into parameter memory in @%s", p.e.original.Name)
	}
	abuf, err := p.adjointAddr(dst)
	if err != nil {
		return err
	}
	cur := p.b.Load(abuf)
	if err := p.addAdjoint(val, adjoint.NewConcrete(cur, nil)); err != nil {
		return err
	}
	return p.zeroBuffer(dst)
}

func (p *pullbackEmitter) reverseCopyAddr(in *ir.Instr) error {
	src, dst := in.Operands()[0], in.Operands()[1]
	root := bufferRoot(dst)
	if _, touched := p.rootBuf[root]; !touched {
		return nil
	}
	if p.isDeclaredParam(root) && p.e.act.IsVariedForAny(src) {
		return errors.Wrapf(ErrNonDifferentiableWrite,
			"copy into parameter memory in @%s", p.e.original.Name)
	}
	abuf, err := p.adjointAddr(dst)
	if err != nil {
		return err
	}
	cur := p.b.Load(abuf)
	if err := p.accumulateInto(src, adjoint.NewConcrete(cur, nil)); err != nil {
		return err
	}
	return p.zeroBuffer(dst)
}

// reverseCall invokes the checkpointed pullback of a rerouted call (or
// getter projection) and distributes the gradients onto the arguments.
// callee may be nil for getter projections, where args/results carry
// the base and the projected value.
func (p *pullbackEmitter) reverseCall(callee *ir.Function, info *NestedApplyInfo,
	args, bufs, results []*ir.Value) error {

	closure := p.b.StructExtract(p.record, info.Checkpoint)
	pbType := info.PullbackType
	if info.RawPullbackType != nil {
		thunk, err := p.e.host.ReabstractionThunk(info.RawPullbackType, info.PullbackType)
		if err != nil {
			return err
		}
		closure = p.b.PartialApply(p.b.FunctionRef(thunk), closure)
	}

	// Seed: the adjoint of the call's single active result.
	j := info.Indices.Result()
	seedIndirect := pbType.Params[0].Indirect
	var seedArg *ir.Value
	if seedIndirect {
		buf := resultBuffer(bufs, args, callee, j)
		if _, touched := p.rootBuf[bufferRoot(buf)]; !touched {
			return nil
		}
		abuf, err := p.adjointAddr(buf)
		if err != nil {
			return err
		}
		seedArg = abuf
	} else {
		rv := directResultValue(results, callee, j)
		a, ok := p.takeAdjoint(rv)
		if !ok {
			return nil
		}
		mat, err := adjoint.Materialize(p.b, a)
		if err != nil {
			return err
		}
		seedArg = mat
	}

	// One gradient per selected parameter, indirect slots through
	// temporary buffers.
	var gradBufs []*ir.Value
	for _, r := range pbType.Results {
		if r.Indirect {
			gradBufs = append(gradBufs, p.b.AllocStack(r.Type))
		}
	}
	rets := p.b.Call(closure, []*ir.Value{seedArg}, gradBufs...)

	direct, indirect := 0, 0
	for k, pIdx := range info.Indices.Params() {
		arg := args[pIdx]
		if pbType.Results[k].Indirect {
			grad := p.b.Load(gradBufs[indirect])
			indirect++
			if err := p.accumulateInto(arg, adjoint.NewConcrete(grad, nil)); err != nil {
				return err
			}
		} else {
			grad := rets[direct]
			direct++
			if err := p.addAdjoint(arg, adjoint.NewConcrete(grad, nil)); err != nil {
				return err
			}
		}
	}
	for _, gb := range gradBufs {
		p.b.DeallocStack(gb)
	}
	if seedIndirect {
		// The forward call overwrote the result buffer, so its
		// adjoint is consumed here.
		return p.zeroBuffer(resultBuffer(bufs, args, callee, j))
	}
	return nil
}

// resultBuffer returns the buffer operand backing indirect result j of
// the original call.
func resultBuffer(bufs, args []*ir.Value, callee *ir.Function, j int) *ir.Value {
	ft := callee.Type()
	n := 0
	for i := 0; i < j; i++ {
		if ft.Results[i].Indirect {
			n++
		}
	}
	return bufs[n]
}

// directResultValue returns the original value carrying direct result
// j of the rerouted call.
func directResultValue(results []*ir.Value, callee *ir.Function, j int) *ir.Value {
	if callee == nil {
		return results[0]
	}
	ft := callee.Type()
	n := 0
	for i := 0; i < j; i++ {
		if !ft.Results[i].Indirect {
			n++
		}
	}
	return results[n]
}

// finish materializes the gradient of each selected parameter and
// terminates the pullback.
func (p *pullbackEmitter) finish() error {
	orig := p.e.original
	ft := orig.Type()
	pbFT := p.fn.Type()
	var rets []*ir.Value
	for k, pIdx := range p.e.indices.Params() {
		param := orig.Param(pIdx)
		sp := p.e.resolver.Space(ft.Params[pIdx].Type)
		if pbFT.Results[k].Indirect {
			gradBuf := p.fn.IndirectResultBuffer(k)
			if rb, ok := p.rootBuf[param]; ok {
				p.b.CopyAddr(rb, gradBuf)
				continue
			}
			z, err := adjoint.MaterializeZero(p.b, sp.Type())
			if err != nil {
				return err
			}
			p.b.Store(z, gradBuf)
			continue
		}
		a, ok := p.adjoints[param]
		if !ok {
			a = adjoint.NewZero(sp.Type())
		}
		v, err := adjoint.Materialize(p.b, a)
		if err != nil {
			return err
		}
		rets = append(rets, v)
	}
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		p.cleanups[i].Apply(p.b)
	}
	p.b.Return(rets...)
	return nil
}

// Package vjp synthesizes reverse-mode derivatives of single-block IR
// functions. The forward emitter clones the original function,
// rerouting every active call through the callee's derivative and
// checkpointing the returned pullback closures into a synthesized
// record; the reverse emitter walks the original backwards, invoking
// the checkpoints and accumulating adjoints, to produce the pullback
// function.
package vjp

import (
	"strconv"

	"github.com/gradir-ml/gradir/internal/activity"
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/pkg/errors"
)

// Host is the orchestrator-side interface the emitters use to resolve
// derivatives of nested calls and to obtain adaptation thunks. All
// functions a Host returns must already be registered in the module.
type Host interface {
	// Derivative resolves or synthesizes a derivative of orig. The
	// returned function exposes the external derivative signature for
	// the returned indices, which select a superset of the requested
	// parameters when only a wider derivative exists.
	Derivative(orig *ir.Function, indices ir.Indices, invoker Invoker) (*ir.Function, ir.Indices, error)

	// SubsetThunk narrows a derivative built for actual indices down
	// to desired ⊆ actual.
	SubsetThunk(orig, derivative *ir.Function, actual, desired ir.Indices) (*ir.Function, error)

	// ReabstractionThunk converts between pullback signatures that
	// differ only in direct vs. indirect passing.
	ReabstractionThunk(from, to *ir.FuncType) (*ir.Function, error)
}

// Result is the output of one derivative synthesis.
type Result struct {
	// Derivative is the forward function: same parameters and results
	// as the original plus a trailing pullback closure result.
	Derivative *ir.Function
	// Pullback maps (seed, record) to the gradients of the selected
	// parameters.
	Pullback *ir.Function
	// Record is the synthesized struct type checkpointing the inner
	// pullback closures.
	Record *ir.StructType
}

// Emitter drives one (original, indices) synthesis.
type Emitter struct {
	module   *ir.Module
	resolver *tangent.Resolver
	host     Host
	invoker  Invoker

	original *ir.Function
	indices  ir.Indices
	act      *activity.Info

	b    *ir.Builder
	vjp  *ir.Function
	vmap map[*ir.Value]*ir.Value

	checkpoints []*ir.Value
	nested      map[*ir.Instr]*NestedApplyInfo
	projections map[*ir.Instr]projectionInfo
}

// Emit synthesizes the derivative and pullback of original at indices.
// act must be the completed activity analysis for the same pair.
func Emit(module *ir.Module, resolver *tangent.Resolver, host Host,
	act *activity.Info, original *ir.Function, indices ir.Indices,
	invoker Invoker) (*Result, error) {

	if err := ir.ValidateBody(original); err != nil {
		return nil, err
	}
	derivType, err := resolver.DerivativeType(original.Type(), indices)
	if err != nil {
		return nil, err
	}
	e := &Emitter{
		module:      module,
		resolver:    resolver,
		host:        host,
		invoker:     invoker,
		original:    original,
		indices:     indices,
		act:         act,
		vmap:        make(map[*ir.Value]*ir.Value),
		nested:      make(map[*ir.Instr]*NestedApplyInfo),
		projections: make(map[*ir.Instr]projectionInfo),
	}
	e.vjp = module.AddFunction(ir.VJPName(original, indices), derivType)
	e.b = ir.NewBuilder(e.vjp)

	// The derivative's extra result is direct, so the entry layouts
	// coincide formal by formal.
	for i, p := range original.Params() {
		e.vmap[p] = e.vjp.Params()[i]
	}

	pullback, record, err := e.cloneBody()
	if err != nil {
		// Leave no partial artifacts behind; sibling requests keep
		// running after this one fails.
		module.RemoveFunction(e.vjp)
		return nil, err
	}
	return &Result{Derivative: e.vjp, Pullback: pullback, Record: record}, nil
}

func (e *Emitter) mapv(v *ir.Value) *ir.Value {
	nv, ok := e.vmap[v]
	if !ok {
		panic("vjp: operand cloned before its definition")
	}
	return nv
}

func (e *Emitter) mapAll(vals []*ir.Value) []*ir.Value {
	out := make([]*ir.Value, len(vals))
	for i, v := range vals {
		out[i] = e.mapv(v)
	}
	return out
}

func (e *Emitter) cloneBody() (*ir.Function, *ir.StructType, error) {
	for _, in := range e.original.Entry().Instrs {
		var err error
		switch in.Op {
		case ir.OpReturn:
			return e.finish(in)
		case ir.OpCall:
			err = e.visitCall(in)
		case ir.OpStructExtract:
			err = e.visitStructExtract(in)
		case ir.OpFieldAddr:
			err = e.visitFieldAddr(in)
		default:
			err = e.cloneInstr(in)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, errors.Wrapf(ir.ErrNoReturn, "function @%s", e.original.Name)
}

// cloneInstr reproduces an instruction verbatim over mapped operands.
func (e *Emitter) cloneInstr(in *ir.Instr) error {
	b := e.b
	ops := in.Operands()
	var results []*ir.Value
	switch in.Op {
	case ir.OpLit:
		results = []*ir.Value{b.Lit(in.LitType, in.Lit...)}
	case ir.OpFunctionRef:
		results = []*ir.Value{b.FunctionRef(in.Callee)}
	case ir.OpStruct:
		st := in.Result().Type().(*ir.StructType)
		results = []*ir.Value{b.Struct(st, e.mapAll(ops)...)}
	case ir.OpTuple:
		results = []*ir.Value{b.Tuple(e.mapAll(ops)...)}
	case ir.OpStructExtract:
		results = []*ir.Value{b.StructExtract(e.mapv(ops[0]), in.Field)}
	case ir.OpTupleExtract:
		results = []*ir.Value{b.TupleExtract(e.mapv(ops[0]), in.Field)}
	case ir.OpFieldAddr:
		results = []*ir.Value{b.FieldAddr(e.mapv(ops[0]), in.Field)}
	case ir.OpAllocStack:
		results = []*ir.Value{b.AllocStack(in.LitType)}
	case ir.OpDeallocStack:
		b.DeallocStack(e.mapv(ops[0]))
	case ir.OpLoad:
		results = []*ir.Value{b.Load(e.mapv(ops[0]))}
	case ir.OpStore:
		b.Store(e.mapv(ops[0]), e.mapv(ops[1]))
	case ir.OpCopyAddr:
		b.CopyAddr(e.mapv(ops[0]), e.mapv(ops[1]))
	case ir.OpBeginAccess:
		results = []*ir.Value{b.BeginAccess(in.Access, e.mapv(ops[0]))}
	case ir.OpEndAccess:
		b.EndAccess(e.mapv(ops[0]))
	case ir.OpCall:
		results = b.Call(e.mapv(ops[0]), e.mapAll(in.CallArgs()), e.mapAll(in.CallIndirectResults())...)
	case ir.OpPartialApply:
		results = []*ir.Value{b.PartialApply(e.mapv(ops[0]), e.mapAll(ops[1:])...)}
	case ir.OpVAdd:
		results = []*ir.Value{b.VAdd(e.mapv(ops[0]), e.mapv(ops[1]))}
	case ir.OpVSub:
		results = []*ir.Value{b.VSub(e.mapv(ops[0]), e.mapv(ops[1]))}
	case ir.OpVMul:
		results = []*ir.Value{b.VMul(e.mapv(ops[0]), e.mapv(ops[1]))}
	case ir.OpVNeg:
		results = []*ir.Value{b.VNeg(e.mapv(ops[0]))}
	case ir.OpVScale:
		results = []*ir.Value{b.VScale(e.mapv(ops[0]), e.mapv(ops[1]))}
	case ir.OpDot:
		results = []*ir.Value{b.Dot(e.mapv(ops[0]), e.mapv(ops[1]))}
	case ir.OpDifferentiableFunction:
		ft := in.Result().Type().(*ir.FuncType)
		results = []*ir.Value{b.DifferentiableFunction(in.Callee, in.Indices, ft)}
	case ir.OpDebug:
		b.Debug(in.Comment, e.mapAll(ops)...)
	default:
		return errors.Wrapf(ErrUnsupportedInstruction, "cannot clone %s in @%s", in.Op, e.original.Name)
	}
	for i, r := range in.Results() {
		e.vmap[r] = results[i]
	}
	return nil
}

// callResultValues pairs each formal result slot of a call with the
// value carrying it: the direct result value or the buffer operand.
func callResultValues(in *ir.Instr) []*ir.Value {
	ft := in.Operands()[0].Type().(*ir.FuncType)
	direct, indirect := 0, 0
	out := make([]*ir.Value, len(ft.Results))
	for j, r := range ft.Results {
		if r.Indirect {
			out[j] = in.CallIndirectResults()[indirect]
			indirect++
		} else {
			out[j] = in.Results()[direct]
			direct++
		}
	}
	return out
}

func (e *Emitter) visitCall(in *ir.Instr) error {
	callee := in.CalleeFunc()
	if callee != nil && callee.Opaque {
		return e.cloneInstr(in)
	}

	// Minimal result: the unique result of this call that is active
	// for the enclosing request.
	activeResult := -1
	for j, rv := range callResultValues(in) {
		if !e.act.IsActive(rv) {
			continue
		}
		if activeResult >= 0 {
			return errors.Wrapf(ErrMultipleActiveResults, "call in @%s", e.original.Name)
		}
		activeResult = j
	}
	if activeResult < 0 {
		return e.cloneInstr(in)
	}
	if callee == nil {
		return errors.Wrapf(ErrUnresolvedCallee, "active call through an opaque function value in @%s", e.original.Name)
	}

	// Minimal parameters: arguments varied w.r.t. the selected
	// parameters whose types carry a tangent space.
	var minimal []int
	calleeFT := callee.Type()
	for p, arg := range in.CallArgs() {
		if !e.act.IsVariedForAny(arg) {
			continue
		}
		if e.resolver.Space(calleeFT.Params[p].Type).IsNone() {
			continue
		}
		minimal = append(minimal, p)
	}
	desired := ir.NewIndices(minimal, activeResult, e.indices.Requirements()...)

	return e.emitNestedCall(in, callee, desired, in.CallArgs(), in.CallIndirectResults(), in.Results())
}

// emitNestedCall reroutes a call through the callee's derivative,
// checkpointing the pullback closure. origArgs/origBufs/origResults
// are the original call's pieces; the derivative adds exactly one
// trailing direct result, the closure.
func (e *Emitter) emitNestedCall(in *ir.Instr, callee *ir.Function, desired ir.Indices,
	origArgs, origBufs, origResults []*ir.Value) error {

	deriv, actual, err := e.host.Derivative(callee, desired, e.invoker.Nested(callee, desired))
	if err != nil {
		return err
	}
	if !actual.Equal(desired) {
		deriv, err = e.host.SubsetThunk(callee, deriv, actual, desired)
		if err != nil {
			return err
		}
	}

	// The located derivative's pullback type may disagree with the
	// one expected here when reabstraction occurred; record the raw
	// type so the reverse pass can wrap the checkpoint in a thunk.
	wantPB, err := e.resolver.PullbackType(callee.Type(), desired)
	if err != nil {
		return err
	}
	derivFT := deriv.Type()
	gotPB := derivFT.Results[len(derivFT.Results)-1].Type.(*ir.FuncType)
	var rawPB *ir.FuncType
	if !gotPB.Equal(wantPB) {
		rawPB = gotPB
	}

	results := e.b.CallFunc(deriv, e.mapAll(origArgs), e.mapAll(origBufs)...)
	closure := results[len(results)-1]
	for i, r := range origResults {
		e.vmap[r] = results[i]
	}
	e.nested[in] = &NestedApplyInfo{
		Indices:         desired,
		RawPullbackType: rawPB,
		PullbackType:    wantPB,
		Checkpoint:      len(e.checkpoints),
	}
	e.checkpoints = append(e.checkpoints, closure)
	return nil
}

func (e *Emitter) visitStructExtract(in *ir.Instr) error {
	base := in.Operands()[0]
	st := base.Type().(*ir.StructType)
	if !e.act.IsActive(in.Result()) {
		return e.cloneInstr(in)
	}
	if e.resolver.Fieldwise(st) {
		e.projections[in] = projectionInfo{Strategy: ProjectionFieldwise}
		return e.cloneInstr(in)
	}

	// The struct's tangent layout differs from its own, so the
	// projection is differentiated as a call to the field getter.
	getter := e.module.Getter(st, in.Field)
	if getter == nil {
		return errors.Wrapf(ErrUnresolvedCallee,
			"no getter registered for %s.%s in @%s", st.Name, st.Fields[in.Field].Name, e.original.Name)
	}
	desired := ir.NewIndices([]int{0}, 0, e.indices.Requirements()...)
	e.projections[in] = projectionInfo{Strategy: ProjectionGetter, Checkpoint: len(e.checkpoints)}
	return e.emitNestedCall(in, getter, desired,
		[]*ir.Value{base}, nil, []*ir.Value{in.Result()})
}

func (e *Emitter) visitFieldAddr(in *ir.Instr) error {
	base := in.Operands()[0]
	st := base.Type().(*ir.StructType)
	if e.act.IsActive(in.Result()) && !e.resolver.Fieldwise(st) {
		return errors.Wrapf(ErrUnsupportedInstruction,
			"address projection of non-fieldwise struct %s in @%s", st.Name, e.original.Name)
	}
	if e.act.IsActive(in.Result()) {
		e.projections[in] = projectionInfo{Strategy: ProjectionFieldwise}
	}
	return e.cloneInstr(in)
}

// finish builds the pullback record, creates the pullback function,
// and terminates the derivative with the original results plus the
// record-capturing closure.
func (e *Emitter) finish(ret *ir.Instr) (*ir.Function, *ir.StructType, error) {
	fields := make([]ir.StructField, len(e.checkpoints))
	for i, c := range e.checkpoints {
		fields[i] = ir.StructField{
			Name: checkpointFieldName(i),
			Type: c.Type(),
		}
	}
	record := ir.NewStruct(ir.PullbackStructName(e.original, e.indices), fields...)
	e.module.DeclareStruct(record)

	derivFT := e.vjp.Type()
	closureType := derivFT.Results[len(derivFT.Results)-1].Type.(*ir.FuncType)
	pbParams := []ir.Param{closureType.Params[0], {Type: record}}
	pbFn := e.module.AddFunction(ir.PullbackName(e.original, e.indices),
		ir.NewFunc(pbParams, closureType.Results))

	recordVal := e.b.Struct(record, e.checkpoints...)
	closure := e.b.PartialApply(e.b.FunctionRef(pbFn), recordVal)
	rets := append(e.mapAll(ret.Operands()), closure)
	e.b.Return(rets...)

	if err := e.emitPullback(pbFn, record); err != nil {
		e.module.RemoveFunction(pbFn)
		e.module.RemoveStruct(record)
		return nil, nil, err
	}
	return pbFn, record, nil
}

func checkpointFieldName(i int) string {
	return "pb_" + strconv.Itoa(i)
}

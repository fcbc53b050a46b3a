package ir

import "fmt"

// Builder appends instructions to a function's entry block, computing
// result types as it goes. Misuse (operand/type mismatches) panics:
// the builder is only driven by the transform and by tests, and a
// mismatch there is a bug, not an input error.
type Builder struct {
	fn  *Function
	blk *Block
}

// NewBuilder returns a builder appending to fn's entry block.
func NewBuilder(fn *Function) *Builder {
	return &Builder{fn: fn, blk: fn.Entry()}
}

// Func returns the function being built.
func (b *Builder) Func() *Function { return b.fn }

func (b *Builder) emit(in *Instr) *Instr {
	in.fn = b.fn
	b.blk.Instrs = append(b.blk.Instrs, in)
	return in
}

func (b *Builder) result(in *Instr, typ Type, addr bool) *Value {
	v := b.fn.newValue(typ, addr)
	v.def = in
	in.results = append(in.results, v)
	return v
}

// Lit emits a literal of the given type. Float literals carry one
// element; Vector<n> literals carry n.
func (b *Builder) Lit(typ Type, elems ...float64) *Value {
	switch t := typ.(type) {
	case FloatType:
		if len(elems) != 1 {
			panic("ir: Float literal needs exactly one element")
		}
	case VectorType:
		if len(elems) != t.Dim {
			panic(fmt.Sprintf("ir: Vector<%d> literal has %d elements", t.Dim, len(elems)))
		}
	default:
		panic(fmt.Sprintf("ir: literal of unsupported type %s", typ))
	}
	in := b.emit(&Instr{Op: OpLit, Lit: append([]float64(nil), elems...), LitType: typ})
	return b.result(in, typ, false)
}

// Zero emits a zero literal of a Float or Vector type.
func (b *Builder) Zero(typ Type) *Value {
	switch t := typ.(type) {
	case FloatType:
		return b.Lit(typ, 0)
	case VectorType:
		return b.Lit(typ, make([]float64, t.Dim)...)
	default:
		panic(fmt.Sprintf("ir: no zero literal for type %s", typ))
	}
}

// FunctionRef emits a reference to a module function.
func (b *Builder) FunctionRef(fn *Function) *Value {
	in := b.emit(&Instr{Op: OpFunctionRef, Callee: fn})
	return b.result(in, fn.Type(), false)
}

// Struct builds a struct value from field operands. Fields must match
// the struct layout in order and type.
func (b *Builder) Struct(typ *StructType, fields ...*Value) *Value {
	if len(fields) != len(typ.Fields) {
		panic(fmt.Sprintf("ir: struct %s needs %d fields, got %d", typ.Name, len(typ.Fields), len(fields)))
	}
	// Synthesized struct types (tangent aggregates) reach the module
	// through their first use; keeping the declaration table complete
	// keeps printed modules re-parseable.
	if m := b.fn.module; m != nil && m.Struct(typ.Name) == nil {
		m.DeclareStruct(typ)
	}
	for i, f := range fields {
		if !f.Type().Equal(typ.Fields[i].Type) {
			panic(fmt.Sprintf("ir: struct %s field %d: have %s, want %s",
				typ.Name, i, f.Type(), typ.Fields[i].Type))
		}
	}
	in := b.emit(&Instr{Op: OpStruct, operands: append([]*Value(nil), fields...)})
	return b.result(in, typ, false)
}

// Tuple builds a tuple value from element operands.
func (b *Builder) Tuple(elems ...*Value) *Value {
	types := make([]Type, len(elems))
	for i, e := range elems {
		types[i] = e.Type()
	}
	in := b.emit(&Instr{Op: OpTuple, operands: append([]*Value(nil), elems...)})
	return b.result(in, Tuple(types...), false)
}

// StructExtract projects a field out of a struct value.
func (b *Builder) StructExtract(base *Value, field int) *Value {
	st, ok := base.Type().(*StructType)
	if !ok || base.IsAddress() {
		panic("ir: struct_extract needs a direct struct operand")
	}
	in := b.emit(&Instr{Op: OpStructExtract, operands: []*Value{base}, Field: field})
	return b.result(in, st.Fields[field].Type, false)
}

// TupleExtract projects an element out of a tuple value.
func (b *Builder) TupleExtract(base *Value, elem int) *Value {
	tt, ok := base.Type().(*TupleType)
	if !ok || base.IsAddress() {
		panic("ir: tuple_extract needs a direct tuple operand")
	}
	in := b.emit(&Instr{Op: OpTupleExtract, operands: []*Value{base}, Field: elem})
	return b.result(in, tt.Elems[elem], false)
}

// FieldAddr projects the address of a struct field within a buffer.
func (b *Builder) FieldAddr(base *Value, field int) *Value {
	st, ok := base.Type().(*StructType)
	if !ok || !base.IsAddress() {
		panic("ir: field_addr needs a struct address operand")
	}
	in := b.emit(&Instr{Op: OpFieldAddr, operands: []*Value{base}, Field: field})
	return b.result(in, st.Fields[field].Type, true)
}

// AllocStack allocates a local buffer of the given type.
func (b *Builder) AllocStack(typ Type) *Value {
	in := b.emit(&Instr{Op: OpAllocStack, LitType: typ})
	return b.result(in, typ, true)
}

// DeallocStack releases a buffer created by AllocStack.
func (b *Builder) DeallocStack(buf *Value) {
	if !buf.IsAddress() {
		panic("ir: dealloc_stack needs an address operand")
	}
	b.emit(&Instr{Op: OpDeallocStack, operands: []*Value{buf}})
}

// Load reads a value out of a buffer.
func (b *Builder) Load(addr *Value) *Value {
	if !addr.IsAddress() {
		panic("ir: load needs an address operand")
	}
	in := b.emit(&Instr{Op: OpLoad, operands: []*Value{addr}})
	return b.result(in, addr.Type(), false)
}

// Store writes a value into a buffer.
func (b *Builder) Store(val, addr *Value) {
	if !addr.IsAddress() || val.IsAddress() {
		panic("ir: store needs (value, address) operands")
	}
	if !val.Type().Equal(addr.Type()) {
		panic(fmt.Sprintf("ir: store type mismatch: %s into %s", val.Type(), addr.Type()))
	}
	b.emit(&Instr{Op: OpStore, operands: []*Value{val, addr}})
}

// CopyAddr copies the contents of one buffer into another.
func (b *Builder) CopyAddr(src, dst *Value) {
	if !src.IsAddress() || !dst.IsAddress() {
		panic("ir: copy_addr needs two address operands")
	}
	b.emit(&Instr{Op: OpCopyAddr, operands: []*Value{src, dst}})
}

// BeginAccess opens a scoped access over a buffer and returns the
// accessed address.
func (b *Builder) BeginAccess(kind AccessKind, addr *Value) *Value {
	if !addr.IsAddress() {
		panic("ir: begin_access needs an address operand")
	}
	in := b.emit(&Instr{Op: OpBeginAccess, operands: []*Value{addr}, Access: kind})
	return b.result(in, addr.Type(), true)
}

// EndAccess closes a scoped access opened by BeginAccess.
func (b *Builder) EndAccess(access *Value) {
	def := access.Def()
	if def == nil || def.Op != OpBeginAccess {
		panic("ir: end_access operand must be a begin_access result")
	}
	b.emit(&Instr{Op: OpEndAccess, operands: []*Value{access}})
}

// Call invokes a function value. args hold the declared parameters;
// indirectResults hold one buffer address per indirect result slot.
// One result value is produced per direct result slot.
func (b *Builder) Call(callee *Value, args []*Value, indirectResults ...*Value) []*Value {
	ft, ok := callee.Type().(*FuncType)
	if !ok {
		panic("ir: call of non-function value")
	}
	if len(args) != len(ft.Params) {
		panic(fmt.Sprintf("ir: call arity mismatch: %d args for %s", len(args), ft))
	}
	if len(indirectResults) != ft.NumIndirectResults() {
		panic(fmt.Sprintf("ir: call needs %d indirect result buffers, got %d",
			ft.NumIndirectResults(), len(indirectResults)))
	}
	for i, a := range args {
		if a.IsAddress() != ft.Params[i].Indirect || !a.Type().Equal(ft.Params[i].Type) {
			panic(fmt.Sprintf("ir: call argument %d mismatch: have %s, want %s", i, a.Type(), ft.Params[i].Type))
		}
	}
	operands := append([]*Value{callee}, args...)
	operands = append(operands, indirectResults...)
	in := b.emit(&Instr{Op: OpCall, operands: operands})
	var out []*Value
	for _, r := range ft.Results {
		if !r.Indirect {
			out = append(out, b.result(in, r.Type, false))
		}
	}
	return out
}

// CallFunc is Call on a fresh FunctionRef of fn.
func (b *Builder) CallFunc(fn *Function, args []*Value, indirectResults ...*Value) []*Value {
	return b.Call(b.FunctionRef(fn), args, indirectResults...)
}

// PartialApply captures trailing arguments of a function value,
// producing a closure whose type drops the captured parameter slots.
func (b *Builder) PartialApply(callee *Value, captured ...*Value) *Value {
	ft, ok := callee.Type().(*FuncType)
	if !ok {
		panic("ir: partial_apply of non-function value")
	}
	if len(captured) > len(ft.Params) {
		panic("ir: partial_apply captures more than the parameter count")
	}
	split := len(ft.Params) - len(captured)
	for i, c := range captured {
		p := ft.Params[split+i]
		if c.IsAddress() != p.Indirect || !c.Type().Equal(p.Type) {
			panic(fmt.Sprintf("ir: partial_apply capture %d mismatch: have %s, want %s", i, c.Type(), p.Type))
		}
	}
	operands := append([]*Value{callee}, captured...)
	in := b.emit(&Instr{Op: OpPartialApply, operands: operands})
	closTy := NewFunc(append([]Param(nil), ft.Params[:split]...), ft.Results)
	return b.result(in, closTy, false)
}

func (b *Builder) vectorBinary(op Opcode, x, y *Value) *Value {
	if !x.Type().Equal(y.Type()) {
		panic(fmt.Sprintf("ir: %s operand mismatch: %s vs %s", op, x.Type(), y.Type()))
	}
	switch x.Type().(type) {
	case FloatType, VectorType:
	default:
		panic(fmt.Sprintf("ir: %s needs Float or Vector operands", op))
	}
	in := b.emit(&Instr{Op: op, operands: []*Value{x, y}})
	return b.result(in, x.Type(), false)
}

// VAdd emits element-wise addition.
func (b *Builder) VAdd(x, y *Value) *Value { return b.vectorBinary(OpVAdd, x, y) }

// VSub emits element-wise subtraction.
func (b *Builder) VSub(x, y *Value) *Value { return b.vectorBinary(OpVSub, x, y) }

// VMul emits element-wise multiplication.
func (b *Builder) VMul(x, y *Value) *Value { return b.vectorBinary(OpVMul, x, y) }

// VNeg emits element-wise negation.
func (b *Builder) VNeg(x *Value) *Value {
	in := b.emit(&Instr{Op: OpVNeg, operands: []*Value{x}})
	return b.result(in, x.Type(), false)
}

// VScale emits scalar-times-vector.
func (b *Builder) VScale(scalar, vec *Value) *Value {
	if _, ok := scalar.Type().(FloatType); !ok {
		panic("ir: vscale needs a Float scalar")
	}
	in := b.emit(&Instr{Op: OpVScale, operands: []*Value{scalar, vec}})
	return b.result(in, vec.Type(), false)
}

// Dot emits a dot product yielding Float.
func (b *Builder) Dot(x, y *Value) *Value {
	if !x.Type().Equal(y.Type()) {
		panic("ir: dot operand mismatch")
	}
	in := b.emit(&Instr{Op: OpDot, operands: []*Value{x, y}})
	return b.result(in, Float, false)
}

// DifferentiableFunction emits an unresolved derivative marker for fn
// at the given indices. The orchestrator resolves it into a reference
// to the packaged derivative function.
func (b *Builder) DifferentiableFunction(fn *Function, indices Indices, derivType *FuncType) *Value {
	in := b.emit(&Instr{Op: OpDifferentiableFunction, Callee: fn, Indices: indices})
	return b.result(in, derivType, false)
}

// Debug emits a bookkeeping no-op carrying a comment.
func (b *Builder) Debug(comment string, operands ...*Value) {
	b.emit(&Instr{Op: OpDebug, Comment: comment, operands: operands})
}

// Return terminates the function, yielding the direct results in
// declared order.
func (b *Builder) Return(results ...*Value) {
	want := b.fn.Type().NumDirectResults()
	if len(results) != want {
		panic(fmt.Sprintf("ir: return of %d values, signature has %d direct results", len(results), want))
	}
	b.emit(&Instr{Op: OpReturn, operands: append([]*Value(nil), results...)})
}

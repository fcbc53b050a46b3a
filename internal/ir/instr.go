package ir

// Opcode is the closed set of instruction kinds. Components dispatch
// over it with exhaustive switches rather than a visitor, so an
// unhandled kind is a compile-time concern, not a default branch.
type Opcode uint8

const (
	// Constants and references.
	OpLit         Opcode = iota // literal Float or Vector value
	OpFunctionRef               // reference to a module function

	// Aggregate construction and projection.
	OpStruct // build a struct from field operands
	OpTuple  // build a tuple from element operands
	OpStructExtract
	OpTupleExtract
	OpFieldAddr // address of a struct field within a buffer

	// Memory.
	OpAllocStack
	OpDeallocStack
	OpLoad
	OpStore    // operands: (value, address)
	OpCopyAddr // operands: (source address, destination address)
	OpBeginAccess
	OpEndAccess

	// Calls and closures.
	OpCall         // operands: (callee, args..., indirect result buffers...)
	OpPartialApply // operands: (callee, captured trailing args...)

	// Vector arithmetic, used inside primitive bodies. The transform
	// differentiates these only through registered derivative
	// witnesses of the enclosing primitive, never instruction by
	// instruction.
	OpVAdd
	OpVSub
	OpVMul // element-wise
	OpVNeg
	OpVScale // operands: (Float scalar, vector)
	OpDot    // operands: (vector, vector) -> Float

	// Differentiation marker: resolved by the orchestrator into a
	// reference to the synthesized derivative function.
	OpDifferentiableFunction

	// Bookkeeping.
	OpDebug
	OpReturn
)

var opcodeNames = [...]string{
	OpLit:                    "lit",
	OpFunctionRef:            "function_ref",
	OpStruct:                 "struct",
	OpTuple:                  "tuple",
	OpStructExtract:          "struct_extract",
	OpTupleExtract:           "tuple_extract",
	OpFieldAddr:              "field_addr",
	OpAllocStack:             "alloc_stack",
	OpDeallocStack:           "dealloc_stack",
	OpLoad:                   "load",
	OpStore:                  "store",
	OpCopyAddr:               "copy_addr",
	OpBeginAccess:            "begin_access",
	OpEndAccess:              "end_access",
	OpCall:                   "call",
	OpPartialApply:           "partial_apply",
	OpVAdd:                   "vadd",
	OpVSub:                   "vsub",
	OpVMul:                   "vmul",
	OpVNeg:                   "vneg",
	OpVScale:                 "vscale",
	OpDot:                    "dot",
	OpDifferentiableFunction: "differentiable_function",
	OpDebug:                  "debug",
	OpReturn:                 "return",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// AccessKind is the kind of a scoped memory access.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessModify
	AccessInit
	AccessDeinit
)

var accessNames = [...]string{"read", "modify", "init", "deinit"}

func (k AccessKind) String() string { return accessNames[k] }

// Reversed returns the access kind of the adjoint access: reads become
// modifies of the adjoint buffer and vice versa, initializations become
// deinitializations and vice versa.
func (k AccessKind) Reversed() AccessKind {
	switch k {
	case AccessRead:
		return AccessModify
	case AccessModify:
		return AccessRead
	case AccessInit:
		return AccessDeinit
	default:
		return AccessInit
	}
}

// Instr is a single IR instruction. The operand and result slices are
// owned by the instruction; op-specific payload lives in the extra
// fields below.
type Instr struct {
	Op       Opcode
	fn       *Function
	operands []*Value
	results  []*Value

	// Op-specific payload.
	Field   int        // OpStructExtract, OpTupleExtract, OpFieldAddr
	Access  AccessKind // OpBeginAccess
	Callee  *Function  // OpFunctionRef, OpDifferentiableFunction
	Indices Indices    // OpDifferentiableFunction
	Lit     []float64  // OpLit payload; length 1 for Float
	LitType Type       // OpLit result type
	Comment string     // OpDebug
}

// Operands returns the operand values. Callers must not mutate.
func (in *Instr) Operands() []*Value { return in.operands }

// Results returns the result values. Callers must not mutate.
func (in *Instr) Results() []*Value { return in.results }

// Result returns the single result and panics if the instruction does
// not produce exactly one value.
func (in *Instr) Result() *Value {
	if len(in.results) != 1 {
		panic("ir: instruction does not have exactly one result")
	}
	return in.results[0]
}

// Parent returns the enclosing function.
func (in *Instr) Parent() *Function { return in.fn }

// CalleeFunc resolves the called function for OpCall when the callee
// operand is a plain function reference. Returns nil for closures or
// other indirect callees.
func (in *Instr) CalleeFunc() *Function {
	if in.Op != OpCall || len(in.operands) == 0 {
		return nil
	}
	def := in.operands[0].Def()
	if def == nil || def.Op != OpFunctionRef {
		return nil
	}
	return def.Callee
}

// CallArgs returns the argument values of a call, excluding the callee
// operand and any trailing indirect-result buffers.
func (in *Instr) CallArgs() []*Value {
	if in.Op != OpCall {
		return nil
	}
	ft, _ := in.operands[0].Type().(*FuncType)
	if ft == nil {
		return in.operands[1:]
	}
	return in.operands[1 : 1+len(ft.Params)]
}

// CallIndirectResults returns the trailing indirect-result buffer
// operands of a call.
func (in *Instr) CallIndirectResults() []*Value {
	if in.Op != OpCall {
		return nil
	}
	ft, _ := in.operands[0].Type().(*FuncType)
	if ft == nil {
		return nil
	}
	return in.operands[1+len(ft.Params):]
}

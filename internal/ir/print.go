package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// String renders the module in its stable textual form. The form
// round-trips through the irtext parser and is what tests compare
// against.
func (m *Module) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %q\n", m.Name)
	for _, st := range m.structs {
		sb.WriteByte('\n')
		writeStruct(&sb, st)
	}
	for _, w := range m.Witnesses() {
		fmt.Fprintf(&sb, "\nwitness @%s %s", w.Original.Name, w.Indices)
		if w.Derivative != nil {
			fmt.Fprintf(&sb, " = @%s", w.Derivative.Name)
		}
		sb.WriteByte('\n')
	}
	for _, key := range m.getterOrder {
		fmt.Fprintf(&sb, "\ngetter %s %d @%s\n", key.structName, key.field, m.getters[key].Name)
	}
	for _, fn := range m.funcs {
		sb.WriteByte('\n')
		sb.WriteString(fn.String())
	}
	return sb.String()
}

func writeStruct(sb *strings.Builder, st *StructType) {
	fmt.Fprintf(sb, "struct %s {", st.Name)
	for i, f := range st.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte(' ')
		if f.NoDerivative {
			sb.WriteString("@noDerivative ")
		}
		fmt.Fprintf(sb, "%s: %s", f.Name, f.Type)
	}
	sb.WriteString(" }\n")
}

// String renders the function, signature and body.
func (f *Function) String() string {
	var sb strings.Builder
	sb.WriteString("func ")
	if f.Opaque {
		sb.WriteString("@opaque ")
	}
	if f.Transparent {
		sb.WriteString("@transparent ")
	}
	fmt.Fprintf(&sb, "@%s(", f.Name)
	for i, p := range f.typ.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: ", f.params[i])
		if p.Indirect {
			sb.WriteByte('*')
		}
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(") -> (")
	for i, r := range f.typ.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		if r.Indirect {
			sb.WriteByte('*')
		}
		sb.WriteString(r.Type.String())
	}
	sb.WriteString(") {\n")
	for bi, blk := range f.blocks {
		if bi > 0 {
			fmt.Fprintf(&sb, "bb%d:\n", bi)
		}
		for _, in := range blk.Instrs {
			sb.WriteString("  ")
			sb.WriteString(in.String())
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func operandList(vals []*Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

// String renders a single instruction.
func (in *Instr) String() string {
	var sb strings.Builder
	if len(in.results) > 0 {
		sb.WriteString(operandList(in.results))
		sb.WriteString(" = ")
	}
	switch in.Op {
	case OpLit:
		fmt.Fprintf(&sb, "lit %s ", in.LitType)
		if _, ok := in.LitType.(FloatType); ok {
			sb.WriteString(formatFloat(in.Lit[0]))
		} else {
			parts := make([]string, len(in.Lit))
			for i, v := range in.Lit {
				parts[i] = formatFloat(v)
			}
			sb.WriteString("[" + strings.Join(parts, ", ") + "]")
		}
	case OpFunctionRef:
		fmt.Fprintf(&sb, "function_ref @%s", in.Callee.Name)
	case OpStruct:
		st := in.Result().Type().(*StructType)
		fmt.Fprintf(&sb, "struct %s (%s)", st.Name, operandList(in.operands))
	case OpTuple:
		fmt.Fprintf(&sb, "tuple (%s)", operandList(in.operands))
	case OpStructExtract, OpTupleExtract, OpFieldAddr:
		fmt.Fprintf(&sb, "%s %s, %d", in.Op, in.operands[0], in.Field)
	case OpAllocStack:
		fmt.Fprintf(&sb, "alloc_stack %s", in.LitType)
	case OpDeallocStack, OpEndAccess, OpVNeg:
		fmt.Fprintf(&sb, "%s %s", in.Op, in.operands[0])
	case OpLoad:
		fmt.Fprintf(&sb, "load %s", in.operands[0])
	case OpStore:
		fmt.Fprintf(&sb, "store %s to %s", in.operands[0], in.operands[1])
	case OpCopyAddr:
		fmt.Fprintf(&sb, "copy_addr %s to %s", in.operands[0], in.operands[1])
	case OpBeginAccess:
		fmt.Fprintf(&sb, "begin_access [%s] %s", in.Access, in.operands[0])
	case OpCall:
		fmt.Fprintf(&sb, "call %s(%s)", in.operands[0], operandList(in.operands[1:]))
	case OpPartialApply:
		fmt.Fprintf(&sb, "partial_apply %s(%s)", in.operands[0], operandList(in.operands[1:]))
	case OpVAdd, OpVSub, OpVMul, OpVScale, OpDot:
		fmt.Fprintf(&sb, "%s %s, %s", in.Op, in.operands[0], in.operands[1])
	case OpDifferentiableFunction:
		fmt.Fprintf(&sb, "differentiable_function @%s %s", in.Callee.Name, in.Indices)
	case OpDebug:
		fmt.Fprintf(&sb, "debug %q", in.Comment)
		if len(in.operands) > 0 {
			fmt.Fprintf(&sb, " (%s)", operandList(in.operands))
		}
	case OpReturn:
		sb.WriteString("return")
		if len(in.operands) > 0 {
			sb.WriteByte(' ')
			sb.WriteString(operandList(in.operands))
		}
	default:
		fmt.Fprintf(&sb, "%s %s", in.Op, operandList(in.operands))
	}
	return sb.String()
}

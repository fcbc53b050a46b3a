package irtext

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// bodyParser rebuilds one function body through the ir builder,
// resolving %value references against a per-function table.
type bodyParser struct {
	*parser
	fn     *ir.Function
	b      *ir.Builder
	values map[string]*ir.Value
}

func (p *parser) parseBody(body pendingBody) error {
	bp := &bodyParser{
		parser: p,
		fn:     body.fn,
		b:      ir.NewBuilder(body.fn),
		values: make(map[string]*ir.Value),
	}
	// Entry values: declared parameters under their written names,
	// indirect-result buffers under their default numbering.
	for _, v := range body.fn.Params() {
		bp.values[v.String()[1:]] = v
	}
	p.pos = body.start
	for !p.atPunct("}") {
		if p.cur().kind == tokEOF {
			return errors.Errorf("irtext: unterminated body of @%s", body.fn.Name)
		}
		if err := bp.parseInstr(); err != nil {
			return err
		}
	}
	p.next() // }
	return nil
}

func (bp *bodyParser) value(t token) (*ir.Value, error) {
	if t.kind != tokValueRef {
		return nil, errors.Errorf("irtext:%d: expected %%value, got %s", t.line, t)
	}
	v, ok := bp.values[t.text]
	if !ok {
		return nil, errors.Errorf("irtext:%d: undefined value %%%s", t.line, t.text)
	}
	return v, nil
}

func (bp *bodyParser) operand() (*ir.Value, error) {
	return bp.value(bp.next())
}

// operandList reads %refs separated by commas until the next token is
// not a value reference.
func (bp *bodyParser) operandList() ([]*ir.Value, error) {
	var out []*ir.Value
	for bp.cur().kind == tokValueRef {
		v, err := bp.operand()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if !bp.atPunct(",") {
			break
		}
		bp.next()
	}
	return out, nil
}

// parenOperands reads ( %a, %b, ... ).
func (bp *bodyParser) parenOperands() ([]*ir.Value, error) {
	if err := bp.expectPunct("("); err != nil {
		return nil, err
	}
	out, err := bp.operandList()
	if err != nil {
		return nil, err
	}
	return out, bp.expectPunct(")")
}

func (bp *bodyParser) funcRef() (*ir.Function, error) {
	t := bp.next()
	if t.kind != tokAtIdent {
		return nil, errors.Errorf("irtext:%d: expected @function, got %s", t.line, t)
	}
	fn := bp.module.Function(t.text)
	if fn == nil {
		return nil, errors.Errorf("irtext:%d: unknown function @%s", t.line, t.text)
	}
	return fn, nil
}

func (bp *bodyParser) parseInstr() error {
	// Optional result list before '='.
	var lhs []token
	if bp.cur().kind == tokValueRef {
		for {
			lhs = append(lhs, bp.next())
			if bp.atPunct(",") {
				bp.next()
				continue
			}
			break
		}
		if err := bp.expectPunct("="); err != nil {
			return err
		}
	}

	op := bp.next()
	if op.kind != tokIdent {
		return errors.Errorf("irtext:%d: expected instruction, got %s", op.line, op)
	}
	results, err := bp.parseOp(op)
	if err != nil {
		return err
	}
	if len(lhs) != len(results) {
		return errors.Errorf("irtext:%d: %s yields %d values, %d named",
			op.line, op.text, len(results), len(lhs))
	}
	for i, t := range lhs {
		bp.values[t.text] = results[i]
		results[i].SetName(t.text)
	}
	return nil
}

func (bp *bodyParser) parseOp(op token) ([]*ir.Value, error) {
	b := bp.b
	one := func(v *ir.Value) []*ir.Value { return []*ir.Value{v} }
	switch op.text {
	case "lit":
		typ, err := bp.parseType()
		if err != nil {
			return nil, err
		}
		if _, ok := typ.(ir.VectorType); ok {
			if err := bp.expectPunct("["); err != nil {
				return nil, err
			}
			var elems []float64
			for !bp.atPunct("]") {
				if len(elems) > 0 {
					if err := bp.expectPunct(","); err != nil {
						return nil, err
					}
				}
				f, err := bp.parseFloat()
				if err != nil {
					return nil, err
				}
				elems = append(elems, f)
			}
			bp.next() // ]
			return one(b.Lit(typ, elems...)), nil
		}
		f, err := bp.parseFloat()
		if err != nil {
			return nil, err
		}
		return one(b.Lit(typ, f)), nil

	case "function_ref":
		fn, err := bp.funcRef()
		if err != nil {
			return nil, err
		}
		return one(b.FunctionRef(fn)), nil

	case "struct":
		name := bp.next()
		if name.kind != tokIdent {
			return nil, errors.Errorf("irtext:%d: expected struct name, got %s", name.line, name)
		}
		st := bp.module.Struct(name.text)
		if st == nil {
			return nil, errors.Errorf("irtext:%d: unknown struct %s", name.line, name.text)
		}
		fields, err := bp.parenOperands()
		if err != nil {
			return nil, err
		}
		return one(b.Struct(st, fields...)), nil

	case "tuple":
		elems, err := bp.parenOperands()
		if err != nil {
			return nil, err
		}
		return one(b.Tuple(elems...)), nil

	case "struct_extract", "tuple_extract", "field_addr":
		base, err := bp.operand()
		if err != nil {
			return nil, err
		}
		if err := bp.expectPunct(","); err != nil {
			return nil, err
		}
		field, err := bp.parseInt()
		if err != nil {
			return nil, err
		}
		switch op.text {
		case "struct_extract":
			return one(b.StructExtract(base, field)), nil
		case "tuple_extract":
			return one(b.TupleExtract(base, field)), nil
		default:
			return one(b.FieldAddr(base, field)), nil
		}

	case "alloc_stack":
		typ, err := bp.parseType()
		if err != nil {
			return nil, err
		}
		return one(b.AllocStack(typ)), nil

	case "dealloc_stack":
		buf, err := bp.operand()
		if err != nil {
			return nil, err
		}
		b.DeallocStack(buf)
		return nil, nil

	case "load":
		addr, err := bp.operand()
		if err != nil {
			return nil, err
		}
		return one(b.Load(addr)), nil

	case "store":
		val, err := bp.operand()
		if err != nil {
			return nil, err
		}
		if err := bp.expectIdent("to"); err != nil {
			return nil, err
		}
		addr, err := bp.operand()
		if err != nil {
			return nil, err
		}
		b.Store(val, addr)
		return nil, nil

	case "copy_addr":
		src, err := bp.operand()
		if err != nil {
			return nil, err
		}
		if err := bp.expectIdent("to"); err != nil {
			return nil, err
		}
		dst, err := bp.operand()
		if err != nil {
			return nil, err
		}
		b.CopyAddr(src, dst)
		return nil, nil

	case "begin_access":
		if err := bp.expectPunct("["); err != nil {
			return nil, err
		}
		kindTok := bp.next()
		var kind ir.AccessKind
		switch kindTok.text {
		case "read":
			kind = ir.AccessRead
		case "modify":
			kind = ir.AccessModify
		case "init":
			kind = ir.AccessInit
		case "deinit":
			kind = ir.AccessDeinit
		default:
			return nil, errors.Errorf("irtext:%d: unknown access kind %q", kindTok.line, kindTok.text)
		}
		if err := bp.expectPunct("]"); err != nil {
			return nil, err
		}
		addr, err := bp.operand()
		if err != nil {
			return nil, err
		}
		return one(b.BeginAccess(kind, addr)), nil

	case "end_access":
		access, err := bp.operand()
		if err != nil {
			return nil, err
		}
		b.EndAccess(access)
		return nil, nil

	case "call", "partial_apply":
		callee, err := bp.operand()
		if err != nil {
			return nil, err
		}
		operands, err := bp.parenOperands()
		if err != nil {
			return nil, err
		}
		if op.text == "partial_apply" {
			return one(b.PartialApply(callee, operands...)), nil
		}
		ft, ok := callee.Type().(*ir.FuncType)
		if !ok {
			return nil, errors.Errorf("irtext:%d: call of non-function value", op.line)
		}
		if len(operands) < len(ft.Params) {
			return nil, errors.Errorf("irtext:%d: call needs %d arguments", op.line, len(ft.Params))
		}
		args, bufs := operands[:len(ft.Params)], operands[len(ft.Params):]
		return b.Call(callee, args, bufs...), nil

	case "vadd", "vsub", "vmul", "vscale", "dot":
		x, err := bp.operand()
		if err != nil {
			return nil, err
		}
		if err := bp.expectPunct(","); err != nil {
			return nil, err
		}
		y, err := bp.operand()
		if err != nil {
			return nil, err
		}
		switch op.text {
		case "vadd":
			return one(b.VAdd(x, y)), nil
		case "vsub":
			return one(b.VSub(x, y)), nil
		case "vmul":
			return one(b.VMul(x, y)), nil
		case "vscale":
			return one(b.VScale(x, y)), nil
		default:
			return one(b.Dot(x, y)), nil
		}

	case "vneg":
		x, err := bp.operand()
		if err != nil {
			return nil, err
		}
		return one(b.VNeg(x)), nil

	case "differentiable_function":
		fn, err := bp.funcRef()
		if err != nil {
			return nil, err
		}
		indices, err := bp.parseIndices()
		if err != nil {
			return nil, err
		}
		derivType, err := bp.resolver.DerivativeType(fn.Type(), indices)
		if err != nil {
			return nil, errors.Wrapf(err, "irtext:%d: marker for @%s", op.line, fn.Name)
		}
		return one(b.DifferentiableFunction(fn, indices, derivType)), nil

	case "debug":
		msg := bp.next()
		if msg.kind != tokString {
			return nil, errors.Errorf("irtext:%d: debug needs a string, got %s", msg.line, msg)
		}
		var operands []*ir.Value
		if bp.atPunct("(") {
			var err error
			operands, err = bp.parenOperands()
			if err != nil {
				return nil, err
			}
		}
		b.Debug(msg.text, operands...)
		return nil, nil

	case "return":
		operands, err := bp.operandList()
		if err != nil {
			return nil, err
		}
		b.Return(operands...)
		return nil, nil

	default:
		return nil, errors.Errorf("irtext:%d: unknown instruction %q", op.line, op.text)
	}
}

package interp

import (
	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/pkg/errors"
)

// Interp evaluates functions of one module.
type Interp struct {
	module *ir.Module
}

func New(m *ir.Module) *Interp { return &Interp{module: m} }

// Call evaluates fn on args, one value per declared parameter
// regardless of passing convention, and returns one value per result.
func (it *Interp) Call(fn *ir.Function, args ...Value) ([]Value, error) {
	ft := fn.Type()
	if len(args) != len(ft.Params) {
		return nil, errors.Errorf("interp: @%s expects %d arguments, got %d",
			fn.Name, len(ft.Params), len(args))
	}
	slots := make([]any, 0, len(fn.Params()))
	for i, p := range ft.Params {
		if p.Indirect {
			slots = append(slots, &cell{val: args[i]})
		} else {
			slots = append(slots, args[i])
		}
	}
	var outCells []*cell
	for _, r := range ft.Results {
		if !r.Indirect {
			continue
		}
		z, err := Zero(r.Type)
		if err != nil {
			return nil, err
		}
		c := &cell{val: z}
		outCells = append(outCells, c)
		slots = append(slots, c)
	}
	direct, err := it.run(fn, slots)
	if err != nil {
		return nil, err
	}
	var out []Value
	d, ind := 0, 0
	for _, r := range ft.Results {
		if r.Indirect {
			out = append(out, outCells[ind].load())
			ind++
		} else {
			out = append(out, direct[d])
			d++
		}
	}
	return out, nil
}

// Apply invokes a closure value: captured values are appended after
// the call arguments, matching the trailing-capture convention of
// partial application.
func (it *Interp) Apply(closure Value, args ...Value) ([]Value, error) {
	if closure.Kind != KindClosure {
		return nil, errors.Errorf("interp: cannot apply %s", closure)
	}
	return it.Call(closure.Fn, append(append([]Value(nil), args...), closure.Caps...)...)
}

// run executes a function body. slots carries one entry per entry
// parameter: a Value for direct slots, a *cell for addresses.
func (it *Interp) run(fn *ir.Function, slots []any) ([]Value, error) {
	if err := ir.ValidateBody(fn); err != nil {
		return nil, err
	}
	env := make(map[*ir.Value]any, len(fn.Params())+len(fn.Entry().Instrs))
	for i, p := range fn.Params() {
		env[p] = slots[i]
	}
	val := func(v *ir.Value) Value { return env[v].(Value) }
	addr := func(v *ir.Value) *cell { return env[v].(*cell) }

	for _, in := range fn.Entry().Instrs {
		ops := in.Operands()
		switch in.Op {
		case ir.OpReturn:
			out := make([]Value, len(ops))
			for i, op := range ops {
				out[i] = val(op)
			}
			return out, nil
		case ir.OpLit:
			env[in.Result()] = litValue(in)
		case ir.OpFunctionRef:
			env[in.Result()] = Value{Kind: KindClosure, Fn: in.Callee}
		case ir.OpStruct, ir.OpTuple:
			elems := make([]Value, len(ops))
			for i, op := range ops {
				elems[i] = val(op)
			}
			env[in.Result()] = NewAggregate(elems...)
		case ir.OpStructExtract, ir.OpTupleExtract:
			env[in.Result()] = val(ops[0]).Elems[in.Field]
		case ir.OpFieldAddr:
			env[in.Result()] = &cell{parent: addr(ops[0]), field: in.Field}
		case ir.OpAllocStack:
			z, err := Zero(in.LitType)
			if err != nil {
				return nil, err
			}
			env[in.Result()] = &cell{val: z}
		case ir.OpDeallocStack, ir.OpEndAccess, ir.OpDebug:
			// no-op
		case ir.OpBeginAccess:
			env[in.Result()] = addr(ops[0])
		case ir.OpLoad:
			env[in.Result()] = addr(ops[0]).load()
		case ir.OpStore:
			addr(ops[1]).store(val(ops[0]))
		case ir.OpCopyAddr:
			addr(ops[1]).store(addr(ops[0]).load())
		case ir.OpCall:
			if err := it.call(in, env); err != nil {
				return nil, err
			}
		case ir.OpPartialApply:
			callee := val(ops[0])
			if callee.Kind != KindClosure {
				return nil, errors.Errorf("interp: partial apply of %s", callee)
			}
			caps := make([]Value, 0, len(ops)-1+len(callee.Caps))
			for _, op := range ops[1:] {
				caps = append(caps, val(op))
			}
			caps = append(caps, callee.Caps...)
			env[in.Result()] = Value{Kind: KindClosure, Fn: callee.Fn, Caps: caps}
		case ir.OpVAdd:
			env[in.Result()] = vecZip(val(ops[0]), val(ops[1]), func(a, b float64) float64 { return a + b })
		case ir.OpVSub:
			env[in.Result()] = vecZip(val(ops[0]), val(ops[1]), func(a, b float64) float64 { return a - b })
		case ir.OpVMul:
			env[in.Result()] = vecZip(val(ops[0]), val(ops[1]), func(a, b float64) float64 { return a * b })
		case ir.OpVNeg:
			x := val(ops[0])
			if x.Kind == KindFloat {
				env[in.Result()] = NewFloat(-x.Float)
				break
			}
			out := make([]float64, len(x.Vec))
			for i, f := range x.Vec {
				out[i] = -f
			}
			env[in.Result()] = NewVector(out...)
		case ir.OpVScale:
			c, x := val(ops[0]), val(ops[1])
			out := make([]float64, len(x.Vec))
			for i, f := range x.Vec {
				out[i] = c.Float * f
			}
			env[in.Result()] = NewVector(out...)
		case ir.OpDot:
			x, y := val(ops[0]), val(ops[1])
			var sum float64
			for i := range x.Vec {
				sum += x.Vec[i] * y.Vec[i]
			}
			env[in.Result()] = NewFloat(sum)
		case ir.OpDifferentiableFunction:
			return nil, errors.Errorf(
				"interp: unresolved derivative marker for @%s in @%s", in.Callee.Name, fn.Name)
		default:
			return nil, errors.Errorf("interp: cannot evaluate %s in @%s", in.Op, fn.Name)
		}
	}
	return nil, errors.Errorf("interp: @%s fell off the end of its body", fn.Name)
}

// call evaluates a call instruction inside env: direct arguments by
// value, address arguments and result buffers by cell.
func (it *Interp) call(in *ir.Instr, env map[*ir.Value]any) error {
	calleeVal, ok := env[in.Operands()[0]].(Value)
	if !ok || calleeVal.Kind != KindClosure {
		return errors.Errorf("interp: call through a non-function value")
	}
	fn := calleeVal.Fn
	ft := fn.Type()

	slots := make([]any, 0, len(fn.Params()))
	for _, arg := range in.CallArgs() {
		slots = append(slots, env[arg])
	}
	for _, c := range calleeVal.Caps {
		slots = append(slots, c)
	}
	if len(slots) != len(ft.Params) {
		return errors.Errorf("interp: @%s expects %d arguments, got %d",
			fn.Name, len(ft.Params), len(slots))
	}
	for _, buf := range in.CallIndirectResults() {
		slots = append(slots, env[buf])
	}
	direct, err := it.run(fn, slots)
	if err != nil {
		return err
	}
	for i, r := range in.Results() {
		env[r] = direct[i]
	}
	return nil
}

func litValue(in *ir.Instr) Value {
	if _, ok := in.LitType.(ir.VectorType); ok {
		return NewVector(append([]float64(nil), in.Lit...)...)
	}
	return NewFloat(in.Lit[0])
}

// vecZip combines element-wise; Float operands are one-element cases.
func vecZip(x, y Value, f func(a, b float64) float64) Value {
	if x.Kind == KindFloat {
		return NewFloat(f(x.Float, y.Float))
	}
	out := make([]float64, len(x.Vec))
	for i := range x.Vec {
		out[i] = f(x.Vec[i], y.Vec[i])
	}
	return NewVector(out...)
}

package ir

import "fmt"

// Block is a basic block. The transform only supports functions with a
// single block; the representation still carries a slice so that
// multi-block inputs can be represented and rejected with a diagnostic
// rather than being unrepresentable.
type Block struct {
	fn     *Function
	Instrs []*Instr
}

// Function is an IR function: a signature plus a body. Entry
// parameters are laid out as the declared parameters (address values
// for indirect slots) followed by one address parameter per indirect
// result, in result order.
type Function struct {
	Name string

	// Opaque marks the function as intentionally excluded from
	// differentiation: calls to it are never activity-propagation
	// boundaries and never require a derivative.
	Opaque bool

	// Transparent marks generated helper functions (thunks, packaged
	// derivatives) in printed output.
	Transparent bool

	typ    *FuncType
	params []*Value
	blocks []*Block
	nextID int
	module *Module
}

// NewFunction creates a detached function with an empty entry block.
// Use Module.AddFunction to create functions registered in a module.
func NewFunction(name string, typ *FuncType) *Function {
	fn := &Function{Name: name, typ: typ}
	for _, p := range typ.Params {
		fn.params = append(fn.params, fn.newValue(p.Type, p.Indirect))
	}
	for _, r := range typ.Results {
		if r.Indirect {
			fn.params = append(fn.params, fn.newValue(r.Type, true))
		}
	}
	fn.blocks = []*Block{{fn: fn}}
	return fn
}

func (f *Function) newValue(typ Type, addr bool) *Value {
	v := &Value{id: f.nextID, typ: typ, addr: addr, fn: f}
	f.nextID++
	return v
}

// Type returns the function signature.
func (f *Function) Type() *FuncType { return f.typ }

// Module returns the owning module, or nil if detached.
func (f *Function) Module() *Module { return f.module }

// Params returns the entry parameters, including trailing
// indirect-result buffer addresses.
func (f *Function) Params() []*Value { return f.params }

// Param returns the entry parameter for declared parameter index i.
func (f *Function) Param(i int) *Value {
	if i < 0 || i >= len(f.typ.Params) {
		panic(fmt.Sprintf("ir: parameter index %d out of range for %s", i, f.Name))
	}
	return f.params[i]
}

// IndirectResultBuffer returns the entry address parameter backing
// indirect result slot resultIndex. Panics if that result is direct.
func (f *Function) IndirectResultBuffer(resultIndex int) *Value {
	if !f.typ.Results[resultIndex].Indirect {
		panic(fmt.Sprintf("ir: result %d of %s is direct", resultIndex, f.Name))
	}
	n := len(f.typ.Params)
	for i := 0; i < resultIndex; i++ {
		if f.typ.Results[i].Indirect {
			n++
		}
	}
	return f.params[n]
}

// Blocks returns the basic blocks.
func (f *Function) Blocks() []*Block { return f.blocks }

// Entry returns the entry block.
func (f *Function) Entry() *Block { return f.blocks[0] }

// AddBlock appends an empty block. Only used to represent (and then
// reject) multi-block inputs.
func (f *Function) AddBlock() *Block {
	b := &Block{fn: f}
	f.blocks = append(f.blocks, b)
	return b
}

// ReturnInstr returns the terminating return of the entry block, or
// nil if the function has none.
func (f *Function) ReturnInstr() *Instr {
	instrs := f.Entry().Instrs
	if len(instrs) == 0 {
		return nil
	}
	last := instrs[len(instrs)-1]
	if last.Op != OpReturn {
		return nil
	}
	return last
}

package ir

import "fmt"

// Value is an SSA value: either a function parameter or an instruction
// result. Address-ness is a property of the value, not the type: an
// address value of type T designates a memory location holding a T.
type Value struct {
	id   int
	name string // optional source-level name, for printing
	typ  Type
	addr bool
	def  *Instr // nil for parameters
	fn   *Function
}

// Type returns the pointee type for address values and the value type
// otherwise.
func (v *Value) Type() Type { return v.typ }

// IsAddress reports whether v designates a memory location.
func (v *Value) IsAddress() bool { return v.addr }

// Def returns the defining instruction, or nil for parameters.
func (v *Value) Def() *Instr { return v.def }

// Parent returns the enclosing function.
func (v *Value) Parent() *Function { return v.fn }

// ID returns the per-function value number.
func (v *Value) ID() int { return v.id }

func (v *Value) String() string {
	if v.name != "" {
		return "%" + v.name
	}
	return fmt.Sprintf("%%%d", v.id)
}

// SetName attaches a printing name to the value.
func (v *Value) SetName(name string) { v.name = name }

// Name returns the printing name, if any.
func (v *Value) Name() string { return v.name }

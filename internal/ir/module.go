package ir

import "fmt"

// Witness records that a derivative of Original at Indices exists (or
// has been requested). Derivative is nil for pre-declared requests
// that have not been materialized yet; once set it points at the
// packaged derivative function, whose signature is
// DerivativeType(Original.Type(), Indices).
type Witness struct {
	Original   *Function
	Indices    Indices
	Derivative *Function
}

type getterKey struct {
	structName string
	field      int
}

// Module owns an ordered set of functions plus the side tables the
// differentiation transform consults: derivative witnesses and
// property-getter registrations for structs that are not fieldwise
// differentiable.
type Module struct {
	Name string

	funcs  []*Function
	byName map[string]*Function

	structs  []*StructType
	structBy map[string]*StructType

	getterOrder []getterKey
	getters     map[getterKey]*Function

	witnessOrder []string
	witnesses    map[string]*Witness
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		Name:      name,
		byName:    make(map[string]*Function),
		structBy:  make(map[string]*StructType),
		getters:   make(map[getterKey]*Function),
		witnesses: make(map[string]*Witness),
	}
}

// AddFunction creates and registers a function. Panics on duplicate
// names: generated names are deterministic, so a clash indicates a
// caller bug rather than an input error.
func (m *Module) AddFunction(name string, typ *FuncType) *Function {
	if _, ok := m.byName[name]; ok {
		panic(fmt.Sprintf("ir: duplicate function %q in module %q", name, m.Name))
	}
	fn := NewFunction(name, typ)
	fn.module = m
	m.funcs = append(m.funcs, fn)
	m.byName[name] = fn
	return fn
}

// Function looks up a function by name.
func (m *Module) Function(name string) *Function {
	return m.byName[name]
}

// Functions returns the functions in registration order.
func (m *Module) Functions() []*Function { return m.funcs }

// RemoveFunction unregisters a function. Used by the orchestrator to
// roll back generated functions after a failed run.
func (m *Module) RemoveFunction(fn *Function) {
	if m.byName[fn.Name] != fn {
		return
	}
	delete(m.byName, fn.Name)
	for i, f := range m.funcs {
		if f == fn {
			m.funcs = append(m.funcs[:i], m.funcs[i+1:]...)
			break
		}
	}
	fn.module = nil
}

// DeclareStruct registers a nominal struct type for lookup by name.
func (m *Module) DeclareStruct(t *StructType) {
	if _, ok := m.structBy[t.Name]; ok {
		panic(fmt.Sprintf("ir: duplicate struct %q in module %q", t.Name, m.Name))
	}
	m.structs = append(m.structs, t)
	m.structBy[t.Name] = t
}

// RemoveStruct deletes a declared struct type. Used to roll back
// synthesized types when a transform fails.
func (m *Module) RemoveStruct(t *StructType) {
	if m.structBy[t.Name] != t {
		return
	}
	delete(m.structBy, t.Name)
	for i, s := range m.structs {
		if s == t {
			m.structs = append(m.structs[:i], m.structs[i+1:]...)
			break
		}
	}
}

// Struct looks up a declared struct type by name.
func (m *Module) Struct(name string) *StructType { return m.structBy[name] }

// Structs returns declared struct types in declaration order.
func (m *Module) Structs() []*StructType { return m.structs }

// RegisterGetter associates a getter function with a struct field.
// The getter must have signature (S) -> (FieldType). Consulted when a
// projection out of a non-fieldwise-differentiable struct must be
// differentiated as a call.
func (m *Module) RegisterGetter(st *StructType, field int, fn *Function) {
	key := getterKey{st.Name, field}
	if _, ok := m.getters[key]; !ok {
		m.getterOrder = append(m.getterOrder, key)
	}
	m.getters[key] = fn
}

// Getter returns the registered getter for a struct field, or nil.
func (m *Module) Getter(st *StructType, field int) *Function {
	return m.getters[getterKey{st.Name, field}]
}

func witnessKey(fn *Function, indices Indices) string {
	return fn.Name + "#" + indices.Key()
}

// DeclareWitness records a derivative request or registration. If a
// witness for the exact configuration already exists it is returned
// unchanged (memoization by structural indices equality).
func (m *Module) DeclareWitness(fn *Function, indices Indices) *Witness {
	key := witnessKey(fn, indices)
	if w, ok := m.witnesses[key]; ok {
		return w
	}
	w := &Witness{Original: fn, Indices: indices}
	m.witnesses[key] = w
	m.witnessOrder = append(m.witnessOrder, key)
	return w
}

// Witness returns the witness for the exact configuration, or nil.
func (m *Module) Witness(fn *Function, indices Indices) *Witness {
	return m.witnesses[witnessKey(fn, indices)]
}

// SupersetWitness returns a materialized witness for fn whose
// parameter set includes every index in indices and shares its result
// index, preferring an exact match. Returns nil if none exists.
func (m *Module) SupersetWitness(fn *Function, indices Indices) *Witness {
	if w := m.Witness(fn, indices); w != nil && w.Derivative != nil {
		return w
	}
	var best *Witness
	for _, key := range m.witnessOrder {
		w := m.witnesses[key]
		if w.Original != fn || w.Derivative == nil {
			continue
		}
		if !w.Indices.IsSupersetOf(indices) {
			continue
		}
		if best == nil || len(w.Indices.Params()) < len(best.Indices.Params()) {
			best = w
		}
	}
	return best
}

// RemoveWitness drops a witness. Used for rollback.
func (m *Module) RemoveWitness(fn *Function, indices Indices) {
	key := witnessKey(fn, indices)
	if _, ok := m.witnesses[key]; !ok {
		return
	}
	delete(m.witnesses, key)
	for i, k := range m.witnessOrder {
		if k == key {
			m.witnessOrder = append(m.witnessOrder[:i], m.witnessOrder[i+1:]...)
			break
		}
	}
}

// Witnesses returns all witnesses in declaration order.
func (m *Module) Witnesses() []*Witness {
	out := make([]*Witness, 0, len(m.witnessOrder))
	for _, key := range m.witnessOrder {
		out = append(out, m.witnesses[key])
	}
	return out
}

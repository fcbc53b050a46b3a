package irtext

import (
	"strconv"

	"github.com/gradir-ml/gradir/internal/ir"
	"github.com/gradir-ml/gradir/internal/tangent"
	"github.com/pkg/errors"
)

type pendingWitness struct {
	orig    string
	indices ir.Indices
	deriv   string // empty when the witness is an unmaterialized request
	line    int
}

type pendingGetter struct {
	structName string
	field      int
	fn         string
	line       int
}

type pendingBody struct {
	fn    *ir.Function
	start int // token index just after the opening brace
}

type parser struct {
	toks     []token
	pos      int
	module   *ir.Module
	resolver *tangent.Resolver

	witnesses []pendingWitness
	getters   []pendingGetter
	bodies    []pendingBody
}

// Parse reads a textual module. Function bodies may reference
// functions declared later in the file; declarations are collected
// before any body is parsed.
func Parse(src string) (m *ir.Module, err error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, resolver: tangent.NewResolver()}

	// The ir builder panics on type mismatches; surface those as
	// parse errors rather than crashing on malformed input.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, errors.Errorf("irtext:%d: %v", p.cur().line, r)
		}
	}()

	if err := p.parseDecls(); err != nil {
		return nil, err
	}
	if err := p.resolvePending(); err != nil {
		return nil, err
	}
	for _, body := range p.bodies {
		if err := p.parseBody(body); err != nil {
			return nil, err
		}
	}
	return p.module, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) errorf(format string, args ...interface{}) error {
	return errors.Errorf("irtext:%d: "+format, append([]interface{}{p.cur().line}, args...)...)
}

func (p *parser) expectPunct(ch string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != ch {
		return errors.Errorf("irtext:%d: expected %q, got %s", t.line, ch, t)
	}
	return nil
}

func (p *parser) expectIdent(word string) error {
	t := p.next()
	if t.kind != tokIdent || t.text != word {
		return errors.Errorf("irtext:%d: expected %q, got %s", t.line, word, t)
	}
	return nil
}

func (p *parser) atPunct(ch string) bool {
	return p.cur().kind == tokPunct && p.cur().text == ch
}

func (p *parser) parseInt() (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, errors.Errorf("irtext:%d: expected integer, got %s", t.line, t)
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, errors.Errorf("irtext:%d: bad integer %q", t.line, t.text)
	}
	return n, nil
}

func (p *parser) parseFloat() (float64, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, errors.Errorf("irtext:%d: expected number, got %s", t.line, t)
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return 0, errors.Errorf("irtext:%d: bad number %q", t.line, t.text)
	}
	return f, nil
}

// parseDecls runs the declaration pass: the module header, structs,
// witness and getter records, and function signatures with body token
// ranges noted for the second pass.
func (p *parser) parseDecls() error {
	if err := p.expectIdent("module"); err != nil {
		return err
	}
	name := p.next()
	if name.kind != tokString {
		return errors.Errorf("irtext:%d: module name must be a string", name.line)
	}
	p.module = ir.NewModule(name.text)

	for p.cur().kind != tokEOF {
		t := p.next()
		if t.kind != tokIdent {
			return errors.Errorf("irtext:%d: expected declaration, got %s", t.line, t)
		}
		var err error
		switch t.text {
		case "struct":
			err = p.parseStructDecl()
		case "witness":
			err = p.parseWitnessDecl(t.line)
		case "getter":
			err = p.parseGetterDecl(t.line)
		case "func":
			err = p.parseFuncDecl()
		default:
			return errors.Errorf("irtext:%d: unknown declaration %q", t.line, t.text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseStructDecl() error {
	name := p.next()
	if name.kind != tokIdent {
		return errors.Errorf("irtext:%d: expected struct name, got %s", name.line, name)
	}
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	var fields []ir.StructField
	for !p.atPunct("}") {
		if len(fields) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		var noDeriv bool
		if p.cur().kind == tokAtIdent && p.cur().text == "noDerivative" {
			p.next()
			noDeriv = true
		}
		fname := p.next()
		if fname.kind != tokIdent {
			return errors.Errorf("irtext:%d: expected field name, got %s", fname.line, fname)
		}
		if err := p.expectPunct(":"); err != nil {
			return err
		}
		ftype, err := p.parseType()
		if err != nil {
			return err
		}
		fields = append(fields, ir.StructField{Name: fname.text, Type: ftype, NoDerivative: noDeriv})
	}
	p.next() // }
	p.module.DeclareStruct(ir.NewStruct(name.text, fields...))
	return nil
}

func (p *parser) parseWitnessDecl(line int) error {
	orig := p.next()
	if orig.kind != tokAtIdent {
		return errors.Errorf("irtext:%d: expected @function after witness", orig.line)
	}
	indices, err := p.parseIndices()
	if err != nil {
		return err
	}
	w := pendingWitness{orig: orig.text, indices: indices, line: line}
	if p.atPunct("=") {
		p.next()
		deriv := p.next()
		if deriv.kind != tokAtIdent {
			return errors.Errorf("irtext:%d: expected @function after =", deriv.line)
		}
		w.deriv = deriv.text
	}
	p.witnesses = append(p.witnesses, w)
	return nil
}

func (p *parser) parseGetterDecl(line int) error {
	st := p.next()
	if st.kind != tokIdent {
		return errors.Errorf("irtext:%d: expected struct name after getter", st.line)
	}
	field, err := p.parseInt()
	if err != nil {
		return err
	}
	fn := p.next()
	if fn.kind != tokAtIdent {
		return errors.Errorf("irtext:%d: expected @function in getter", fn.line)
	}
	p.getters = append(p.getters, pendingGetter{structName: st.text, field: field, fn: fn.text, line: line})
	return nil
}

func (p *parser) parseFuncDecl() error {
	var opaque, transparent bool
	for p.cur().kind == tokAtIdent {
		switch p.cur().text {
		case "opaque":
			opaque = true
			p.next()
			continue
		case "transparent":
			transparent = true
			p.next()
			continue
		}
		break
	}
	name := p.next()
	if name.kind != tokAtIdent {
		return errors.Errorf("irtext:%d: expected @name in func, got %s", name.line, name)
	}
	if err := p.expectPunct("("); err != nil {
		return err
	}
	var params []ir.Param
	var paramNames []string
	for !p.atPunct(")") {
		if len(params) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		pv := p.next()
		if pv.kind != tokValueRef {
			return errors.Errorf("irtext:%d: expected %%param, got %s", pv.line, pv)
		}
		if err := p.expectPunct(":"); err != nil {
			return err
		}
		indirect := false
		if p.atPunct("*") {
			p.next()
			indirect = true
		}
		typ, err := p.parseType()
		if err != nil {
			return err
		}
		params = append(params, ir.Param{Type: typ, Indirect: indirect})
		paramNames = append(paramNames, pv.text)
	}
	p.next() // )
	t := p.next()
	if t.kind != tokArrow {
		return errors.Errorf("irtext:%d: expected ->, got %s", t.line, t)
	}
	if err := p.expectPunct("("); err != nil {
		return err
	}
	var results []ir.Result
	for !p.atPunct(")") {
		if len(results) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		indirect := false
		if p.atPunct("*") {
			p.next()
			indirect = true
		}
		typ, err := p.parseType()
		if err != nil {
			return err
		}
		results = append(results, ir.Result{Type: typ, Indirect: indirect})
	}
	p.next() // )

	fn := p.module.AddFunction(name.text, ir.NewFunc(params, results))
	fn.Opaque = opaque
	fn.Transparent = transparent
	for i, pn := range paramNames {
		fn.Param(i).SetName(pn)
	}

	if err := p.expectPunct("{"); err != nil {
		return err
	}
	p.bodies = append(p.bodies, pendingBody{fn: fn, start: p.pos})
	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return errors.Errorf("irtext: unterminated body of @%s", fn.Name)
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			depth--
		}
	}
	return nil
}

func (p *parser) resolvePending() error {
	for _, w := range p.witnesses {
		orig := p.module.Function(w.orig)
		if orig == nil {
			return errors.Errorf("irtext:%d: witness for unknown function @%s", w.line, w.orig)
		}
		wit := p.module.DeclareWitness(orig, w.indices)
		if w.deriv != "" {
			deriv := p.module.Function(w.deriv)
			if deriv == nil {
				return errors.Errorf("irtext:%d: witness derivative @%s not found", w.line, w.deriv)
			}
			wit.Derivative = deriv
		}
	}
	for _, g := range p.getters {
		st := p.module.Struct(g.structName)
		if st == nil {
			return errors.Errorf("irtext:%d: getter for unknown struct %s", g.line, g.structName)
		}
		fn := p.module.Function(g.fn)
		if fn == nil {
			return errors.Errorf("irtext:%d: getter function @%s not found", g.line, g.fn)
		}
		if g.field < 0 || g.field >= len(st.Fields) {
			return errors.Errorf("irtext:%d: getter field %d out of range for %s", g.line, g.field, g.structName)
		}
		p.module.RegisterGetter(st, g.field, fn)
	}
	return nil
}

func (p *parser) parseType() (ir.Type, error) {
	t := p.next()
	switch {
	case t.kind == tokIdent && t.text == "Int":
		return ir.Int, nil
	case t.kind == tokIdent && t.text == "Float":
		return ir.Float, nil
	case t.kind == tokIdent && t.text == "Vector":
		if err := p.expectPunct("<"); err != nil {
			return nil, err
		}
		dim, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(">"); err != nil {
			return nil, err
		}
		return ir.Vector(dim), nil
	case t.kind == tokIdent:
		st := p.module.Struct(t.text)
		if st == nil {
			return nil, errors.Errorf("irtext:%d: unknown type %q", t.line, t.text)
		}
		return st, nil
	case t.kind == tokPunct && t.text == "(":
		return p.parseParenType()
	default:
		return nil, errors.Errorf("irtext:%d: expected type, got %s", t.line, t)
	}
}

// parseParenType handles tuples and function types, distinguished by a
// trailing arrow. The opening paren is already consumed.
func (p *parser) parseParenType() (ir.Type, error) {
	var elems []ir.Type
	var indirect []bool
	anyIndirect := false
	for !p.atPunct(")") {
		if len(elems) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		ind := false
		if p.atPunct("*") {
			p.next()
			ind = true
			anyIndirect = true
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		elems = append(elems, typ)
		indirect = append(indirect, ind)
	}
	p.next() // )
	if p.cur().kind != tokArrow {
		if anyIndirect {
			return nil, p.errorf("tuple elements cannot be indirect")
		}
		return ir.Tuple(elems...), nil
	}
	p.next() // ->
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	params := make([]ir.Param, len(elems))
	for i := range elems {
		params[i] = ir.Param{Type: elems[i], Indirect: indirect[i]}
	}
	var results []ir.Result
	for !p.atPunct(")") {
		if len(results) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		ind := false
		if p.atPunct("*") {
			p.next()
			ind = true
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		results = append(results, ir.Result{Type: typ, Indirect: ind})
	}
	p.next() // )
	return ir.NewFunc(params, results), nil
}

// parseIndices reads the bracketed index form, e.g.
// [params 0, 1; result 0], with an optional where clause.
func (p *parser) parseIndices() (ir.Indices, error) {
	if err := p.expectPunct("["); err != nil {
		return ir.Indices{}, err
	}
	if err := p.expectIdent("params"); err != nil {
		return ir.Indices{}, err
	}
	var params []int
	for !p.atPunct(";") {
		if len(params) > 0 {
			if err := p.expectPunct(","); err != nil {
				return ir.Indices{}, err
			}
		}
		n, err := p.parseInt()
		if err != nil {
			return ir.Indices{}, err
		}
		params = append(params, n)
	}
	p.next() // ;
	if err := p.expectIdent("result"); err != nil {
		return ir.Indices{}, err
	}
	result, err := p.parseInt()
	if err != nil {
		return ir.Indices{}, err
	}
	if err := p.expectPunct("]"); err != nil {
		return ir.Indices{}, err
	}
	var reqs []string
	if p.cur().kind == tokIdent && p.cur().text == "where" {
		p.next()
		for {
			r := p.next()
			if r.kind != tokIdent {
				return ir.Indices{}, errors.Errorf("irtext:%d: expected requirement, got %s", r.line, r)
			}
			reqs = append(reqs, r.text)
			if !p.atPunct(",") {
				break
			}
			p.next()
		}
	}
	return ir.NewIndices(params, result, reqs...), nil
}

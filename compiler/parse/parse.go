package parse

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/ir"
)

type (
	State struct {
		b []byte // all files concatenated

		files []file
	}

	file struct {
		base int
		size int
		name string
	}

	PartialReadError struct {
		End int
	}

	parser struct {
		pkg *ir.Package
		fn  *funcState

		line int
	}

	funcState struct {
		f *ir.Func

		regs   map[string]ir.Reg
		labels map[string]ir.BlockID

		defined []bool
		refline []int

		cur ir.BlockID
	}
)

func ParseFile(ctx context.Context, name string) (*ir.Package, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	s := New()

	s.AddFile(name, data)

	return s.Parse(ctx)
}

func Parse(ctx context.Context, text []byte) (*ir.Package, error) {
	s := New()

	s.AddFile("", text)

	return s.Parse(ctx)
}

func New() *State {
	return &State{}
}

func (s *State) AddFile(name string, text []byte) {
	f := file{
		name: name,
		base: len(s.b),
		size: len(text),
	}

	s.b = append(s.b, text...)

	s.files = append(s.files, f)
}

func (s *State) Text(pos, end int) []byte {
	return s.b[pos:end]
}

func (s *State) Parse(ctx context.Context) (pkg *ir.Package, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "parse", "files", len(s.files))
	defer tr.Finish("err", &err)

	pkg = &ir.Package{}

	for _, f := range s.files {
		p := &parser{pkg: pkg}

		err = p.parseFile(ctx, s.b[f.base:f.base+f.size])
		if err != nil && f.name != "" {
			err = errors.Wrap(err, "%v", f.name)
		}
		if err != nil {
			return nil, err
		}
	}

	tr.V("parse").Printw("parsed", "funcs", len(pkg.Funcs))

	return pkg, nil
}

func (p *parser) parseFile(ctx context.Context, text []byte) (err error) {
	for len(text) != 0 {
		p.line++

		line := text
		if i := bytes.IndexByte(text, '\n'); i >= 0 {
			line, text = text[:i], text[i+1:]
		} else {
			text = nil
		}

		err = p.parseLine(ctx, &lexer{b: bytes.TrimRight(line, "\r")})
		if err != nil {
			return errors.Wrap(err, "line %d", p.line)
		}
	}

	return p.finishFunc(ctx)
}

func (p *parser) parseLine(ctx context.Context, l *lexer) (err error) {
	if l.end() {
		return nil
	}

	if l.keyword("func") {
		err = p.finishFunc(ctx)
		if err != nil {
			return err
		}

		name, ok := l.ident()
		if !ok {
			return errors.New("func name expected")
		}

		if p.pkg.Func(name) != nil {
			return errors.New("func %v redeclared", name)
		}

		p.fn = &funcState{
			f:      &ir.Func{Name: name},
			regs:   map[string]ir.Reg{},
			labels: map[string]ir.BlockID{},
			cur:    ir.NoBlock,
		}

		p.pkg.Funcs = append(p.pkg.Funcs, p.fn.f)

		return p.lineEnd(l)
	}

	if p.fn == nil {
		return errors.New("func expected")
	}

	fs := p.fn
	st := l.i

	if name, ok := l.ident(); ok && l.eat(':') {
		b := p.block(name)

		if fs.defined[b] {
			return errors.New("label %v redefined", name)
		}

		fs.defined[b] = true
		fs.cur = b
		fs.f.Layout = append(fs.f.Layout, b)

		return p.lineEnd(l)
	}

	l.i = st

	if fs.cur == ir.NoBlock {
		return errors.New("instruction outside of block")
	}

	if l.keyword("livein") {
		for !l.end() {
			r, err := p.reg(l)
			if err != nil {
				return errors.Wrap(err, "livein")
			}

			fs.f.Blocks[fs.cur].LiveIn = append(fs.f.Blocks[fs.cur].LiveIn, r)
		}

		return nil
	}

	in, err := p.inst(l)
	if err != nil {
		return err
	}

	fs.f.Append(fs.cur, in)

	return p.lineEnd(l)
}

func (p *parser) inst(l *lexer) (in ir.Inst, err error) {
	if l.eat('(') {
		in.Pred, err = p.condList(l)
		if err != nil {
			return in, errors.Wrap(err, "predicate")
		}
	}

	if l.peek() == '%' {
		for {
			r, err := p.reg(l)
			if err != nil {
				return in, errors.Wrap(err, "def")
			}

			in.Defs = append(in.Defs, r)

			if !l.eat(',') {
				break
			}
		}

		if err = l.expect('='); err != nil {
			return in, err
		}
	}

	op, ok := l.ident()
	if !ok {
		return in, errors.New("op expected")
	}

	in.Op = ir.Op(op)

	switch in.Op {
	case ir.OpPhi:
		err = p.phiInputs(l, &in)
	case ir.OpSelect:
		in.Cond, err = p.cond(l)
		if err != nil {
			break
		}

		for i := 0; i < 2; i++ {
			if err = l.expect(','); err != nil {
				break
			}

			var x ir.Operand

			x, err = p.operand(l)
			if err != nil {
				break
			}

			in.Uses = append(in.Uses, x)
		}
	case ir.OpBrCond:
		in.Cond, err = p.cond(l)
		if err != nil {
			break
		}

		if err = l.expect(','); err != nil {
			break
		}

		err = p.labelUse(l, &in)
	case ir.OpBr:
		err = p.labelUse(l, &in)
	default:
		err = p.operands(l, &in)
	}

	if err != nil {
		return in, errors.Wrap(err, "%v", in.Op)
	}

	if l.keyword("implicit") {
		if err = l.expect('('); err != nil {
			return in, errors.Wrap(err, "implicit")
		}

		for !l.eat(')') {
			r, err := p.reg(l)
			if err != nil {
				return in, errors.Wrap(err, "implicit")
			}

			in.Imp = append(in.Imp, r)

			l.eat(',')
		}
	}

	return in, nil
}

func (p *parser) operands(l *lexer, in *ir.Inst) error {
	for i := 0; !l.end() && !l.atKeyword("implicit"); i++ {
		if i != 0 {
			if err := l.expect(','); err != nil {
				return err
			}
		}

		x, err := p.operand(l)
		if err != nil {
			return errors.Wrap(err, "operand %d", i)
		}

		in.Uses = append(in.Uses, x)
	}

	return nil
}

func (p *parser) operand(l *lexer) (ir.Operand, error) {
	if l.peek() == '%' {
		r, err := p.reg(l)

		return ir.RegOp(r), err
	}

	v, ok, err := l.int()
	if err != nil {
		return ir.Operand{}, err
	}
	if ok {
		return ir.ImmOp(v), nil
	}

	name, ok := l.ident()
	if !ok {
		return ir.Operand{}, errors.New("operand expected at %d", l.i)
	}

	return ir.BlockOp(p.block(name)), nil
}

func (p *parser) phiInputs(l *lexer, in *ir.Inst) error {
	for i := 0; !l.end() && !l.atKeyword("implicit"); i++ {
		if i != 0 {
			if err := l.expect(','); err != nil {
				return err
			}
		}

		if err := l.expect('['); err != nil {
			return err
		}

		v, err := p.operand(l)
		if err != nil {
			return errors.Wrap(err, "input %d", i)
		}

		if err = l.expect(','); err != nil {
			return err
		}

		in.Uses = append(in.Uses, v)

		if err = p.labelUse(l, in); err != nil {
			return errors.Wrap(err, "input %d", i)
		}

		if err = l.expect(']'); err != nil {
			return err
		}
	}

	return nil
}

func (p *parser) labelUse(l *lexer, in *ir.Inst) error {
	name, ok := l.ident()
	if !ok {
		return errors.New("label expected at %d", l.i)
	}

	in.Uses = append(in.Uses, ir.BlockOp(p.block(name)))

	return nil
}

// cond reads a single term or a parenthesized list.
func (p *parser) cond(l *lexer) (ir.Cond, error) {
	if l.eat('(') {
		return p.condList(l)
	}

	t, err := p.term(l)
	if err != nil {
		return nil, err
	}

	return ir.Cond{t}, nil
}

// condList reads terms up to the closing paren.
func (p *parser) condList(l *lexer) (c ir.Cond, err error) {
	for !l.eat(')') {
		if len(c) != 0 {
			if err = l.expect(','); err != nil {
				return nil, err
			}
		}

		t, err := p.term(l)
		if err != nil {
			return nil, err
		}

		c = append(c, t)
	}

	if len(c) == 0 {
		return nil, errors.New("empty condition")
	}

	return c, nil
}

func (p *parser) term(l *lexer) (t ir.Term, err error) {
	t.Neg = l.eat('!')

	t.Reg, err = p.reg(l)

	return t, err
}

func (p *parser) reg(l *lexer) (ir.Reg, error) {
	name, ok := l.reg()
	if !ok {
		return 0, errors.New("register expected at %d", l.i)
	}

	fs := p.fn

	r, ok := fs.regs[name]
	if !ok {
		r = fs.f.NewReg(name)
		fs.regs[name] = r
	}

	return r, nil
}

// block returns the block for label, creating it on first reference.
func (p *parser) block(name string) ir.BlockID {
	fs := p.fn

	if b, ok := fs.labels[name]; ok {
		return b
	}

	b := fs.f.NewBlock(name)
	fs.labels[name] = b

	fs.defined = append(fs.defined, false)
	fs.refline = append(fs.refline, p.line)

	return b
}

func (p *parser) lineEnd(l *lexer) error {
	if !l.end() {
		return PartialReadError{End: l.i}
	}

	return nil
}

func (p *parser) finishFunc(ctx context.Context) error {
	fs := p.fn
	if fs == nil {
		return nil
	}

	p.fn = nil

	for b, ok := range fs.defined {
		if !ok {
			return errors.New("func %v: label %v used at line %d is not defined", fs.f.Name, fs.f.BlockName(ir.BlockID(b)), fs.refline[b])
		}
	}

	fs.f.BuildEdges()

	tlog.SpanFromContext(ctx).V("parse").Printw("func", "name", fs.f.Name, "blocks", len(fs.f.Layout), "insts", len(fs.f.Insts))

	return nil
}

func (e PartialReadError) Error() string {
	return fmt.Sprintf("unexpected text at %d", e.End)
}

package ifcvt

import (
	"fmt"

	"tlog.app/go/loc"

	"github.com/slowlang/ifcvt/compiler/ir"
)

// InvariantError is an internal consistency failure found while rewriting a function.
// The function is left partially converted.
type InvariantError struct {
	Func  string
	Block string
	Inst  string
	Msg   string

	PC loc.PC
}

func (e *InvariantError) Error() string {
	b := fmt.Sprintf("ifcvt: func %v", e.Func)

	if e.Block != "" {
		b += ": block " + e.Block
	}

	if e.Inst != "" {
		b += ": inst " + e.Inst
	}

	return fmt.Sprintf("%v: %v (at %v)", b, e.Msg, e.PC)
}

func (p *Pass) fail(b ir.BlockID, id ir.InstID, format string, args ...any) {
	e := &InvariantError{
		Func: p.f.Name,
		Msg:  fmt.Sprintf(format, args...),
		PC:   loc.Caller(1),
	}

	if b != ir.NoBlock {
		e.Block = p.f.BlockName(b)
	}

	if id != ir.NoInst {
		in := p.f.Inst(id)
		e.Inst = fmt.Sprintf("#%d %v", int(id), in.Op)
	}

	panic(e)
}

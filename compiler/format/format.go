package format

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/ifcvt/compiler/ir"
)

func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Package:
		return formatPackage(ctx, b, x, d)
	case *ir.Func:
		return formatFunc(ctx, b, x, d)
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatPackage(ctx context.Context, b []byte, x *ir.Package, d int) (_ []byte, err error) {
	for i, f := range x.Funcs {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = formatFunc(ctx, b, f, d)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	return b, nil
}

func formatFunc(ctx context.Context, b []byte, f *ir.Func, d int) (_ []byte, err error) {
	b = app(b, d, "func %v\n", f.Name)

	for _, id := range f.Layout {
		blk := f.Block(id)

		if blk.Dead {
			return nil, errors.New("removed block %v in layout", blk.Name)
		}

		b = app(b, d, "%v:\n", blk.Name)

		if len(blk.LiveIn) != 0 {
			b = app(b, d+1, "livein")

			for _, r := range blk.LiveIn {
				b = hfmt.Appendf(b, " %%%v", f.RegName(r))
			}

			b = append(b, '\n')
		}

		for _, iid := range blk.Code {
			b = app(b, d+1, "")

			b, err = formatInst(ctx, b, f, f.Inst(iid))
			if err != nil {
				return nil, errors.Wrap(err, "block %v", blk.Name)
			}

			b = append(b, '\n')
		}
	}

	return b, nil
}

func formatInst(ctx context.Context, b []byte, f *ir.Func, in *ir.Inst) (_ []byte, err error) {
	if len(in.Pred) != 0 {
		b = append(b, '(')
		b = appendTerms(b, f, in.Pred)
		b = append(b, ") "...)
	}

	for i, r := range in.Defs {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = hfmt.Appendf(b, "%%%v", f.RegName(r))
	}

	if len(in.Defs) != 0 {
		b = append(b, " = "...)
	}

	b = append(b, string(in.Op)...)

	switch in.Op {
	case ir.OpPhi:
		if len(in.Uses)%2 != 0 {
			return nil, errors.New("malformed phi")
		}

		for i := 0; i < len(in.Uses); i += 2 {
			if i != 0 {
				b = append(b, ',')
			}

			b = append(b, " ["...)
			b = appendOperand(b, f, in.Uses[i])
			b = append(b, ", "...)
			b = appendOperand(b, f, in.Uses[i+1])
			b = append(b, ']')
		}
	case ir.OpSelect, ir.OpBrCond:
		if len(in.Cond) == 0 {
			return nil, errors.New("%v without condition", in.Op)
		}

		b = append(b, ' ')
		b = appendCond(b, f, in.Cond)

		for _, u := range in.Uses {
			b = append(b, ", "...)
			b = appendOperand(b, f, u)
		}
	default:
		for i, u := range in.Uses {
			if i != 0 {
				b = append(b, ',')
			}

			b = append(b, ' ')
			b = appendOperand(b, f, u)
		}
	}

	if len(in.Imp) != 0 {
		b = append(b, " implicit("...)

		for i, r := range in.Imp {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = hfmt.Appendf(b, "%%%v", f.RegName(r))
		}

		b = append(b, ')')
	}

	return b, nil
}

// appendCond writes a single term bare and a conjunction in parens.
func appendCond(b []byte, f *ir.Func, c ir.Cond) []byte {
	if len(c) == 1 {
		return appendTerms(b, f, c)
	}

	b = append(b, '(')
	b = appendTerms(b, f, c)
	b = append(b, ')')

	return b
}

func appendTerms(b []byte, f *ir.Func, c ir.Cond) []byte {
	for i, t := range c {
		if i != 0 {
			b = append(b, ", "...)
		}

		if t.Neg {
			b = append(b, '!')
		}

		b = hfmt.Appendf(b, "%%%v", f.RegName(t.Reg))
	}

	return b
}

func appendOperand(b []byte, f *ir.Func, x ir.Operand) []byte {
	switch x.Kind {
	case ir.OperandReg:
		return hfmt.Appendf(b, "%%%v", f.RegName(x.Reg))
	case ir.OperandImm:
		return hfmt.Appendf(b, "%d", x.Imm)
	default:
		return append(b, f.BlockName(x.Block)...)
	}
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}

package ir

import (
	"strconv"

	"tlog.app/go/tlog/tlwire"
)

type (
	BlockID int
	InstID  int
	Reg     int

	Op string

	OperandKind int8

	// Term is a single predicate register, optionally negated.
	Term struct {
		Reg Reg
		Neg bool
	}

	// Cond is a conjunction of terms. Empty Cond is always true.
	Cond []Term

	Operand struct {
		Kind  OperandKind
		Reg   Reg
		Imm   int64
		Block BlockID
	}

	// Inst is a machine-level instruction.
	// Cond is the condition of brc and sel, Pred is the guarding predicate.
	// Imp lists registers whose prior value is read because a predicated
	// instruction may leave them unchanged.
	Inst struct {
		Op   Op
		Defs []Reg
		Uses []Operand
		Cond Cond
		Pred Cond
		Imp  []Reg
	}

	Block struct {
		ID   BlockID
		Name string

		Code []InstID

		Succs []BlockID
		Preds []BlockID

		LiveIn []Reg

		Dead bool
	}

	Func struct {
		Name string

		Blocks []Block
		Insts  []Inst
		Layout []BlockID

		Regs []string
	}

	Package struct {
		Path string

		Funcs []*Func
	}
)

const (
	NoBlock BlockID = -1
	NoInst  InstID  = -1
)

const (
	OperandReg OperandKind = iota
	OperandImm
	OperandBlock
)

const (
	OpPhi    Op = "phi"
	OpCopy   Op = "copy"
	OpUndef  Op = "undef"
	OpSelect Op = "sel"
	OpBr     Op = "br"
	OpBrCond Op = "brc"
	OpRet    Op = "ret"
	OpSwitch Op = "switch"
	OpDebug  Op = "dbg"
)

func RegOp(r Reg) Operand { return Operand{Kind: OperandReg, Reg: r} }

func ImmOp(v int64) Operand { return Operand{Kind: OperandImm, Imm: v} }

func BlockOp(b BlockID) Operand { return Operand{Kind: OperandBlock, Block: b} }

// IsBranch reports whether op transfers control to a block operand.
func (op Op) IsBranch() bool {
	return op == OpBr || op == OpBrCond
}

func (op Op) IsTerminator() bool {
	switch op {
	case OpBr, OpBrCond, OpRet, OpSwitch:
		return true
	}

	return false
}

func (op Op) IsDebug() bool { return op == OpDebug }

func (in *Inst) IsPredicated() bool { return len(in.Pred) != 0 }

// EndsFlow reports whether control never falls through this instruction.
func (in *Inst) EndsFlow() bool {
	if in.IsPredicated() {
		return false
	}

	switch in.Op {
	case OpBr, OpRet, OpSwitch:
		return true
	}

	return false
}

// Targets appends block operands of the instruction.
func (in *Inst) Targets(dst []BlockID) []BlockID {
	if in.Op == OpPhi {
		return dst
	}

	for _, u := range in.Uses {
		if u.Kind == OperandBlock {
			dst = append(dst, u.Block)
		}
	}

	return dst
}

// PhiInputs calls f for every (value, block) pair of a phi.
func (in *Inst) PhiInputs(f func(i int, v Operand, b BlockID)) {
	for i := 0; i+1 < len(in.Uses); i += 2 {
		f(i, in.Uses[i], in.Uses[i+1].Block)
	}
}

func (in *Inst) Clone() Inst {
	return Inst{
		Op:   in.Op,
		Defs: dup(in.Defs),
		Uses: dup(in.Uses),
		Cond: dup(in.Cond),
		Pred: dup(in.Pred),
		Imp:  dup(in.Imp),
	}
}

// Identical reports whether a and b compute the same thing under the same predicate.
func Identical(a, b *Inst) bool {
	return a.Op == b.Op &&
		equal(a.Defs, b.Defs) &&
		equal(a.Uses, b.Uses) &&
		equal(a.Cond, b.Cond) &&
		equal(a.Pred, b.Pred) &&
		equal(a.Imp, b.Imp)
}

func (t Term) Not() Term {
	t.Neg = !t.Neg
	return t
}

// Reverse returns the complement of a single-term condition.
// Conjunctions of several terms have no conjunctive complement.
func (c Cond) Reverse() (Cond, bool) {
	if len(c) != 1 {
		return nil, false
	}

	return Cond{c[0].Not()}, true
}

func (c Cond) Has(t Term) bool {
	for _, x := range c {
		if x == t {
			return true
		}
	}

	return false
}

// And returns the conjunction of c and x without repeated terms.
func (c Cond) And(x Cond) Cond {
	r := Cond(dup(c))

	for _, t := range x {
		if !r.Has(t) {
			r = append(r, t)
		}
	}

	return r
}

func (t Term) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 2)
	b = e.AppendKeyInt(b, "reg", int(t.Reg))
	b = e.AppendKeyInt(b, "neg", b2i(t.Neg))

	return b
}

func (t Term) String() string {
	s := "r" + strconv.Itoa(int(t.Reg))

	if t.Neg {
		return "!" + s
	}

	return s
}

func (c Cond) String() string {
	b := []byte{'('}

	for i, t := range c {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = append(b, t.String()...)
	}

	b = append(b, ')')

	return string(b)
}

func (p *Package) Func(name string) *Func {
	for _, f := range p.Funcs {
		if f.Name == name {
			return f
		}
	}

	return nil
}

func b2i(v bool) int {
	if v {
		return 1
	}

	return 0
}

func dup[T any](s []T) []T {
	if s == nil {
		return nil
	}

	return append([]T{}, s...)
}

func equal[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

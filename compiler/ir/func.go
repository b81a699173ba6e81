package ir

import (
	"fmt"
	"strconv"
)

// Entry is the first block in layout order.
func (f *Func) Entry() BlockID {
	if len(f.Layout) == 0 {
		return NoBlock
	}

	return f.Layout[0]
}

func (f *Func) Block(b BlockID) *Block { return &f.Blocks[b] }

func (f *Func) Inst(id InstID) *Inst { return &f.Insts[id] }

// NumBlocks is the size of the block arena, including dead blocks.
func (f *Func) NumBlocks() int { return len(f.Blocks) }

func (f *Func) NewBlock(name string) BlockID {
	id := BlockID(len(f.Blocks))

	if name == "" {
		name = "b" + strconv.Itoa(int(id))
	}

	f.Blocks = append(f.Blocks, Block{ID: id, Name: name})

	return id
}

// NewReg allocates a register. Empty name gets a generated unique one.
func (f *Func) NewReg(name string) Reg {
	r := Reg(len(f.Regs))

	for n := int(r); name == ""; n++ {
		name = "tmp." + strconv.Itoa(n)

		if has(f.Regs, name) {
			name = ""
		}
	}

	f.Regs = append(f.Regs, name)

	return r
}

// LookupReg finds a register by name.
func (f *Func) LookupReg(name string) (Reg, bool) {
	for i, n := range f.Regs {
		if n == name {
			return Reg(i), true
		}
	}

	return 0, false
}

func (f *Func) RegName(r Reg) string {
	if r < 0 || int(r) >= len(f.Regs) {
		return fmt.Sprintf("r%d", int(r))
	}

	return f.Regs[r]
}

func (f *Func) BlockName(b BlockID) string {
	if b < 0 || int(b) >= len(f.Blocks) {
		return fmt.Sprintf("<block %d>", int(b))
	}

	return f.Blocks[b].Name
}

// Next returns the block following b in layout order.
func (f *Func) Next(b BlockID) BlockID {
	for i, x := range f.Layout {
		if x != b {
			continue
		}

		if i+1 == len(f.Layout) {
			return NoBlock
		}

		return f.Layout[i+1]
	}

	return NoBlock
}

func (f *Func) IsSucc(b, s BlockID) bool {
	return has(f.Blocks[b].Succs, s)
}

// AddSucc adds edge b -> s and keeps predecessor lists in sync.
func (f *Func) AddSucc(b, s BlockID) {
	if f.IsSucc(b, s) {
		return
	}

	f.Blocks[b].Succs = append(f.Blocks[b].Succs, s)
	f.Blocks[s].Preds = append(f.Blocks[s].Preds, b)
}

func (f *Func) RemoveSucc(b, s BlockID) {
	if !f.IsSucc(b, s) {
		return
	}

	f.Blocks[b].Succs = remove(f.Blocks[b].Succs, s)
	f.Blocks[s].Preds = remove(f.Blocks[s].Preds, b)
}

// RemoveBlock unlinks a block which has no predecessors left.
func (f *Func) RemoveBlock(b BlockID) {
	bp := &f.Blocks[b]

	if len(bp.Preds) != 0 {
		panic(fmt.Sprintf("remove block %v with predecessors %v", bp.Name, bp.Preds))
	}

	for len(bp.Succs) != 0 {
		f.RemoveSucc(b, bp.Succs[len(bp.Succs)-1])
	}

	bp.Code = nil
	bp.Dead = true

	f.Layout = remove(f.Layout, b)
}

// Append adds a new instruction to the end of b.
func (f *Func) Append(b BlockID, in Inst) InstID {
	id := InstID(len(f.Insts))
	f.Insts = append(f.Insts, in)

	f.Blocks[b].Code = append(f.Blocks[b].Code, id)

	return id
}

// Insert adds a new instruction to b before position pos.
func (f *Func) Insert(b BlockID, pos int, in Inst) InstID {
	id := InstID(len(f.Insts))
	f.Insts = append(f.Insts, in)

	code := f.Blocks[b].Code
	code = append(code, NoInst)
	copy(code[pos+1:], code[pos:])
	code[pos] = id

	f.Blocks[b].Code = code

	return id
}

// Clone copies an instruction into the arena. The copy is not placed in any block.
func (f *Func) Clone(id InstID) InstID {
	c := f.Insts[id].Clone()

	n := InstID(len(f.Insts))
	f.Insts = append(f.Insts, c)

	return n
}

// Splice moves instructions from[i:j] to the end of to.
func (f *Func) Splice(to, from BlockID, i, j int) {
	fp := &f.Blocks[from]

	moved := fp.Code[i:j]

	f.Blocks[to].Code = append(f.Blocks[to].Code, moved...)

	fp.Code = append(fp.Code[:i:i], fp.Code[j:]...)
}

// Erase drops b.Code[i:j]. Instructions stay in the arena unreferenced.
func (f *Func) Erase(b BlockID, i, j int) {
	bp := &f.Blocks[b]

	bp.Code = append(bp.Code[:i:i], bp.Code[j:]...)
}

// ReplaceReg rewrites every read of old into a read of x.
func (f *Func) ReplaceReg(old, x Reg) {
	for id := range f.Insts {
		in := &f.Insts[id]

		for i, u := range in.Uses {
			if u.Kind == OperandReg && u.Reg == old {
				in.Uses[i].Reg = x
			}
		}

		for i, r := range in.Imp {
			if r == old {
				in.Imp[i] = x
			}
		}

		replaceTerm(in.Cond, old, x)
		replaceTerm(in.Pred, old, x)
	}

	for b := range f.Blocks {
		for i, r := range f.Blocks[b].LiveIn {
			if r == old {
				f.Blocks[b].LiveIn[i] = x
			}
		}
	}
}

// Phis returns the leading phi instructions of b.
func (f *Func) Phis(b BlockID) []InstID {
	code := f.Blocks[b].Code

	n := 0
	for n < len(code) && f.Insts[code[n]].Op == OpPhi {
		n++
	}

	return code[:n]
}

// BuildEdges derives successors from branch targets and layout fallthrough.
func (f *Func) BuildEdges() {
	for b := range f.Blocks {
		f.Blocks[b].Succs = nil
		f.Blocks[b].Preds = nil
	}

	var succs []BlockID

	for _, b := range f.Layout {
		succs = f.FlowSuccs(b, succs[:0])

		for _, s := range succs {
			f.AddSucc(b, s)
		}
	}
}

// FlowSuccs appends blocks control can reach from b by its code:
// branch targets and the layout successor if b may fall through.
func (f *Func) FlowSuccs(b BlockID, dst []BlockID) []BlockID {
	st := len(dst)

	add := func(s BlockID) {
		if !has(dst[st:], s) {
			dst = append(dst, s)
		}
	}

	for _, id := range f.Blocks[b].Code {
		in := &f.Insts[id]

		if in.Op != OpPhi {
			for _, u := range in.Uses {
				if u.Kind == OperandBlock {
					add(u.Block)
				}
			}
		}

		if in.EndsFlow() {
			return dst
		}
	}

	if next := f.Next(b); next != NoBlock {
		add(next)
	}

	return dst
}

// RemovePhiInputs drops inputs of b's phis coming from pred.
func (f *Func) RemovePhiInputs(b, pred BlockID) {
	for _, id := range f.Phis(b) {
		in := &f.Insts[id]

		uses := in.Uses[:0]

		for i := 0; i+1 < len(in.Uses); i += 2 {
			if in.Uses[i+1].Block == pred {
				continue
			}

			uses = append(uses, in.Uses[i], in.Uses[i+1])
		}

		in.Uses = uses
	}
}

func replaceTerm(c Cond, old, x Reg) {
	for i, t := range c {
		if t.Reg == old {
			c[i].Reg = x
		}
	}
}

func has[T comparable](s []T, x T) bool {
	for _, y := range s {
		if y == x {
			return true
		}
	}

	return false
}

func remove[T comparable](s []T, x T) []T {
	for i, y := range s {
		if y == x {
			return append(s[:i:i], s[i+1:]...)
		}
	}

	return s
}

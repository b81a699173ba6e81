package ifcvt

import (
	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/set"
)

// predicateInst guards the instruction by cond.
// Copies become selects keeping the old value, undef is left as is.
func (p *Pass) predicateInst(b ir.BlockID, id ir.InstID, cond ir.Cond) {
	in := p.f.Inst(id)

	switch in.Op {
	case ir.OpUndef:
		return
	case ir.OpCopy:
		if len(in.Defs) != 1 || len(in.Uses) != 1 {
			p.fail(b, id, "malformed copy")
		}

		in.Op = ir.OpSelect
		in.Cond = append(ir.Cond{}, cond...)
		in.Uses = []ir.Operand{in.Uses[0], ir.RegOp(in.Defs[0])}

		return
	}

	if !p.tgt.PredicateInst(in, cond) {
		p.fail(b, id, "unable to predicate %v on %v", in.Op, cond)
	}
}

// predicateBlock guards code[:end] of bi by cond.
func (p *Pass) predicateBlock(bi *blockInfo, end int, cond ir.Cond, redefs *set.Bits[ir.Reg]) {
	code := p.f.Block(bi.b).Code

	for _, id := range code[:end] {
		if p.f.Inst(id).Op.IsDebug() {
			continue
		}

		p.predicateInst(bi.b, id, cond)
		p.updateRedefs(redefs, p.f.Inst(id), true)
	}

	bi.pred = bi.pred.And(cond)
	bi.nonPredSize = 0
	bi.vis = unvisited

	p.stats.IfCvtBlocks++
}

// copyAndPredicateBlock appends a predicated copy of from to to.
// With ignoreBr trailing branches of from are not copied.
func (p *Pass) copyAndPredicateBlock(to, from *blockInfo, cond ir.Cond, redefs *set.Bits[ir.Reg], ignoreBr bool) {
	f := p.f

	for _, id := range f.Block(from.b).Code {
		if ignoreBr && f.Inst(id).Op.IsBranch() {
			break
		}

		nid := f.Clone(id)

		blk := f.Block(to.b)
		blk.Code = append(blk.Code, nid)

		in := f.Inst(nid)

		if in.Op.IsDebug() {
			continue
		}

		to.nonPredSize++

		cycles, extra := p.tgt.Latency(in)
		if cycles > 1 {
			to.extraCost += cycles - 1
		}

		to.extraPredCost += extra

		p.predicateInst(to.b, nid, cond)
		p.updateRedefs(redefs, f.Inst(nid), true)
	}

	if !ignoreBr {
		fall := ir.NoBlock
		if from.hasFallthrough {
			fall = f.Next(from.b)
		}

		succs := append([]ir.BlockID{}, f.Block(from.b).Succs...)

		for _, s := range succs {
			if s == fall {
				continue
			}

			f.AddSucc(to.b, s)
			p.dupPhiInputs(s, to.b, from.b, cond)
		}
	}

	to.pred = to.pred.And(from.pred).And(cond)
	to.clobbersPred = to.clobbersPred || from.clobbersPred
	to.vis = unvisited

	p.stats.DupBlocks++
}

// dupPhiInputs gives to an input in s phis equal to the from one when cond holds.
func (p *Pass) dupPhiInputs(s, to, from ir.BlockID, cond ir.Cond) {
	f := p.f

	for _, id := range f.Phis(s) {
		in := f.Inst(id)

		fi, ti := phiInput(in, from), phiInput(in, to)
		if fi < 0 {
			continue
		}

		fv := in.Uses[fi]

		switch {
		case ti < 0:
			in.Uses = append(in.Uses, fv, ir.BlockOp(to))
		case in.Uses[ti] == fv:
		default:
			tv := in.Uses[ti]
			r := p.newSelect(to, cond, fv, tv)

			f.Inst(id).Uses[ti] = ir.RegOp(r)
		}
	}
}

// mergeBlocks moves code and edges of from into to and removes from.
// fromCond guards the from side of phi inputs of successors.
func (p *Pass) mergeBlocks(to, from *blockInfo, fromCond ir.Cond, addEdges bool) {
	f := p.f

	p.collapsePhis(from.b)

	fall := ir.NoBlock
	if from.hasFallthrough {
		fall = f.Next(from.b)
	}

	f.Splice(to.b, from.b, 0, len(f.Block(from.b).Code))

	succs := append([]ir.BlockID{}, f.Block(from.b).Succs...)

	for _, s := range succs {
		p.mergePhis(s, to.b, from.b, fromCond)

		if s == fall {
			continue
		}

		f.RemoveSucc(from.b, s)

		if addEdges {
			f.AddSucc(to.b, s)
		}
	}

	f.RemoveSucc(to.b, from.b)

	if n := p.numPreds(from.b); n != 0 {
		p.fail(from.b, ir.NoInst, "merged block has %d more predecessors", n)
	}

	f.RemoveBlock(from.b)

	to.pred = to.pred.And(from.pred)
	from.pred = nil

	to.nonPredSize += from.nonPredSize
	to.extraCost += from.extraCost
	to.extraPredCost += from.extraPredCost
	from.nonPredSize = 0

	to.clobbersPred = to.clobbersPred || from.clobbersPred
	to.hasFallthrough = from.hasFallthrough

	to.vis = unvisited
	from.vis = unvisited
}

// mergePhis rewrites phi inputs of s coming from to and from into one input from to.
func (p *Pass) mergePhis(s, to, from ir.BlockID, fromCond ir.Cond) {
	f := p.f

	phis := append([]ir.InstID{}, f.Phis(s)...)

	for _, id := range phis {
		var fv, tv ir.Operand
		var hasF, hasT bool

		in := f.Inst(id)
		uses := in.Uses[:0]

		for i := 0; i+1 < len(in.Uses); i += 2 {
			switch in.Uses[i+1].Block {
			case from:
				fv, hasF = in.Uses[i], true
			case to:
				tv, hasT = in.Uses[i], true
			default:
				uses = append(uses, in.Uses[i], in.Uses[i+1])

				continue
			}
		}

		in.Uses = uses

		var v ir.Operand

		switch {
		case !hasF && !hasT:
			continue
		case !hasT:
			v = fv
		case !hasF, fv == tv:
			v = tv
		default:
			if len(fromCond) == 0 {
				p.fail(s, id, "phi joins %v and %v without a condition", f.BlockName(from), f.BlockName(to))
			}

			v = ir.RegOp(p.newSelect(to, fromCond, fv, tv))
		}

		in = f.Inst(id)

		if len(in.Uses) == 0 {
			p.resolvePhi(s, id, v)
			continue
		}

		in.Uses = append(in.Uses, v, ir.BlockOp(to))
	}
}

// collapsePhis resolves phis of a block with a single predecessor left.
func (p *Pass) collapsePhis(b ir.BlockID) {
	f := p.f

	phis := append([]ir.InstID{}, f.Phis(b)...)

	for _, id := range phis {
		in := f.Inst(id)

		if len(in.Uses) < 2 {
			p.fail(b, id, "phi without inputs")
		}

		v := in.Uses[0]

		for i := 2; i < len(in.Uses); i += 2 {
			if in.Uses[i] != v {
				p.fail(b, id, "phi of a merged block has several values")
			}
		}

		p.resolvePhi(b, id, v)
	}
}

// resolvePhi replaces the phi with its only value.
func (p *Pass) resolvePhi(b ir.BlockID, id ir.InstID, v ir.Operand) {
	f := p.f

	in := f.Inst(id)
	if len(in.Defs) != 1 {
		p.fail(b, id, "phi with %d defs", len(in.Defs))
	}

	i := indexOf(f.Block(b).Code, id)
	f.Erase(b, i, i+1)

	if v.Kind == ir.OperandReg {
		f.ReplaceReg(in.Defs[0], v.Reg)
		return
	}

	in.Op = ir.OpCopy
	in.Uses = []ir.Operand{v}

	blk := f.Block(b)
	pos := len(f.Phis(b))

	blk.Code = append(blk.Code, ir.NoInst)
	copy(blk.Code[pos+1:], blk.Code[pos:])
	blk.Code[pos] = id
}

// newSelect adds r = sel cond, x, y before the block terminators.
func (p *Pass) newSelect(b ir.BlockID, cond ir.Cond, x, y ir.Operand) ir.Reg {
	r := p.f.NewReg("")

	code := p.f.Block(b).Code

	e := len(code)
	for e > 0 && (p.f.Inst(code[e-1]).Op.IsTerminator() || p.f.Inst(code[e-1]).Op.IsDebug()) {
		e--
	}

	p.f.Insert(b, e, ir.Inst{
		Op:   ir.OpSelect,
		Defs: []ir.Reg{r},
		Uses: []ir.Operand{x, y},
		Cond: append(ir.Cond{}, cond...),
	})

	return r
}

func (p *Pass) initRedefs(redefs *set.Bits[ir.Reg], b ir.BlockID) {
	for _, r := range p.f.Block(b).LiveIn {
		redefs.Set(r)
	}
}

// updateRedefs tracks registers defined so far.
// A predicated def of one of them reads its previous value.
func (p *Pass) updateRedefs(redefs *set.Bits[ir.Reg], in *ir.Inst, addImp bool) {
	defs := in.Defs

	if sr, ok := p.tgt.(StateRedefiner); ok {
		if st := sr.RedefinedState(p.f, in); len(st) != 0 {
			defs = append(append([]ir.Reg{}, defs...), st...)
		}
	}

	for _, r := range defs {
		if addImp && in.IsPredicated() && redefs.IsSet(r) && indexOf(in.Imp, r) < 0 {
			in.Imp = append(in.Imp, r)
		}

		redefs.Set(r)
	}
}

// canFallThroughTo reports whether b is followed by to in layout.
func (p *Pass) canFallThroughTo(b, to ir.BlockID) bool {
	return p.f.Next(b) == to
}

// removeExtraEdges drops successors the block code can't reach.
func (p *Pass) removeExtraEdges(bi *blockInfo) {
	f := p.f

	if _, _, _, ok := p.tgt.AnalyzeBranch(f, bi.b); !ok {
		return
	}

	flow := f.FlowSuccs(bi.b, nil)
	succs := append([]ir.BlockID{}, f.Block(bi.b).Succs...)

	for _, s := range succs {
		if indexOf(flow, s) >= 0 {
			continue
		}

		f.RemoveSucc(bi.b, s)
		f.RemovePhiInputs(s, bi.b)
	}
}

// invalidatePreds makes predecessors of b analyzed again.
func (p *Pass) invalidatePreds(b ir.BlockID) {
	for _, pr := range p.f.Block(b).Preds {
		pi := &p.info[pr]

		if pi.done || pr == b {
			continue
		}

		pi.vis = unvisited
		pi.enqueued = false
	}
}

func (p *Pass) insertUncondBranch(bi *blockInfo, to ir.BlockID) {
	p.tgt.InsertBranch(p.f, bi.b, to, ir.NoBlock, nil)

	bi.hasFallthrough = false
}

// reverseBranch swaps the branch targets of bi.
func (p *Pass) reverseBranch(bi *blockInfo) bool {
	rev, ok := p.tgt.ReverseCondition(bi.brCond)
	if !ok {
		return false
	}

	p.tgt.RemoveBranch(p.f, bi.b)
	p.tgt.InsertBranch(p.f, bi.b, bi.fbb, bi.tbb, rev)

	bi.tbb, bi.fbb = bi.fbb, bi.tbb
	bi.brCond = rev

	return true
}

func (p *Pass) reverse(b ir.BlockID, c ir.Cond) ir.Cond {
	rev, ok := p.tgt.ReverseCondition(c)
	if !ok {
		p.fail(b, ir.NoInst, "condition %v is not reversible", c)
	}

	return rev
}

func phiInput(in *ir.Inst, b ir.BlockID) int {
	for i := 0; i+1 < len(in.Uses); i += 2 {
		if in.Uses[i+1].Block == b {
			return i
		}
	}

	return -1
}

func indexOf[T comparable](s []T, x T) int {
	for i, y := range s {
		if y == x {
			return i
		}
	}

	return -1
}

func sub(a, b int) int {
	if a < b {
		return 0
	}

	return a - b
}

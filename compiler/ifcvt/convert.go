package ifcvt

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/set"
)

// convertSimple predicates the arm which leaves the head for good.
func (p *Pass) convertSimple(ctx context.Context, c candidate) bool {
	f := p.f
	bi := &p.info[c.b]

	cvt, next := &p.info[bi.tbb], &p.info[bi.fbb]
	cond := bi.brCond

	if c.kind == SimpleFalse {
		cvt, next = next, cvt
	}

	if cvt.done || cvt.cannotBeCopied && p.numPreds(cvt.b) > 1 {
		bi.vis = unvisited
		cvt.vis = unvisited

		return false
	}

	if c.kind == SimpleFalse {
		cond = p.reverse(bi.b, cond)
	} else {
		cond = append(ir.Cond{}, cond...)
	}

	var redefs set.Bits[ir.Reg]

	p.initRedefs(&redefs, cvt.b)
	p.initRedefs(&redefs, next.b)

	if p.numPreds(cvt.b) > 1 {
		bi.nonPredSize = sub(bi.nonPredSize, p.tgt.RemoveBranch(f, bi.b))
		p.copyAndPredicateBlock(bi, cvt, cond, &redefs, false)

		if !f.IsSucc(cvt.b, cvt.b) {
			f.RemoveSucc(bi.b, cvt.b)
			f.RemovePhiInputs(cvt.b, bi.b)
		}
	} else {
		p.predicateBlock(cvt, len(f.Block(cvt.b).Code), cond, &redefs)

		bi.nonPredSize = sub(bi.nonPredSize, p.tgt.RemoveBranch(f, bi.b))
		p.mergeBlocks(bi, cvt, cond, true)
	}

	iter := true

	if !p.canFallThroughTo(bi.b, next.b) {
		p.insertUncondBranch(bi, next.b)
		iter = false
	}

	p.removeExtraEdges(bi)

	if !iter {
		bi.done = true
	}

	p.invalidatePreds(bi.b)

	cvt.done = true

	return true
}

// convertTriangle predicates the arm which rejoins the other one.
func (p *Pass) convertTriangle(ctx context.Context, c candidate) bool {
	f := p.f
	bi := &p.info[c.b]

	cvt, next := &p.info[bi.tbb], &p.info[bi.fbb]
	cond := bi.brCond

	falseArm := c.kind == TriangleFalse || c.kind == TriangleFalseRev
	rev := c.kind == TriangleRev || c.kind == TriangleFalseRev

	if falseArm {
		cvt, next = next, cvt
	}

	if cvt.done || cvt.cannotBeCopied && p.numPreds(cvt.b) > 1 {
		bi.vis = unvisited
		cvt.vis = unvisited

		return false
	}

	if falseArm {
		cond = p.reverse(bi.b, cond)
	} else {
		cond = append(ir.Cond{}, cond...)
	}

	if rev && p.reverseBranch(cvt) {
		// other heads branching to cvt saw the old direction
		for _, pr := range f.Block(cvt.b).Preds {
			if pr == bi.b {
				continue
			}

			pi := &p.info[pr]

			if pi.enqueued {
				pi.vis = unvisited
				pi.enqueued = false
			}
		}
	}

	var redefs set.Bits[ir.Reg]

	p.initRedefs(&redefs, cvt.b)
	p.initRedefs(&redefs, next.b)

	hasEarlyExit := cvt.fbb != ir.NoBlock
	exit := cvt.fbb

	var exitCond ir.Cond
	if hasEarlyExit {
		exitCond = p.reverse(cvt.b, cvt.brCond)
	}

	if p.numPreds(cvt.b) > 1 {
		bi.nonPredSize = sub(bi.nonPredSize, p.tgt.RemoveBranch(f, bi.b))
		p.copyAndPredicateBlock(bi, cvt, cond, &redefs, true)

		f.RemoveSucc(bi.b, cvt.b)
		f.RemovePhiInputs(cvt.b, bi.b)

		p.dupPhiInputs(next.b, bi.b, cvt.b, cond)

		if hasEarlyExit {
			p.dupPhiInputs(exit, bi.b, cvt.b, cond)
		}
	} else {
		cvt.nonPredSize = sub(cvt.nonPredSize, p.tgt.RemoveBranch(f, cvt.b))
		p.predicateBlock(cvt, len(f.Block(cvt.b).Code), cond, &redefs)

		bi.nonPredSize = sub(bi.nonPredSize, p.tgt.RemoveBranch(f, bi.b))
		p.mergeBlocks(bi, cvt, cond, false)
	}

	if hasEarlyExit {
		p.tgt.InsertBranch(f, bi.b, exit, ir.NoBlock, exitCond)
		f.AddSucc(bi.b, exit)
	}

	iter := true
	nextDead := false

	if !p.canFallThroughTo(bi.b, next.b) {
		if !hasEarlyExit && p.numPreds(next.b) == 1 && !next.hasFallthrough {
			p.mergeBlocks(bi, next, nil, true)
			nextDead = true
		} else {
			p.insertUncondBranch(bi, next.b)
		}

		iter = false
	}

	p.removeExtraEdges(bi)

	if !iter {
		bi.done = true
	}

	p.invalidatePreds(bi.b)

	cvt.done = true

	if nextDead {
		next.done = true
	}

	return true
}

// convertDiamond predicates both arms into the head, the shared code once.
func (p *Pass) convertDiamond(ctx context.Context, c candidate) bool {
	f := p.f
	bi := &p.info[c.b]

	t, fl := &p.info[bi.tbb], &p.info[bi.fbb]

	tail := t.tbb
	if tail == ir.NoBlock && t.alwaysFallThrough() {
		tail = f.Next(t.b)
	}

	if t.done || fl.done || p.numPreds(t.b) > 1 || p.numPreds(fl.b) > 1 {
		bi.vis = unvisited
		t.vis = unvisited
		fl.vis = unvisited

		return false
	}

	b1, b2 := t, fl
	c1 := append(ir.Cond{}, bi.brCond...)
	c2 := p.reverse(bi.b, bi.brCond)

	// predicate clobbering arm goes last
	if b1.clobbersPred && !b2.clobbersPred || b1.clobbersPred == b2.clobbersPred && b1.nonPredSize > b2.nonPredSize {
		b1, b2 = b2, b1
		c1, c2 = c2, c1
	}

	bi.nonPredSize = sub(bi.nonPredSize, p.tgt.RemoveBranch(f, bi.b))

	var redefs set.Bits[ir.Reg]

	p.initRedefs(&redefs, b1.b)

	// shared head is kept once unpredicated
	e1 := p.leading(f.Block(b1.b).Code, c.dups)
	e2 := p.leading(f.Block(b2.b).Code, c.dups)

	for _, id := range f.Block(b1.b).Code[:e1] {
		p.updateRedefs(&redefs, f.Inst(id), false)
	}

	f.Splice(bi.b, b1.b, 0, e1)
	f.Erase(b2.b, 0, e2)

	b1.nonPredSize = sub(b1.nonPredSize, c.dups)
	b2.nonPredSize = sub(b2.nonPredSize, c.dups)

	// shared tail is kept once from b2
	b1.nonPredSize = sub(b1.nonPredSize, p.tgt.RemoveBranch(f, b1.b))

	code := f.Block(b1.b).Code
	f.Erase(b1.b, p.trailing(code, c.dups2), len(code))

	p.predicateBlock(b1, len(f.Block(b1.b).Code), c1, &redefs)

	b2.nonPredSize = sub(b2.nonPredSize, p.tgt.RemoveBranch(f, b2.b))

	p.predicateBlock(b2, p.trailing(f.Block(b2.b).Code, c.dups2), c2, &redefs)

	p.mergeBlocks(bi, b1, c1, tail == ir.NoBlock)
	p.mergeBlocks(bi, b2, c2, tail == ir.NoBlock)

	if tail != ir.NoBlock {
		ti := &p.info[tail]

		if tail != bi.b && p.numPreds(tail) == 0 && !p.mayFallThrough(tail) {
			ti.hasFallthrough = false

			p.mergeBlocks(bi, ti, nil, true)
			ti.done = true
		} else {
			f.AddSucc(bi.b, tail)
			p.insertUncondBranch(bi, tail)
		}
	}

	p.removeExtraEdges(bi)

	bi.done = true
	t.done = true
	fl.done = true

	p.invalidatePreds(bi.b)

	tlog.SpanFromContext(ctx).V("ifcvt").Printw("diamond", "head", f.BlockName(bi.b), "tail", f.BlockName(tail), "dups1", c.dups, "dups2", c.dups2)

	return true
}

// mayFallThrough is the conservative fallthrough of a block which was not scanned.
func (p *Pass) mayFallThrough(b ir.BlockID) bool {
	_, fbb, _, ok := p.tgt.AnalyzeBranch(p.f, b)

	return ok && fbb == ir.NoBlock
}

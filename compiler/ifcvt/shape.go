package ifcvt

import (
	"github.com/slowlang/ifcvt/compiler/ir"
)

// validSimple: t is entered from the head and never rejoins the other arm.
// Shared t is duplicated and dups is its size.
func (p *Pass) validSimple(t *blockInfo, est estimate) (dups int, ok bool) {
	if t.vis == analyzing || t.done {
		return 0, false
	}

	if t.brAnalyzable {
		return 0, false
	}

	if p.numPreds(t.b) > 1 {
		if t.cannotBeCopied || !p.tgt.ProfitableToDup(t.nonPredSize, est.prediction, est.confidence) {
			return 0, false
		}

		dups = t.nonPredSize
	}

	return dups, true
}

// validTriangle: t rejoins at f. With rev the false exit of t is the one to f.
func (p *Pass) validTriangle(t, f *blockInfo, rev bool, est estimate) (dups int, ok bool) {
	if t.vis == analyzing || t.done {
		return 0, false
	}

	if p.numPreds(t.b) > 1 {
		if t.cannotBeCopied {
			return 0, false
		}

		size := t.nonPredSize

		if t.brAnalyzable {
			if t.tbb != ir.NoBlock && len(t.brCond) == 0 {
				// unconditional branch is not copied
				size--
			} else {
				exit := t.fbb
				if rev {
					exit = t.tbb
				}

				// early exit branch is added
				if exit != ir.NoBlock {
					size++
				}
			}
		}

		if !p.tgt.ProfitableToDup(size, est.prediction, est.confidence) {
			return 0, false
		}

		dups = size
	}

	exit := t.tbb
	if rev {
		exit = t.fbb
	}

	if exit == ir.NoBlock && t.alwaysFallThrough() {
		exit = p.f.Next(t.b)
	}

	return dups, exit != ir.NoBlock && exit == f.b
}

// validDiamond: both arms rejoin at the same tail.
// dups1 and dups2 count identical leading and trailing instructions.
func (p *Pass) validDiamond(t, f *blockInfo) (dups1, dups2 int, ok bool) {
	if t.vis == analyzing || t.done || f.vis == analyzing || f.done {
		return 0, 0, false
	}

	tt := t.tbb
	ft := f.tbb

	if tt == ir.NoBlock && t.alwaysFallThrough() {
		tt = p.f.Next(t.b)
	}

	if ft == ir.NoBlock && f.alwaysFallThrough() {
		ft = p.f.Next(f.b)
	}

	if tt != ft {
		return 0, 0, false
	}

	if tt == ir.NoBlock && (t.brAnalyzable || f.brAnalyzable) {
		return 0, 0, false
	}

	if p.numPreds(t.b) > 1 || p.numPreds(f.b) > 1 {
		return 0, 0, false
	}

	if t.fbb != ir.NoBlock || f.fbb != ir.NoBlock || t.clobbersPred && f.clobbersPred {
		return 0, 0, false
	}

	dups1, dups2 = p.countDups(t.b, f.b)

	return dups1, dups2, true
}

// countDups counts identical instructions at the start and at the end
// of two blocks. Debug instructions are skipped, branches are not counted.
func (p *Pass) countDups(a, b ir.BlockID) (dups1, dups2 int) {
	ac := p.f.Block(a).Code
	bc := p.f.Block(b).Code

	ai, bi := 0, 0

	for {
		ai = p.skipDebug(ac, ai)
		bi = p.skipDebug(bc, bi)

		if ai == len(ac) || bi == len(bc) {
			break
		}

		x := p.f.Inst(ac[ai])

		if x.Op.IsBranch() || !ir.Identical(x, p.f.Inst(bc[bi])) {
			break
		}

		dups1++
		ai++
		bi++
	}

	ae := p.skipBranchesBack(ac, ai)
	be := p.skipBranchesBack(bc, bi)

	for {
		ae = p.skipDebugBack(ac, ai, ae)
		be = p.skipDebugBack(bc, bi, be)

		if ae == ai || be == bi {
			break
		}

		if !ir.Identical(p.f.Inst(ac[ae-1]), p.f.Inst(bc[be-1])) {
			break
		}

		dups2++
		ae--
		be--
	}

	return dups1, dups2
}

// leading returns the index after n leading non-debug instructions.
func (p *Pass) leading(code []ir.InstID, n int) int {
	i := 0

	for ; n > 0; n-- {
		i = p.skipDebug(code, i) + 1
	}

	return i
}

// trailing returns the index of the first of n trailing non-debug instructions.
func (p *Pass) trailing(code []ir.InstID, n int) int {
	e := len(code)

	for ; n > 0; n-- {
		e = p.skipDebugBack(code, 0, e) - 1
	}

	return e
}

func (p *Pass) skipDebug(code []ir.InstID, i int) int {
	for i < len(code) && p.f.Inst(code[i]).Op.IsDebug() {
		i++
	}

	return i
}

func (p *Pass) skipDebugBack(code []ir.InstID, st, e int) int {
	for e > st && p.f.Inst(code[e-1]).Op.IsDebug() {
		e--
	}

	return e
}

func (p *Pass) skipBranchesBack(code []ir.InstID, st int) int {
	e := len(code)

	for e > st && p.f.Inst(code[e-1]).Op.IsBranch() {
		e--
	}

	return e
}

package ifcvt

import (
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/ifcvt/compiler/ir"
)

type (
	visit int8

	// blockInfo is the cached analysis of a block.
	blockInfo struct {
		b ir.BlockID

		vis visit

		done     bool
		enqueued bool

		brAnalyzable   bool
		hasFallthrough bool // may fall through, conservative for br

		unpredicable   bool
		cannotBeCopied bool
		clobbersPred   bool

		nonPredSize   int
		extraCost     int
		extraPredCost int

		tbb, fbb ir.BlockID
		brCond   ir.Cond

		// predicate the block code is already guarded by
		pred ir.Cond
	}
)

const (
	unvisited visit = iota
	analyzing
	analyzed
)

// scan fills branch and cost info. Done blocks keep their stale info.
func (p *Pass) scan(bi *blockInfo) {
	if bi.done {
		return
	}

	f := p.f
	already := len(bi.pred) != 0

	bi.tbb, bi.fbb, bi.brCond, bi.brAnalyzable = p.tgt.AnalyzeBranch(f, bi.b)
	if !bi.brAnalyzable {
		bi.tbb, bi.fbb, bi.brCond = ir.NoBlock, ir.NoBlock, nil
	}

	bi.hasFallthrough = bi.brAnalyzable && bi.fbb == ir.NoBlock

	if len(bi.brCond) != 0 && bi.fbb == ir.NoBlock {
		bi.fbb = p.findFalseBlock(bi.b, bi.tbb)

		if bi.fbb == ir.NoBlock {
			bi.unpredicable = true
			return
		}
	}

	bi.nonPredSize = 0
	bi.extraCost = 0
	bi.extraPredCost = 0
	bi.clobbersPred = false

	for _, id := range f.Block(bi.b).Code {
		in := f.Inst(id)

		if in.Op.IsDebug() {
			continue
		}

		if p.tgt.NotDuplicable(in) {
			bi.cannotBeCopied = true
		}

		pred := p.tgt.IsPredicated(in)
		isBr := bi.brAnalyzable && in.Op.IsBranch()
		isCondBr := bi.brAnalyzable && in.Op == ir.OpBrCond

		if !isCondBr {
			switch {
			case !pred:
				bi.nonPredSize++

				cycles, extra := p.tgt.Latency(in)
				if cycles > 1 {
					bi.extraCost += cycles - 1
				}

				bi.extraPredCost += extra
			case !already:
				// predicated code in a block nobody predicated
				bi.unpredicable = true
				return
			}
		}

		if bi.clobbersPred && !pred {
			if isBr {
				continue
			}

			bi.unpredicable = true
			return
		}

		if p.tgt.DefinesPredicate(in) {
			if already {
				bi.unpredicable = true
				return
			}

			bi.clobbersPred = true
		}

		if !p.tgt.IsPredicable(in) && in.Op != ir.OpCopy && in.Op != ir.OpUndef {
			bi.unpredicable = true
			return
		}
	}
}

// findFalseBlock is the successor of a conditionally branching block
// other than its taken target.
func (p *Pass) findFalseBlock(b, tbb ir.BlockID) ir.BlockID {
	for _, s := range p.f.Block(b).Succs {
		if s != tbb {
			return s
		}
	}

	return ir.NoBlock
}

func (bi *blockInfo) alwaysFallThrough() bool {
	return bi.brAnalyzable && bi.tbb == ir.NoBlock
}

func (p *Pass) numPreds(b ir.BlockID) int {
	return len(p.f.Block(b).Preds)
}

func (bi *blockInfo) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 12)
	b = e.AppendKeyInt(b, "block", int(bi.b))
	b = e.AppendKeyInt(b, "tbb", int(bi.tbb))
	b = e.AppendKeyInt(b, "fbb", int(bi.fbb))
	b = e.AppendKeyInt(b, "done", b2i(bi.done))
	b = e.AppendKeyInt(b, "analyzable", b2i(bi.brAnalyzable))
	b = e.AppendKeyInt(b, "fallthrough", b2i(bi.hasFallthrough))
	b = e.AppendKeyInt(b, "unpredicable", b2i(bi.unpredicable))
	b = e.AppendKeyInt(b, "nocopy", b2i(bi.cannotBeCopied))
	b = e.AppendKeyInt(b, "clobbers", b2i(bi.clobbersPred))
	b = e.AppendKeyInt(b, "size", bi.nonPredSize)
	b = e.AppendKeyInt(b, "extra", bi.extraCost)
	b = e.AppendKeyInt(b, "extra_pred", bi.extraPredCost)

	return b
}

func b2i(v bool) int {
	if v {
		return 1
	}

	return 0
}

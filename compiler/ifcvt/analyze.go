package ifcvt

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/ir"
)

// analyzeBlocks walks predecessors from exit blocks and queues candidates.
func (p *Pass) analyzeBlocks(ctx context.Context) {
	f := p.f
	visited := &p.visited

	visited.Reset()

	var stack []ir.BlockID

	for _, root := range f.Layout {
		if len(f.Block(root).Succs) != 0 || !visited.Add(root) {
			continue
		}

		stack = append(stack[:0], root)

		for len(stack) != 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			p.analyzeBlock(ctx, b)

			preds := f.Block(b).Preds

			for i := len(preds) - 1; i >= 0; i-- {
				if visited.Add(preds[i]) {
					stack = append(stack, preds[i])
				}
			}
		}
	}
}

// analyzeBlock analyzes b and, for a conditional head, both of its arms first.
func (p *Pass) analyzeBlock(ctx context.Context, b ir.BlockID) {
	type frame struct {
		b     ir.BlockID
		heads bool
	}

	stack := []frame{{b: b}}

	for len(stack) != 0 {
		fr := &stack[len(stack)-1]
		bi := &p.info[fr.b]

		if fr.heads {
			stack = stack[:len(stack)-1]

			p.classify(ctx, bi)
			bi.vis = analyzed

			continue
		}

		if bi.vis != unvisited {
			stack = stack[:len(stack)-1]
			continue
		}

		bi.vis = analyzing

		p.scan(bi)

		if !p.isHead(bi) {
			bi.vis = analyzed
			stack = stack[:len(stack)-1]

			continue
		}

		fr.heads = true

		stack = append(stack, frame{b: bi.fbb}, frame{b: bi.tbb})
	}
}

// isHead reports whether bi ends with a two way branch worth classifying.
func (p *Pass) isHead(bi *blockInfo) bool {
	return !bi.done &&
		bi.brAnalyzable && len(bi.brCond) != 0 &&
		bi.tbb != bi.b && bi.fbb != bi.b &&
		bi.fbb != ir.NoBlock && bi.tbb != bi.fbb
}

// classify queues every applicable conversion of the head bi.
func (p *Pass) classify(ctx context.Context, bi *blockInfo) {
	t := &p.info[bi.tbb]
	f := &p.info[bi.fbb]

	if t.done && f.done {
		return
	}

	tr := tlog.SpanFromContext(ctx)

	if tr.If("ifcvt_analyze") {
		tr.Printw("head", "block", p.f.BlockName(bi.b), "info", bi, "t", t, "f", f)
	}

	rcond, canRev := p.tgt.ReverseCondition(bi.brCond)

	tNeedSub := len(t.pred) != 0
	fNeedSub := len(f.pred) != 0

	est := p.predict(bi.b, t.b, f.b)

	if canRev {
		if d1, d2, ok := p.validDiamond(t, f); ok &&
			p.meetPairSizeLimit(t.nonPredSize-(d1+d2)+t.extraCost, t.extraPredCost,
				f.nonPredSize-(d1+d2)+f.extraCost, f.extraPredCost, est) &&
			p.feasible(t, bi.brCond, false, false) &&
			p.feasible(f, rcond, false, false) {
			p.enqueue(bi, candidate{kind: Diamond, needSub: tNeedSub || fNeedSub, dups: d1, dups2: d2})
		}
	}

	if d, ok := p.validTriangle(t, f, false, est); ok &&
		p.meetSizeLimit(t.nonPredSize+t.extraCost, t.extraPredCost, est) &&
		p.feasible(t, bi.brCond, true, false) {
		p.enqueue(bi, candidate{kind: Triangle, needSub: tNeedSub, dups: d})
	}

	if d, ok := p.validTriangle(t, f, true, est); ok &&
		p.meetSizeLimit(t.nonPredSize+t.extraCost, t.extraPredCost, est) &&
		p.feasible(t, bi.brCond, true, true) {
		p.enqueue(bi, candidate{kind: TriangleRev, needSub: tNeedSub, dups: d})
	}

	if d, ok := p.validSimple(t, est); ok &&
		p.meetSizeLimit(t.nonPredSize+t.extraCost, t.extraPredCost, est) &&
		p.feasible(t, bi.brCond, false, false) {
		p.enqueue(bi, candidate{kind: Simple, needSub: tNeedSub, dups: d})
	}

	if canRev {
		p.classifyFalse(bi, t, f, rcond, est.not())
	}

	if bi.enqueued {
		tr.V("ifcvt_queue").Printw("queued", "block", p.f.BlockName(bi.b), "queue", p.queue.Len())
	}
}

// classifyFalse queues conversions of the false arm.
func (p *Pass) classifyFalse(bi, t, f *blockInfo, rcond ir.Cond, fest estimate) {
	fNeedSub := len(f.pred) != 0

	if d, ok := p.validTriangle(f, t, false, fest); ok &&
		p.meetSizeLimit(f.nonPredSize+f.extraCost, f.extraPredCost, fest) &&
		p.feasible(f, rcond, true, false) {
		p.enqueue(bi, candidate{kind: TriangleFalse, needSub: fNeedSub, dups: d})
	}

	if d, ok := p.validTriangle(f, t, true, fest); ok &&
		p.meetSizeLimit(f.nonPredSize+f.extraCost, f.extraPredCost, fest) &&
		p.feasible(f, rcond, true, true) {
		p.enqueue(bi, candidate{kind: TriangleFalseRev, needSub: fNeedSub, dups: d})
	}

	if d, ok := p.validSimple(f, fest); ok &&
		p.meetSizeLimit(f.nonPredSize+f.extraCost, f.extraPredCost, fest) &&
		p.feasible(f, rcond, false, false) {
		p.enqueue(bi, candidate{kind: SimpleFalse, needSub: fNeedSub, dups: d})
	}
}

package ifcvt

import (
	"github.com/slowlang/ifcvt/compiler/ir"
)

type estimate struct {
	prediction float64 // probability of the true arm
	confidence float64
}

// predict guesses the branch direction from loop structure.
func (p *Pass) predict(e, t, f ir.BlockID) estimate {
	est := estimate{prediction: 0.5, confidence: 0.9}

	if p.loops == nil {
		return est
	}

	l, ok := p.loops.LoopFor(e)
	if !ok {
		return est
	}

	switch p.loops.Header(l) {
	case t:
		est.prediction = 0.9
	case f:
		est.prediction = 0.1
	}

	switch {
	case p.exitsTo(t, l):
		est.prediction = 0.2
	case p.exitsTo(f, l):
		est.prediction = 0.8
	}

	return est
}

// exitsTo reports whether b is outside of any loop or its loop is nested directly in l.
func (p *Pass) exitsTo(b ir.BlockID, l int) bool {
	bl, ok := p.loops.LoopFor(b)
	if !ok {
		return true
	}

	par, ok := p.loops.Parent(bl)

	return ok && par == l
}

func (e estimate) not() estimate {
	e.prediction = 1 - e.prediction
	return e
}

func (p *Pass) meetSizeLimit(cycles, extra int, est estimate) bool {
	return cycles > 0 && p.tgt.ProfitableToIfCvt(cycles, extra, est.prediction, est.confidence)
}

func (p *Pass) meetPairSizeLimit(tcycles, textra, fcycles, fextra int, est estimate) bool {
	return tcycles > 0 && fcycles > 0 && p.tgt.ProfitableToIfCvtPair(tcycles, textra, fcycles, fextra, est.prediction, est.confidence)
}

// feasible reports whether bi code can be guarded by pred.
// tri allows bi to keep its own conditional branch, rev reverses it first.
func (p *Pass) feasible(bi *blockInfo, pred ir.Cond, tri, rev bool) bool {
	if bi.done || bi.unpredicable {
		return false
	}

	if len(bi.pred) != 0 && !p.tgt.SubsumesPredicate(bi.pred, pred) && !p.tgt.SubsumesPredicate(pred, bi.pred) {
		return false
	}

	if len(bi.brCond) == 0 {
		return true
	}

	if !tri {
		return false
	}

	cond := bi.brCond

	if rev {
		var ok bool

		cond, ok = p.tgt.ReverseCondition(cond)
		if !ok {
			return false
		}
	}

	rpred, ok := p.tgt.ReverseCondition(pred)
	if !ok {
		return false
	}

	// the early exit is taken only where pred holds
	return p.tgt.SubsumesPredicate(cond, rpred)
}

package ifcvt

import (
	"github.com/slowlang/ifcvt/compiler/ir"
)

type candidate struct {
	b    ir.BlockID
	kind Kind

	needSub bool // arm predicate has to be checked for subsumption

	dups  int
	dups2 int
}

// benefit is lower for better candidates.
// Simple and triangles prefer less duplicated code,
// diamonds prefer more shared code.
func (c *candidate) benefit() int {
	if c.kind == Diamond {
		return -(c.dups + c.dups2)
	}

	return c.dups
}

func (p *Pass) less(d []candidate, i, j int) bool {
	a, b := &d[i], &d[j]

	if x, y := a.benefit(), b.benefit(); x != y {
		return x < y
	}

	if a.needSub != b.needSub {
		return !a.needSub
	}

	if x, y := p.cfg.Priority[a.kind], p.cfg.Priority[b.kind]; x != y {
		return x < y
	}

	return a.b < b.b
}

func (p *Pass) enqueue(bi *blockInfo, c candidate) {
	if p.cfg.Disable.Has(c.kind) {
		return
	}

	c.b = bi.b

	p.queue.Push(c)
	bi.enqueued = true
}

package loops

import (
	"sort"

	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/set"
)

type (
	Loop struct {
		Header ir.BlockID
		Parent int
		Depth  int

		Blocks set.Bits[ir.BlockID]
	}

	// Nest is the natural loop forest of a function.
	Nest struct {
		Loops []Loop

		of []int // innermost loop of a block or -1
	}
)

// Find computes dominators and natural loops of f.
// Loops sharing a header are merged. Unreachable blocks are in no loop.
func Find(f *ir.Func) *Nest {
	n := &Nest{
		of: make([]int, f.NumBlocks()),
	}

	for i := range n.of {
		n.of[i] = -1
	}

	entry := f.Entry()
	if entry == ir.NoBlock {
		return n
	}

	rpo, po := order(f, entry)
	idom := dominators(f, rpo, po)

	dominates := func(a, b ir.BlockID) bool {
		for {
			if a == b {
				return true
			}

			if b == entry {
				return false
			}

			b = idom[b]
		}
	}

	for _, h := range rpo {
		var latches []ir.BlockID

		for _, p := range f.Block(h).Preds {
			if po[p] >= 0 && dominates(h, p) {
				latches = append(latches, p)
			}
		}

		if len(latches) == 0 {
			continue
		}

		l := Loop{Header: h, Parent: -1}
		l.Blocks.Set(h)

		stack := latches

		for len(stack) != 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if !l.Blocks.Add(b) {
				continue
			}

			for _, p := range f.Block(b).Preds {
				if po[p] >= 0 && !l.Blocks.IsSet(p) {
					stack = append(stack, p)
				}
			}
		}

		n.Loops = append(n.Loops, l)
	}

	size := make([]int, len(n.Loops))
	for i := range n.Loops {
		size[i] = n.Loops[i].Blocks.Size()
	}

	smallest := func(b ir.BlockID, skip int) int {
		r := -1

		for i := range n.Loops {
			if i == skip || !n.Loops[i].Blocks.IsSet(b) {
				continue
			}

			if r == -1 || size[i] < size[r] {
				r = i
			}
		}

		return r
	}

	for i := range n.Loops {
		n.Loops[i].Parent = smallest(n.Loops[i].Header, i)
	}

	byDepth := make([]int, len(n.Loops))
	for i := range byDepth {
		byDepth[i] = i
	}

	sort.Slice(byDepth, func(i, j int) bool {
		return size[byDepth[i]] > size[byDepth[j]]
	})

	for _, i := range byDepth {
		l := &n.Loops[i]

		l.Depth = 1
		if l.Parent >= 0 {
			l.Depth = n.Loops[l.Parent].Depth + 1
		}
	}

	for _, b := range rpo {
		n.of[b] = smallest(b, -1)
	}

	return n
}

func (n *Nest) LoopFor(b ir.BlockID) (int, bool) {
	if b < 0 || int(b) >= len(n.of) || n.of[b] < 0 {
		return -1, false
	}

	return n.of[b], true
}

func (n *Nest) Header(l int) ir.BlockID { return n.Loops[l].Header }

func (n *Nest) Parent(l int) (int, bool) {
	p := n.Loops[l].Parent

	return p, p >= 0
}

func (n *Nest) Depth(l int) int { return n.Loops[l].Depth }

// order returns blocks reachable from entry in reverse postorder
// and postorder numbers indexed by block, -1 for unreachable ones.
func order(f *ir.Func, entry ir.BlockID) (rpo []ir.BlockID, po []int) {
	type frame struct {
		b    ir.BlockID
		next int
	}

	po = make([]int, f.NumBlocks())
	for i := range po {
		po[i] = -1
	}

	var visited set.Bits[ir.BlockID]
	var post []ir.BlockID

	stack := []frame{{b: entry}}
	visited.Set(entry)

	for len(stack) != 0 {
		fr := &stack[len(stack)-1]
		succs := f.Block(fr.b).Succs

		if fr.next < len(succs) {
			s := succs[fr.next]
			fr.next++

			if visited.Add(s) {
				stack = append(stack, frame{b: s})
			}

			continue
		}

		po[fr.b] = len(post)
		post = append(post, fr.b)

		stack = stack[:len(stack)-1]
	}

	rpo = make([]ir.BlockID, len(post))
	for i, b := range post {
		rpo[len(post)-1-i] = b
	}

	return rpo, po
}

// dominators is the Cooper-Harvey-Kennedy iteration.
func dominators(f *ir.Func, rpo []ir.BlockID, po []int) []ir.BlockID {
	idom := make([]ir.BlockID, f.NumBlocks())
	for i := range idom {
		idom[i] = ir.NoBlock
	}

	entry := rpo[0]
	idom[entry] = entry

	intersect := func(a, b ir.BlockID) ir.BlockID {
		for a != b {
			for po[a] < po[b] {
				a = idom[a]
			}

			for po[b] < po[a] {
				b = idom[b]
			}
		}

		return a
	}

	for changed := true; changed; {
		changed = false

		for _, b := range rpo[1:] {
			x := ir.NoBlock

			for _, p := range f.Block(b).Preds {
				if po[p] < 0 || idom[p] == ir.NoBlock {
					continue
				}

				if x == ir.NoBlock {
					x = p
				} else {
					x = intersect(p, x)
				}
			}

			if x != idom[b] {
				idom[b] = x
				changed = true
			}
		}
	}

	return idom
}

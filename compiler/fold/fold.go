package fold

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/set"
)

// Func cleans up control flow: removes unreachable blocks,
// tunnels branches through br-only blocks, merges straight-line pairs
// and drops branches to the layout successor. It runs to a fixed point.
func Func(ctx context.Context, f *ir.Func) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "fold", "func", f.Name)
	defer tr.Finish("err", &err, "changed", &changed)

	for iter := 0; ; iter++ {
		c := false

		c = unreachable(ctx, f) || c
		c = tunnel(ctx, f) || c
		c = merge(ctx, f) || c
		c = dropBranches(ctx, f) || c

		tr.V("fold").Printw("iteration", "iter", iter, "changed", c)

		if !c {
			break
		}

		changed = true
	}

	return changed, nil
}

func unreachable(ctx context.Context, f *ir.Func) bool {
	entry := f.Entry()
	if entry == ir.NoBlock {
		return false
	}

	var seen set.Bits[ir.BlockID]

	seen.Set(entry)
	q := []ir.BlockID{entry}

	for len(q) != 0 {
		b := q[len(q)-1]
		q = q[:len(q)-1]

		for _, s := range f.Block(b).Succs {
			if seen.Add(s) {
				q = append(q, s)
			}
		}
	}

	var deadSet set.Bits[ir.BlockID]

	for _, b := range f.Layout {
		if !seen.IsSet(b) {
			deadSet.Set(b)
		}
	}

	dead := deadSet.Slice()

	for _, b := range dead {
		blk := f.Block(b)

		for len(blk.Succs) != 0 {
			s := blk.Succs[len(blk.Succs)-1]

			f.RemovePhiInputs(s, b)
			f.RemoveSucc(b, s)
		}
	}

	for _, b := range dead {
		tlog.SpanFromContext(ctx).V("fold").Printw("remove unreachable", "block", f.BlockName(b))

		f.RemoveBlock(b)
	}

	return len(dead) != 0
}

// tunnel redirects branches to blocks which only branch further.
func tunnel(ctx context.Context, f *ir.Func) (changed bool) {
	entry := f.Entry()

	for _, t := range append([]ir.BlockID{}, f.Layout...) {
		if t == entry {
			continue
		}

		x, ok := onlyBranch(f, t)
		if !ok || x == t {
			continue
		}

		for _, p := range append([]ir.BlockID{}, f.Block(t).Preds...) {
			if p == t || fallsInto(f, p, t) || !phisAgree(f, x, t, p) {
				continue
			}

			for _, id := range f.Block(p).Code {
				in := f.Inst(id)

				for i, u := range in.Uses {
					if in.Op != ir.OpPhi && u.Kind == ir.OperandBlock && u.Block == t {
						in.Uses[i].Block = x
					}
				}
			}

			f.RemoveSucc(p, t)

			if !f.IsSucc(p, x) {
				f.AddSucc(p, x)
				copyPhiInputs(f, x, t, p)
			}

			tlog.SpanFromContext(ctx).V("fold").Printw("tunnel", "from", f.BlockName(p), "through", f.BlockName(t), "to", f.BlockName(x))

			changed = true
		}
	}

	return changed
}

// merge joins a block with its only successor when it is the only predecessor.
func merge(ctx context.Context, f *ir.Func) (changed bool) {
	entry := f.Entry()

	for i := 0; i < len(f.Layout); i++ {
		b := f.Layout[i]
		blk := f.Block(b)

		if len(blk.Succs) != 1 {
			continue
		}

		s := blk.Succs[0]

		if s == b || s == entry || len(f.Block(s).Preds) != 1 {
			continue
		}

		br, ok := straightTo(f, b, s)
		if !ok {
			continue
		}

		if br >= 0 {
			f.Erase(b, br, br+1)
		}

		for _, id := range append([]ir.InstID{}, f.Phis(s)...) {
			resolvePhi(f, s, id)
		}

		next := ir.NoBlock
		if mayFallThrough(f, s) {
			next = f.Next(s)
		}

		f.Splice(b, s, 0, len(f.Block(s).Code))

		for _, x := range append([]ir.BlockID{}, f.Block(s).Succs...) {
			renamePhiInputs(f, x, s, b)

			f.RemoveSucc(s, x)
			f.AddSucc(b, x)
		}

		f.RemoveSucc(b, s)
		f.RemoveBlock(s)

		if next != ir.NoBlock && f.Next(b) != next {
			f.Append(b, ir.Inst{Op: ir.OpBr, Uses: []ir.Operand{ir.BlockOp(next)}})
		}

		tlog.SpanFromContext(ctx).V("fold").Printw("merge", "block", f.BlockName(b), "succ", f.BlockName(s))

		changed = true
		i--
	}

	return changed
}

// dropBranches erases br to the layout successor.
func dropBranches(ctx context.Context, f *ir.Func) (changed bool) {
	for _, b := range f.Layout {
		code := f.Block(b).Code

		i := lastInst(f, code)
		if i < 0 {
			continue
		}

		in := f.Inst(code[i])

		if in.Op != ir.OpBr || in.IsPredicated() || in.Uses[0].Block != f.Next(b) {
			continue
		}

		f.Erase(b, i, i+1)

		changed = true
	}

	return changed
}

// onlyBranch reports the target of a block consisting of a single br.
func onlyBranch(f *ir.Func, b ir.BlockID) (ir.BlockID, bool) {
	x := ir.NoBlock

	for _, id := range f.Block(b).Code {
		in := f.Inst(id)

		switch {
		case in.Op.IsDebug():
			continue
		case x != ir.NoBlock, in.Op != ir.OpBr, in.IsPredicated():
			return ir.NoBlock, false
		}

		x = in.Uses[0].Block
	}

	return x, x != ir.NoBlock
}

// straightTo checks b reaches s unconditionally and only s.
// It returns the index of the final br or -1 for fallthrough.
func straightTo(f *ir.Func, b, s ir.BlockID) (int, bool) {
	code := f.Block(b).Code
	last := lastInst(f, code)

	br := -1

	if last >= 0 {
		in := f.Inst(code[last])

		if in.Op == ir.OpBr && !in.IsPredicated() {
			if in.Uses[0].Block != s {
				return -1, false
			}

			br = last
		}
	}

	for i, id := range code {
		in := f.Inst(id)

		if i == br || in.Op == ir.OpPhi {
			continue
		}

		if in.Op.IsTerminator() {
			return -1, false
		}
	}

	if br < 0 && f.Next(b) != s {
		return -1, false
	}

	return br, true
}

// fallsInto reports whether p reaches t without an explicit branch.
func fallsInto(f *ir.Func, p, t ir.BlockID) bool {
	return f.Next(p) == t && mayFallThrough(f, p)
}

func mayFallThrough(f *ir.Func, b ir.BlockID) bool {
	code := f.Block(b).Code

	i := lastInst(f, code)

	return i < 0 || !f.Inst(code[i]).EndsFlow()
}

// phisAgree checks x phis can take the t input for p too.
func phisAgree(f *ir.Func, x, t, p ir.BlockID) bool {
	for _, id := range f.Phis(x) {
		in := f.Inst(id)

		tv, tok := phiValue(in, t)
		pv, pok := phiValue(in, p)

		if tok && pok && tv != pv {
			return false
		}
	}

	return true
}

func copyPhiInputs(f *ir.Func, x, from, to ir.BlockID) {
	for _, id := range f.Phis(x) {
		in := f.Inst(id)

		if v, ok := phiValue(in, from); ok {
			in.Uses = append(in.Uses, v, ir.BlockOp(to))
		}
	}
}

func renamePhiInputs(f *ir.Func, x, from, to ir.BlockID) {
	for _, id := range f.Phis(x) {
		in := f.Inst(id)

		for i := 1; i < len(in.Uses); i += 2 {
			if in.Uses[i].Block == from {
				in.Uses[i].Block = to
			}
		}
	}
}

// resolvePhi replaces a phi of a single predecessor block by its value.
func resolvePhi(f *ir.Func, b ir.BlockID, id ir.InstID) {
	in := f.Inst(id)

	code := f.Block(b).Code

	for i, x := range code {
		if x == id {
			f.Erase(b, i, i+1)
			break
		}
	}

	switch {
	case len(in.Uses) == 0:
		in.Op, in.Uses = ir.OpUndef, nil
	case in.Uses[0].Kind == ir.OperandReg:
		f.ReplaceReg(in.Defs[0], in.Uses[0].Reg)
		return
	default:
		in.Op, in.Uses = ir.OpCopy, in.Uses[:1]
	}

	pos := len(f.Phis(b))

	f.Insert(b, pos, *in)
}

func phiValue(in *ir.Inst, b ir.BlockID) (ir.Operand, bool) {
	for i := 0; i+1 < len(in.Uses); i += 2 {
		if in.Uses[i+1].Block == b {
			return in.Uses[i], true
		}
	}

	return ir.Operand{}, false
}

func lastInst(f *ir.Func, code []ir.InstID) int {
	for i := len(code) - 1; i >= 0; i-- {
		if !f.Inst(code[i]).Op.IsDebug() {
			return i
		}
	}

	return -1
}

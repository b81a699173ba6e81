package ir

import (
	"tlog.app/go/errors"
)

// Verify checks the function is well formed.
// Edges are consistent in both directions, every branch target is a successor,
// phi inputs name predecessors, and removed blocks are unlinked.
func (f *Func) Verify() error {
	inLayout := make([]int, len(f.Blocks))

	for _, b := range f.Layout {
		if b < 0 || int(b) >= len(f.Blocks) {
			return errors.New("layout: bad block %d", b)
		}

		inLayout[b]++
	}

	var targets []BlockID

	for i := range f.Blocks {
		b := &f.Blocks[i]

		if b.ID != BlockID(i) {
			return errors.New("block %v: id %d at index %d", b.Name, b.ID, i)
		}

		if b.Dead {
			if inLayout[i] != 0 || len(b.Succs) != 0 || len(b.Preds) != 0 || len(b.Code) != 0 {
				return errors.New("block %v: removed block is still linked", b.Name)
			}

			continue
		}

		if inLayout[i] != 1 {
			return errors.New("block %v: appears %d times in layout", b.Name, inLayout[i])
		}

		for j, s := range b.Succs {
			if has(b.Succs[:j], s) {
				return errors.New("block %v: duplicate successor %v", b.Name, f.BlockName(s))
			}

			if f.Blocks[s].Dead {
				return errors.New("block %v: successor %v is removed", b.Name, f.BlockName(s))
			}

			if !has(f.Blocks[s].Preds, b.ID) {
				return errors.New("block %v: successor %v doesn't list it as predecessor", b.Name, f.BlockName(s))
			}
		}

		for j, p := range b.Preds {
			if has(b.Preds[:j], p) {
				return errors.New("block %v: duplicate predecessor %v", b.Name, f.BlockName(p))
			}

			if !has(f.Blocks[p].Succs, b.ID) {
				return errors.New("block %v: predecessor %v doesn't list it as successor", b.Name, f.BlockName(p))
			}
		}

		phis := true

		for j, id := range b.Code {
			if id < 0 || int(id) >= len(f.Insts) {
				return errors.New("block %v: bad instruction %d at %d", b.Name, id, j)
			}

			in := &f.Insts[id]

			if in.Op != OpPhi {
				phis = false

				targets = in.Targets(targets[:0])

				for _, t := range targets {
					if !has(b.Succs, t) {
						return errors.New("block %v: branch target %v is not a successor", b.Name, f.BlockName(t))
					}
				}

				continue
			}

			if !phis {
				return errors.New("block %v: phi after non-phi at %d", b.Name, j)
			}

			if len(in.Uses)%2 != 0 {
				return errors.New("block %v: malformed phi at %d", b.Name, j)
			}

			var err error

			in.PhiInputs(func(_ int, _ Operand, p BlockID) {
				if err == nil && !has(b.Preds, p) {
					err = errors.New("block %v: phi input from %v which is not a predecessor", b.Name, f.BlockName(p))
				}
			})

			if err != nil {
				return err
			}
		}
	}

	return nil
}

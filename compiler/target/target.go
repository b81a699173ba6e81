package target

import (
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"

	"github.com/slowlang/ifcvt/compiler/ir"
)

type (
	// OpInfo describes how the datapath executes an op.
	OpInfo struct {
		Latency  int `yaml:"latency"`
		PredCost int `yaml:"pred_cost"`

		DefinesPred   bool `yaml:"defines_pred"`
		Unpredicable  bool `yaml:"unpredicable"`
		NotDuplicable bool `yaml:"not_duplicable"`

		// State names registers the op writes implicitly.
		State []string `yaml:"state"`
	}

	// Datapath is a generic predicated datapath.
	// Ops missing from the table are predicable single cycle ops.
	Datapath struct {
		Name string

		BranchCost        float64
		MispredictPenalty float64
		DupLimit          int

		Ops map[ir.Op]OpInfo
	}

	datapathFile struct {
		Name string `yaml:"name"`

		BranchCost        *float64 `yaml:"branch_cost"`
		MispredictPenalty *float64 `yaml:"mispredict_penalty"`
		DupLimit          *int     `yaml:"dup_limit"`

		Ops map[string]OpInfo `yaml:"ops"`
	}
)

func Default() *Datapath {
	return &Datapath{
		Name:              "default",
		BranchCost:        2,
		MispredictPenalty: 10,
		DupLimit:          4,
		Ops: map[ir.Op]OpInfo{
			ir.OpPhi:    {Unpredicable: true},
			ir.OpSwitch: {Unpredicable: true},
			ir.OpCopy:   {Unpredicable: true},
			ir.OpUndef:  {Unpredicable: true},

			"cmp":   {DefinesPred: true},
			"mul":   {Latency: 3},
			"div":   {Latency: 8, PredCost: 1},
			"load":  {Latency: 2, PredCost: 1},
			"store": {PredCost: 1},
			"call":  {Unpredicable: true, NotDuplicable: true},
		},
	}
}

// Load reads a datapath description file over the default one.
func Load(name string) (*Datapath, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	d, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	return d, nil
}

func Parse(data []byte) (*Datapath, error) {
	var f datapathFile

	err := yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}

	d := Default()

	if f.Name != "" {
		d.Name = f.Name
	}

	if f.BranchCost != nil {
		d.BranchCost = *f.BranchCost
	}

	if f.MispredictPenalty != nil {
		d.MispredictPenalty = *f.MispredictPenalty
	}

	if f.DupLimit != nil {
		d.DupLimit = *f.DupLimit
	}

	for op, x := range f.Ops {
		if x.Latency < 0 || x.PredCost < 0 {
			return nil, errors.New("op %v: negative cost", op)
		}

		d.Ops[ir.Op(op)] = x
	}

	return d, nil
}

func (d *Datapath) op(op ir.Op) OpInfo {
	x := d.Ops[op]

	if x.Latency == 0 {
		x.Latency = 1
	}

	return x
}

// AnalyzeBranch decomposes the block terminators.
// Fallthrough is reported as tbb == NoBlock.
// A conditional branch without a following br falls through on false.
func (d *Datapath) AnalyzeBranch(f *ir.Func, b ir.BlockID) (tbb, fbb ir.BlockID, cond ir.Cond, ok bool) {
	tbb, fbb = ir.NoBlock, ir.NoBlock

	code := f.Block(b).Code

	st := len(code)

	for i, id := range code {
		if f.Inst(id).Op.IsTerminator() {
			st = i
			break
		}
	}

	var term []*ir.Inst

	for _, id := range code[st:] {
		in := f.Inst(id)

		switch {
		case in.Op.IsDebug():
			continue
		case !in.Op.IsTerminator(), in.IsPredicated():
			return tbb, fbb, nil, false
		}

		term = append(term, in)
	}

	switch {
	case len(term) == 0:
		return tbb, fbb, nil, true
	case len(term) == 1 && term[0].Op == ir.OpBr:
		return target(term[0]), fbb, nil, true
	case len(term) == 1 && term[0].Op == ir.OpBrCond:
		return target(term[0]), fbb, dupCond(term[0].Cond), true
	case len(term) == 2 && term[0].Op == ir.OpBrCond && term[1].Op == ir.OpBr:
		return target(term[0]), target(term[1]), dupCond(term[0].Cond), true
	}

	return tbb, fbb, nil, false
}

// RemoveBranch erases trailing unpredicated br and brc.
// It returns the number of erased instructions.
func (d *Datapath) RemoveBranch(f *ir.Func, b ir.BlockID) int {
	n := 0

	for n < 2 {
		code := f.Block(b).Code
		if len(code) == 0 {
			break
		}

		in := f.Inst(code[len(code)-1])

		if in.IsPredicated() || !(in.Op == ir.OpBrCond || n == 0 && in.Op == ir.OpBr) {
			break
		}

		f.Erase(b, len(code)-1, len(code))
		n++
	}

	return n
}

// InsertBranch appends a branch and returns the number of added instructions.
func (d *Datapath) InsertBranch(f *ir.Func, b, tbb, fbb ir.BlockID, cond ir.Cond) int {
	if len(cond) == 0 {
		f.Append(b, ir.Inst{Op: ir.OpBr, Uses: []ir.Operand{ir.BlockOp(tbb)}})

		return 1
	}

	f.Append(b, ir.Inst{Op: ir.OpBrCond, Cond: dupCond(cond), Uses: []ir.Operand{ir.BlockOp(tbb)}})

	if fbb == ir.NoBlock {
		return 1
	}

	f.Append(b, ir.Inst{Op: ir.OpBr, Uses: []ir.Operand{ir.BlockOp(fbb)}})

	return 2
}

func (d *Datapath) ReverseCondition(c ir.Cond) (ir.Cond, bool) {
	return c.Reverse()
}

func (d *Datapath) IsPredicated(in *ir.Inst) bool {
	return in.IsPredicated()
}

func (d *Datapath) IsPredicable(in *ir.Inst) bool {
	return !d.op(in.Op).Unpredicable
}

// PredicateInst conjoins cond with the instruction predicate.
func (d *Datapath) PredicateInst(in *ir.Inst, cond ir.Cond) bool {
	if !d.IsPredicable(in) || len(cond) == 0 {
		return false
	}

	in.Pred = in.Pred.And(cond)

	return true
}

func (d *Datapath) NotDuplicable(in *ir.Inst) bool {
	return d.op(in.Op).NotDuplicable
}

// SubsumesPredicate reports whether a holds whenever b holds.
func (d *Datapath) SubsumesPredicate(a, b ir.Cond) bool {
	for _, t := range a {
		if !b.Has(t) {
			return false
		}
	}

	return true
}

func (d *Datapath) DefinesPredicate(in *ir.Inst) bool {
	return d.op(in.Op).DefinesPred
}

// RedefinedState returns registers written implicitly by in.
func (d *Datapath) RedefinedState(f *ir.Func, in *ir.Inst) (r []ir.Reg) {
	for _, name := range d.op(in.Op).State {
		if reg, ok := f.LookupReg(name); ok {
			r = append(r, reg)
		}
	}

	return r
}

func (d *Datapath) Latency(in *ir.Inst) (cycles, extra int) {
	x := d.op(in.Op)

	return x.Latency, x.PredCost
}

// ProfitableToIfCvt compares predicated execution of a block with
// the expected cost of branching around it.
func (d *Datapath) ProfitableToIfCvt(cycles, extra int, prediction, confidence float64) bool {
	if cycles <= 0 {
		return false
	}

	unpred := prediction*float64(cycles) + d.branchCost(confidence)

	return float64(cycles+extra) <= unpred
}

func (d *Datapath) ProfitableToIfCvtPair(tcycles, textra, fcycles, fextra int, prediction, confidence float64) bool {
	if tcycles <= 0 || fcycles <= 0 {
		return false
	}

	unpred := prediction*float64(tcycles) + (1-prediction)*float64(fcycles) + d.branchCost(confidence)

	return float64(tcycles+textra+fcycles+fextra) <= unpred
}

func (d *Datapath) ProfitableToDup(size int, prediction, confidence float64) bool {
	return size > 0 && size <= d.DupLimit
}

func (d *Datapath) branchCost(confidence float64) float64 {
	return d.BranchCost + (1-confidence)*d.MispredictPenalty
}

func target(in *ir.Inst) ir.BlockID {
	for _, u := range in.Uses {
		if u.Kind == ir.OperandBlock {
			return u.Block
		}
	}

	return ir.NoBlock
}

func dupCond(c ir.Cond) ir.Cond {
	return append(ir.Cond{}, c...)
}

package ifcvt

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/fold"
	"github.com/slowlang/ifcvt/compiler/format"
	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/loops"
	"github.com/slowlang/ifcvt/compiler/set"
)

type (
	Kind int8

	// KindSet has one bit per Kind.
	KindSet uint16

	Config struct {
		// Limit is the total number of conversions the pass may do. -1 is unlimited.
		Limit int

		// FnStart and FnStop select functions by their index in the run. -1 disables a bound.
		FnStart int
		FnStop  int

		Disable KindSet

		// BranchFold runs the cleanup after a function was changed.
		BranchFold bool

		// FoldBefore runs the cleanup before analysis to expose tail merges.
		FoldBefore bool

		// Priority orders candidates with equal duplication benefit. Lower goes first.
		Priority [NumKinds]int

		// Verify checks the function after each conversion.
		Verify bool
	}

	Target interface {
		// AnalyzeBranch decomposes block terminators.
		// tbb == NoBlock means the block falls through.
		AnalyzeBranch(f *ir.Func, b ir.BlockID) (tbb, fbb ir.BlockID, cond ir.Cond, ok bool)
		RemoveBranch(f *ir.Func, b ir.BlockID) int
		InsertBranch(f *ir.Func, b, tbb, fbb ir.BlockID, cond ir.Cond) int
		ReverseCondition(c ir.Cond) (ir.Cond, bool)

		IsPredicated(in *ir.Inst) bool
		IsPredicable(in *ir.Inst) bool
		PredicateInst(in *ir.Inst, cond ir.Cond) bool
		NotDuplicable(in *ir.Inst) bool

		// SubsumesPredicate reports whether a holds whenever b holds.
		SubsumesPredicate(a, b ir.Cond) bool
		DefinesPredicate(in *ir.Inst) bool

		Latency(in *ir.Inst) (cycles, extra int)
		ProfitableToIfCvt(cycles, extra int, prediction, confidence float64) bool
		ProfitableToIfCvtPair(tcycles, textra, fcycles, fextra int, prediction, confidence float64) bool
		ProfitableToDup(size int, prediction, confidence float64) bool
	}

	// StateRedefiner is implemented by targets keeping predicate state
	// outside of instruction defs.
	StateRedefiner interface {
		RedefinedState(f *ir.Func, in *ir.Inst) []ir.Reg
	}

	LoopInfo interface {
		LoopFor(b ir.BlockID) (int, bool)
		Header(l int) ir.BlockID
		Parent(l int) (int, bool)
	}

	Stats struct {
		Converted [NumKinds]int

		IfCvtBlocks int
		DupBlocks   int
	}

	Pass struct {
		cfg Config
		tgt Target

		stats Stats
		fnum  int

		// per function state
		f       *ir.Func
		loops   LoopInfo
		info    []blockInfo
		queue   heap.Heap[candidate]
		visited set.Bits[ir.BlockID]
	}
)

const (
	KindNone Kind = iota
	Simple
	SimpleFalse
	Triangle
	TriangleRev
	TriangleFalse
	TriangleFalseRev
	Diamond

	NumKinds
)

var kindNames = [NumKinds]string{
	KindNone:         "none",
	Simple:           "simple",
	SimpleFalse:      "simple-false",
	Triangle:         "triangle",
	TriangleRev:      "triangle-rev",
	TriangleFalse:    "triangle-false",
	TriangleFalseRev: "triangle-false-rev",
	Diamond:          "diamond",
}

func DefaultConfig() Config {
	return Config{
		Limit:      -1,
		FnStart:    -1,
		FnStop:     -1,
		BranchFold: true,
		FoldBefore: true,
		Priority: [NumKinds]int{
			Diamond:          1,
			Triangle:         2,
			TriangleFalse:    3,
			TriangleRev:      4,
			TriangleFalseRev: 5,
			Simple:           6,
			SimpleFalse:      7,
		},
	}
}

func New(cfg Config, tgt Target) *Pass {
	return &Pass{
		cfg: cfg,
		tgt: tgt,
	}
}

func (p *Pass) Stats() Stats { return p.stats }

// Run converts every function of the package.
func (p *Pass) Run(ctx context.Context, pkg *ir.Package) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "ifcvt: package", "name", pkg.Path, "funcs", len(pkg.Funcs))
	defer tr.Finish("err", &err)

	for _, f := range pkg.Funcs {
		c, err := p.runFunc(ctx, f, findLoops)
		if err != nil {
			return changed, errors.Wrap(err, "func %v", f.Name)
		}

		changed = changed || c
	}

	tr.Printw("converted", "total", p.stats.Total(), "blocks", p.stats.IfCvtBlocks, "dups", p.stats.DupBlocks)

	return changed, nil
}

// RunFunc converts a single function. li may be nil.
// It is used as given, while Run finds loops after the FoldBefore cleanup.
func (p *Pass) RunFunc(ctx context.Context, f *ir.Func, li LoopInfo) (changed bool, err error) {
	return p.runFunc(ctx, f, func(*ir.Func) LoopInfo { return li })
}

// runFunc gets loop info once the function is folded.
func (p *Pass) runFunc(ctx context.Context, f *ir.Func, getLoops func(f *ir.Func) LoopInfo) (changed bool, err error) {
	fnum := p.fnum
	p.fnum++

	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "ifcvt: func", "name", f.Name, "fnum", fnum)
	defer tr.Finish("err", &err)

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		e, ok := r.(*InvariantError)
		if !ok {
			panic(r)
		}

		changed, err = true, e
	}()

	if fnum < p.cfg.FnStart || p.cfg.FnStop != -1 && fnum > p.cfg.FnStop {
		tr.V("ifcvt").Printw("skipped")

		return false, nil
	}

	if p.cfg.FoldBefore {
		changed, err = fold.Func(ctx, f)
		if err != nil {
			return changed, errors.Wrap(err, "fold before")
		}
	}

	p.reset(f, getLoops(f))
	defer p.reset(nil, nil)

	if tr.If("ifcvt_dump") {
		p.dump(ctx, "before")
	}

	made := false

	for p.underLimit() {
		round, err := p.round(ctx)
		if err != nil {
			return true, err
		}

		if !round {
			break
		}

		made = true
	}

	if made && p.cfg.BranchFold {
		_, err = fold.Func(ctx, f)
		if err != nil {
			return true, errors.Wrap(err, "fold after")
		}
	}

	if tr.If("ifcvt_dump") {
		p.dump(ctx, "after")
	}

	if p.cfg.Verify {
		if err = f.Verify(); err != nil {
			return true, errors.Wrap(err, "verify")
		}
	}

	return changed || made, nil
}

// round analyzes the function and applies queued candidates.
func (p *Pass) round(ctx context.Context) (change bool, err error) {
	tr := tlog.SpanFromContext(ctx)

	p.analyzeBlocks(ctx)

	tr.V("ifcvt_queue").Printw("candidates", "n", p.queue.Len())

	for p.queue.Len() != 0 {
		c := p.queue.Pop()
		bi := &p.info[c.b]

		if bi.done {
			bi.enqueued = false
		}

		if !bi.enqueued {
			continue
		}

		bi.enqueued = false

		ok := p.convert(ctx, c)

		tr.V("ifcvt").Printw("convert", "kind", c.kind.String(), "block", p.f.BlockName(c.b), "tbb", p.f.BlockName(bi.tbb), "fbb", p.f.BlockName(bi.fbb), "ok", ok)

		if !ok {
			continue
		}

		p.stats.Converted[c.kind]++
		change = true

		if p.cfg.Verify {
			if err = p.f.Verify(); err != nil {
				return true, errors.Wrap(err, "after %v at %v", c.kind, p.f.BlockName(c.b))
			}
		}

		if !p.underLimit() {
			break
		}
	}

	p.queue.Data = p.queue.Data[:0]

	return change, nil
}

func (p *Pass) convert(ctx context.Context, c candidate) bool {
	switch c.kind {
	case Simple, SimpleFalse:
		return p.convertSimple(ctx, c)
	case Triangle, TriangleRev, TriangleFalse, TriangleFalseRev:
		return p.convertTriangle(ctx, c)
	case Diamond:
		return p.convertDiamond(ctx, c)
	}

	p.fail(c.b, ir.NoInst, "unexpected candidate kind %v", c.kind)

	return false
}

func (p *Pass) reset(f *ir.Func, li LoopInfo) {
	p.f = f
	p.loops = li
	p.info = p.info[:0]
	p.queue = heap.Heap[candidate]{Less: p.less}

	if f == nil {
		return
	}

	for b := 0; b < f.NumBlocks(); b++ {
		p.info = append(p.info, blockInfo{
			b:   ir.BlockID(b),
			tbb: ir.NoBlock,
			fbb: ir.NoBlock,
		})
	}
}

func findLoops(f *ir.Func) LoopInfo {
	return loops.Find(f)
}

func (p *Pass) underLimit() bool {
	return p.cfg.Limit < 0 || p.stats.Total() < p.cfg.Limit
}

func (p *Pass) dump(ctx context.Context, when string) {
	text, err := format.Format(ctx, nil, p.f)

	tlog.SpanFromContext(ctx).Printw("function "+when, "name", p.f.Name, "text", text, "err", err)
}

func (s Stats) Total() (n int) {
	for _, c := range s.Converted {
		n += c
	}

	return n
}

func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return "unknown"
	}

	return kindNames[k]
}

func MakeKindSet(ks ...Kind) (s KindSet) {
	for _, k := range ks {
		s |= 1 << k
	}

	return s
}

func (s KindSet) Has(k Kind) bool { return s&(1<<k) != 0 }

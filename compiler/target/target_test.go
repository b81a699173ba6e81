package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/parse"
)

func TestAnalyzeBranch(t *testing.T) {
	pkg, err := parse.Parse(context.Background(), []byte(`func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	br B2
B2:
	brc !%c, B1
B3:
	%y = add %a, 2
B4:
	(%c) br B1
	ret %a
B5:
	ret %a
`))
	require.NoError(t, err)

	f := pkg.Funcs[0]
	d := Default()

	for _, tc := range []struct {
		b        string
		tbb, fbb string
		cond     ir.Cond
		ok       bool
	}{
		{b: "B0", tbb: "B1", fbb: "B2", cond: ir.Cond{{Reg: 1}}, ok: true},
		{b: "B1", tbb: "B2", ok: true},
		{b: "B2", tbb: "B1", cond: ir.Cond{{Reg: 1, Neg: true}}, ok: true},
		{b: "B3", ok: true},
		{b: "B4"},
		{b: "B5"},
	} {
		b := block(f, tc.b)

		tbb, fbb, cond, ok := d.AnalyzeBranch(f, b)

		assert.Equal(t, tc.ok, ok, "block %v", tc.b)

		if !tc.ok {
			continue
		}

		assert.Equal(t, block(f, tc.tbb), tbb, "block %v", tc.b)
		assert.Equal(t, block(f, tc.fbb), fbb, "block %v", tc.b)
		assert.Equal(t, tc.cond, cond, "block %v", tc.b)
	}
}

func TestRemoveInsertBranch(t *testing.T) {
	f := &ir.Func{Name: "f"}

	b0 := f.NewBlock("B0")
	b1 := f.NewBlock("B1")
	b2 := f.NewBlock("B2")

	f.Layout = []ir.BlockID{b0, b1, b2}

	d := Default()
	c := ir.Cond{{Reg: f.NewReg("c")}}

	f.Append(b0, ir.Inst{Op: "add"})

	assert.Equal(t, 2, d.InsertBranch(f, b0, b1, b2, c))
	assert.Len(t, f.Block(b0).Code, 3)

	tbb, fbb, cond, ok := d.AnalyzeBranch(f, b0)
	require.True(t, ok)
	assert.Equal(t, b1, tbb)
	assert.Equal(t, b2, fbb)
	assert.Equal(t, c, cond)

	assert.Equal(t, 2, d.RemoveBranch(f, b0))
	assert.Len(t, f.Block(b0).Code, 1)
	assert.Equal(t, 0, d.RemoveBranch(f, b0))

	assert.Equal(t, 1, d.InsertBranch(f, b0, b2, ir.NoBlock, nil))
	assert.Equal(t, 1, d.InsertBranch(f, b0, b1, ir.NoBlock, c))

	// br before brc stays
	assert.Equal(t, 1, d.RemoveBranch(f, b0))
	assert.Len(t, f.Block(b0).Code, 2)
}

func TestPredicateInst(t *testing.T) {
	d := Default()

	c := ir.Cond{{Reg: 1}}
	e := ir.Cond{{Reg: 2, Neg: true}}

	in := ir.Inst{Op: "add"}

	assert.True(t, d.IsPredicable(&in))
	assert.True(t, d.PredicateInst(&in, c))
	assert.True(t, d.IsPredicated(&in))
	assert.True(t, d.PredicateInst(&in, e))
	assert.Equal(t, ir.Cond{{Reg: 1}, {Reg: 2, Neg: true}}, in.Pred)

	assert.False(t, d.PredicateInst(&in, nil))
	assert.False(t, d.PredicateInst(&ir.Inst{Op: ir.OpPhi}, c))
	assert.False(t, d.PredicateInst(&ir.Inst{Op: "call"}, c))

	assert.True(t, d.NotDuplicable(&ir.Inst{Op: "call"}))
	assert.True(t, d.DefinesPredicate(&ir.Inst{Op: "cmp"}))
	assert.False(t, d.DefinesPredicate(&in))

	assert.True(t, d.SubsumesPredicate(c, ir.Cond{{Reg: 1}, {Reg: 2}}))
	assert.False(t, d.SubsumesPredicate(ir.Cond{{Reg: 1}, {Reg: 2}}, c))
	assert.True(t, d.SubsumesPredicate(nil, c))

	rev, ok := d.ReverseCondition(c)
	assert.True(t, ok)
	assert.Equal(t, ir.Cond{{Reg: 1, Neg: true}}, rev)
}

func TestProfitability(t *testing.T) {
	d := Default()

	// branch cost at 0.9 confidence is 2 + 0.1*10 = 3
	assert.True(t, d.ProfitableToIfCvt(4, 0, 0.5, 0.9))
	assert.True(t, d.ProfitableToIfCvt(5, 0, 0.5, 0.9))
	assert.False(t, d.ProfitableToIfCvt(7, 0, 0.5, 0.9))
	assert.False(t, d.ProfitableToIfCvt(0, 0, 0.5, 0.9))
	assert.False(t, d.ProfitableToIfCvt(2, 3, 0.5, 0.9))

	assert.True(t, d.ProfitableToIfCvtPair(2, 0, 2, 0, 0.5, 0.9))
	assert.False(t, d.ProfitableToIfCvtPair(4, 0, 4, 0, 0.5, 0.9))
	assert.False(t, d.ProfitableToIfCvtPair(0, 0, 3, 0, 0.5, 0.9))

	assert.True(t, d.ProfitableToDup(4, 0.5, 0.9))
	assert.False(t, d.ProfitableToDup(5, 0.5, 0.9))
	assert.False(t, d.ProfitableToDup(0, 0.5, 0.9))

	cycles, extra := d.Latency(&ir.Inst{Op: "div"})
	assert.Equal(t, 8, cycles)
	assert.Equal(t, 1, extra)

	cycles, extra = d.Latency(&ir.Inst{Op: "xor"})
	assert.Equal(t, 1, cycles)
	assert.Equal(t, 0, extra)
}

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`
name: dsp
branch_cost: 1
dup_limit: 2
ops:
  mac:
    latency: 2
    pred_cost: 1
  setp:
    defines_pred: true
    state: [flags]
`))
	require.NoError(t, err)

	assert.Equal(t, "dsp", d.Name)
	assert.Equal(t, 1.0, d.BranchCost)
	assert.Equal(t, 10.0, d.MispredictPenalty)
	assert.Equal(t, 2, d.DupLimit)

	assert.Equal(t, OpInfo{Latency: 2, PredCost: 1}, d.Ops["mac"])
	assert.True(t, d.DefinesPredicate(&ir.Inst{Op: "setp"}))
	assert.Equal(t, 3, d.Ops["mul"].Latency)

	f := &ir.Func{}
	flags := f.NewReg("flags")

	assert.Equal(t, []ir.Reg{flags}, d.RedefinedState(f, &ir.Inst{Op: "setp"}))
	assert.Nil(t, d.RedefinedState(&ir.Func{}, &ir.Inst{Op: "setp"}))

	_, err = Parse([]byte("ops:\n  add:\n    latency: -1\n"))
	assert.ErrorContains(t, err, "negative cost")

	_, err = Parse([]byte("ops: [1, 2]\n"))
	assert.ErrorContains(t, err, "decode yaml")
}

func TestLoad(t *testing.T) {
	name := filepath.Join(t.TempDir(), "dp.yaml")

	err := os.WriteFile(name, []byte("name: tiny\nmispredict_penalty: 4\n"), 0o644)
	require.NoError(t, err)

	d, err := Load(name)
	require.NoError(t, err)

	assert.Equal(t, "tiny", d.Name)
	assert.Equal(t, 4.0, d.MispredictPenalty)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func block(f *ir.Func, name string) ir.BlockID {
	for i := range f.Blocks {
		if f.Blocks[i].Name == name {
			return ir.BlockID(i)
		}
	}

	return ir.NoBlock
}

package ifcvt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ifcvt/compiler/format"
	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/loops"
	"github.com/slowlang/ifcvt/compiler/parse"
	"github.com/slowlang/ifcvt/compiler/target"
)

const triangleSrc = `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
B2:
	%y = phi [%a, B0], [%x, B1]
	ret %y
`

const diamondSrc = `func f
B0:
	livein %a %b %c
	brc %c, B1
	br B2
B1:
	%t = add %a, %b
	%u = shl %t, 2
	%x = add %u, 1
	br B3
B2:
	%t = add %a, %b
	%u = shl %t, 2
	%y = sub %u, 1
	br B3
B3:
	%z = phi [%x, B1], [%y, B2]
	ret %z
`

func testConfig() Config {
	cfg := DefaultConfig()

	cfg.BranchFold = false
	cfg.FoldBefore = false
	cfg.Verify = true

	return cfg
}

func parseFunc(t *testing.T, src string) *ir.Func {
	t.Helper()

	pkg, err := parse.Parse(context.Background(), []byte(src))
	require.NoError(t, err)
	require.Len(t, pkg.Funcs, 1)

	return pkg.Funcs[0]
}

func formatFunc(t *testing.T, f *ir.Func) string {
	t.Helper()

	b, err := format.Format(context.Background(), nil, f)
	require.NoError(t, err)

	return string(b)
}

func runFunc(t *testing.T, cfg Config, tgt Target, src string) (*ir.Func, *Pass, bool) {
	t.Helper()

	f := parseFunc(t, src)
	p := New(cfg, tgt)

	changed, err := p.RunFunc(context.Background(), f, loops.Find(f))
	require.NoError(t, err)
	require.NoError(t, f.Verify())

	return f, p, changed
}

func TestTriangle(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), triangleSrc)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	%tmp.4 = sel %c, %x, %a
B2:
	ret %tmp.4
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Triangle])
	assert.Equal(t, 1, st.Total())
	assert.Equal(t, 1, st.IfCvtBlocks)
	assert.Equal(t, 0, st.DupBlocks)
}

func TestTriangleBranchFold(t *testing.T) {
	cfg := testConfig()
	cfg.BranchFold = true
	cfg.FoldBefore = true

	f, _, changed := runFunc(t, cfg, target.Default(), triangleSrc)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	%tmp.4 = sel %c, %x, %a
	ret %tmp.4
`, formatFunc(t, f))
}

func TestDiamond(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), diamondSrc)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %b %c
	%t = add %a, %b
	%u = shl %t, 2
	(%c) %x = add %u, 1
	(!%c) %y = sub %u, 1
	%tmp.8 = sel !%c, %y, %x
	ret %tmp.8
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Diamond])
	assert.Equal(t, 2, st.IfCvtBlocks)
}

func TestDiamondKeepsSharedTail(t *testing.T) {
	f, _, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	%s = or %x, 1
	br B3
B2:
	%x = sub %a, 1
	%s = or %x, 1
	br B3
B3:
	livein %a
	ret %a
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	(!%c) %x = sub %a, 1 implicit(%x)
	%s = or %x, 1
	ret %a
`, formatFunc(t, f))
}

func TestSimple(t *testing.T) {
	cfg := testConfig()
	cfg.Disable = MakeKindSet(Diamond)

	f, p, changed := runFunc(t, cfg, target.Default(), `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	ret %x
B2:
	ret %a
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	(%c) ret %x
B2:
	ret %a
`, formatFunc(t, f))

	assert.Equal(t, 1, p.Stats().Converted[Simple])
}

func TestSimpleDuplicatesSharedBlock(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %d
	brc %c, B2
	br B1
B1:
	brc %d, B2
	br B3
B2:
	%x = add %a, 1
	ret %x
B3:
	ret %a
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	(%c) %x = add %a, 1
	(%c) ret %x
B1:
	(!%d) ret %a
B2:
	%x = add %a, 1
	ret %x
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Simple])
	assert.Equal(t, 1, st.Converted[SimpleFalse])
	assert.Equal(t, 1, st.DupBlocks)
}

func TestCopyBecomesSelect(t *testing.T) {
	f, _, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %b %c
	brc %c, B1
	br B2
B1:
	%a = copy %b
B2:
	ret %a
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %b %c
	%a = sel %c, %b, %a
B2:
	ret %a
`, formatFunc(t, f))
}

func TestRedefinedLiveInGetsImplicitUse(t *testing.T) {
	f, _, _ := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %x
	brc %c, B1
	br B2
B1:
	livein %x
	%x = add %a, 1
B2:
	ret %x
`)

	assert.Equal(t, `func f
B0:
	livein %a %c %x
	(%c) %x = add %a, 1 implicit(%x)
B2:
	ret %x
`, formatFunc(t, f))
}

func TestRedefinedStateGetsImplicitUse(t *testing.T) {
	tgt, err := target.Parse([]byte(`
ops:
  add:
    state: [flags]
`))
	require.NoError(t, err)

	f, _, _ := runFunc(t, testConfig(), tgt, `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	livein %flags
	%x = add %a, 1
B2:
	ret %a
`)

	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1 implicit(%flags)
B2:
	ret %a
`, formatFunc(t, f))
}

func TestConvertIdempotent(t *testing.T) {
	for _, src := range []string{triangleSrc, diamondSrc} {
		f, _, _ := runFunc(t, testConfig(), target.Default(), src)

		before := formatFunc(t, f)

		p := New(testConfig(), target.Default())

		changed, err := p.RunFunc(context.Background(), f, loops.Find(f))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, before, formatFunc(t, f))
	}
}

func TestDisabledKinds(t *testing.T) {
	cfg := testConfig()
	cfg.Disable = MakeKindSet(Triangle, TriangleRev)

	f, p, changed := runFunc(t, cfg, target.Default(), triangleSrc)

	assert.False(t, changed)
	assert.Equal(t, 0, p.Stats().Total())
	assert.Equal(t, triangleSrc, formatFunc(t, f))
}

const twoTrianglesSrc = `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
B2:
	%y = phi [%a, B0], [%x, B1]
	brc %d, B3
	br B4
B3:
	%z = add %y, 2
B4:
	%w = phi [%y, B2], [%z, B3]
	ret %w
`

func TestLimit(t *testing.T) {
	f, p, _ := runFunc(t, testConfig(), target.Default(), twoTrianglesSrc)

	assert.Equal(t, 2, p.Stats().Converted[Triangle])
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	(%c) %x = add %a, 1
	%tmp.7 = sel %c, %x, %a
B2:
	(%d) %z = add %tmp.7, 2
	%tmp.8 = sel %d, %z, %tmp.7
B4:
	ret %tmp.8
`, formatFunc(t, f))

	cfg := testConfig()
	cfg.Limit = 1

	f, p, changed := runFunc(t, cfg, target.Default(), twoTrianglesSrc)

	assert.True(t, changed)
	assert.Equal(t, 1, p.Stats().Total())
	assert.True(t, f.Block(1).Dead)
	assert.False(t, f.Block(3).Dead)
}

func TestFunctionWindow(t *testing.T) {
	src := []byte(triangleSrc + "\n" +
		"func g" + triangleSrc[len("func f"):] + "\n" +
		"func h" + triangleSrc[len("func f"):])

	pkg, err := parse.Parse(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, pkg.Funcs, 3)

	cfg := testConfig()
	cfg.FnStart = 1
	cfg.FnStop = 1

	p := New(cfg, target.Default())

	changed, err := p.Run(context.Background(), pkg)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, 1, p.Stats().Total())
	assert.Len(t, pkg.Func("f").Layout, 3)
	assert.Len(t, pkg.Func("g").Layout, 2)
	assert.Len(t, pkg.Func("h").Layout, 3)
}

type unpredicableTarget struct {
	*target.Datapath
}

func (unpredicableTarget) PredicateInst(in *ir.Inst, cond ir.Cond) bool { return false }

func TestInvariantError(t *testing.T) {
	f := parseFunc(t, triangleSrc)
	p := New(testConfig(), unpredicableTarget{Datapath: target.Default()})

	_, err := p.RunFunc(context.Background(), f, nil)

	var ie *InvariantError
	require.ErrorAs(t, err, &ie)

	assert.Equal(t, "f", ie.Func)
	assert.Equal(t, "B1", ie.Block)
	assert.Contains(t, ie.Msg, "unable to predicate add")
	assert.Contains(t, err.Error(), "block B1")
}

func TestKind(t *testing.T) {
	assert.Equal(t, "diamond", Diamond.String())
	assert.Equal(t, "triangle-false-rev", TriangleFalseRev.String())
	assert.Equal(t, "unknown", Kind(100).String())

	s := MakeKindSet(Simple, Diamond)

	assert.True(t, s.Has(Simple))
	assert.True(t, s.Has(Diamond))
	assert.False(t, s.Has(Triangle))
}

func TestTriangleKinds(t *testing.T) {
	for _, tc := range []struct {
		name string
		kind Kind
		src  string
		want string
	}{
		{
			name: "false",
			kind: TriangleFalse,
			src: `func f
B0:
	livein %a %c
	brc %c, B2
	br B1
B1:
	%x = add %a, 1
B2:
	%y = phi [%a, B0], [%x, B1]
	ret %y
`,
			want: `func f
B0:
	livein %a %c
	(!%c) %x = add %a, 1
	%tmp.4 = sel !%c, %x, %a
B2:
	ret %tmp.4
`,
		},
		{
			name: "rev_early_exit",
			kind: TriangleRev,
			src: `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	brc %c, B3
	br B2
B2:
	%y = phi [%a, B0], [%x, B1]
	call %y
	ret %y
B3:
	call %x
	ret %x
`,
			want: `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	%tmp.4 = sel %c, %x, %a
	brc %c, B3
B2:
	call %tmp.4
	ret %tmp.4
B3:
	call %x
	ret %x
`,
		},
		{
			name: "false_rev_early_exit",
			kind: TriangleFalseRev,
			src: `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B2:
	%x = add %a, 1
	brc !%c, B3
	br B1
B1:
	%y = phi [%a, B0], [%x, B2]
	call %y
	ret %y
B3:
	call %x
	ret %x
`,
			want: `func f
B0:
	livein %a %c
	(!%c) %x = add %a, 1
	%tmp.4 = sel !%c, %x, %a
	brc !%c, B3
B1:
	call %tmp.4
	ret %tmp.4
B3:
	call %x
	ret %x
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, p, changed := runFunc(t, testConfig(), target.Default(), tc.src)

			assert.True(t, changed)
			assert.Equal(t, tc.want, formatFunc(t, f))

			st := p.Stats()
			assert.Equal(t, 1, st.Converted[tc.kind], "kind %v", tc.kind)
			assert.Equal(t, 1, st.Total())
			assert.Equal(t, 1, st.IfCvtBlocks)
			assert.Equal(t, 0, st.DupBlocks)
		})
	}
}

func TestTriangleDuplicatesSharedArm(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B2
B2:
	brc %d, B1
	br B3
B1:
	%x = add %a, 1
B3:
	%y = phi [%a, B2], [%x, B1]
	ret %y
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B2
B2:
	(%d) %x = add %a, 1
	%tmp.5 = sel %d, %x, %a
	br B3
B1:
	%x = add %a, 1
B3:
	%y = phi [%tmp.5, B2], [%x, B1]
	ret %y
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Triangle])
	assert.Equal(t, 1, st.Total())
	assert.Equal(t, 1, st.DupBlocks)
	assert.Equal(t, 0, st.IfCvtBlocks)
}

const sharedRevArmSrc = `func f
B0:
	livein %a %c %d
	brc %c, B5
	br B2
B5:
	br B1
B2:
	brc %d, B1
	br B3
B1:
	%x = add %a, 1
	brc %d, B4
	br B3
B3:
	%y = phi [%a, B2], [%x, B1]
	ret %y
B4:
	call %x
	ret %x
`

func TestTriangleRevDuplicatesArmWithEarlyExit(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), sharedRevArmSrc)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	brc %c, B5
	br B2
B5:
	br B1
B2:
	(%d) %x = add %a, 1
	%tmp.5 = sel %d, %x, %a
	brc %d, B4
	br B3
B1:
	%x = add %a, 1
	brc !%d, B3
	br B4
B3:
	%y = phi [%tmp.5, B2], [%x, B1]
	ret %y
B4:
	call %x
	ret %x
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[TriangleRev])
	assert.Equal(t, 1, st.Total())
	assert.Equal(t, 1, st.DupBlocks)
	assert.Equal(t, 0, st.IfCvtBlocks)
}

func TestDiamondWithoutTail(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	ret %x
B2:
	%y = sub %a, 1
	ret %y
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	(%c) ret %x
	(!%c) %y = sub %a, 1
	(!%c) ret %y
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Diamond])
	assert.Equal(t, 1, st.Total())
	assert.Equal(t, 2, st.IfCvtBlocks)
	assert.Equal(t, 0, st.DupBlocks)
}

func TestDiamondKeepsFallingThroughTail(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	br B3
B2:
	%x = sub %a, 1
	br B3
B3:
	%y = or %x, 1
B4:
	ret %y
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c
	(%c) %x = add %a, 1
	(!%c) %x = sub %a, 1 implicit(%x)
	br B3
B3:
	%y = or %x, 1
B4:
	ret %y
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[Diamond])
	assert.Equal(t, 2, st.IfCvtBlocks)
}

func TestNestedTriangleRefusesUnrelatedPredicate(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B3
B1:
	brc %d, B2
	br B3
B2:
	%x = add %a, 1
B3:
	%y = phi [%a, B0], [%a, B1], [%x, B2]
	ret %y
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B3
B1:
	(%d) %x = add %a, 1
	%tmp.5 = sel %d, %x, %a
B3:
	%y = phi [%a, B0], [%tmp.5, B1]
	ret %y
`, formatFunc(t, f))

	assert.Equal(t, 1, p.Stats().Converted[Triangle])
	assert.Equal(t, 1, p.Stats().Total())
}

func TestNestedTriangleConjoinsPredicate(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B3
B1:
	brc (%c, %d), B2
	br B3
B2:
	%x = add %a, 1
B3:
	%y = phi [%a, B0], [%a, B1], [%x, B2]
	ret %y
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	(%c, %d) %x = add %a, 1
	(%c) %tmp.5 = sel (%c, %d), %x, %a
	%tmp.6 = sel %c, %tmp.5, %a
B3:
	ret %tmp.6
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 2, st.Converted[Triangle])
	assert.Equal(t, 2, st.IfCvtBlocks)
}

func TestLoopTerminates(t *testing.T) {
	pkg, err := parse.Parse(context.Background(), []byte(`func f
B0:
	livein %a %c %n
B1:
	%i = phi [%a, B0], [%j, B3]
	%p = cmplt %i, %n
	brc %c, B2
	br B3
B2:
	%k = add %i, 1
B3:
	%j = phi [%i, B1], [%k, B2]
	brc %p, B1
B4:
	call %j
	ret %j
`))
	require.NoError(t, err)

	p := New(testConfig(), target.Default())

	changed, err := p.Run(context.Background(), pkg)
	require.NoError(t, err)
	assert.True(t, changed)

	f := pkg.Funcs[0]
	require.NoError(t, f.Verify())

	want := `func f
B0:
	livein %a %c %n
B1:
	%i = phi [%a, B0], [%tmp.7, B3]
	%p = cmplt %i, %n
	(%c) %k = add %i, 1
	%tmp.7 = sel %c, %k, %i
B3:
	brc %p, B1
B4:
	call %tmp.7
	ret %tmp.7
`

	assert.Equal(t, want, formatFunc(t, f))
	assert.Equal(t, 1, p.Stats().Converted[Triangle])

	p = New(testConfig(), target.Default())

	changed, err = p.Run(context.Background(), pkg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, want, formatFunc(t, f))
}

func TestIrreducibleReachesFixedPoint(t *testing.T) {
	f, p, changed := runFunc(t, testConfig(), target.Default(), `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	brc %d, B2
	br B3
B2:
	%x = sub %a, 1
	brc %d, B1
	br B3
B3:
	ret %x
`)

	assert.True(t, changed)
	assert.Equal(t, `func f
B0:
	livein %a %c %d
	brc %c, B1
	br B2
B1:
	%x = add %a, 1
	(!%d) ret %x
B2:
	%x = sub %a, 1
	brc %d, B1
	br B3
B3:
	ret %x
`, formatFunc(t, f))

	st := p.Stats()
	assert.Equal(t, 1, st.Converted[SimpleFalse])
	assert.Equal(t, 1, st.DupBlocks)

	runs := 1

	for ; changed && runs < 5; runs++ {
		var err error

		changed, err = New(testConfig(), target.Default()).RunFunc(context.Background(), f, loops.Find(f))
		require.NoError(t, err)
		require.NoError(t, f.Verify())
	}

	assert.False(t, changed, "no fixed point after %d runs", runs)
}

func TestDegenerateBranchIsNotConverted(t *testing.T) {
	src := `func f
B0:
	livein %a %c
	brc %c, B1
	br B1
B1:
	ret %a
`

	f, p, changed := runFunc(t, testConfig(), target.Default(), src)

	assert.False(t, changed)
	assert.Equal(t, 0, p.Stats().Total())
	assert.Equal(t, src, formatFunc(t, f))
}

func TestLoopsFoundAfterFold(t *testing.T) {
	f := parseFunc(t, triangleSrc+"B9:\n\tret %a\n")

	cfg := testConfig()
	cfg.FoldBefore = true

	p := New(cfg, target.Default())

	var layout []ir.BlockID

	changed, err := p.runFunc(context.Background(), f, func(f *ir.Func) LoopInfo {
		layout = append([]ir.BlockID{}, f.Layout...)

		return loops.Find(f)
	})
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, []ir.BlockID{0, 1, 2}, layout)
	assert.Equal(t, 1, p.Stats().Converted[Triangle])
}

package format

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/ifcvt/compiler/ir"
	"github.com/slowlang/ifcvt/compiler/parse"
)

func TestRoundTrip(t *testing.T) {
	const text = `func f
B0:
	livein %a %b %c
	%p, %q = cmp %a, %b
	(%c, !%p) %x = add %a, -1 implicit(%x)
	%s = sel (%c, !%q), %x, 5
	brc !%c, B2
	br B1
B1:
	dbg
	switch %a, B0, B2
B2:
	%y = phi [%a, B0], [%s, B1]
	%z = sel !%c, %y, %a
	ret %z

func g
B0:
	ret
`

	ctx := context.Background()

	pkg, err := parse.Parse(ctx, []byte(text))
	require.NoError(t, err)

	b, err := Format(ctx, nil, pkg)
	require.NoError(t, err)
	assert.Equal(t, text, string(b))

	b, err = Format(ctx, []byte("prefix\n"), pkg.Funcs[1])
	require.NoError(t, err)
	assert.Equal(t, "prefix\nfunc g\nB0:\n\tret\n", string(b))
}

func TestFormatErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Format(ctx, nil, 5)
	assert.ErrorContains(t, err, "unsupported type: int")

	f := &ir.Func{Name: "f"}
	b := f.NewBlock("B0")
	f.Layout = append(f.Layout, b)

	f.Append(b, ir.Inst{Op: ir.OpSelect, Defs: []ir.Reg{f.NewReg("x")}})

	_, err = Format(ctx, nil, f)
	assert.ErrorContains(t, err, "sel without condition")

	f.Block(b).Dead = true

	_, err = Format(ctx, nil, &ir.Package{Funcs: []*ir.Func{f}})
	assert.ErrorContains(t, err, "removed block B0 in layout")
}

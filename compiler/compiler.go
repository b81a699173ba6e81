package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler/format"
	"github.com/slowlang/ifcvt/compiler/ifcvt"
	"github.com/slowlang/ifcvt/compiler/parse"
)

func ConvertFile(ctx context.Context, name string, cfg ifcvt.Config, tgt ifcvt.Target) (text []byte, err error) {
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(src), "name", name)

	return Convert(ctx, name, src, cfg, tgt)
}

// Convert if-converts every function of the text and returns it reformatted.
func Convert(ctx context.Context, name string, src []byte, cfg ifcvt.Config, tgt ifcvt.Target) (text []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "convert", "name", name)
	defer tr.Finish("err", &err)

	st := parse.New()

	st.AddFile(name, src)

	pkg, err := st.Parse(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "parse text")
	}

	for _, f := range pkg.Funcs {
		if err = f.Verify(); err != nil {
			return nil, errors.Wrap(err, "verify input: func %v", f.Name)
		}
	}

	p := ifcvt.New(cfg, tgt)

	changed, err := p.Run(ctx, pkg)
	if err != nil {
		return nil, errors.Wrap(err, "if-conversion")
	}

	stats := p.Stats()

	tr.Printw("if-conversion", "changed", changed, "converted", stats.Total(), "blocks", stats.IfCvtBlocks, "dups", stats.DupBlocks)

	for _, f := range pkg.Funcs {
		if err = f.Verify(); err != nil {
			return nil, errors.Wrap(err, "verify result: func %v", f.Name)
		}
	}

	text, err = format.Format(ctx, nil, pkg)
	if err != nil {
		return nil, errors.Wrap(err, "format")
	}

	return text, nil
}

// Reformat parses the text and prints it back.
func Reformat(ctx context.Context, name string, src []byte) (text []byte, err error) {
	pkg, err := parse.Parse(ctx, src)
	if err != nil {
		return nil, errors.Wrap(err, "parse %v", name)
	}

	return format.Format(ctx, nil, pkg)
}

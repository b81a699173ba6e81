package main

import (
	"context"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/ifcvt/compiler"
	"github.com/slowlang/ifcvt/compiler/ifcvt"
	"github.com/slowlang/ifcvt/compiler/target"
)

var disableFlags = []struct {
	name string
	kind ifcvt.Kind
}{
	{"disable-simple", ifcvt.Simple},
	{"disable-simple-false", ifcvt.SimpleFalse},
	{"disable-triangle", ifcvt.Triangle},
	{"disable-triangle-rev", ifcvt.TriangleRev},
	{"disable-triangle-false", ifcvt.TriangleFalse},
	{"disable-triangle-false-rev", ifcvt.TriangleFalseRev},
	{"disable-diamond", ifcvt.Diamond},
}

func main() {
	parseCmd := &cli.Command{
		Name:        "parse",
		Description: "parse and reformat control flow graph text",
		Action:      parseAct,
		Args:        cli.Args{},
	}

	convertFlags := []*cli.Flag{
		cli.NewFlag("limit", -1, "max conversions, -1 is unlimited"),
		cli.NewFlag("fn-start", -1, "first function index to convert"),
		cli.NewFlag("fn-stop", -1, "last function index to convert"),
		cli.NewFlag("branch-fold", true, "clean up control flow after conversion"),
		cli.NewFlag("fold-before", true, "clean up control flow before conversion"),
		cli.NewFlag("verify", false, "verify functions after every conversion"),
		cli.NewFlag("target", "", "datapath description yaml file"),
	}

	for _, d := range disableFlags {
		convertFlags = append(convertFlags, cli.NewFlag(d.name, false, "disable "+d.kind.String()+" conversion"))
	}

	convertCmd := &cli.Command{
		Name:        "convert",
		Description: "if-convert control flow graph text",
		Action:      convertAct,
		Args:        cli.Args{},
		Flags:       convertFlags,
	}

	app := &cli.Command{
		Name:        "ifcvt",
		Description: "ifcvt turns branches of a predicated datapath into predicated code",
		Before:      before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbosity,v", "", "logger verbosity topics"),
			cli.HelpFlag,
		},
		Commands: []*cli.Command{
			parseCmd,
			convertCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	tlog.SetVerbosity(c.String("verbosity"))

	return nil
}

func parseAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		src, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		text, err := compiler.Reformat(ctx, a, src)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		_, err = os.Stdout.Write(text)
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	return nil
}

func convertAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	cfg := ifcvt.DefaultConfig()

	cfg.Limit = c.Int("limit")
	cfg.FnStart = c.Int("fn-start")
	cfg.FnStop = c.Int("fn-stop")
	cfg.BranchFold = c.Bool("branch-fold")
	cfg.FoldBefore = c.Bool("fold-before")
	cfg.Verify = c.Bool("verify")

	for _, d := range disableFlags {
		if c.Bool(d.name) {
			cfg.Disable |= ifcvt.MakeKindSet(d.kind)
		}
	}

	tgt := target.Default()

	if name := c.String("target"); name != "" {
		tgt, err = target.Load(name)
		if err != nil {
			return errors.Wrap(err, "load target")
		}
	}

	for _, a := range c.Args {
		text, err := compiler.ConvertFile(ctx, a, cfg, tgt)
		if err != nil {
			return errors.Wrap(err, "convert %v", a)
		}

		_, err = os.Stdout.Write(text)
		if err != nil {
			return errors.Wrap(err, "write")
		}
	}

	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/state"
)

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:         "apply",
		Usage:        "Runs a single pass over a saved HTML page",
		OnUsageError: usageErrorHandler,
		Action:       runApply,
		ArgsUsage:    "SOURCE [DESTINATION]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "explain", Usage: "print how every icon resolves to STDERR"},
			&cli.StringSliceFlag{Name: "gem", Usage: "use `NAME=IMAGE` instead of the stored gems (repeatable)"},
		},
		CustomHelpTemplate: fmt.Sprintf(`%s
SOURCE:
    path to html file, "-" for STDIN

DESTINATION:
    path to write the result to, if absent - STDOUT
`, cli.CommandHelpTemplate),
	}
}

func parseGemFlags(values []string) ([]gems.Binding, error) {
	out := make([]gems.Binding, 0, len(values))
	for _, v := range values {
		name, image, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("malformed gem %q, expected NAME=IMAGE", v)
		}
		out = append(out, gems.Binding{Name: strings.TrimSpace(name), Image: strings.TrimSpace(image)})
	}
	return out, nil
}

type applyRun struct {
	env *state.LocalEnv
	cmd *cli.Command
}

// settings returns the gems given on the command line, or the stored ones.
func (a *applyRun) settings(ctx context.Context) (gems.Settings, error) {
	if flags := a.cmd.StringSlice("gem"); len(flags) > 0 {
		bindings, err := parseGemFlags(flags)
		if err != nil {
			return gems.Settings{}, err
		}
		return gems.Settings{Enabled: true, Bindings: bindings}, nil
	}
	st, err := openStore(a.env)
	if err != nil {
		return gems.Settings{}, err
	}
	defer st.Close()
	return st.Load(ctx)
}

func runApply(ctx context.Context, cmd *cli.Command) (err error) {
	env := state.EnvFromContext(ctx)
	a := &applyRun{env: env, cmd: cmd}

	src := cmd.Args().Get(0)
	if src == "" {
		return fmt.Errorf("no SOURCE has been specified")
	}
	if cmd.Args().Len() > 2 {
		env.Log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[2:]))
	}

	var in io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("unable to open source: %w", err)
		}
		defer f.Close()
		in = f
	}
	doc, err := gems.ParseDocument(in)
	if err != nil {
		return fmt.Errorf("unable to parse source: %w", err)
	}

	settings, err := a.settings(ctx)
	if err != nil {
		return err
	}
	engine, images, err := newEngine(env)
	if err != nil {
		return err
	}
	defer images.Close()
	if settings.Enabled {
		if err := images.Prefetch(ctx, imageRefs(settings.Bindings)); err != nil {
			env.Log.Warn("Some gem images are not available, their icons stay as is", zap.Error(err))
		}
		engine.SetBindings(settings.Bindings)
	} else {
		env.Log.Info("Gem icons are disabled, page left as is")
	}

	if cmd.Bool("explain") {
		writeExplain(os.Stderr, engine.Explain(doc))
	}

	if settings.Enabled {
		rep := engine.RunPass(doc)
		env.Log.Info("Pass finished",
			zap.Int("icons", rep.Icons),
			zap.Int("painted", rep.Painted),
			zap.Int("unmatched", rep.Unmatched))
		if rep.Err != nil {
			env.Log.Warn("Some icons were not painted", zap.Error(rep.Err))
		}
	}

	out := os.Stdout
	if dst := cmd.Args().Get(1); dst != "" {
		if out, err = os.Create(dst); err != nil {
			return fmt.Errorf("unable to create destination file '%s': %w", dst, err)
		}
		defer func() {
			err = multierr.Append(err, out.Close())
		}()
	}
	if err := doc.Render(out); err != nil {
		return fmt.Errorf("unable to write result: %w", err)
	}
	return nil
}

func writeExplain(w io.Writer, items []gems.Explanation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tGLYPH\tSTATE\tSTRATEGY\tGEM")
	for _, it := range items {
		st := "new"
		if it.Processed {
			st = "painted"
		}
		gem := it.Gem
		if !it.Matched {
			gem = "-"
		}
		fmt.Fprintf(tw, "%d\t%q\t%s\t%s\t%s\n", it.Index, it.Glyph, st, it.How, gem)
	}
	_ = tw.Flush()
}

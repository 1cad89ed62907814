package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/imageref"
	"gemicons/internal/state"
	"gemicons/internal/store"
)

func gemsCommand() *cli.Command {
	return &cli.Command{
		Name:  "gems",
		Usage: "Maintains the stored gem list",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Lists stored gems",
				Action: withStore(listGems),
			},
			{
				Name:      "add",
				Usage:     "Adds a gem or replaces its image",
				ArgsUsage: "NAME IMAGE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "embed", Usage: "download remote images and store them inline"},
				},
				Action: withStore(addGem),
			},
			{
				Name:      "rm",
				Usage:     "Removes a gem",
				ArgsUsage: "NAME",
				Action:    withStore(removeGem),
			},
			{
				Name:   "enable",
				Usage:  "Turns painting on",
				Action: withStore(setEnabled(true)),
			},
			{
				Name:   "disable",
				Usage:  "Turns painting off",
				Action: withStore(setEnabled(false)),
			},
		},
	}
}

type storeAction func(ctx context.Context, cmd *cli.Command, env *state.LocalEnv, st store.Store) error

func withStore(fn storeAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		env := state.EnvFromContext(ctx)
		st, err := openStore(env)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, st.Close())
		}()
		return fn(ctx, cmd, env, st)
	}
}

func listGems(ctx context.Context, _ *cli.Command, _ *state.LocalEnv, st store.Store) error {
	settings, err := st.Load(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "enabled: %t\n", settings.Enabled)
	fmt.Fprintln(tw, "NAME\tKIND\tIMAGE")
	for _, b := range settings.Bindings {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, imageref.Classify(b.Image), shorten(b.Image, 60))
	}
	return tw.Flush()
}

func addGem(ctx context.Context, cmd *cli.Command, env *state.LocalEnv, st store.Store) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected NAME IMAGE, got %d arguments", cmd.Args().Len())
	}
	b := gems.Binding{Name: cmd.Args().Get(0), Image: cmd.Args().Get(1)}

	switch kind := imageref.Classify(b.Image); kind {
	case imageref.KindFile:
		b.Image = embedImage(ctx, env, b.Image)
	case imageref.KindRemote:
		if cmd.Bool("embed") {
			b.Image = embedImage(ctx, env, b.Image)
		}
	case imageref.KindExtension, imageref.KindInvalid:
		env.Log.Warn("Image cannot be painted, the icon will only be cleared", zap.String("image", shorten(b.Image, 60)), zap.String("kind", string(kind)))
	}

	if err := st.Add(ctx, b); err != nil {
		return fmt.Errorf("unable to add gem: %w", err)
	}
	env.Log.Info("Gem stored", zap.String("name", b.Name), zap.String("kind", string(imageref.Classify(b.Image))))
	return nil
}

// embedImage inlines ref, keeping the reference itself when that fails so the
// store still records the user's intent.
func embedImage(ctx context.Context, env *state.LocalEnv, ref string) string {
	images := imageref.New(env.Cfg.Images, env.Log)
	defer images.Close()
	data, err := images.Embed(ctx, ref)
	if err != nil {
		env.Log.Warn("Unable to embed image, storing reference", zap.String("image", ref), zap.Error(err))
		return ref
	}
	return data
}

func removeGem(ctx context.Context, cmd *cli.Command, env *state.LocalEnv, st store.Store) error {
	name := cmd.Args().Get(0)
	if name == "" {
		return fmt.Errorf("expected NAME")
	}
	if err := st.Remove(ctx, name); err != nil {
		return fmt.Errorf("unable to remove gem: %w", err)
	}
	env.Log.Info("Gem removed", zap.String("name", name))
	return nil
}

func setEnabled(enabled bool) storeAction {
	return func(ctx context.Context, _ *cli.Command, env *state.LocalEnv, st store.Store) error {
		if err := st.SetEnabled(ctx, enabled); err != nil {
			return err
		}
		env.Log.Info("Gem icons toggled", zap.Bool("enabled", enabled))
		return nil
	}
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

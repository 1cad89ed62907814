package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/browser"
	"gemicons/internal/imageref"
	"gemicons/internal/state"
	"gemicons/internal/store"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:         "watch",
		Usage:        "Opens the page in a browser and keeps gem icons painted until interrupted",
		OnUsageError: usageErrorHandler,
		Action:       runWatch,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "page `URL` to open (overrides browser.url)"},
			&cli.BoolFlag{Name: "headless", Usage: "run the browser without a window"},
			&cli.StringFlag{Name: "remote", Usage: "attach to a running browser at DevTools websocket `URL`"},
		},
	}
}

// newEngine builds an engine that paints through the configured image
// resolver. The caller closes the resolver.
func newEngine(env *state.LocalEnv) (*gems.Engine, *imageref.Resolver, error) {
	images := imageref.New(env.Cfg.Images, env.Log)
	engine, err := gems.New(env.Cfg.Engine.Config,
		gems.WithLogger(env.Log),
		gems.WithImageResolver(images.Resolve),
	)
	if err != nil {
		images.Close()
		return nil, nil, fmt.Errorf("unable to create engine: %w", err)
	}
	return engine, images, nil
}

// prefetchSource warms the image resolver whenever settings are loaded or the
// bindings change, so passes find remote images ready.
type prefetchSource struct {
	gems.SettingsSource
	images *imageref.Resolver
	log    *zap.Logger
}

func (p *prefetchSource) Load(ctx context.Context) (gems.Settings, error) {
	s, err := p.SettingsSource.Load(ctx)
	if err == nil && s.Enabled {
		p.prefetch(ctx, s.Bindings)
	}
	return s, err
}

func (p *prefetchSource) Watch(ctx context.Context, fn func([]gems.Binding)) error {
	return p.SettingsSource.Watch(ctx, func(b []gems.Binding) {
		p.prefetch(ctx, b)
		fn(b)
	})
}

func (p *prefetchSource) prefetch(ctx context.Context, bindings []gems.Binding) {
	if err := p.images.Prefetch(ctx, imageRefs(bindings)); err != nil {
		p.log.Warn("Some gem images are not available yet", zap.Error(err))
	}
}

func imageRefs(bindings []gems.Binding) []string {
	refs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		refs = append(refs, b.Image)
	}
	return refs
}

func openStore(env *state.LocalEnv) (store.Store, error) {
	st, err := store.Open(env.Cfg.Store, env.Log)
	if err != nil {
		return nil, fmt.Errorf("unable to open gem store: %w", err)
	}
	return st, nil
}

func runWatch(ctx context.Context, cmd *cli.Command) (err error) {
	env := state.EnvFromContext(ctx)

	bcfg := env.Cfg.Browser
	if u := cmd.String("url"); u != "" {
		bcfg.URL = u
	}
	if cmd.IsSet("headless") {
		bcfg.Headless = cmd.Bool("headless")
	}
	if r := cmd.String("remote"); r != "" {
		bcfg.Remote = r
	}

	st, err := openStore(env)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, st.Close())
	}()

	engine, images, err := newEngine(env)
	if err != nil {
		return err
	}
	defer images.Close()

	sess, err := browser.Open(ctx, bcfg, env.Cfg.Observe, env.Log)
	if err != nil {
		return fmt.Errorf("unable to open browser: %w", err)
	}
	defer sess.Close()

	settings := &prefetchSource{SettingsSource: st, images: images, log: env.Log}
	loop := gems.NewLoop(engine, sess, settings,
		gems.WithInterval(env.Cfg.Engine.Interval),
		gems.WithLoopLogger(env.Log),
		gems.WithPassHook(func(rep gems.PassReport) {
			if rep.Painted > 0 || rep.Invalidated > 0 {
				env.Log.Info("Icons painted", zap.Int("painted", rep.Painted), zap.Int("invalidated", rep.Invalidated))
			}
		}),
	)
	images.OnReady(loop.Kick)
	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("unable to start reconciliation: %w", err)
	}
	defer loop.Stop()

	env.Log.Info("Watching page, interrupt to stop", zap.String("url", bcfg.URL))
	<-ctx.Done()
	env.Log.Info("Stopping", zap.Uint64("passes", loop.Passes()))
	return nil
}

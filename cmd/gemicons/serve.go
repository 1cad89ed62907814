package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/proxy"
	"gemicons/internal/state"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:         "serve",
		Usage:        "Serves upstream pages with gem icons painted",
		OnUsageError: usageErrorHandler,
		Action:       runServe,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "listen on `ADDRESS` (overrides proxy.listen)"},
			&cli.BoolFlag{Name: "js", Usage: "allow rendering pages in a headless browser"},
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command) (err error) {
	env := state.EnvFromContext(ctx)

	pcfg := env.Cfg.Proxy
	if l := cmd.String("listen"); l != "" {
		pcfg.Listen = l
	}
	if cmd.IsSet("js") {
		pcfg.JS = cmd.Bool("js")
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

	src := &prefetchSource{SettingsSource: st, images: images, log: env.Log}
	settings, err := src.Load(ctx)
	if err != nil {
		env.Log.Warn("Unable to read gems, using defaults", zap.Error(err))
		settings = gems.DefaultSettings()
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if settings.Enabled {
		engine.SetBindings(settings.Bindings)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := src.Watch(watchCtx, func(b []gems.Binding) {
				engine.SetBindings(b)
				env.Log.Info("Gems changed", zap.Int("count", len(engine.Bindings())))
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				env.Log.Warn("Gem store watch stopped", zap.Error(err))
			}
		}()
	} else {
		// Read once: toggling the flag needs a restart.
		env.Log.Info("Gem icons are disabled, pages are served as is")
	}
	defer func() {
		cancelWatch()
		wg.Wait()
	}()

	srv := proxy.New(proxy.Config{
		Proxy:   pcfg,
		Browser: env.Cfg.Browser,
		Logger:  env.Log,
	}, engine)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              pcfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	env.Log.Info("Listening", zap.String("addr", pcfg.Listen), zap.Bool("js", pcfg.JS))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("unable to shut down server: %w", err)
	}
	return nil
}

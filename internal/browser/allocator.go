// Package browser drives a live Chrome tab over the DevTools protocol and
// exposes it to the engine as a document source.
package browser

import (
	"context"
	"strings"

	"github.com/chromedp/chromedp"

	"gemicons/internal/config"
)

// AllocatorOptions returns the exec allocator flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("safebrowsing-disable-auto-update", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-extensions", true),
	)
	if dir := strings.TrimSpace(cfg.UserDataDir); dir != "" {
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	for _, f := range cfg.Flags {
		name, value, ok := strings.Cut(strings.TrimLeft(strings.TrimSpace(f), "-"), "=")
		if name == "" {
			continue
		}
		if ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// NewAllocator connects to cfg.Remote when set and launches a browser otherwise.
func NewAllocator(parent context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc) {
	if remote := strings.TrimSpace(cfg.Remote); remote != "" {
		return chromedp.NewRemoteAllocator(parent, remote)
	}
	return chromedp.NewExecAllocator(parent, AllocatorOptions(cfg)...)
}

// Package headless drives Chrome through chromedp and exposes it as the
// crawler's browser capability.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

// DefaultUserAgent is a desktop Chrome user agent string.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	defaultIdleWindow  = 500 * time.Millisecond
	defaultMaxInflight = 2
	idlePollInterval   = 100 * time.Millisecond
)

// ErrDocumentStatus is returned when the top-level document answers with an
// HTTP error status.
var ErrDocumentStatus = errors.New("document returned error status")

// Config controls how Chrome is launched.
type Config struct {
	ExecPath  string
	UserAgent string
	// NoSandbox disables the Chrome sandbox, required inside most containers.
	NoSandbox bool
	// Headful shows the browser window.
	Headful bool
	// IdleWindow and MaxInflight define network idle: at most MaxInflight
	// pending requests for IdleWindow.
	IdleWindow  time.Duration
	MaxInflight int
	Logger      *zap.Logger
}

// Browser implements crawler.Browser with chromedp.
type Browser struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromedp creates a Browser. Chrome is started on Launch.
func NewChromedp(cfg Config) *Browser {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = defaultIdleWindow
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger.Named("chromedp")}
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(b.cfg.UserAgent),
	)
	if b.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox, chromedp.Flag("disable-setuid-sandbox", true))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

// Launch starts a Chrome process. The session lives until Close or until ctx
// is canceled.
func (b *Browser) Launch(ctx context.Context) (crawler.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	b.logger.Info("browser launched", zap.Bool("no_sandbox", b.cfg.NoSandbox))
	return &session{
		browser:       b,
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type session struct {
	browser       *Browser
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// OpenPage opens a new tab with network tracking enabled.
func (s *session) OpenPage(ctx context.Context) (crawler.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.ctx)
	tracker := newNetworkTracker(s.browser.cfg.MaxInflight)
	chromedp.ListenTarget(tabCtx, tracker.handle)

	stop := forwardCancel(ctx, tabCancel)
	defer stop()
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(s.browser.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	}))
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &page{
		ctx:        tabCtx,
		cancel:     tabCancel,
		tracker:    tracker,
		idleWindow: s.browser.cfg.IdleWindow,
	}, nil
}

// Close shuts Chrome down.
func (s *session) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.browserCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

type page struct {
	ctx        context.Context
	cancel     context.CancelFunc
	tracker    *networkTracker
	idleWindow time.Duration
}

// Navigate loads url and waits for the network to settle within timeout.
func (p *page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	p.tracker.reset()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	if err := waitNetworkIdle(runCtx, p.tracker, p.idleWindow); err != nil {
		return err
	}
	if status, docURL := p.tracker.document(); status >= 400 {
		return fmt.Errorf("%w: %d for %s", ErrDocumentStatus, status, docURL)
	}
	return nil
}

// Evaluate runs script in the tab and decodes its result into out.
func (p *page) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("chromedp evaluate: %w", err)
	}
	return nil
}

func waitNetworkIdle(ctx context.Context, tracker *networkTracker, window time.Duration) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if tracker.quietFor() >= window {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// forwardCancel cancels the chromedp context when the caller's ctx ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

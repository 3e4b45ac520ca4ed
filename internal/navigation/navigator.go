// Package navigation wraps browser navigation with a bounded, fixed-delay retry
// policy shared by listing and product visits.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/metrics"
)

// Kind labels what a navigation is for.
type Kind string

// Navigation kinds.
const (
	KindListing Kind = "listing"
	KindProduct Kind = "product"
)

const defaultMaxAttempts = 3

// Config configures a Navigator.
type Config struct {
	// MaxAttempts counts the first try; defaults to 3.
	MaxAttempts int
	// Pacer, when set, is waited on before every attempt.
	Pacer  crawler.Pacer
	Logger *zap.Logger
}

// Navigator is the single retry policy for page loads.
type Navigator struct {
	maxAttempts int
	pacer       crawler.Pacer
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a Navigator.
func New(cfg Config) *Navigator {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{
		maxAttempts: attempts,
		pacer:       cfg.Pacer,
		logger:      logger.Named("navigator"),
		sleep:       sleepContext,
	}
}

// MaxAttempts reports the configured attempt bound.
func (n *Navigator) MaxAttempts() int {
	return n.maxAttempts
}

// Navigate loads url into page, retrying failed attempts after opts.RetryDelay.
// The last error is returned once attempts are exhausted. Cancellation of ctx
// stops retrying immediately.
func (n *Navigator) Navigate(ctx context.Context, page crawler.Page, kind Kind, url string, opts crawler.NavigateOptions) error {
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if n.pacer != nil {
			if err := n.pacer.Wait(ctx, url); err != nil {
				return fmt.Errorf("navigate %s: %w", url, err)
			}
		}
		start := time.Now()
		err := page.Navigate(ctx, url, opts.Timeout)
		if err == nil {
			metrics.ObserveNavigation(string(kind), metrics.OutcomeSuccess, time.Since(start))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			metrics.ObserveNavigation(string(kind), metrics.OutcomeFailure, time.Since(start))
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		if attempt == n.maxAttempts {
			metrics.ObserveNavigation(string(kind), metrics.OutcomeFailure, time.Since(start))
			break
		}
		metrics.ObserveNavigation(string(kind), metrics.OutcomeRetry, time.Since(start))
		n.logger.Warn("navigation failed, retrying",
			zap.String("url", url),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", opts.RetryDelay),
			zap.Error(err),
		)
		if err := n.sleep(ctx, opts.RetryDelay); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
	}
	return fmt.Errorf("navigate %s after %d attempts: %w", url, n.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry delay: %w", ctx.Err())
	}
}

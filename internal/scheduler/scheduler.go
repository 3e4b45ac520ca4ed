// Package scheduler starts category crawls on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/orchestrator"
)

// Starter begins a crawl without waiting for it.
type Starter interface {
	Start(ctx context.Context, categoryKey string, limit int) (crawler.Job, error)
}

// Entry is one scheduled crawl.
type Entry struct {
	Spec     string
	Category string
	Limit    int
}

// Config tunes a Scheduler.
type Config struct {
	// Location evaluates specs; nil means time.Local.
	Location *time.Location
	Logger   *zap.Logger
}

// Scheduler fires crawls from cron entries. A firing that finds a crawl
// already running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  *zap.Logger
}

// New parses every entry up front so a bad spec fails at startup.
func New(starter Starter, entries []Entry, cfg Config) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
	)
	s := &Scheduler{cron: c, starter: starter, logger: logger}
	for _, entry := range entries {
		if _, ok := crawler.LookupCategory(entry.Category); !ok {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownCategory, entry.Category)
		}
		entry := entry
		if _, err := c.AddFunc(entry.Spec, func() { s.fire(entry) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", entry.Category, entry.Spec, err)
		}
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("crawl scheduled", zap.Int("entry", int(e.ID)), zap.Time("next_run", e.Next))
	}
}

// Stop prevents further firings and waits for a firing in progress to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Len reports the number of scheduled entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) fire(entry Entry) {
	job, err := s.starter.Start(context.Background(), entry.Category, entry.Limit)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		s.logger.Warn("scheduled crawl skipped, a crawl is already running",
			zap.String("category", entry.Category),
			zap.String("spec", entry.Spec),
		)
	case err != nil:
		s.logger.Error("scheduled crawl failed to start",
			zap.String("category", entry.Category),
			zap.String("spec", entry.Spec),
			zap.Error(err),
		)
	default:
		s.logger.Info("scheduled crawl started",
			zap.String("job_id", job.ID),
			zap.String("category", entry.Category),
			zap.Int("limit", entry.Limit),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

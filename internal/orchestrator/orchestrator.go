// Package orchestrator runs crawl jobs: one category at a time, walking listing
// pages and scraping each product into the store.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/discovery"
	"github.com/JakeFAU/shelf-price-crawler/internal/extract"
	"github.com/JakeFAU/shelf-price-crawler/internal/metrics"
	"github.com/JakeFAU/shelf-price-crawler/internal/navigation"
	"github.com/JakeFAU/shelf-price-crawler/internal/pricetext"
	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
)

var (
	// ErrAlreadyRunning is returned by Start while a job is in flight.
	ErrAlreadyRunning = errors.New("a crawl is already running")
	// ErrUnknownCategory is returned by Start for keys outside the catalog.
	ErrUnknownCategory = errors.New("unknown category")
)

const (
	defaultMaxPages    = 50
	defaultPriceTopic  = "prices"
	finalizeTimeout    = 15 * time.Second
	snapshotMediaType  = "text/html; charset=utf-8"
	defaultSnapshotDir = "snapshots"
	tracerName         = "github.com/JakeFAU/shelf-price-crawler/internal/orchestrator"
)

// Navigator loads a URL into a page with retries.
type Navigator interface {
	Navigate(ctx context.Context, page crawler.Page, kind navigation.Kind, url string, opts crawler.NavigateOptions) error
}

// Lister returns the product links of one listing page.
type Lister interface {
	ListingPage(ctx context.Context, page crawler.Page, cat crawler.Category, start int) ([]string, error)
	PageSize() int
}

// Extractor reads a rendered product page.
type Extractor interface {
	Capture(ctx context.Context, page crawler.Page) (extract.Snapshot, error)
	FromSnapshot(pageURL string, snap extract.Snapshot) (crawler.ExtractedProduct, error)
}

// Deps are the collaborators of an Orchestrator. Blobs, Publisher and Progress
// are optional.
type Deps struct {
	Browser   crawler.Browser
	Store     crawler.Store
	Navigator Navigator
	Lister    Lister
	Extractor Extractor
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Config tunes a run.
type Config struct {
	Product crawler.NavigateOptions
	// DefaultMaxPages bounds listing pagination when no limit is given.
	DefaultMaxPages int
	// MaxOffset is the highest listing start offset requested.
	MaxOffset      int
	PriceTopic     string
	SnapshotPrefix string
	Logger         *zap.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Status is the externally visible run state.
type Status struct {
	IsRunning  bool         `json:"isRunning"`
	CurrentJob *crawler.Job `json:"currentJob"`
}

// Orchestrator owns the single in-flight crawl job.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	active atomic.Bool

	mu      sync.Mutex
	running bool
	current *crawler.Job
	last    *crawler.Job
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Browser == nil:
		return nil, errors.New("browser is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Navigator == nil:
		return nil, errors.New("navigator is required")
	case deps.Lister == nil:
		return nil, errors.New("lister is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Blobs != nil && deps.Hasher == nil {
		return nil, errors.New("hasher is required when snapshots are enabled")
	}
	if cfg.Product.Timeout <= 0 {
		cfg.Product.Timeout = 45 * time.Second
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = defaultMaxPages
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = discovery.DefaultMaxOffset
	}
	if cfg.PriceTopic == "" {
		cfg.PriceTopic = defaultPriceTopic
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = defaultSnapshotDir
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Categories returns the static crawl catalog.
func (o *Orchestrator) Categories() []crawler.Category {
	return crawler.Categories()
}

// Status reports whether a job is running and a copy of it.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{IsRunning: o.running}
	if o.current != nil {
		job := *o.current
		st.CurrentJob = &job
	}
	return st
}

// Start creates a job for categoryKey and runs it in the background. limit <= 0
// means no product limit. The returned job is the persisted running record.
func (o *Orchestrator) Start(ctx context.Context, categoryKey string, limit int) (crawler.Job, error) {
	cat, ok := crawler.LookupCategory(categoryKey)
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %q", ErrUnknownCategory, categoryKey)
	}
	if limit < 0 {
		limit = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return crawler.Job{}, ErrAlreadyRunning
	}

	settings, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load settings: %w", err)
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("new job id: %w", err)
	}
	job, err := o.deps.Store.CreateJob(ctx, crawler.Job{
		ID:        id,
		Category:  cat.Key,
		Status:    crawler.JobStatusRunning,
		DelayMs:   settings.DelayMs,
		Limit:     limit,
		StartedAt: o.deps.Clock.Now(),
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	current := job
	o.active.Store(true)
	o.running = true
	o.current = &current
	o.cancel = cancel
	o.done = make(chan struct{})

	o.logger.Info("crawl started",
		zap.String("job_id", job.ID),
		zap.String("category", cat.Key),
		zap.Int("limit", limit),
		zap.Int("delay_ms", job.DelayMs),
	)
	go o.run(runCtx, job, cat, o.done)
	return job, nil
}

// Stop asks the running job to end after its current step and returns
// immediately. It reports whether a job was running.
func (o *Orchestrator) Stop() bool {
	o.active.Store(false)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		o.logger.Info("stop requested", zap.String("job_id", o.current.ID))
	}
	return o.running
}

// Wait blocks until the current job (if any) finalizes and returns the last
// finished job.
func (o *Orchestrator) Wait(ctx context.Context) (crawler.Job, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return crawler.Job{}, fmt.Errorf("wait for job: %w", ctx.Err())
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return *o.last, nil
}

// Run starts a job and blocks until it finalizes.
func (o *Orchestrator) Run(ctx context.Context, categoryKey string, limit int) (crawler.Job, error) {
	if _, err := o.Start(ctx, categoryKey, limit); err != nil {
		return crawler.Job{}, err
	}
	return o.Wait(ctx)
}

// Shutdown stops the running job, cancels in-flight browser work and waits for
// finalization or ctx expiry.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.active.Store(false)
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown orchestrator: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, job crawler.Job, cat crawler.Category, done chan struct{}) {
	defer close(done)
	ctx, span := o.tracer.Start(ctx, "crawl.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("category", cat.Key),
		attribute.Int("limit", job.Limit),
	))
	defer span.End()
	started := o.deps.Clock.Now()
	o.emit(progress.Event{JobID: job.ID, Stage: progress.StageJobStart, Category: cat.Key})

	runErr := o.crawl(ctx, &job, cat)
	span.SetAttributes(
		attribute.Int("pages", job.Counters.Pages),
		attribute.Int("scraped", job.Counters.Scraped),
		attribute.Int("errors", job.Counters.Errors),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	o.finalize(job, cat, runErr, o.deps.Clock.Now().Sub(started))
}

// crawl drives pagination and product scraping. Only errors that must fail the
// job are returned.
func (o *Orchestrator) crawl(ctx context.Context, job *crawler.Job, cat crawler.Category) error {
	session, err := o.deps.Browser.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			o.logger.Warn("close browser session", zap.String("job_id", job.ID), zap.Error(cerr))
		}
	}()
	page, err := session.OpenPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}

	pageSize := o.deps.Lister.PageSize()
	maxPages := o.maxPages(job.Limit, pageSize)
	delay := time.Duration(job.DelayMs) * time.Millisecond
	seen := make(map[string]struct{})

	for pageIdx := 0; pageIdx < maxPages; pageIdx++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl interrupted: %w", err)
		}
		start := pageIdx * pageSize
		if start > o.cfg.MaxOffset || !o.active.Load() {
			return nil
		}
		links, err := o.deps.Lister.ListingPage(ctx, page, cat, start)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("crawl interrupted: %w", ctx.Err())
			}
			o.logger.Error("listing page failed, ending pagination",
				zap.String("job_id", job.ID),
				zap.Int("start", start),
				zap.Error(err),
			)
			job.Counters.Errors++
			return o.persistProgress(ctx, job)
		}

		fresh := links[:0:0]
		for _, link := range links {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			fresh = append(fresh, link)
		}
		job.Counters.Pages++
		job.Counters.LinksFound += len(fresh)
		o.emit(progress.Event{
			JobID:    job.ID,
			Stage:    progress.StageListingPage,
			Category: cat.Key,
			URL:      fmt.Sprintf("%s?start=%d", cat.Path, start),
			Links:    len(fresh),
		})
		if err := o.persistProgress(ctx, job); err != nil {
			return err
		}
		if len(fresh) == 0 {
			return nil
		}

		for _, link := range fresh {
			if !o.active.Load() || o.limitReached(job) {
				return nil
			}
			if err := o.scrape(ctx, page, job, cat, link); err != nil {
				return err
			}
			if err := o.persistProgress(ctx, job); err != nil {
				return err
			}
			if err := sleepContext(ctx, delay); err != nil {
				return fmt.Errorf("crawl interrupted: %w", err)
			}
		}
		if o.limitReached(job) {
			return nil
		}
	}
	return nil
}

// scrape processes one product link and updates job counters. A returned error
// fails the job; page-level problems are counted instead.
func (o *Orchestrator) scrape(ctx context.Context, page crawler.Page, job *crawler.Job, cat crawler.Category, link string) error {
	ctx, span := o.tracer.Start(ctx, "crawl.product", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("url", link),
	))
	started := time.Now()
	outcome := progress.OutcomeError
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		span.End()
		o.emit(progress.Event{
			JobID:    job.ID,
			Stage:    progress.StageProductDone,
			Category: cat.Key,
			URL:      link,
			Outcome:  outcome,
			Scraped:  job.Counters.Scraped,
			Errors:   job.Counters.Errors,
			Dur:      time.Since(started),
		})
	}()
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("url", link))

	if err := o.deps.Navigator.Navigate(ctx, page, navigation.KindProduct, link, o.cfg.Product); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("crawl interrupted: %w", ctx.Err())
		}
		job.Counters.Errors++
		logger.Warn("product navigation failed", zap.Error(err))
		return nil
	}
	snap, err := o.deps.Extractor.Capture(ctx, page)
	if err != nil {
		job.Counters.Errors++
		logger.Warn("product capture failed", zap.Error(err))
		return nil
	}
	product, err := o.deps.Extractor.FromSnapshot(link, snap)
	if err != nil {
		job.Counters.Errors++
		logger.Warn("product extraction failed", zap.Error(err))
		return nil
	}
	if !product.Valid() {
		job.Counters.Errors++
		outcome = progress.OutcomeInvalid
		logger.Info("product page missing identifier or name")
		return nil
	}

	snapshotURI := o.storeSnapshot(ctx, job.ID, snap.HTML, logger)
	if err := o.save(ctx, job, cat, product, snapshotURI, logger); err != nil {
		return err
	}
	job.Counters.Scraped++
	outcome = progress.OutcomeScraped
	return nil
}

// PriceEvent is published for every stored price observation.
type PriceEvent struct {
	JobID               string    `json:"jobId"`
	ProductID           string    `json:"productId"`
	EAN                 string    `json:"ean"`
	Name                string    `json:"name"`
	Category            string    `json:"category"`
	URL                 string    `json:"url"`
	PriceCents          int64     `json:"priceCents"`
	PricePerKgCents     *int64    `json:"pricePerKgCents,omitempty"`
	ReferencePriceCents *int64    `json:"pvpCents,omitempty"`
	SnapshotURI         string    `json:"snapshotUri,omitempty"`
	CapturedAt          time.Time `json:"capturedAt"`
}

func (o *Orchestrator) save(
	ctx context.Context,
	job *crawler.Job,
	cat crawler.Category,
	product crawler.ExtractedProduct,
	snapshotURI string,
	logger *zap.Logger,
) error {
	productID, err := o.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("new product id: %w", err)
	}
	stored, err := o.deps.Store.UpsertProduct(ctx, crawler.ProductInput{
		ID:         productID,
		Identifier: *product.Identifier,
		Name:       *product.Name,
		Brand:      product.Brand,
		Category:   cat.Label,
		ImageURL:   product.ImageURL,
	})
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", *product.Identifier, err)
	}

	observePriceField("per_weight", product.PerWeightPrice)
	observePriceField("reference", product.ReferencePrice)
	unitCents, ok := unitPriceCents(product.UnitPrice)
	if !ok {
		logger.Info("unit price unavailable, skipping price observation", zap.String("ean", stored.Identifier))
		return nil
	}

	obsID, err := o.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("new price id: %w", err)
	}
	obs := crawler.PriceObservation{
		ID:                  obsID,
		ProductID:           stored.ID,
		PriceCents:          unitCents,
		PricePerKgCents:     pricetext.OptionalCents(product.PerWeightPrice),
		ReferencePriceCents: pricetext.OptionalCents(product.ReferencePrice),
		CapturedAt:          o.deps.Clock.Now(),
	}
	if err := o.deps.Store.AppendPrice(ctx, obs); err != nil {
		return fmt.Errorf("append price for %s: %w", stored.Identifier, err)
	}
	o.publishPrice(ctx, job.ID, cat, stored, product.URL, obs, snapshotURI, logger)
	return nil
}

func (o *Orchestrator) publishPrice(
	ctx context.Context,
	jobID string,
	cat crawler.Category,
	product crawler.Product,
	pageURL string,
	obs crawler.PriceObservation,
	snapshotURI string,
	logger *zap.Logger,
) {
	if o.deps.Publisher == nil {
		return
	}
	evt := PriceEvent{
		JobID:               jobID,
		ProductID:           product.ID,
		EAN:                 product.Identifier,
		Name:                product.Name,
		Category:            cat.Key,
		URL:                 pageURL,
		PriceCents:          obs.PriceCents,
		PricePerKgCents:     obs.PricePerKgCents,
		ReferencePriceCents: obs.ReferencePriceCents,
		SnapshotURI:         snapshotURI,
		CapturedAt:          obs.CapturedAt,
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.PriceTopic, evt); err != nil {
		logger.Warn("publish price event failed", zap.Error(err))
	}
}

func (o *Orchestrator) storeSnapshot(ctx context.Context, jobID, html string, logger *zap.Logger) string {
	if o.deps.Blobs == nil || html == "" {
		return ""
	}
	body := []byte(html)
	digest, err := o.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash snapshot failed", zap.Error(err))
		return ""
	}
	uri, err := o.deps.Blobs.PutObject(ctx, o.snapshotPath(jobID, digest), snapshotMediaType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("store snapshot failed", zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) snapshotPath(jobID, digest string) string {
	prefix := strings.Trim(o.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, digest)
}

func (o *Orchestrator) persistProgress(ctx context.Context, job *crawler.Job) error {
	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, crawler.JobUpdate{Counters: job.Counters}); err != nil {
		return fmt.Errorf("persist job progress: %w", err)
	}
	o.mu.Lock()
	if o.current != nil && o.current.ID == job.ID {
		o.current.Counters = job.Counters
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) finalize(job crawler.Job, cat crawler.Category, runErr error, elapsed time.Duration) {
	completedAt := o.deps.Clock.Now()
	job.Status = crawler.JobStatusCompleted
	job.CompletedAt = &completedAt
	stage := progress.StageJobDone
	if runErr != nil {
		job.Status = crawler.JobStatusFailed
		job.ErrorText = runErr.Error()
		stage = progress.StageJobError
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	final, err := o.deps.Store.UpdateJob(ctx, job.ID, crawler.JobUpdate{
		Status:      job.Status,
		Counters:    job.Counters,
		ErrorText:   job.ErrorText,
		CompletedAt: &completedAt,
	})
	if err != nil {
		o.logger.Error("final job update failed", zap.String("job_id", job.ID), zap.Error(err))
		final = job
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("scraped", job.Counters.Scraped),
		zap.Int("errors", job.Counters.Errors),
		zap.Int("pages", job.Counters.Pages),
		zap.Int("links_found", job.Counters.LinksFound),
		zap.Duration("elapsed", elapsed),
	}
	if runErr != nil {
		o.logger.Error("crawl failed", append(fields, zap.Error(runErr))...)
	} else {
		o.logger.Info("crawl completed", fields...)
	}
	o.emit(progress.Event{
		JobID:    job.ID,
		Stage:    stage,
		Category: cat.Key,
		Links:    job.Counters.LinksFound,
		Scraped:  job.Counters.Scraped,
		Errors:   job.Counters.Errors,
		Dur:      elapsed,
		Note:     job.ErrorText,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	o.active.Store(false)
	o.running = false
	o.current = nil
	o.last = &final
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Progress == nil {
		return
	}
	evt.TS = o.deps.Clock.Now()
	o.deps.Progress.Emit(evt)
}

func (o *Orchestrator) limitReached(job *crawler.Job) bool {
	return job.Limit > 0 && job.Counters.Scraped >= job.Limit
}

// maxPages is ceil(limit/pageSize) when a limit is set.
func (o *Orchestrator) maxPages(limit, pageSize int) int {
	if limit <= 0 || pageSize <= 0 {
		return o.cfg.DefaultMaxPages
	}
	return (limit + pageSize - 1) / pageSize
}

func unitPriceCents(raw *string) (int64, bool) {
	if raw == nil {
		metrics.ObservePriceField("unit", "absent")
		return 0, false
	}
	cents, err := pricetext.ParseCents(*raw)
	if err != nil {
		metrics.ObservePriceField("unit", "unparseable")
		return 0, false
	}
	metrics.ObservePriceField("unit", "parsed")
	return cents, true
}

func observePriceField(field string, raw *string) {
	switch {
	case raw == nil:
		metrics.ObservePriceField(field, "absent")
	case pricetext.OptionalCents(raw) == nil:
		metrics.ObservePriceField(field, "unparseable")
	default:
		metrics.ObservePriceField(field, "parsed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

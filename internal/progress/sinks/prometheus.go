package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors: job lifecycle,
// product outcomes per category and listing pagination.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	products        *prometheus.CounterVec
	productDuration *prometheus.HistogramVec
	listingPages    *prometheus.CounterVec
	linksFound      *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_jobs_started_total",
			Help: "Total crawl jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_jobs_completed_total",
			Help: "Total crawl jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_jobs_running",
			Help: "Crawl jobs currently running.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_job_runtime_seconds",
			Help:    "Wall time per finished crawl job.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"result"}),
		products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_products_total",
			Help: "Product pages processed partitioned by category and outcome.",
		}, []string{"category", "outcome"}),
		productDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_product_duration_seconds",
			Help:    "Time spent per product page including navigation retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		listingPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_listing_pages_total",
			Help: "Listing pages fetched per category.",
		}, []string{"category"}),
		linksFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_listing_links_total",
			Help: "Product links found on listing pages per category.",
		}, []string{"category"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.products,
		s.productDuration,
		s.listingPages,
		s.linksFound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		category := evt.Category
		if category == "" {
			category = "unknown"
		}
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobDone:
			s.finishJob(evt, "success")
		case progress.StageJobError:
			s.finishJob(evt, "error")
		case progress.StageListingPage:
			s.listingPages.WithLabelValues(category).Inc()
			s.linksFound.WithLabelValues(category).Add(float64(evt.Links))
		case progress.StageProductDone:
			s.products.WithLabelValues(category, string(evt.Outcome)).Inc()
			if evt.Dur > 0 {
				s.productDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finishJob(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

// Package memory provides in-process implementations of the crawler's storage
// collaborators for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

// DefaultDelayMs seeds the settings of a new Store.
const DefaultDelayMs = 2000

// Store implements crawler.Store in memory.
type Store struct {
	mu       sync.RWMutex
	products map[string]crawler.Product
	prices   []crawler.PriceObservation
	jobs     map[string]crawler.Job
	settings crawler.Settings
	now      func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		products: make(map[string]crawler.Product),
		jobs:     make(map[string]crawler.Job),
		settings: crawler.Settings{DelayMs: DefaultDelayMs},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// SetSettings replaces the crawl settings.
func (s *Store) SetSettings(settings crawler.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// GetSettings returns the crawl settings.
func (s *Store) GetSettings(context.Context) (crawler.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// UpsertProduct inserts or refreshes a product keyed by identifier.
func (s *Store) UpsertProduct(_ context.Context, input crawler.ProductInput) (crawler.Product, error) {
	if input.Identifier == "" {
		return crawler.Product{}, fmt.Errorf("product identifier is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p, ok := s.products[input.Identifier]
	if !ok {
		p = crawler.Product{
			ID:         input.ID,
			Identifier: input.Identifier,
			Category:   input.Category,
			CreatedAt:  now,
		}
	}
	p.Name = input.Name
	p.Brand = input.Brand
	p.ImageURL = input.ImageURL
	p.UpdatedAt = now
	s.products[input.Identifier] = p
	return p, nil
}

// AppendPrice records a price observation.
func (s *Store) AppendPrice(_ context.Context, obs crawler.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = append(s.prices, obs)
	return nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job crawler.Job) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return crawler.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return job, nil
}

// UpdateJob applies update to a stored job.
func (s *Store) UpdateJob(_ context.Context, jobID string, update crawler.JobUpdate) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", jobID, crawler.ErrNotFound)
	}
	job.Counters = update.Counters
	if update.Status != "" {
		job.Status = update.Status
	}
	if update.ErrorText != "" {
		job.ErrorText = update.ErrorText
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		job.CompletedAt = &ts
	}
	s.jobs[jobID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

// Products returns all products ordered by identifier.
func (s *Store) Products() []crawler.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Prices returns the observations recorded for a product, oldest first.
func (s *Store) Prices(productID string) []crawler.PriceObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.PriceObservation
	for _, obs := range s.prices {
		if obs.ProductID == productID {
			out = append(out, obs)
		}
	}
	return out
}

// Jobs returns every stored job.
func (s *Store) Jobs() []crawler.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

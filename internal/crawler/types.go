// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Category is a static catalog entry describing one crawlable listing.
type Category struct {
	Key   string `json:"name"`
	Path  string `json:"url"`
	Label string `json:"label"`
}

// Job is the persisted record for one run of the orchestrator.
type Job struct {
	ID          string      `json:"id"`
	Category    string      `json:"category"`
	Status      JobStatus   `json:"status"`
	DelayMs     int         `json:"delayMs"`
	Limit       int         `json:"limit"`
	Counters    JobCounters `json:"counters"`
	ErrorText   string      `json:"errorText,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// JobCounters tracks progress for a running job.
type JobCounters struct {
	Scraped    int `json:"scraped"`
	Errors     int `json:"errors"`
	Pages      int `json:"pages"`
	LinksFound int `json:"linksFound"`
}

// JobUpdate carries the mutable fields of a job. Empty Status and ErrorText and a
// nil CompletedAt leave the stored values unchanged.
type JobUpdate struct {
	Status      JobStatus
	Counters    JobCounters
	ErrorText   string
	CompletedAt *time.Time
}

// ExtractedProduct is the raw extraction result for one product page. Price fields
// hold the captured amount text before conversion to cents.
type ExtractedProduct struct {
	URL            string
	Identifier     *string
	Name           *string
	Brand          *string
	ImageURL       *string
	UnitPrice      *string
	PerWeightPrice *string
	ReferencePrice *string
}

// Valid reports whether the extraction carries the minimum to be persisted.
func (p ExtractedProduct) Valid() bool {
	return p.Identifier != nil && *p.Identifier != "" && p.Name != nil && *p.Name != ""
}

// ProductInput is the upsert payload keyed by Identifier. ID is used only when a
// new row is created.
type ProductInput struct {
	ID         string
	Identifier string
	Name       string
	Brand      *string
	Category   string
	ImageURL   *string
}

// Product is a persisted product row.
type Product struct {
	ID         string    `json:"id"`
	Identifier string    `json:"ean"`
	Name       string    `json:"name"`
	Brand      *string   `json:"brand,omitempty"`
	Category   string    `json:"category"`
	ImageURL   *string   `json:"imageUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PriceObservation is one append-only price capture for a product.
type PriceObservation struct {
	ID                  string    `json:"id"`
	ProductID           string    `json:"productId"`
	PriceCents          int64     `json:"priceCents"`
	PricePerKgCents     *int64    `json:"pricePerKgCents,omitempty"`
	ReferencePriceCents *int64    `json:"pvpCents,omitempty"`
	CapturedAt          time.Time `json:"capturedAt"`
}

// Settings holds operator-tunable crawl settings.
type Settings struct {
	DelayMs int `json:"delayMs"`
}

// ImageCandidate is an <img> element as laid out by the browser.
type ImageCandidate struct {
	Src   string `json:"src"`
	Width int    `json:"width"`
	Alt   string `json:"alt"`
}

// NavigateOptions bounds a single navigation.
type NavigateOptions struct {
	Timeout    time.Duration
	RetryDelay time.Duration
}

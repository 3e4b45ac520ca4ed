package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
)

// JobEvent is the payload published when a crawl job starts or finishes.
type JobEvent struct {
	JobID    string    `json:"jobId"`
	Stage    string    `json:"stage"`
	Category string    `json:"category"`
	Scraped  int       `json:"scraped"`
	Errors   int       `json:"errors"`
	Links    int       `json:"linksFound"`
	Seconds  float64   `json:"durationSeconds,omitempty"`
	Note     string    `json:"note,omitempty"`
	TS       time.Time `json:"ts"`
}

// PublisherSink forwards job lifecycle events to a message topic. Listing and
// product events are ignored.
type PublisherSink struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(pub crawler.Publisher, topic string) (*PublisherSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &PublisherSink{pub: pub, topic: topic}, nil
}

// Consume publishes each job-level event in order and stops at the first error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError:
		default:
			continue
		}
		payload := JobEvent{
			JobID:    evt.JobID,
			Stage:    string(evt.Stage),
			Category: evt.Category,
			Scraped:  evt.Scraped,
			Errors:   evt.Errors,
			Links:    evt.Links,
			Seconds:  evt.Dur.Seconds(),
			Note:     evt.Note,
			TS:       evt.TS.UTC(),
		}
		if _, err := s.pub.Publish(ctx, s.topic, payload); err != nil {
			return fmt.Errorf("publish job event %s: %w", evt.JobID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

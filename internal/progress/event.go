package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageListingPage Stage = "LISTING_PAGE"
	StageProductDone Stage = "PRODUCT_DONE"
)

// Outcome classifies one product attempt.
type Outcome string

// Product outcomes.
const (
	OutcomeScraped Outcome = "scraped"
	// OutcomeInvalid means the page loaded but lacked an identifier or name.
	OutcomeInvalid Outcome = "invalid"
	OutcomeError   Outcome = "error"
)

// Event captures a single crawl milestone.
type Event struct {
	JobID    string
	TS       time.Time
	Stage    Stage
	Category string
	URL      string
	// Outcome is set on PRODUCT_DONE.
	Outcome Outcome
	// Links is the number of product links on a LISTING_PAGE, or the job
	// total on JOB_DONE.
	Links int
	// Scraped and Errors carry the job counters at the time of the event.
	Scraped int
	Errors  int
	Dur     time.Duration
	Note    string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageListingPage:
		if e.URL == "" {
			return errors.New("listing page requires url")
		}
	case StageProductDone:
		if e.URL == "" {
			return errors.New("product done requires url")
		}
		switch e.Outcome {
		case OutcomeScraped, OutcomeInvalid, OutcomeError:
		default:
			return fmt.Errorf("unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

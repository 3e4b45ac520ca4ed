package crawler

import (
	"context"
	"io"
	"time"
)

// Browser launches isolated browser sessions.
type Browser interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one running browser instance.
type Session interface {
	OpenPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab. Navigate returns once the network has settled or the
// timeout elapses; Evaluate runs a script against the rendered DOM and decodes its
// JSON result into out.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Evaluate(ctx context.Context, script string, out any) error
}

// Store is the persistence collaborator used by the orchestrator.
type Store interface {
	UpsertProduct(ctx context.Context, input ProductInput) (Product, error)
	AppendPrice(ctx context.Context, obs PriceObservation) error
	CreateJob(ctx context.Context, job Job) (Job, error)
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) (Job, error)
	GetSettings(ctx context.Context) (Settings, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes price events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Pacer spaces out navigations to the same host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for snapshot naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

// ErrNotConfigured is returned by Noop.
var ErrNotConfigured = errors.New("headless browser not configured")

// Noop implements crawler.Browser but always fails to launch. It backs the
// service when no Chrome binary is available.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// Launch always returns ErrNotConfigured.
func (Noop) Launch(context.Context) (crawler.Session, error) {
	return nil, ErrNotConfigured
}

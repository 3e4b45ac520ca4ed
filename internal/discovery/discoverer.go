// Package discovery walks paginated category listings and collects product-page
// links.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/extract"
	"github.com/JakeFAU/shelf-price-crawler/internal/navigation"
)

// Defaults matching the storefront's listing pagination.
const (
	DefaultPageSize     = 48
	DefaultMaxOffset    = 10000
	DefaultListingQuery = "srule=FOOD&pmin=0.01"
)

// Navigator loads a URL into a page with retries.
type Navigator interface {
	Navigate(ctx context.Context, page crawler.Page, kind navigation.Kind, url string, opts crawler.NavigateOptions) error
}

// Flag reports whether crawling should continue. *atomic.Bool satisfies it.
type Flag interface {
	Load() bool
}

// Config configures a Discoverer.
type Config struct {
	BaseURL      string
	PageSize     int
	ListingQuery string
	// MaxOffset is the highest listing start offset that will be requested.
	MaxOffset int
	Listing   crawler.NavigateOptions
	Logger    *zap.Logger
}

// Discoverer enumerates product links for a category.
type Discoverer struct {
	nav          Navigator
	baseURL      string
	pageSize     int
	listingQuery string
	maxOffset    int
	listing      crawler.NavigateOptions
	logger       *zap.Logger
}

// New builds a Discoverer around nav.
func New(nav Navigator, cfg Config) *Discoverer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = DefaultMaxOffset
	}
	if cfg.ListingQuery == "" {
		cfg.ListingQuery = DefaultListingQuery
	}
	if cfg.Listing.Timeout <= 0 {
		cfg.Listing.Timeout = 90 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		nav:          nav,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:     cfg.PageSize,
		listingQuery: strings.TrimPrefix(cfg.ListingQuery, "&"),
		maxOffset:    cfg.MaxOffset,
		listing:      cfg.Listing,
		logger:       logger.Named("discovery"),
	}
}

// PageSize is the number of products per listing page.
func (d *Discoverer) PageSize() int {
	return d.pageSize
}

// ListingURL builds the listing address for a category at a start offset.
func (d *Discoverer) ListingURL(cat crawler.Category, start int) string {
	return fmt.Sprintf("%s%s?start=%d&%s", d.baseURL, cat.Path, start, d.listingQuery)
}

// ListingPage navigates to one listing page and returns its product links.
func (d *Discoverer) ListingPage(ctx context.Context, page crawler.Page, cat crawler.Category, start int) ([]string, error) {
	pageURL := d.ListingURL(cat, start)
	if err := d.nav.Navigate(ctx, page, navigation.KindListing, pageURL, d.listing); err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	var html string
	if err := page.Evaluate(ctx, extract.OuterHTMLScript, &html); err != nil {
		return nil, fmt.Errorf("read listing %s: %w", pageURL, err)
	}
	links, err := extract.ProductLinks(html, pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}
	d.logger.Debug("listing page loaded",
		zap.String("category", cat.Key),
		zap.Int("start", start),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// Discover pages through a category collecting distinct product URLs. It stops
// when flag clears, when limit (if positive) links are held, when a page adds no
// new links, or past the offset ceiling. A listing failure ends pagination and
// is returned with the links gathered so far.
func (d *Discoverer) Discover(ctx context.Context, page crawler.Page, cat crawler.Category, limit int, flag Flag) ([]string, error) {
	seen := make(map[string]struct{})
	var links []string
	for start := 0; start <= d.maxOffset; start += d.pageSize {
		if flag != nil && !flag.Load() {
			break
		}
		found, err := d.ListingPage(ctx, page, cat, start)
		if err != nil {
			return truncate(links, limit), err
		}
		added := 0
		for _, link := range found {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
			added++
		}
		if added == 0 {
			break
		}
		if limit > 0 && len(links) >= limit {
			break
		}
	}
	return truncate(links, limit), nil
}

func truncate(links []string, limit int) []string {
	if limit > 0 && len(links) > limit {
		return links[:limit]
	}
	return links
}

// Package extract turns a rendered product page into an ExtractedProduct.
package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/pricetext"
)

const (
	brandSelector  = `a[href*="/pesquisa/"]`
	minImageSrcLen = 50
	minImageWidth  = 100
	minImageAltLen = 5
)

const snapshotScript = `(() => ({
	html: document.documentElement ? document.documentElement.outerHTML : "",
	text: document.body ? document.body.innerText : "",
	images: Array.from(document.querySelectorAll("img")).map(img => ({
		src: img.src || "",
		width: img.width || img.naturalWidth || 0,
		alt: img.alt || ""
	}))
}))()`

var (
	identifierPattern = regexp.MustCompile(`ean=([0-9]{13})`)
	excludedImageRefs = []string{"logo", "footer"}
)

// Snapshot is the raw state of a rendered page: its markup, its visible text with
// layout line breaks, and the laid-out images.
type Snapshot struct {
	HTML   string                   `json:"html"`
	Text   string                   `json:"text"`
	Images []crawler.ImageCandidate `json:"images"`
}

// Extractor pulls product fields out of rendered pages.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extract")}
}

// Extract captures the page and parses it.
func (e *Extractor) Extract(ctx context.Context, page crawler.Page, pageURL string) (crawler.ExtractedProduct, error) {
	snap, err := e.Capture(ctx, page)
	if err != nil {
		return crawler.ExtractedProduct{URL: pageURL}, err
	}
	return e.FromSnapshot(pageURL, snap)
}

// Capture evaluates the snapshot script against the page.
func (e *Extractor) Capture(ctx context.Context, page crawler.Page) (Snapshot, error) {
	var snap Snapshot
	if err := page.Evaluate(ctx, snapshotScript, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("capture page: %w", err)
	}
	return snap, nil
}

// FromSnapshot builds an ExtractedProduct without touching the browser.
func (e *Extractor) FromSnapshot(pageURL string, snap Snapshot) (crawler.ExtractedProduct, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return crawler.ExtractedProduct{URL: pageURL}, fmt.Errorf("parse html: %w", err)
	}

	text := snap.Text
	if text == "" {
		text = doc.Find("body").Text()
	}
	prices := pricetext.Parse(pricetext.Repair(text))

	product := crawler.ExtractedProduct{
		URL:            pageURL,
		Identifier:     identifier(snap.HTML),
		Name:           firstText(doc, "h1"),
		Brand:          firstText(doc, brandSelector),
		ImageURL:       SelectImage(snap.Images),
		UnitPrice:      prices.Unit,
		PerWeightPrice: prices.PerWeight,
		ReferencePrice: prices.Reference,
	}
	if !product.Valid() {
		e.logger.Debug("incomplete product page",
			zap.String("url", pageURL),
			zap.Bool("has_identifier", product.Identifier != nil),
			zap.Bool("has_name", product.Name != nil),
		)
	}
	return product, nil
}

func identifier(html string) *string {
	m := identifierPattern.FindStringSubmatch(html)
	if m == nil {
		return nil
	}
	return &m[1]
}

func firstText(doc *goquery.Document, selector string) *string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	text := strings.TrimSpace(sel.Text())
	if text == "" {
		return nil
	}
	return &text
}

// SelectImage picks the product image: long sources that are not logos or footer
// art, wider than 100px, preferring one with a descriptive alt text. Lengths
// count characters, not bytes.
func SelectImage(candidates []crawler.ImageCandidate) *string {
	var sized []crawler.ImageCandidate
	for _, img := range candidates {
		if utf8.RuneCountInString(img.Src) <= minImageSrcLen || containsAny(img.Src, excludedImageRefs) {
			continue
		}
		if img.Width <= minImageWidth {
			continue
		}
		sized = append(sized, img)
	}
	if len(sized) == 0 {
		return nil
	}
	for _, img := range sized {
		if utf8.RuneCountInString(img.Alt) > minImageAltLen {
			src := img.Src
			return &src
		}
	}
	src := sized[0].Src
	return &src
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

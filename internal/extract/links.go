package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

const (
	productPathMarker = "/produto/"
	productPageSuffix = ".html"
)

// OuterHTMLScript returns the serialized document of the current page.
const OuterHTMLScript = `document.documentElement ? document.documentElement.outerHTML : ""`

// ProductLinks returns the distinct absolute product-page URLs linked from html,
// in document order. Relative hrefs are resolved against pageURL and every link
// is normalized, so "#reviews" anchors collapse onto their page.
func ProductLinks(html, pageURL string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find(`a[href*="` + productPathMarker + `"]`).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs, err := crawler.NormalizeURL(base.ResolveReference(ref).String())
		if err != nil {
			return
		}
		if !strings.Contains(abs, productPathMarker) || !strings.HasSuffix(abs, productPageSuffix) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links, nil
}

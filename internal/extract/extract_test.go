package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

const longImagePath = "https://www.continente.pt/dw/image/v2/BDVS_PRD/on/demandware.static/-/Sites-col-master-catalog/default/"

type fakePage struct {
	snapshot Snapshot
	err      error
}

func (p *fakePage) Navigate(context.Context, string, time.Duration) error { return nil }

func (p *fakePage) Evaluate(_ context.Context, _ string, out any) error {
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(p.snapshot)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func productHTML(ean string) string {
	var b strings.Builder
	b.WriteString(`<html><body><header><img src="/logo.svg"></header>`)
	b.WriteString(`<h1> Leite Meio Gordo </h1>`)
	b.WriteString(`<a href="/pesquisa/?q=mimosa">Mimosa</a>`)
	if ean != "" {
		b.WriteString(`<div data-track="ean=` + ean + `&amp;x=1"></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func TestExtractProductPage(t *testing.T) {
	t.Parallel()

	page := &fakePage{snapshot: Snapshot{
		HTML: productHTML("5601312048017"),
		Text: "Leite Meio Gordo\nMimosa\n0\n,79€\n0,79\n/lt\nPVPR\n0,95€",
		Images: []crawler.ImageCandidate{
			{Src: longImagePath + "logo-continente.png", Width: 300, Alt: "Continente logo"},
			{Src: longImagePath + "leite.jpg", Width: 400, Alt: "Leite Meio Gordo Mimosa"},
		},
	}}

	got, err := New(zap.NewNop()).Extract(context.Background(), page, "https://www.continente.pt/produto/leite-1.html")
	require.NoError(t, err)
	require.True(t, got.Valid())
	require.Equal(t, "5601312048017", *got.Identifier)
	require.Equal(t, "Leite Meio Gordo", *got.Name)
	require.Equal(t, "Mimosa", *got.Brand)
	require.Equal(t, longImagePath+"leite.jpg", *got.ImageURL)
	require.Equal(t, "0,79", *got.UnitPrice)
	require.Nil(t, got.PerWeightPrice)
	require.Equal(t, "0,95", *got.ReferencePrice)
}

func TestExtractMissingIdentifier(t *testing.T) {
	t.Parallel()

	page := &fakePage{snapshot: Snapshot{HTML: productHTML(""), Text: "1,00€"}}
	got, err := New(nil).Extract(context.Background(), page, "https://example.test/produto/x.html")
	require.NoError(t, err)
	require.Nil(t, got.Identifier)
	require.False(t, got.Valid())
}

func TestExtractPropagatesEvaluateError(t *testing.T) {
	t.Parallel()

	boom := errors.New("target closed")
	_, err := New(nil).Extract(context.Background(), &fakePage{err: boom}, "https://example.test/produto/x.html")
	require.ErrorIs(t, err, boom)
}

func TestFromSnapshotFallsBackToMarkupText(t *testing.T) {
	t.Parallel()

	got, err := New(nil).FromSnapshot("u", Snapshot{HTML: `<body><h1>Arroz</h1><span>1,29€</span></body>`})
	require.NoError(t, err)
	require.Equal(t, "Arroz", *got.Name)
	require.Equal(t, "1,29", *got.UnitPrice)
	require.Nil(t, got.Brand)
}

func TestSelectImage(t *testing.T) {
	t.Parallel()

	short := crawler.ImageCandidate{Src: "https://cdn/x.png", Width: 500, Alt: "descriptive alt"}
	footer := crawler.ImageCandidate{Src: longImagePath + "footer-banner.png", Width: 500, Alt: "descriptive alt"}
	narrow := crawler.ImageCandidate{Src: longImagePath + "thumb.png", Width: 80, Alt: "descriptive alt"}
	noAlt := crawler.ImageCandidate{Src: longImagePath + "first.png", Width: 200}
	withAlt := crawler.ImageCandidate{Src: longImagePath + "second.png", Width: 200, Alt: "Azeite Gallo"}

	require.Nil(t, SelectImage(nil))
	require.Nil(t, SelectImage([]crawler.ImageCandidate{short, footer, narrow}))

	got := SelectImage([]crawler.ImageCandidate{short, noAlt, withAlt})
	require.Equal(t, withAlt.Src, *got)

	got = SelectImage([]crawler.ImageCandidate{narrow, noAlt})
	require.Equal(t, noAlt.Src, *got)
}

func TestSelectImageCountsAltCharacters(t *testing.T) {
	t.Parallel()

	// "Maçã" is four characters but six bytes.
	accented := crawler.ImageCandidate{Src: longImagePath + "maca.png", Width: 300, Alt: "Maçã"}
	described := crawler.ImageCandidate{Src: longImagePath + "maca-2.png", Width: 300, Alt: "Maçã Gala"}

	got := SelectImage([]crawler.ImageCandidate{accented, described})
	require.Equal(t, described.Src, *got)

	got = SelectImage([]crawler.ImageCandidate{accented})
	require.Equal(t, accented.Src, *got)
}

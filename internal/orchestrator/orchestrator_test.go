package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/shelf-price-crawler/internal/clock/system"
	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/discovery"
	"github.com/JakeFAU/shelf-price-crawler/internal/extract"
	"github.com/JakeFAU/shelf-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/shelf-price-crawler/internal/id/uuid"
	"github.com/JakeFAU/shelf-price-crawler/internal/navigation"
	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
	"github.com/JakeFAU/shelf-price-crawler/internal/publisher/memory"
	memstore "github.com/JakeFAU/shelf-price-crawler/internal/storage/memory"
)

const shopURL = "https://shop.test"

// shop is a fake storefront rendered by fake browser pages.
type shop struct {
	mu       sync.Mutex
	listings map[int][]string
	products map[string]extract.Snapshot
	failing  map[string]bool
	failList bool
	// gate, when set, blocks the first listing navigation until closed or ctx ends.
	gate    chan struct{}
	visited []string
	closed  int
}

func newShop() *shop {
	return &shop{
		listings: make(map[int][]string),
		products: make(map[string]extract.Snapshot),
		failing:  make(map[string]bool),
	}
}

func (s *shop) addProduct(slug, ean, name, text string) string {
	link := shopURL + "/produto/" + slug + ".html"
	var html strings.Builder
	html.WriteString("<html><body>")
	if name != "" {
		fmt.Fprintf(&html, "<h1>%s</h1>", name)
	}
	html.WriteString(`<a href="/pesquisa/?q=marca">Marca</a>`)
	if ean != "" {
		fmt.Fprintf(&html, `<span data-track="ean=%s"></span>`, ean)
	}
	html.WriteString("</body></html>")
	s.products[link] = extract.Snapshot{HTML: html.String(), Text: text}
	return link
}

func (s *shop) Launch(context.Context) (crawler.Session, error) {
	return &shopSession{shop: s}, nil
}

type shopSession struct {
	shop *shop
}

func (ss *shopSession) OpenPage(context.Context) (crawler.Page, error) {
	return &shopPage{shop: ss.shop}, nil
}

func (ss *shopSession) Close() error {
	ss.shop.mu.Lock()
	defer ss.shop.mu.Unlock()
	ss.shop.closed++
	return nil
}

type shopPage struct {
	shop    *shop
	current string
}

func (p *shopPage) Navigate(ctx context.Context, rawURL string, _ time.Duration) error {
	s := p.shop
	s.mu.Lock()
	s.visited = append(s.visited, rawURL)
	gate := s.gate
	s.gate = nil
	fail := s.failing[rawURL] || (s.failList && strings.Contains(rawURL, "?start="))
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("net::ERR_TIMED_OUT")
	}
	p.current = rawURL
	return nil
}

func (p *shopPage) Evaluate(_ context.Context, script string, out any) error {
	s := p.shop
	s.mu.Lock()
	defer s.mu.Unlock()
	if script == extract.OuterHTMLScript {
		u, err := url.Parse(p.current)
		if err != nil {
			return err
		}
		start, _ := strconv.Atoi(u.Query().Get("start"))
		var b strings.Builder
		for _, link := range s.listings[start] {
			fmt.Fprintf(&b, `<a href="%s">x</a>`, link)
		}
		*(out.(*string)) = "<html><body>" + b.String() + "</body></html>"
		return nil
	}
	snap, ok := s.products[p.current]
	if !ok {
		return fmt.Errorf("no product at %s", p.current)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

// failingPriceStore breaks on AppendPrice.
type failingPriceStore struct {
	*memstore.Store
}

func (failingPriceStore) AppendPrice(context.Context, crawler.PriceObservation) error {
	return errors.New("connection reset by peer")
}

type harness struct {
	orch      *Orchestrator
	shop      *shop
	store     *memstore.Store
	blobs     *memstore.BlobStore
	publisher *memory.Publisher
	events    *recordingEmitter
}

func newHarness(t *testing.T, s *shop, wrap func(*memstore.Store) crawler.Store) *harness {
	t.Helper()
	store := memstore.NewStore()
	store.SetSettings(crawler.Settings{DelayMs: 0})
	var st crawler.Store = store
	if wrap != nil {
		st = wrap(store)
	}
	nav := navigation.New(navigation.Config{MaxAttempts: 2})
	h := &harness{
		shop:      s,
		store:     store,
		blobs:     memstore.NewBlobStore(),
		publisher: memory.New(),
		events:    &recordingEmitter{},
	}
	orch, err := New(Deps{
		Browser:   s,
		Store:     st,
		Navigator: nav,
		Lister:    discovery.New(nav, discovery.Config{BaseURL: shopURL}),
		Extractor: extract.New(nil),
		Blobs:     h.blobs,
		Publisher: h.publisher,
		Progress:  h.events,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, Config{})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func runJob(t *testing.T, h *harness, category string, limit int) crawler.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.orch.Run(ctx, category, limit)
	require.NoError(t, err)
	return job
}

func TestRunScrapesListedProducts(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.listings[0] = []string{
		s.addProduct("leite", "5601312048017", "Leite Meio Gordo", "Leite\n0\n,79€\nPVPR\n0,95€"),
		s.addProduct("arroz", "5601312048024", "Arroz Agulha", "Arroz\n1\n,29€\n1,29\n/kg"),
		s.addProduct("cafe", "5601312048031", "Café Moído", "Café\n3,49€"),
	}
	h := newHarness(t, s, nil)

	job := runJob(t, h, "mercearia", 0)

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, crawler.JobCounters{Scraped: 3, Errors: 0, Pages: 2, LinksFound: 3}, job.Counters)
	assert.Empty(t, job.ErrorText)

	products := h.store.Products()
	require.Len(t, products, 3)
	for _, p := range products {
		assert.Equal(t, "Mercearia", p.Category)
		prices := h.store.Prices(p.ID)
		require.Len(t, prices, 1)
	}
	milk := products[0]
	require.Equal(t, "5601312048017", milk.Identifier)
	obs := h.store.Prices(milk.ID)[0]
	assert.Equal(t, int64(79), obs.PriceCents)
	require.NotNil(t, obs.ReferencePriceCents)
	assert.Equal(t, int64(95), *obs.ReferencePriceCents)

	assert.Len(t, h.publisher.Topic("prices"), 3)
	assert.Equal(t, 3, h.blobs.Len())
	assert.Equal(t, 1, s.closed)

	stages := h.events.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageJobStart, stages[0])
	assert.Equal(t, progress.StageJobDone, stages[len(stages)-1])

	status := h.orch.Status()
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.CurrentJob)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Counters, stored.Counters)
}

func TestRunCountsInvalidProductsAsErrors(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.listings[0] = []string{
		s.addProduct("a", "5600000000001", "Produto A", "1,00€"),
		s.addProduct("b", "", "Produto B", "2,00€"),
		s.addProduct("c", "5600000000003", "Produto C", "3,00€"),
	}
	h := newHarness(t, s, nil)

	job := runJob(t, h, "bebidas", 0)

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Counters.Scraped)
	assert.Equal(t, 1, job.Counters.Errors)
	assert.Len(t, h.store.Products(), 2)
}

func TestRunSkipsPriceRowWithoutUnitPrice(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.listings[0] = []string{s.addProduct("sem-preco", "5600000000009", "Sem Preço", "Indisponível")}
	h := newHarness(t, s, nil)

	job := runJob(t, h, "congelados", 0)

	require.Equal(t, 1, job.Counters.Scraped)
	products := h.store.Products()
	require.Len(t, products, 1)
	assert.Empty(t, h.store.Prices(products[0].ID))
	assert.Empty(t, h.publisher.Topic("prices"))
}

func TestRunHonorsLimit(t *testing.T) {
	t.Parallel()

	s := newShop()
	for i := 0; i < 5; i++ {
		s.listings[0] = append(s.listings[0],
			s.addProduct(fmt.Sprintf("p%d", i), fmt.Sprintf("560000000001%d", i), fmt.Sprintf("Produto %d", i), "1,00€"))
	}
	s.listings[48] = []string{s.addProduct("late", "5600000000099", "Tarde", "1,00€")}
	h := newHarness(t, s, nil)

	job := runJob(t, h, "mercearia", 2)

	assert.Equal(t, 2, job.Counters.Scraped)
	assert.Equal(t, 1, job.Counters.Pages)
	assert.Equal(t, 2, job.Limit)
	for _, visited := range s.visited {
		assert.NotContains(t, visited, "start=48")
	}
}

func TestRunCountsNavigationFailures(t *testing.T) {
	t.Parallel()

	s := newShop()
	broken := s.addProduct("broken", "5600000000005", "Partido", "1,00€")
	s.failing[broken] = true
	s.listings[0] = []string{
		broken,
		s.addProduct("ok", "5600000000006", "Certo", "1,50€"),
	}
	h := newHarness(t, s, nil)

	job := runJob(t, h, "mercearia", 0)

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Counters.Scraped)
	assert.Equal(t, 1, job.Counters.Errors)

	attempts := 0
	for _, v := range s.visited {
		if v == broken {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestRunListingFailureEndsPagination(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.failList = true
	h := newHarness(t, s, nil)

	job := runJob(t, h, "laticinios", 0)

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	assert.Equal(t, crawler.JobCounters{Errors: 1}, job.Counters)
}

func TestRunPersistenceFailureFailsJob(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.listings[0] = []string{s.addProduct("a", "5600000000001", "Produto A", "1,00€")}
	h := newHarness(t, s, func(st *memstore.Store) crawler.Store { return failingPriceStore{st} })

	job := runJob(t, h, "mercearia", 0)

	require.Equal(t, crawler.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorText, "connection reset by peer")
	assert.Equal(t, 0, job.Counters.Scraped)
	assert.Equal(t, progress.StageJobError, h.events.Stages()[len(h.events.Stages())-1])

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, s.closed)
}

func TestStartIsSingleFlight(t *testing.T) {
	t.Parallel()

	s := newShop()
	gate := make(chan struct{})
	s.gate = gate
	s.listings[0] = []string{s.addProduct("a", "5600000000001", "Produto A", "1,00€")}
	h := newHarness(t, s, nil)
	ctx := context.Background()

	first, err := h.orch.Start(ctx, "mercearia", 0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, first.Status)
	require.Equal(t, 0, first.DelayMs)

	_, err = h.orch.Start(ctx, "bebidas", 0)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Len(t, h.store.Jobs(), 1)

	status := h.orch.Status()
	require.True(t, status.IsRunning)
	require.NotNil(t, status.CurrentJob)
	require.Equal(t, first.ID, status.CurrentJob.ID)

	require.True(t, h.orch.Stop())
	close(gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := h.orch.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.Counters.Scraped)

	// A new job may start once the previous one finalized.
	s.listings[0] = nil
	next := runJob(t, h, "bebidas", 0)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestStopDuringDelayFinalizesWithoutNewNavigation(t *testing.T) {
	t.Parallel()

	const delay = 400 * time.Millisecond
	s := newShop()
	s.listings[0] = []string{
		s.addProduct("a", "5600000000001", "Produto A", "1,00€"),
		s.addProduct("b", "5600000000002", "Produto B", "2,00€"),
		s.addProduct("c", "5600000000003", "Produto C", "3,00€"),
	}
	h := newHarness(t, s, nil)
	h.store.SetSettings(crawler.Settings{DelayMs: int(delay / time.Millisecond)})
	ctx := context.Background()

	started, err := h.orch.Start(ctx, "mercearia", 0)
	require.NoError(t, err)
	require.Equal(t, int(delay/time.Millisecond), started.DelayMs)

	// The first product is stored before its post-product wait begins.
	require.Eventually(t, func() bool { return len(h.store.Products()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stoppedAt := time.Now()
	require.True(t, h.orch.Stop())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := h.orch.Wait(waitCtx)
	require.NoError(t, err)
	assert.Less(t, time.Since(stoppedAt), delay+300*time.Millisecond)

	assert.Equal(t, crawler.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Counters.Scraped)
	assert.Len(t, h.store.Products(), 1)

	s.mu.Lock()
	visited := append([]string(nil), s.visited...)
	s.mu.Unlock()
	require.Len(t, visited, 2)
	assert.Contains(t, visited[0], "?start=0")
	assert.Equal(t, shopURL+"/produto/a.html", visited[1])
	assert.False(t, h.orch.Status().IsRunning)
}

func TestStartRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newShop(), nil)
	_, err := h.orch.Start(context.Background(), "brinquedos", 0)
	require.ErrorIs(t, err, ErrUnknownCategory)
	require.Empty(t, h.store.Jobs())
	require.False(t, h.orch.Status().IsRunning)
}

func TestStopWhenIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newShop(), nil)
	require.False(t, h.orch.Stop())
	_, err := h.orch.Wait(context.Background())
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestShutdownInterruptsRun(t *testing.T) {
	t.Parallel()

	s := newShop()
	gate := make(chan struct{})
	defer close(gate)
	s.gate = gate
	h := newHarness(t, s, nil)

	_, err := h.orch.Start(context.Background(), "mercearia", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	job, err := h.orch.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorText, "interrupted")
	assert.False(t, h.orch.Status().IsRunning)
}

func TestCategories(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newShop(), nil)
	cats := h.orch.Categories()
	require.Len(t, cats, len(crawler.Catalog))
	assert.Equal(t, "mercearia", cats[0].Key)
}

func TestMaxPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newShop(), nil)
	assert.Equal(t, 50, h.orch.maxPages(0, 48))
	assert.Equal(t, 1, h.orch.maxPages(1, 48))
	assert.Equal(t, 1, h.orch.maxPages(48, 48))
	assert.Equal(t, 2, h.orch.maxPages(49, 48))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	s := newShop()
	s.listings[0] = []string{
		s.addProduct("a", "5600000000001", "Produto A", "1,00€"),
		s.addProduct("b", "", "Produto B", "2,00€"),
	}
	h := newHarness(t, s, nil)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h.orch.tracer = tp.Tracer(tracerName)

	job := runJob(t, h, "congelados", 0)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)

	var outcomes []string
	var jobSpans int
	for _, span := range recorder.Ended() {
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		switch span.Name() {
		case "crawl.product":
			outcomes = append(outcomes, attrs["outcome"].AsString())
		case "crawl.job":
			jobSpans++
			assert.Equal(t, job.ID, attrs["job.id"].AsString())
			assert.Equal(t, int64(1), attrs["scraped"].AsInt64())
			assert.Equal(t, int64(1), attrs["errors"].AsInt64())
			assert.Equal(t, codes.Unset, span.Status().Code)
		}
	}
	assert.Equal(t, 1, jobSpans)
	assert.Equal(t, []string{"scraped", "invalid"}, outcomes)
}

// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

// DefaultDelayMs is reported when the settings table holds no row.
const DefaultDelayMs = 2000

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema creates missing tables on connect.
	EnsureSchema bool
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists products, prices, jobs and settings.
type Store struct {
	pool dbtx
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &Store{pool: pool}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbtx) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const upsertProductSQL = `
INSERT INTO products (id, ean, name, brand, category, image_url)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (ean) DO UPDATE
SET name = EXCLUDED.name,
	brand = EXCLUDED.brand,
	image_url = EXCLUDED.image_url,
	updated_at = now()
RETURNING id, ean, name, brand, category, image_url, created_at, updated_at`

// UpsertProduct inserts a product keyed by its EAN or refreshes the mutable
// fields of the existing row. The category of an existing row is kept.
func (s *Store) UpsertProduct(ctx context.Context, input crawler.ProductInput) (crawler.Product, error) {
	if input.Identifier == "" {
		return crawler.Product{}, fmt.Errorf("product identifier is required")
	}
	var (
		p        crawler.Product
		brand    pgtype.Text
		imageURL pgtype.Text
	)
	err := s.pool.QueryRow(ctx, upsertProductSQL,
		input.ID,
		input.Identifier,
		input.Name,
		input.Brand,
		input.Category,
		input.ImageURL,
	).Scan(&p.ID, &p.Identifier, &p.Name, &brand, &p.Category, &imageURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return crawler.Product{}, fmt.Errorf("upsert product: %w", err)
	}
	p.Brand = textPtr(brand)
	p.ImageURL = textPtr(imageURL)
	return p, nil
}

// AppendPrice inserts a price observation. Rows are never updated.
func (s *Store) AppendPrice(ctx context.Context, obs crawler.PriceObservation) error {
	query := `
INSERT INTO prices (id, product_id, price_cents, price_per_kg_cents, pvp_cents, captured_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query,
		obs.ID,
		obs.ProductID,
		obs.PriceCents,
		obs.PricePerKgCents,
		obs.ReferencePriceCents,
		obs.CapturedAt,
	); err != nil {
		return fmt.Errorf("insert price: %w", err)
	}
	return nil
}

const jobColumns = `id, category, status, delay_ms, max_products, scraped, errors, pages, links_found, error_text, started_at, completed_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	query := `
INSERT INTO scrape_jobs (id, category, status, delay_ms, max_products, started_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		job.ID,
		job.Category,
		string(job.Status),
		job.DelayMs,
		job.Limit,
		job.StartedAt,
	)
	created, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

// UpdateJob writes counters and, when set, status, error text and completion time.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update crawler.JobUpdate) (crawler.Job, error) {
	query := `
UPDATE scrape_jobs
SET scraped = $2,
	errors = $3,
	pages = $4,
	links_found = $5,
	status = COALESCE(NULLIF($6, ''), status),
	error_text = COALESCE(NULLIF($7, ''), error_text),
	completed_at = COALESCE($8, completed_at)
WHERE id = $1
RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		jobID,
		update.Counters.Scraped,
		update.Counters.Errors,
		update.Counters.Pages,
		update.Counters.LinksFound,
		string(update.Status),
		update.ErrorText,
		update.CompletedAt,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("update job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetSettings returns the crawl settings, defaulting the delay when unset.
func (s *Store) GetSettings(ctx context.Context) (crawler.Settings, error) {
	var delay int
	err := s.pool.QueryRow(ctx, `SELECT delay_ms FROM settings WHERE id = 1`).Scan(&delay)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Settings{DelayMs: DefaultDelayMs}, nil
	}
	if err != nil {
		return crawler.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return crawler.Settings{DelayMs: delay}, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job         crawler.Job
		status      string
		errorText   pgtype.Text
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.Category,
		&status,
		&job.DelayMs,
		&job.Limit,
		&job.Counters.Scraped,
		&job.Counters.Errors,
		&job.Counters.Pages,
		&job.Counters.LinksFound,
		&errorText,
		&job.StartedAt,
		&completedAt,
	); err != nil {
		return crawler.Job{}, err //nolint:wrapcheck // callers wrap with context
	}
	job.Status = crawler.JobStatus(status)
	if errorText.Valid {
		job.ErrorText = errorText.String
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandlens/crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return pool, nil
}

// JobStore persists crawl jobs in the crawl_jobs table.
type JobStore struct {
	pool dbPool
}

var _ crawler.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	query := `
INSERT INTO crawl_jobs (
	id,
	website_id,
	seed_url,
	mode,
	status,
	total_pages,
	completed_pages,
	failed_pages,
	submitted_at,
	started_at,
	completed_at,
	error_text
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.WebsiteID,
		job.SeedURL,
		string(job.Mode),
		string(job.Status),
		job.TotalPages,
		job.CompletedPages,
		job.FailedPages,
		job.Submitted,
		job.Started,
		job.Completed,
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

// UpdateJob rewrites the mutable columns of an existing job row.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.CrawlJob) error {
	query := `
UPDATE crawl_jobs SET
	status = $2,
	total_pages = $3,
	completed_pages = $4,
	failed_pages = $5,
	started_at = $6,
	completed_at = $7,
	error_text = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.TotalPages,
		job.CompletedPages,
		job.FailedPages,
		job.Started,
		job.Completed,
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	query := `
SELECT
	id,
	website_id,
	seed_url,
	mode,
	status,
	total_pages,
	completed_pages,
	failed_pages,
	submitted_at,
	started_at,
	completed_at,
	error_text
FROM crawl_jobs WHERE id = $1`
	var (
		job    crawler.CrawlJob
		mode   string
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.WebsiteID,
		&job.SeedURL,
		&mode,
		&status,
		&job.TotalPages,
		&job.CompletedPages,
		&job.FailedPages,
		&job.Submitted,
		&job.Started,
		&job.Completed,
		&job.ErrorText,
	)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("select crawl job %s: %w", jobID, err)
	}
	job.Mode = crawler.CrawlMode(mode)
	job.Status = crawler.JobStatus(status)
	return job, nil
}

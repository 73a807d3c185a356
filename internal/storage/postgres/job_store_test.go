package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/brandlens/crawler/internal/crawler"
)

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := crawler.CrawlJob{
		ID:        "job-1",
		WebsiteID: "site-1",
		SeedURL:   "https://example.com",
		Mode:      crawler.ModeHard,
		Status:    crawler.JobStatusQueued,
		Submitted: now,
	}

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			job.ID,
			job.WebsiteID,
			job.SeedURL,
			"hard",
			"queued",
			0,
			0,
			0,
			now,
			(*time.Time)(nil),
			(*time.Time)(nil),
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	require.Error(t, store.CreateJob(context.Background(), crawler.CrawlJob{}))
}

func TestUpdateJobReportsMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	job := crawler.CrawlJob{ID: "job-missing", Status: crawler.JobStatusFailed}
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs(
			job.ID,
			"failed",
			0,
			0,
			0,
			(*time.Time)(nil),
			(*time.Time)(nil),
			"",
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateJob(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Second)

	rows := pgxmock.NewRows([]string{
		"id", "website_id", "seed_url", "mode", "status",
		"total_pages", "completed_pages", "failed_pages",
		"submitted_at", "started_at", "completed_at", "error_text",
	}).AddRow(
		"job-1", "site-1", "https://example.com", "incremental", "running",
		10, 4, 1, now, &started, (*time.Time)(nil), "",
	)
	mock.ExpectQuery("SELECT(.|\n)*FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.ModeIncremental, job.Mode)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.Equal(t, 4, job.CompletedPages)
	require.NotNil(t, job.Started)
	require.Nil(t, job.Completed)
	require.NoError(t, mock.ExpectationsWereMet())
}

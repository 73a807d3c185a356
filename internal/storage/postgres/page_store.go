package postgres

import (
	"context"
	"fmt"

	"github.com/brandlens/crawler/internal/crawler"
)

// PageStore upserts parsed pages into the pages table, keyed by
// (website_id, url).
type PageStore struct {
	pool dbPool
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore constructs a PageStore over an existing pool.
func NewPageStore(pool dbPool) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{pool: pool}, nil
}

// UpsertPage inserts or updates the row for (website_id, url).
func (s *PageStore) UpsertPage(ctx context.Context, page crawler.PageRecord) error {
	if page.WebsiteID == "" || page.URL == "" {
		return fmt.Errorf("website id and url are required")
	}
	query := `
INSERT INTO pages (
	website_id,
	url,
	url_hash,
	title,
	meta_description,
	content_text,
	html_storage_path,
	word_count,
	page_type,
	http_status,
	scraped_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (website_id, url) DO UPDATE SET
	url_hash = EXCLUDED.url_hash,
	title = EXCLUDED.title,
	meta_description = EXCLUDED.meta_description,
	content_text = EXCLUDED.content_text,
	html_storage_path = EXCLUDED.html_storage_path,
	word_count = EXCLUDED.word_count,
	page_type = EXCLUDED.page_type,
	http_status = EXCLUDED.http_status,
	scraped_at = EXCLUDED.scraped_at`
	_, err := s.pool.Exec(ctx, query,
		page.WebsiteID,
		page.URL,
		page.URLHash,
		page.Title,
		page.MetaDescription,
		page.Text,
		page.HTMLStoragePath,
		page.WordCount,
		page.PageType,
		page.HTTPStatus,
		page.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// ExistingHashes returns the URL hashes already stored for a website.
func (s *PageStore) ExistingHashes(ctx context.Context, websiteID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT url_hash FROM pages WHERE website_id = $1`, websiteID)
	if err != nil {
		return nil, fmt.Errorf("select page hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan page hash: %w", err)
		}
		out[hash] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page hashes: %w", err)
	}
	return out, nil
}

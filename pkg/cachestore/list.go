package cachestore

import (
	"fmt"
	"time"

	"context"

	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
)

// PoolDedicatedOnly is the sentinel pool filter selecting entries with no
// pool whose source is currently in dedicated mode.
const PoolDedicatedOnly = "dedicated"

// sortColumns is the closed allow-list for List ordering.
//
//nolint:gochecknoglobals
var sortColumns = map[string]string{
	"created_at":  "ce.created_at",
	"expires_at":  "ce.expires_at",
	"hit_count":   "ce.hit_count",
	"last_hit_at": "ce.last_hit_at",
	"url":         "ce.url",
	"status":      "ce.response_status",
}

// Filter is the composable predicate set for List.
type Filter struct {
	AppID string

	ExpiredOnly bool
	SourceID    string
	// Pool is a pool id, or PoolDedicatedOnly to select dedicated entries.
	Pool string
	// Search matches a substring across url, method, key, content type and
	// status.
	Search  string
	MinHits *int64
	MaxHits *int64
	From    *time.Time
	To      *time.Time

	SortBy   string
	SortDesc bool

	Page  int
	Limit int
}

// List returns a page of entries matching the filter plus the total count.
func (s *Store) List(ctx context.Context, f Filter) ([]database.CacheEntry, int, error) {
	var entries []database.CacheEntry

	q := s.db.NewSelect().
		Model(&entries).
		Where("ce.app_id = ?", f.AppID)

	q = s.applyFilter(q, f)

	total, err := q.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("error counting the cache entries: %w", err)
	}

	order := "ce.created_at"
	if col, ok := sortColumns[f.SortBy]; ok {
		order = col
	}

	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	page := max(f.Page, 1)

	limit := f.Limit
	if limit < 1 || limit > 100 {
		limit = 50
	}

	err = q.
		OrderExpr(order+" "+dir).
		Limit(limit).
		Offset((page - 1) * limit).
		Scan(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("error listing the cache entries: %w", err)
	}

	return entries, total, nil
}

func (s *Store) applyFilter(q *bun.SelectQuery, f Filter) *bun.SelectQuery {
	if f.ExpiredOnly {
		q = q.Where("ce.expires_at IS NOT NULL").Where("ce.expires_at <= ?", s.now())
	}

	if f.SourceID != "" {
		q = q.Where("ce.source_id = ?", f.SourceID)
	}

	switch f.Pool {
	case "":
	case PoolDedicatedOnly:
		// The join excludes entries whose source has since been reassigned
		// to a shared pool.
		q = q.
			Join("JOIN sources AS src ON src.id = ce.source_id").
			Where("ce.storage_pool_id IS NULL").
			Where("src.storage_mode = ?", database.StorageDedicated)
	default:
		q = q.Where("ce.storage_pool_id = ?", f.Pool)
	}

	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("ce.url LIKE ?", pattern).
				WhereOr("ce.method LIKE ?", pattern).
				WhereOr("ce.cache_key LIKE ?", pattern).
				WhereOr("ce.content_type LIKE ?", pattern).
				WhereOr("CAST(ce.response_status AS TEXT) LIKE ?", pattern)
		})
	}

	if f.MinHits != nil {
		q = q.Where("ce.hit_count >= ?", *f.MinHits)
	}

	if f.MaxHits != nil {
		q = q.Where("ce.hit_count <= ?", *f.MaxHits)
	}

	if f.From != nil {
		q = q.Where("ce.created_at >= ?", *f.From)
	}

	if f.To != nil {
		q = q.Where("ce.created_at <= ?", *f.To)
	}

	return q
}

// SourceSavings is the accumulated upstream cost avoided by cache hits.
type SourceSavings struct {
	SourceID       string  `bun:"source_id" json:"source_id"`
	SourceName     string  `bun:"source_name" json:"source_name"`
	Hits           int64   `bun:"hits" json:"hits"`
	CostPerRequest float64 `bun:"cost_per_request" json:"cost_per_request"`
	Saved          float64 `bun:"saved" json:"saved"`
}

// Savings reports, per source, how much upstream spend the cache avoided:
// every hit is one upstream call not made.
func (s *Store) Savings(ctx context.Context, appID string) ([]SourceSavings, error) {
	var rows []SourceSavings

	err := s.db.NewSelect().
		Model((*database.CacheEntry)(nil)).
		ColumnExpr("src.id AS source_id").
		ColumnExpr("src.name AS source_name").
		ColumnExpr("COALESCE(SUM(ce.hit_count), 0) AS hits").
		ColumnExpr("src.cost_per_request AS cost_per_request").
		ColumnExpr("COALESCE(SUM(ce.hit_count), 0) * src.cost_per_request AS saved").
		Join("JOIN sources AS src ON src.id = ce.source_id").
		Where("ce.app_id = ?", appID).
		GroupExpr("src.id, src.name, src.cost_per_request").
		OrderExpr("saved DESC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("error computing the cost savings: %w", err)
	}

	return rows, nil
}

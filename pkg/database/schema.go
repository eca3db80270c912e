package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

//nolint:gochecknoglobals
var schemaModels = []any{
	(*App)(nil),
	(*StoragePool)(nil),
	(*Source)(nil),
	(*CacheEntry)(nil),
	(*CachePolicy)(nil),
	(*RateLimitRule)(nil),
	(*ComplianceRule)(nil),
	(*MockResponse)(nil),
	(*LineageEvent)(nil),
	(*AuditRecord)(nil),
}

// CreateSchema creates all tables and indexes if they do not exist.
//
// The two partial unique indexes on cache_entries enforce the entry identity
// invariants: dedicated entries (NULL pool) are unique per
// (app, source, key), shared entries per (app, pool, key).
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range schemaModels {
		if _, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("error creating the table for %T: %w", model, err)
		}
	}

	type index struct {
		model   any
		name    string
		columns []string
		unique  bool
		where   string
	}

	indexes := []index{
		{
			model:   (*CacheEntry)(nil),
			name:    "ux_cache_entries_dedicated",
			columns: []string{"app_id", "source_id", "cache_key"},
			unique:  true,
			where:   "storage_pool_id IS NULL",
		},
		{
			model:   (*CacheEntry)(nil),
			name:    "ux_cache_entries_shared",
			columns: []string{"app_id", "storage_pool_id", "cache_key"},
			unique:  true,
			where:   "storage_pool_id IS NOT NULL",
		},
		{
			model:   (*CacheEntry)(nil),
			name:    "ix_cache_entries_expires_at",
			columns: []string{"expires_at"},
		},
		{
			model:   (*CacheEntry)(nil),
			name:    "ix_cache_entries_app_source",
			columns: []string{"app_id", "source_id"},
		},
		{
			model:   (*Source)(nil),
			name:    "ix_sources_app_canonical",
			columns: []string{"app_id", "canonical_name"},
		},
		{
			model:   (*StoragePool)(nil),
			name:    "ux_storage_pools_app_name",
			columns: []string{"app_id", "name"},
			unique:  true,
		},
		{
			model:   (*CachePolicy)(nil),
			name:    "ux_cache_policies_app_source",
			columns: []string{"app_id", "source_id"},
			unique:  true,
		},
		{
			model:   (*ComplianceRule)(nil),
			name:    "ux_compliance_rules_app_source",
			columns: []string{"app_id", "source_id"},
			unique:  true,
		},
		{
			model:   (*LineageEvent)(nil),
			name:    "ix_lineage_events_entry",
			columns: []string{"entry_id"},
		},
		{
			model:   (*RateLimitRule)(nil),
			name:    "ix_rate_limit_rules_app",
			columns: []string{"app_id"},
		},
	}

	for _, idx := range indexes {
		q := db.NewCreateIndex().
			Model(idx.model).
			IfNotExists().
			Index(idx.name)

		for _, col := range idx.columns {
			q = q.Column(col)
		}

		if idx.unique {
			q = q.Unique()
		}

		if idx.where != "" {
			q = q.Where(idx.where)
		}

		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("error creating the index %q: %w", idx.name, err)
		}
	}

	return nil
}

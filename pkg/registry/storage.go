package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/database"
)

// UpdateStorageMode switches a source between dedicated and shared storage.
//
// Moving to shared without a pool auto-creates one named after the source.
// Every existing entry of the source is rewritten with the new pool id
// (NULL for dedicated); a migration failure is logged but does not abort the
// source update.
func (r *Registry) UpdateStorageMode(
	ctx context.Context,
	appID, sourceID, mode string,
	poolID *string,
) (*database.Source, error) {
	src, err := r.GetByID(ctx, appID, sourceID)
	if err != nil {
		return nil, err
	}

	if mode == database.StorageShared && poolID == nil {
		if src.StoragePoolID != nil {
			poolID = src.StoragePoolID
		} else {
			pool, err := r.ensurePool(ctx, appID, src.Name+" pool")
			if err != nil {
				return nil, err
			}

			poolID = &pool.ID
		}
	}

	now := time.Now()
	src.StorageMode = mode
	src.StoragePoolID = poolID
	src.UpdatedAt = &now

	if _, err := r.db.NewUpdate().
		Model(src).
		Column("storage_mode", "storage_pool_id", "updated_at").
		WherePK().
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("error updating the source %q: %w", sourceID, err)
	}

	r.migrateEntries(ctx, src)

	return src, nil
}

// ensurePool inserts a pool with the given name, reusing the existing row
// when another source already created it under the app-wide name uniqueness.
func (r *Registry) ensurePool(ctx context.Context, appID, name string) (*database.StoragePool, error) {
	pool := &database.StoragePool{
		ID:        uuid.NewString(),
		AppID:     appID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	_, err := r.db.NewInsert().Model(pool).Exec(ctx)
	if err == nil {
		return pool, nil
	}

	if !database.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("error creating the storage pool: %w", err)
	}

	err = r.db.NewSelect().
		Model(pool).
		Where("app_id = ?", appID).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading the storage pool %q: %w", name, err)
	}

	return pool, nil
}

// migrateEntries reassigns the pool id on every entry of the source. For a
// dedicated source the pool id becomes NULL so the per-source identity
// applies again.
func (r *Registry) migrateEntries(ctx context.Context, src *database.Source) {
	var entryPool *string
	if src.StorageMode == database.StorageShared {
		entryPool = src.StoragePoolID
	}

	res, err := r.db.NewUpdate().
		Model((*database.CacheEntry)(nil)).
		Set("storage_pool_id = ?", entryPool).
		Where("app_id = ?", src.AppID).
		Where("source_id = ?", src.ID).
		Exec(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("source-id", src.ID).
			Msg("error migrating the cache entries to the new pool")

		return
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		zerolog.Ctx(ctx).Info().
			Str("source-id", src.ID).
			Int64("entries", n).
			Msg("migrated cache entries to the new pool")
	}
}

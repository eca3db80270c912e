package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/lineage"
)

// TagMatch selects how a tag-set invalidation matches entries.
type TagMatch string

// Tag matching modes.
const (
	TagMatchAny TagMatch = "any"
	TagMatchAll TagMatch = "all"
)

// InvalidateByKey removes the entry (or entries, across storage partitions)
// with the exact cache key. Invalidating an absent key is a no-op.
func (s *Store) InvalidateByKey(ctx context.Context, appID, key, actorID string) (int64, error) {
	return s.invalidate(ctx, appID, actorID, "invalidate_key", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("ce.cache_key = ?", key)
	})
}

// InvalidateByURLPrefix removes every entry whose request URL starts with the
// prefix.
func (s *Store) InvalidateByURLPrefix(ctx context.Context, appID, prefix, actorID string) (int64, error) {
	return s.invalidate(ctx, appID, actorID, "invalidate_url_prefix", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("ce.url LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	})
}

// InvalidateByKeyPrefix removes every entry whose cache key starts with the
// prefix.
func (s *Store) InvalidateByKeyPrefix(ctx context.Context, appID, prefix, actorID string) (int64, error) {
	return s.invalidate(ctx, appID, actorID, "invalidate_key_prefix", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("ce.cache_key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	})
}

// InvalidateByTags removes entries carrying the given tags. With TagMatchAny
// one shared tag suffices; with TagMatchAll the entry must carry every tag.
// Tags are stored as JSON, so matching happens here rather than in SQL.
func (s *Store) InvalidateByTags(
	ctx context.Context,
	appID string,
	tags []string,
	match TagMatch,
	actorID string,
) (int64, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	var candidates []database.CacheEntry

	err := s.db.NewSelect().
		Model(&candidates).
		Column("ce.id", "ce.source_id", "ce.tags").
		Where("ce.app_id = ?", appID).
		Where("ce.tags IS NOT NULL").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("error loading the tagged entries: %w", err)
	}

	var ids []string

	for _, entry := range candidates {
		if matchTags(entry.Tags, tags, match) {
			ids = append(ids, entry.ID)
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	return s.invalidate(ctx, appID, actorID, "invalidate_tags", func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("ce.id IN (?)", bun.In(ids))
	})
}

// PurgeAll removes every entry for the app, optionally scoped to a pool.
func (s *Store) PurgeAll(ctx context.Context, appID string, poolID *string, actorID string) (int64, error) {
	return s.invalidate(ctx, appID, actorID, "purge_all", func(q *bun.SelectQuery) *bun.SelectQuery {
		if poolID != nil {
			q = q.Where("ce.storage_pool_id = ?", *poolID)
		}

		return q
	})
}

// PurgeExpired removes every expired entry for the app, optionally scoped to
// a pool. This is the eager path; reads filter expired rows out regardless.
func (s *Store) PurgeExpired(ctx context.Context, appID string, poolID *string, actorID string) (int64, error) {
	return s.invalidate(ctx, appID, actorID, "purge_expired", func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("ce.expires_at IS NOT NULL").Where("ce.expires_at <= ?", s.now())

		if poolID != nil {
			q = q.Where("ce.storage_pool_id = ?", *poolID)
		}

		return q
	})
}

// invalidate deletes the entries selected by the predicate and records an
// "invalidated" lineage event per entry.
func (s *Store) invalidate(
	ctx context.Context,
	appID, actorID, action string,
	predicate func(*bun.SelectQuery) *bun.SelectQuery,
) (int64, error) {
	var victims []database.CacheEntry

	err := predicate(s.db.NewSelect().
		Model(&victims).
		Column("ce.id", "ce.source_id").
		Where("ce.app_id = ?", appID)).
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("error selecting the entries to invalidate: %w", err)
	}

	if len(victims) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}

	res, err := s.db.NewDelete().
		Model((*database.CacheEntry)(nil)).
		Where("app_id = ?", appID).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error deleting the cache entries: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		deleted = int64(len(ids))
	}

	for _, v := range victims {
		s.lineage.RecordAsync(ctx, lineage.Event{
			AppID:     appID,
			EntryID:   v.ID,
			EventType: database.LineageInvalidated,
			ActorID:   actorID,
			SourceID:  v.SourceID,
			Action:    action,
		})
	}

	return deleted, nil
}

// BulkUpdate rewrites tags and/or TTL on a set of entries, recording an
// "updated" lineage event per entry. A new TTL recomputes expires_at from
// now; ttl=0 clears the expiry.
func (s *Store) BulkUpdate(ctx context.Context, appID string, ids []string, tags []string, ttlSeconds *int, actorID string) (int64, error) {
	if len(ids) == 0 || (tags == nil && ttlSeconds == nil) {
		return 0, nil
	}

	q := s.db.NewUpdate().
		Model((*database.CacheEntry)(nil)).
		Where("app_id = ?", appID).
		Where("id IN (?)", bun.In(ids)).
		Set("updated_at = ?", s.now())

	if tags != nil {
		q = q.Set("tags = ?", tags)
	}

	if ttlSeconds != nil {
		q = q.Set("ttl_seconds = ?", *ttlSeconds)

		if *ttlSeconds > 0 {
			q = q.Set("expires_at = ?", s.now().Add(time.Duration(*ttlSeconds) * time.Second))
		} else {
			q = q.Set("expires_at = NULL")
		}
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error bulk-updating the cache entries: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		updated = int64(len(ids))
	}

	for _, id := range ids {
		s.lineage.RecordAsync(ctx, lineage.Event{
			AppID:     appID,
			EntryID:   id,
			EventType: database.LineageUpdated,
			ActorID:   actorID,
			Action:    "bulk_update",
		})
	}

	return updated, nil
}

func matchTags(entryTags, wanted []string, match TagMatch) bool {
	have := make(map[string]struct{}, len(entryTags))
	for _, tag := range entryTags {
		have[tag] = struct{}{}
	}

	found := 0

	for _, tag := range wanted {
		if _, ok := have[tag]; ok {
			found++
		}
	}

	if match == TagMatchAll {
		return found == len(wanted)
	}

	return found > 0
}

// escapeLike escapes the LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))

	for i := range len(s) {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}

		out = append(out, c)
	}

	return string(out)
}

// Package cachestore reads and writes cache entries under the storage-mode
// identity rules: dedicated sources key entries by (app, source, key) with a
// NULL pool, shared sources by (app, pool, key).
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/lineage"
)

var (
	// ErrNotFound is returned on cache miss.
	ErrNotFound = errors.New("cache entry not found")

	// ErrPoolRequired is returned when a shared source carries no pool id.
	ErrPoolRequired = errors.New("shared storage mode requires a pool")
)

// Store provides cache entry persistence.
type Store struct {
	db      *bun.DB
	lineage *lineage.Recorder

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTimeNow overrides the clock. Intended for tests.
func WithTimeNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store writing lineage through rec.
func New(db *bun.DB, rec *lineage.Recorder, opts ...Option) *Store {
	s := &Store{db: db, lineage: rec, now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// scope adds the storage-mode identity predicate for the source.
func scope(q *bun.SelectQuery, src *database.Source) (*bun.SelectQuery, error) {
	if src.Dedicated() {
		return q.Where("ce.source_id = ?", src.ID).Where("ce.storage_pool_id IS NULL"), nil
	}

	if src.StoragePoolID == nil {
		return nil, ErrPoolRequired
	}

	return q.Where("ce.storage_pool_id = ?", *src.StoragePoolID), nil
}

// Get looks up the entry for (app, key) under the source's storage mode.
//
// With includeStale=false, expired-but-present entries count as a miss. With
// includeStale=true, an expired entry is returned so the caller can serve it
// stale while revalidating. Either way a returned entry has its hit counter
// bumped and an "accessed" lineage event recorded.
func (s *Store) Get(
	ctx context.Context,
	appID, key string,
	src *database.Source,
	includeStale bool,
) (*database.CacheEntry, error) {
	entry := new(database.CacheEntry)

	q := s.db.NewSelect().
		Model(entry).
		Where("ce.app_id = ?", appID).
		Where("ce.cache_key = ?", key)

	q, err := scope(q, src)
	if err != nil {
		if errors.Is(err, ErrPoolRequired) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	if !includeStale {
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("ce.expires_at IS NULL").WhereOr("ce.expires_at > ?", s.now())
		})
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		if database.IsNotFoundError(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("error looking up the cache entry: %w", err)
	}

	now := s.now()

	// Atomic in the store; hit counts are monotonic but drift across
	// instances is acceptable.
	if _, err := s.db.NewUpdate().
		Model((*database.CacheEntry)(nil)).
		Set("hit_count = hit_count + 1").
		Set("last_hit_at = ?", now).
		Where("id = ?", entry.ID).
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("error updating the hit counter: %w", err)
	}

	entry.HitCount++
	entry.LastHitAt = &now

	s.lineage.RecordAsync(ctx, lineage.Event{
		AppID:     appID,
		EntryID:   entry.ID,
		EventType: database.LineageAccessed,
		SourceID:  entry.SourceID,
		Action:    "cache_hit",
	})

	return entry, nil
}

// PutInput carries a response to store.
type PutInput struct {
	AppID           string
	CacheKey        string
	Method          string
	URL             string
	BodyFingerprint string
	ResponseStatus  int
	ResponseHeaders map[string]string
	ResponseBody    []byte
	ContentType     string
	TTLSeconds      int
	Tags            []string
}

// Put upserts the entry under the serving source's identity tuple. A ttl of 0
// means the entry never expires. On overwrite the response fields and TTL are
// replaced and the hit counter resets to zero; on insert a "created" lineage
// event is recorded. Concurrent puts for the same tuple converge to a single
// row under the unique index.
func (s *Store) Put(ctx context.Context, src *database.Source, in PutInput) (*database.CacheEntry, error) {
	now := s.now()

	entry := &database.CacheEntry{
		ID:              uuid.NewString(),
		AppID:           in.AppID,
		SourceID:        src.ID,
		CacheKey:        in.CacheKey,
		Method:          in.Method,
		URL:             in.URL,
		BodyFingerprint: in.BodyFingerprint,
		ResponseStatus:  in.ResponseStatus,
		ResponseHeaders: in.ResponseHeaders,
		ResponseBody:    in.ResponseBody,
		ContentType:     in.ContentType,
		TTLSeconds:      in.TTLSeconds,
		Tags:            in.Tags,
		CreatedAt:       now,
	}

	if in.TTLSeconds > 0 {
		expiresAt := now.Add(time.Duration(in.TTLSeconds) * time.Second)
		entry.ExpiresAt = &expiresAt
	}

	var conflict string

	if src.Dedicated() {
		conflict = "CONFLICT (app_id, source_id, cache_key) WHERE storage_pool_id IS NULL DO UPDATE"
	} else {
		if src.StoragePoolID == nil {
			return nil, ErrPoolRequired
		}

		entry.StoragePoolID = src.StoragePoolID
		conflict = "CONFLICT (app_id, storage_pool_id, cache_key) WHERE storage_pool_id IS NOT NULL DO UPDATE"
	}

	if _, err := s.db.NewInsert().
		Model(entry).
		On(conflict).
		Set("source_id = EXCLUDED.source_id").
		Set("method = EXCLUDED.method").
		Set("url = EXCLUDED.url").
		Set("body_fingerprint = EXCLUDED.body_fingerprint").
		Set("response_status = EXCLUDED.response_status").
		Set("response_headers = EXCLUDED.response_headers").
		Set("response_body = EXCLUDED.response_body").
		Set("content_type = EXCLUDED.content_type").
		Set("ttl_seconds = EXCLUDED.ttl_seconds").
		Set("expires_at = EXCLUDED.expires_at").
		Set("tags = EXCLUDED.tags").
		Set("hit_count = 0").
		Set("revalidate_at = NULL").
		Set("updated_at = ?", now).
		Returning("id, created_at, hit_count").
		Exec(ctx, entry); err != nil {
		return nil, fmt.Errorf("error storing the cache entry: %w", err)
	}

	event := database.LineageUpdated
	action := "cache_overwrite"

	if entry.CreatedAt.Equal(now) {
		event = database.LineageCreated
		action = "cache_store"
	}

	s.lineage.RecordAsync(ctx, lineage.Event{
		AppID:     in.AppID,
		EntryID:   entry.ID,
		EventType: event,
		SourceID:  src.ID,
		Action:    action,
	})

	return entry, nil
}

// TouchRevalidatedAt stamps the entry's last revalidation attempt.
func (s *Store) TouchRevalidatedAt(ctx context.Context, entryID string) error {
	if _, err := s.db.NewUpdate().
		Model((*database.CacheEntry)(nil)).
		Set("revalidate_at = ?", s.now()).
		Where("id = ?", entryID).
		Exec(ctx); err != nil {
		return fmt.Errorf("error stamping revalidate_at: %w", err)
	}

	return nil
}

// GetByID returns one entry of the app regardless of expiry.
func (s *Store) GetByID(ctx context.Context, appID, entryID string) (*database.CacheEntry, error) {
	entry := new(database.CacheEntry)

	err := s.db.NewSelect().
		Model(entry).
		Where("ce.app_id = ?", appID).
		Where("ce.id = ?", entryID).
		Scan(ctx)
	if err != nil {
		if database.IsNotFoundError(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("error loading the cache entry %q: %w", entryID, err)
	}

	return entry, nil
}

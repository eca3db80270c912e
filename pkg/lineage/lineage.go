// Package lineage records the append-only life of cache entries: creation,
// access, invalidation, update and policy changes.
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
)

// asyncTimeout bounds fire-and-forget writes so they cannot leak goroutines.
const asyncTimeout = 5 * time.Second

// Recorder appends lineage events. Events are never updated or deleted.
type Recorder struct {
	db *bun.DB
}

// New returns a Recorder writing to db.
func New(db *bun.DB) *Recorder {
	return &Recorder{db: db}
}

// Event is the caller-facing shape of a lineage record.
type Event struct {
	AppID     string
	EntryID   string
	EventType string
	ActorID   string
	SourceID  string
	Action    string
	Metadata  map[string]string
}

// Record appends one event.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	row := &database.LineageEvent{
		ID:        uuid.NewString(),
		AppID:     ev.AppID,
		EntryID:   ev.EntryID,
		EventType: ev.EventType,
		ActorID:   ev.ActorID,
		SourceID:  ev.SourceID,
		Action:    ev.Action,
		Metadata:  ev.Metadata,
		CreatedAt: time.Now(),
	}

	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("error recording the lineage event: %w", err)
	}

	return nil
}

// RecordAsync appends one event without blocking the caller. Failures are
// logged and dropped; lineage must never fail a request.
func (r *Recorder) RecordAsync(ctx context.Context, ev Event) {
	log := zerolog.Ctx(ctx).With().
		Str("entry-id", ev.EntryID).
		Str("event-type", ev.EventType).
		Logger()

	go func() {
		ctx, cancel := context.WithTimeout(log.WithContext(context.Background()), asyncTimeout)
		defer cancel()

		if err := r.Record(ctx, ev); err != nil {
			log.Error().Err(err).Msg("error recording the lineage event")
		}
	}()
}

// ListByEntry returns the events for one entry, oldest first.
func (r *Recorder) ListByEntry(ctx context.Context, appID, entryID string, page, limit int) ([]database.LineageEvent, error) {
	if page < 1 {
		page = 1
	}

	if limit < 1 || limit > 100 {
		limit = 50
	}

	var events []database.LineageEvent

	err := r.db.NewSelect().
		Model(&events).
		Where("app_id = ?", appID).
		Where("entry_id = ?", entryID).
		Order("created_at ASC").
		Limit(limit).
		Offset((page - 1) * limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing the lineage events: %w", err)
	}

	return events, nil
}

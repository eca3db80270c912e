package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/database"
)

// revalidateMinInterval throttles background refreshes of the same entry.
const revalidateMinInterval = time.Hour

// revalidateTimeout bounds one background refresh.
const revalidateTimeout = 30 * time.Second

// maybeRevalidate refreshes a stale entry in the background while the caller
// keeps the stale copy. Only method and URL survive in the entry, so non-GET
// requests cannot be faithfully reconstructed and are skipped. A failed
// refresh only moves revalidate_at forward.
func (d *Dispatcher) maybeRevalidate(
	ctx context.Context,
	app *database.App,
	entry *database.CacheEntry,
	src *database.Source,
) {
	if !strings.EqualFold(entry.Method, "GET") {
		return
	}

	now := d.now()
	if entry.RevalidateAt != nil && now.Sub(*entry.RevalidateAt) < revalidateMinInterval {
		return
	}

	// Stamp before launching so concurrent stale reads do not pile up
	// refreshes of the same entry.
	if err := d.store.TouchRevalidatedAt(ctx, entry.ID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("entry-id", entry.ID).
			Msg("error stamping the revalidation attempt")

		return
	}

	log := zerolog.Ctx(ctx).With().
		Str("entry-id", entry.ID).
		Str("source-id", src.ID).
		Logger()

	appCopy := *app

	go func() {
		ctx, cancel := context.WithTimeout(log.WithContext(context.Background()), revalidateTimeout)
		defer cancel()

		_, err := d.Dispatch(ctx, &appCopy, Request{
			Method:       entry.Method,
			URL:          entry.URL,
			SourceID:     entry.SourceID,
			CacheKey:     entry.CacheKey,
			ForceRefresh: true,
			TTLSeconds:   &entry.TTLSeconds,
		})
		if err != nil {
			log.Warn().Err(err).Msg("stale entry revalidation failed")

			return
		}

		log.Debug().Msg("stale entry revalidated")
	}()
}

// Package purge runs scheduled expired-entry cleanup. Each cache policy with
// a cron schedule gets a timer; ticks race across instances and are
// serialized by a distributed lock.
package purge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/lock"
)

// lockTTL bounds how long a purge run may hold its lock.
const lockTTL = 5 * time.Minute

// actorID identifies scheduler-initiated purges in lineage and audit rows.
const actorID = "purge-scheduler"

// ValidateSchedule reports whether spec is a valid standard cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", spec, err)
	}

	return nil
}

// Scheduler registers one cron timer per policy carrying a purge schedule.
type Scheduler struct {
	db     *bun.DB
	store  *cachestore.Store
	locker lock.Locker
	cron   *cron.Cron

	// mu guards entries; Reload is called from the policy handlers while
	// the scheduler runs.
	mu      sync.Mutex
	entries map[string]scheduleEntry
}

// scheduleEntry pairs a registered timer with the schedule it was registered
// under, so Reload can detect schedule changes on a policy that kept its ID.
type scheduleEntry struct {
	id       cron.EntryID
	schedule string
}

// New returns a stopped Scheduler. Without a shared lock backend pass a local
// locker; purge coordination then degrades to single-instance semantics.
func New(db *bun.DB, store *cachestore.Store, locker lock.Locker) *Scheduler {
	return &Scheduler{
		db:      db,
		store:   store,
		locker:  locker,
		cron:    cron.New(),
		entries: make(map[string]scheduleEntry),
	}
}

// Start loads the scheduled policies, registers their timers and runs the
// scheduler until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}

	s.cron.Start()

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	return ctx.Err()
}

// Reload re-reads the scheduled policies and reconciles the registered
// timers. Invalid schedules are logged and skipped so one bad row cannot take
// the scheduler down.
func (s *Scheduler) Reload(ctx context.Context) error {
	var policies []database.CachePolicy

	err := s.db.NewSelect().
		Model(&policies).
		Where("purge_schedule != ''").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("error loading the scheduled policies: %w", err)
	}

	log := zerolog.Ctx(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(policies))

	for _, pol := range policies {
		seen[pol.ID] = struct{}{}

		if cur, ok := s.entries[pol.ID]; ok {
			if cur.schedule == pol.PurgeSchedule {
				continue
			}

			// The upsert keeps the row ID, so a schedule change shows up
			// as a known policy with a different expression.
			s.cron.Remove(cur.id)
			delete(s.entries, pol.ID)
		}

		entryID, err := s.cron.AddFunc(pol.PurgeSchedule, s.job(pol))
		if err != nil {
			log.Error().Err(err).
				Str("policy-id", pol.ID).
				Str("schedule", pol.PurgeSchedule).
				Msg("skipping policy with an invalid purge schedule")

			continue
		}

		s.entries[pol.ID] = scheduleEntry{id: entryID, schedule: pol.PurgeSchedule}
	}

	for policyID, entry := range s.entries {
		if _, ok := seen[policyID]; !ok {
			s.cron.Remove(entry.id)
			delete(s.entries, policyID)
		}
	}

	return nil
}

func (s *Scheduler) job(pol database.CachePolicy) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
		defer cancel()

		s.RunPolicy(ctx, pol)
	}
}

// RunPolicy executes one purge tick for the policy under its distributed
// lock. A held lock means another instance is already on it.
func (s *Scheduler) RunPolicy(ctx context.Context, pol database.CachePolicy) {
	log := zerolog.Ctx(ctx).With().
		Str("policy-id", pol.ID).
		Str("app-id", pol.AppID).
		Logger()

	key := "purge-lock:" + pol.ID

	ok, err := s.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		log.Error().Err(err).Msg("error acquiring the purge lock")

		return
	}

	if !ok {
		log.Debug().Msg("purge lock held elsewhere, skipping the tick")

		return
	}

	defer func() {
		if err := s.locker.Unlock(ctx, key); err != nil {
			log.Error().Err(err).Msg("error releasing the purge lock")
		}
	}()

	purged, err := s.store.PurgeExpired(ctx, pol.AppID, nil, actorID)
	if err != nil {
		log.Error().Err(err).Msg("error purging the expired entries")

		return
	}

	s.audit(ctx, pol, purged)

	log.Info().Int64("purged", purged).Msg("scheduled purge completed")
}

func (s *Scheduler) audit(ctx context.Context, pol database.CachePolicy, purged int64) {
	rec := &database.AuditRecord{
		ID:      uuid.NewString(),
		AppID:   pol.AppID,
		ActorID: actorID,
		Action:  "scheduled_purge",
		Details: map[string]string{
			"policy_id": pol.ID,
			"source_id": pol.SourceID,
			"purged":    fmt.Sprintf("%d", purged),
		},
		CreatedAt: time.Now(),
	}

	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error writing the purge audit record")
	}
}

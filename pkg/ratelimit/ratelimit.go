// Package ratelimit enforces windowed request limits per
// (app, source, identifier).
//
// Counters live in Redis when a shared store is configured so the limit holds
// across instances; otherwise a per-process map provides the same semantics
// per instance. Limiter failures are logged and fail open: a backing-store
// blip must not take traffic down.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
)

const localSweepInterval = 5 * time.Minute

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed      bool
	Limited      bool
	Limit        int64
	Remaining    int64
	ResetSeconds int64
}

// Unlimited is the result when no enabled rule matches the request.
func Unlimited() Result {
	return Result{Allowed: true}
}

// Limiter checks requests against the rate-limit rules stored in the
// database. It is process-wide state with a periodic sweep of aged local
// windows; create one at startup.
type Limiter struct {
	db    *bun.DB
	redis goredis.UniversalClient
	local *gocache.Cache

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRedis makes the limiter use a shared Redis counter. Without it the
// limiter degrades to per-instance counting.
func WithRedis(client goredis.UniversalClient) Option {
	return func(l *Limiter) { l.redis = client }
}

// WithTimeNow overrides the clock. Intended for tests.
func WithTimeNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a new Limiter reading rules from db.
func New(db *bun.DB, opts ...Option) *Limiter {
	l := &Limiter{
		db:    db,
		local: gocache.New(gocache.NoExpiration, localSweepInterval),
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Check resolves the effective rule for (app, source) and counts the request
// against the identifier's current window. A source-scoped enabled rule wins
// over the app-wide one; with no rule the result is unlimited.
func (l *Limiter) Check(ctx context.Context, appID string, sourceID *string, identifier string) (Result, error) {
	rule, err := l.resolveRule(ctx, appID, sourceID)
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("app-id", appID).
			Msg("error resolving the rate-limit rule, failing open")

		return Unlimited(), nil
	}

	if rule == nil {
		return Unlimited(), nil
	}

	now := l.now()
	windowIdx := now.Unix() / rule.WindowSeconds
	key := counterKey(appID, rule.SourceID, identifier, windowIdx)

	count, err := l.increment(ctx, key, rule.WindowSeconds)
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("key", key).
			Msg("error updating the rate-limit counter, failing open")

		return Unlimited(), nil
	}

	res := Result{
		Limited:      true,
		Limit:        rule.MaxRequests,
		Remaining:    rule.MaxRequests - count,
		ResetSeconds: rule.WindowSeconds - now.Unix()%rule.WindowSeconds,
	}

	if res.Remaining < 0 {
		res.Remaining = 0
	}

	res.Allowed = count <= rule.MaxRequests

	return res, nil
}

// resolveRule returns the effective enabled rule, or nil when unlimited.
func (l *Limiter) resolveRule(ctx context.Context, appID string, sourceID *string) (*database.RateLimitRule, error) {
	if sourceID != nil {
		rule := new(database.RateLimitRule)

		err := l.db.NewSelect().
			Model(rule).
			Where("app_id = ?", appID).
			Where("source_id = ?", *sourceID).
			Where("enabled").
			Limit(1).
			Scan(ctx)
		if err == nil {
			return rule, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("error loading the source rate-limit rule: %w", err)
		}
	}

	rule := new(database.RateLimitRule)

	err := l.db.NewSelect().
		Model(rule).
		Where("app_id = ?", appID).
		Where("source_id IS NULL").
		Where("enabled").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // no rule means unlimited
		}

		return nil, fmt.Errorf("error loading the app rate-limit rule: %w", err)
	}

	return rule, nil
}

// increment bumps the window counter and returns the post-increment count.
func (l *Limiter) increment(ctx context.Context, key string, windowSeconds int64) (int64, error) {
	expiry := time.Duration(windowSeconds+1) * time.Second

	if l.redis != nil {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("error incrementing the counter %q: %w", key, err)
		}

		if count == 1 {
			if err := l.redis.Expire(ctx, key, expiry).Err(); err != nil {
				return 0, fmt.Errorf("error expiring the counter %q: %w", key, err)
			}
		}

		return count, nil
	}

	// Per-instance fallback; correctness degrades to per-instance under
	// partition.
	//nolint:errcheck // Add only fails when the key exists, which is fine.
	l.local.Add(key, int64(0), expiry)

	count, err := l.local.IncrementInt64(key, 1)
	if err != nil {
		return 0, fmt.Errorf("error incrementing the local counter %q: %w", key, err)
	}

	return count, nil
}

func counterKey(appID string, sourceID *string, identifier string, windowIdx int64) string {
	scope := "global"
	if sourceID != nil {
		scope = *sourceID
	}

	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", appID, scope, identifier, windowIdx)
}

// Package policy decides what happens to an upstream response before it is
// stored: kill switch, no-cache, TTL ceiling, compliance gates and mock
// fallback.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/database"
)

// Engine evaluates cache policies for (app, source) pairs.
type Engine struct {
	db *bun.DB
}

// New returns an Engine backed by db.
func New(db *bun.DB) *Engine {
	return &Engine{db: db}
}

// Request is the request-side input to an evaluation.
type Request struct {
	Method string
	URL    string
	Body   string
	// Region is the caller's resolved region code, empty when unknown.
	Region string
}

// Response is the upstream response under evaluation.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// Decision is the outcome of an evaluation. When Store is false, Reason names
// the gate that blocked it. The caller still returns the upstream body either
// way.
type Decision struct {
	Store bool
	// TTLSeconds is the effective TTL to store with, 0 meaning never expires.
	TTLSeconds        int
	Reason            string
	ComplianceBlocked bool
}

// Blocking reasons.
const (
	ReasonKillSwitch = "kill_switch"
	ReasonNoCache    = "no_cache"
	ReasonRegion     = "compliance_region"
	ReasonPII        = "compliance_pii"
	ReasonTOS        = "compliance_tos"
)

// Bypass reports whether the cache is switched off for this request. With the
// switch on, lookups are skipped on ingress and responses are never stored.
func Bypass(app *database.App, src *database.Source) bool {
	return app.KillSwitch || src.KillSwitch
}

// ForSource loads the cache policy for (app, source), nil when none exists.
func (e *Engine) ForSource(ctx context.Context, appID, sourceID string) (*database.CachePolicy, error) {
	pol := new(database.CachePolicy)

	err := e.db.NewSelect().
		Model(pol).
		Where("app_id = ?", appID).
		Where("source_id = ?", sourceID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("error loading the cache policy: %w", err)
	}

	return pol, nil
}

// EffectiveTTL caps the requested TTL with the policy ceiling. A TTL of 0
// means "never expires" and counts as infinity against the ceiling, so it
// becomes the ceiling itself when one is set.
func EffectiveTTL(pol *database.CachePolicy, requested int) int {
	if pol == nil || pol.MaxTTLSeconds <= 0 {
		return requested
	}

	if requested <= 0 || requested > pol.MaxTTLSeconds {
		return pol.MaxTTLSeconds
	}

	return requested
}

// Evaluate runs the write-side gates in order: kill switch, no-cache, TTL
// ceiling, then compliance. The first denial wins.
func (e *Engine) Evaluate(
	ctx context.Context,
	app *database.App,
	src *database.Source,
	req Request,
	resp Response,
	requestedTTL int,
) (Decision, error) {
	if Bypass(app, src) {
		return Decision{Store: false, Reason: ReasonKillSwitch}, nil
	}

	pol, err := e.ForSource(ctx, app.ID, src.ID)
	if err != nil {
		return Decision{}, err
	}

	if pol != nil && pol.NoCache {
		return Decision{Store: false, Reason: ReasonNoCache}, nil
	}

	ttl := EffectiveTTL(pol, requestedTTL)

	reason, err := e.checkCompliance(ctx, app.ID, src.ID, req, resp)
	if err != nil {
		return Decision{}, err
	}

	if reason != "" {
		return Decision{Store: false, Reason: reason, ComplianceBlocked: true}, nil
	}

	return Decision{Store: true, TTLSeconds: ttl}, nil
}

// Package dispatch orchestrates the request path: candidate selection, cache
// lookup, breaker-guarded upstream calls, challenge detection, policy
// evaluation and the final store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/cachekey"
	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/challenge"
	"github.com/cachefront/cachefront/pkg/circuitbreaker"
	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/policy"
	"github.com/cachefront/cachefront/pkg/registry"
	"github.com/cachefront/cachefront/pkg/urlcheck"
)

// defaultTTLSeconds applies when neither the client nor a policy chooses a
// TTL.
const defaultTTLSeconds = 3600

// Dispatcher runs the proxy pipeline for one request at a time.
type Dispatcher struct {
	reg      *registry.Registry
	store    *cachestore.Store
	policies *policy.Engine
	breakers *circuitbreaker.Registry
	client   *Client

	now            func() time.Time
	validateTarget func(string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeNow overrides the clock. Intended for tests.
func WithTimeNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithClient overrides the upstream client.
func WithClient(c *Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTargetCheck overrides the outbound URL validation. Tests point sources
// at loopback servers, which the default check rejects.
func WithTargetCheck(check func(string) error) Option {
	return func(d *Dispatcher) { d.validateTarget = check }
}

// New wires a Dispatcher from its subsystems.
func New(
	reg *registry.Registry,
	store *cachestore.Store,
	policies *policy.Engine,
	breakers *circuitbreaker.Registry,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		store:    store,
		policies: policies,
		breakers: breakers,
		client:   NewClient(),
		now:      time.Now,
		validateTarget: func(target string) error {
			_, err := urlcheck.Validate(target)

			return err
		},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Request is one proxied request.
type Request struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string

	// CanonicalName groups sibling sources at the front door. Empty means
	// every active source is a candidate.
	CanonicalName string

	// SourceID pins the request to one source, used by revalidation.
	SourceID string

	// CacheKey overrides key derivation, used by revalidation to replace the
	// exact entry.
	CacheKey string

	ForceRefresh bool
	// TTLSeconds overrides the TTL for this request; nil keeps the default.
	TTLSeconds *int

	Region  string
	ActorID string
}

// Result is the response plus cache metadata.
type Result struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	ContentType string

	Cached            bool
	Stale             bool
	Mock              bool
	ComplianceBlocked bool
	ComplianceReason  string

	CacheKey   string
	SourceID   string
	SourceName string
	HitCount   int64
	ExpiresAt  *time.Time
}

// Dispatch runs the full pipeline for the app's request.
func (d *Dispatcher) Dispatch(ctx context.Context, app *database.App, req Request) (*Result, error) {
	if len(req.URL) > urlcheck.MaxURLLength {
		return nil, urlcheck.ErrURLTooLong
	}

	if u, err := url.Parse(req.URL); err != nil {
		return nil, urlcheck.ErrInvalidURL
	} else if u.IsAbs() {
		if _, err := urlcheck.Validate(req.URL); err != nil {
			return nil, err
		}
	}

	candidates, err := d.resolveCandidates(ctx, app.ID, req)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, ErrNoActiveSources
	}

	candidates = registry.OrderCandidates(candidates, req.URL)

	primary := &candidates[0]

	// Round-robin picks exactly one sibling; there is no failover inside it.
	if primary.SelectionMode == database.SelectionRoundRobin && len(candidates) > 1 {
		idx := d.reg.RoundRobinIndex(app.ID, canonicalOf(req, primary), len(candidates))
		candidates = candidates[idx : idx+1]
		primary = &candidates[0]
	}

	bypass := policy.Bypass(app, primary)

	// A mock-primary source answers from its mock table before any cache or
	// upstream work; an unmatched request continues down the normal path.
	if primary.FallbackMode == database.FallbackMockPrimary {
		if res := d.mockFor(ctx, app, req, primary); res != nil {
			return res, nil
		}
	}

	key := req.CacheKey
	if key == "" {
		key = cachekey.ForSource(cachekey.Input{
			Method:      req.Method,
			URL:         req.URL,
			Body:        req.Body,
			Headers:     req.Headers,
			SourceID:    primary.ID,
			VaryHeaders: primary.VaryHeaders,
		}, primary.Dedicated())
	}

	if !req.ForceRefresh && !bypass {
		if res, ok := d.lookup(ctx, app, req, primary, key); ok {
			return res, nil
		}
	}

	return d.fetchAndStore(ctx, app, req, candidates, bypass)
}

func (d *Dispatcher) resolveCandidates(ctx context.Context, appID string, req Request) ([]database.Source, error) {
	if req.SourceID != "" {
		src, err := d.reg.GetByID(ctx, appID, req.SourceID)
		if err != nil {
			return nil, err
		}

		if !src.Active {
			return nil, nil
		}

		return []database.Source{*src}, nil
	}

	if req.CanonicalName != "" {
		return d.reg.ResolveByName(ctx, appID, req.CanonicalName)
	}

	return d.reg.ListActive(ctx, appID)
}

// lookup serves a cached entry when one exists. An expired entry is still
// served, marked stale, with a background revalidation kicked off.
func (d *Dispatcher) lookup(
	ctx context.Context,
	app *database.App,
	req Request,
	src *database.Source,
	key string,
) (*Result, bool) {
	entry, err := d.store.Get(ctx, app.ID, key, src, true)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error looking up the cache entry")
		}

		return nil, false
	}

	stale := entry.Expired(d.now())
	if stale {
		d.maybeRevalidate(ctx, app, entry, src)
	}

	d.advanceRoundRobin(app.ID, req, src)

	return &Result{
		Status:      entry.ResponseStatus,
		Headers:     entry.ResponseHeaders,
		Body:        entry.ResponseBody,
		ContentType: entry.ContentType,
		Cached:      true,
		Stale:       stale,
		CacheKey:    entry.CacheKey,
		SourceID:    entry.SourceID,
		SourceName:  src.Name,
		HitCount:    entry.HitCount,
		ExpiresAt:   entry.ExpiresAt,
	}, true
}

// fetchAndStore walks the candidates through their breakers. In priority mode
// a 404, an open breaker or a transport failure advances to the next
// candidate; any other response is terminal.
func (d *Dispatcher) fetchAndStore(
	ctx context.Context,
	app *database.App,
	req Request,
	candidates []database.Source,
	bypass bool,
) (*Result, error) {
	log := zerolog.Ctx(ctx)

	var lastErr error

	for i := range candidates {
		src := &candidates[i]

		resp, err := d.fetchFrom(ctx, src, req)
		if err != nil {
			var challengeErr *ChallengeError
			if errors.As(err, &challengeErr) {
				return nil, err
			}

			log.Warn().Err(err).Str("source", src.Name).Msg("source attempt failed")
			lastErr = err

			continue
		}

		if resp.Status == 404 {
			log.Info().Str("source", src.Name).Msg("source returned 404, advancing")
			lastErr = fmt.Errorf("source %q returned 404", src.Name)

			continue
		}

		return d.finalize(ctx, app, req, src, resp, bypass)
	}

	if res := d.mockFallback(ctx, app, req, candidates); res != nil {
		return res, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, lastErr)
	}

	return nil, ErrAllSourcesFailed
}

// fetchFrom performs the breaker-guarded upstream call for one candidate,
// including the single browser-header retry on a detected challenge.
func (d *Dispatcher) fetchFrom(ctx context.Context, src *database.Source, req Request) (*UpstreamResponse, error) {
	target, err := TargetURL(src.BaseURL, req.URL)
	if err != nil {
		return nil, err
	}

	if err := d.validateTarget(target); err != nil {
		return nil, fmt.Errorf("target url for %q rejected: %w", src.Name, err)
	}

	m, err := d.reg.Materialize(src)
	if err != nil {
		return nil, err
	}

	cb := d.breakers.ForSource(src.ID, src.BreakerThreshold, circuitbreaker.DefaultResetTimeout)

	resp, err := d.fire(ctx, cb, m, target, req, false)
	if err != nil {
		return nil, err
	}

	det := challenge.Detect(resp.Body, resp.ContentType, acceptHeader(req.Headers))
	if det == nil {
		return resp, nil
	}

	if !src.BypassBotDetection {
		return nil, &ChallengeError{Provider: det.Provider, SourceName: src.Name}
	}

	resp, err = d.fire(ctx, cb, m, target, req, true)
	if err != nil {
		return nil, err
	}

	if det := challenge.Detect(resp.Body, resp.ContentType, acceptHeader(req.Headers)); det != nil {
		return nil, &ChallengeError{Provider: det.Provider, SourceName: src.Name, BypassEnabled: true}
	}

	return resp, nil
}

func (d *Dispatcher) fire(
	ctx context.Context,
	cb *circuitbreaker.CircuitBreaker,
	m *registry.Materialized,
	target string,
	req Request,
	browser bool,
) (*UpstreamResponse, error) {
	var resp *UpstreamResponse

	err := cb.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		resp, fetchErr = d.client.Fetch(ctx, m, req.Method, target, req.Body, req.Headers, browser)

		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// finalize evaluates the write-side policy and stores the response when
// allowed. The upstream body is returned to the caller either way; store
// failures are logged, never surfaced.
func (d *Dispatcher) finalize(
	ctx context.Context,
	app *database.App,
	req Request,
	src *database.Source,
	resp *UpstreamResponse,
	bypass bool,
) (*Result, error) {
	result := &Result{
		Status:      resp.Status,
		Headers:     resp.Headers,
		Body:        resp.Body,
		ContentType: resp.ContentType,
		SourceID:    src.ID,
		SourceName:  src.Name,
	}

	if resp.Status < 400 {
		d.advanceRoundRobin(app.ID, req, src)
	}

	dec, err := d.policies.Evaluate(ctx, app, src,
		policy.Request{Method: req.Method, URL: req.URL, Body: req.Body, Region: req.Region},
		policy.Response{Status: resp.Status, Body: resp.Body, ContentType: resp.ContentType},
		requestedTTL(req))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error evaluating the cache policy")

		return result, nil
	}

	result.ComplianceBlocked = dec.ComplianceBlocked
	if dec.ComplianceBlocked {
		result.ComplianceReason = dec.Reason
	}

	// Error responses are never cached; policies decide the rest.
	if bypass || !dec.Store || resp.Status < 200 || resp.Status >= 300 {
		return result, nil
	}

	// The entry lands in the serving source's partition, keyed with its
	// storage mode, which is not necessarily the primary candidate's.
	storeKey := req.CacheKey
	if storeKey == "" {
		storeKey = cachekey.ForSource(cachekey.Input{
			Method:      req.Method,
			URL:         req.URL,
			Body:        req.Body,
			Headers:     req.Headers,
			SourceID:    src.ID,
			VaryHeaders: src.VaryHeaders,
		}, src.Dedicated())
	}

	entry, err := d.store.Put(ctx, src, cachestore.PutInput{
		AppID:           app.ID,
		CacheKey:        storeKey,
		Method:          strings.ToUpper(req.Method),
		URL:             req.URL,
		BodyFingerprint: cachekey.BodyFingerprint(req.Body),
		ResponseStatus:  resp.Status,
		ResponseHeaders: resp.Headers,
		ResponseBody:    resp.Body,
		ContentType:     resp.ContentType,
		TTLSeconds:      dec.TTLSeconds,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error storing the response")

		return result, nil
	}

	result.CacheKey = entry.CacheKey
	result.ExpiresAt = entry.ExpiresAt

	return result, nil
}

// mockFallback serves a canned response after source exhaustion for sources
// that opted into mock fallback. Mock responses are never cached.
func (d *Dispatcher) mockFallback(
	ctx context.Context,
	app *database.App,
	req Request,
	candidates []database.Source,
) *Result {
	for i := range candidates {
		src := &candidates[i]

		if src.FallbackMode != database.FallbackMock {
			continue
		}

		if res := d.mockFor(ctx, app, req, src); res != nil {
			return res
		}
	}

	return nil
}

// mockFor serves the source's best matching mock response, nil when none
// matches.
func (d *Dispatcher) mockFor(
	ctx context.Context,
	app *database.App,
	req Request,
	src *database.Source,
) *Result {
	mock, err := d.policies.FindMock(ctx, app.ID, src.ID, req.Method, req.URL, req.Body)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error looking up the mock responses")

		return nil
	}

	if mock == nil {
		return nil
	}

	return &Result{
		Status:      mock.ResponseStatus,
		Headers:     mock.ResponseHeaders,
		Body:        mock.ResponseBody,
		ContentType: mock.ContentType,
		Mock:        true,
		SourceID:    src.ID,
		SourceName:  src.Name,
	}
}

func (d *Dispatcher) advanceRoundRobin(appID string, req Request, src *database.Source) {
	if src.SelectionMode != database.SelectionRoundRobin {
		return
	}

	d.reg.RoundRobinAdvance(appID, canonicalOf(req, src))
}

func canonicalOf(req Request, src *database.Source) string {
	if req.CanonicalName != "" {
		return req.CanonicalName
	}

	if src.CanonicalName != "" {
		return src.CanonicalName
	}

	return src.Name
}

func requestedTTL(req Request) int {
	if req.TTLSeconds != nil {
		return *req.TTLSeconds
	}

	return defaultTTLSeconds
}

func acceptHeader(headers map[string]string) string {
	for name, value := range headers {
		if strings.EqualFold(name, "accept") {
			return value
		}
	}

	return ""
}

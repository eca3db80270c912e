// Package registry manages upstream sources: creation under the demo cap,
// canonical-name resolution for the proxy front door, selection ordering and
// on-demand decryption of per-source auth.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/cachefront/cachefront/pkg/cachekey"
	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/secrets"
)

// MaxSourcesPerApp is the hard demo cap on sources per tenant.
const MaxSourcesPerApp = 2

var (
	// ErrDemoLimitExceeded is returned when a create would leave the app
	// with more than MaxSourcesPerApp sources.
	ErrDemoLimitExceeded = errors.New("Demo Limit Exceeded")

	// ErrSourceNotFound is returned when no source matches.
	ErrSourceNotFound = errors.New("source not found")

	// ErrPoolRequired is returned when a shared source has no pool.
	ErrPoolRequired = errors.New("shared storage mode requires a pool")
)

// Registry provides access to sources and their decrypted auth.
type Registry struct {
	db     *bun.DB
	cipher secrets.Cipher

	rr *roundRobin
}

// New returns a new Registry.
func New(db *bun.DB, cipher secrets.Cipher) *Registry {
	return &Registry{db: db, cipher: cipher, rr: newRoundRobin()}
}

// Credentials is the decrypted auth descriptor of a source.
type Credentials struct {
	Token      string `json:"token,omitempty"`
	Key        string `json:"key,omitempty"`
	HeaderName string `json:"header_name,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Materialized is a source plus its decrypted auth and custom headers. It is
// built per-dispatch and must not be retained beyond the request.
type Materialized struct {
	database.Source

	Credentials   Credentials
	CustomHeaders map[string]string
}

// ListActive returns the app's active sources ordered by ascending priority,
// id-stable on ties.
func (r *Registry) ListActive(ctx context.Context, appID string) ([]database.Source, error) {
	var sources []database.Source

	err := r.db.NewSelect().
		Model(&sources).
		Where("app_id = ?", appID).
		Where("active").
		Order("priority ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing the active sources: %w", err)
	}

	return sources, nil
}

// ResolveByName returns every active source belonging to the canonical name:
// an exact canonical-name match, an exact name match, or a name prefixed by
// the canonical plus a space (which covers the "Name - 2" sibling style).
func (r *Registry) ResolveByName(ctx context.Context, appID, canonical string) ([]database.Source, error) {
	var sources []database.Source

	err := r.db.NewSelect().
		Model(&sources).
		Where("app_id = ?", appID).
		Where("active").
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("canonical_name = ?", canonical).
				WhereOr("name = ?", canonical).
				WhereOr("name LIKE ?", canonical+" %")
		}).
		Order("priority ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error resolving the sources for %q: %w", canonical, err)
	}

	return sources, nil
}

// GetByID returns one source of the app.
func (r *Registry) GetByID(ctx context.Context, appID, sourceID string) (*database.Source, error) {
	src := new(database.Source)

	err := r.db.NewSelect().
		Model(src).
		Where("app_id = ?", appID).
		Where("id = ?", sourceID).
		Scan(ctx)
	if err != nil {
		if database.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, sourceID)
		}

		return nil, fmt.Errorf("error loading the source %q: %w", sourceID, err)
	}

	return src, nil
}

// LoadWithAuth loads a source and decrypts its auth descriptor and custom
// headers. Plaintext never touches shared state.
func (r *Registry) LoadWithAuth(ctx context.Context, appID, sourceID string) (*Materialized, error) {
	src, err := r.GetByID(ctx, appID, sourceID)
	if err != nil {
		return nil, err
	}

	return r.Materialize(src)
}

// Materialize decrypts the given source's auth in place.
func (r *Registry) Materialize(src *database.Source) (*Materialized, error) {
	m := &Materialized{Source: *src}

	if src.AuthCredentials != "" {
		plain, err := r.cipher.Decrypt(src.AuthCredentials)
		if err != nil {
			return nil, fmt.Errorf("error decrypting the credentials of %q: %w", src.ID, err)
		}

		if err := json.Unmarshal([]byte(plain), &m.Credentials); err != nil {
			return nil, fmt.Errorf("error parsing the credentials of %q: %w", src.ID, err)
		}
	}

	if src.CustomHeaders != "" {
		plain, err := r.cipher.Decrypt(src.CustomHeaders)
		if err != nil {
			return nil, fmt.Errorf("error decrypting the custom headers of %q: %w", src.ID, err)
		}

		if err := json.Unmarshal([]byte(plain), &m.CustomHeaders); err != nil {
			return nil, fmt.Errorf("error parsing the custom headers of %q: %w", src.ID, err)
		}
	}

	return m, nil
}

// CreateInput is the caller-facing shape of a source create.
type CreateInput struct {
	Name               string
	CanonicalName      string
	BaseURL            string
	AuthType           string
	Credentials        *Credentials
	CustomHeaders      map[string]string
	Priority           int
	TimeoutMs          int
	RetryCount         int
	BreakerThreshold   int
	VaryHeaders        []string
	StorageMode        string
	StoragePoolID      *string
	SelectionMode      string
	KillSwitch         bool
	BypassBotDetection bool
	FallbackMode       string
	CostPerRequest     float64
}

// Create inserts a new source for the app, enforcing the demo cap. Cap
// violations are audited and return ErrDemoLimitExceeded.
func (r *Registry) Create(ctx context.Context, appID string, in CreateInput) (*database.Source, error) {
	sources, err := r.CreateMany(ctx, appID, []CreateInput{in})
	if err != nil {
		return nil, err
	}

	return &sources[0], nil
}

// CreateMany inserts several sources atomically, counting all of them against
// the demo cap.
func (r *Registry) CreateMany(ctx context.Context, appID string, ins []CreateInput) ([]database.Source, error) {
	if len(ins) == 0 {
		return nil, nil
	}

	count, err := r.db.NewSelect().
		Model((*database.Source)(nil)).
		Where("app_id = ?", appID).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("error counting the sources: %w", err)
	}

	if count+len(ins) > MaxSourcesPerApp {
		r.auditDemoCap(ctx, appID, count, len(ins))

		return nil, ErrDemoLimitExceeded
	}

	sources := make([]database.Source, 0, len(ins))

	for _, in := range ins {
		src, err := r.buildSource(appID, in)
		if err != nil {
			return nil, err
		}

		sources = append(sources, *src)
	}

	if _, err := r.db.NewInsert().Model(&sources).Exec(ctx); err != nil {
		return nil, fmt.Errorf("error inserting the sources: %w", err)
	}

	return sources, nil
}

func (r *Registry) buildSource(appID string, in CreateInput) (*database.Source, error) {
	if in.StorageMode == "" {
		in.StorageMode = database.StorageDedicated
	}

	if in.StorageMode == database.StorageShared && in.StoragePoolID == nil {
		return nil, ErrPoolRequired
	}

	src := &database.Source{
		ID:                 uuid.NewString(),
		AppID:              appID,
		Name:               in.Name,
		CanonicalName:      in.CanonicalName,
		BaseURL:            in.BaseURL,
		AuthType:           defaultString(in.AuthType, database.AuthNone),
		Priority:           defaultInt(in.Priority, 100),
		Active:             true,
		TimeoutMs:          defaultInt(in.TimeoutMs, 30000),
		RetryCount:         in.RetryCount,
		BreakerThreshold:   defaultInt(in.BreakerThreshold, 5),
		VaryHeaders:        in.VaryHeaders,
		StorageMode:        in.StorageMode,
		StoragePoolID:      in.StoragePoolID,
		SelectionMode:      defaultString(in.SelectionMode, database.SelectionPriority),
		KillSwitch:         in.KillSwitch,
		BypassBotDetection: in.BypassBotDetection,
		FallbackMode:       defaultString(in.FallbackMode, database.FallbackNone),
		CostPerRequest:     in.CostPerRequest,
		CreatedAt:          time.Now(),
	}

	if len(src.VaryHeaders) == 0 {
		src.VaryHeaders = append([]string(nil), cachekey.DefaultVaryHeaders...)
	}

	if in.Credentials != nil {
		plain, err := json.Marshal(in.Credentials)
		if err != nil {
			return nil, fmt.Errorf("error serializing the credentials: %w", err)
		}

		src.AuthCredentials, err = r.cipher.Encrypt(string(plain))
		if err != nil {
			return nil, fmt.Errorf("error encrypting the credentials: %w", err)
		}
	}

	if len(in.CustomHeaders) > 0 {
		plain, err := json.Marshal(in.CustomHeaders)
		if err != nil {
			return nil, fmt.Errorf("error serializing the custom headers: %w", err)
		}

		src.CustomHeaders, err = r.cipher.Encrypt(string(plain))
		if err != nil {
			return nil, fmt.Errorf("error encrypting the custom headers: %w", err)
		}
	}

	return src, nil
}

func (r *Registry) auditDemoCap(ctx context.Context, appID string, existing, attempted int) {
	rec := &database.AuditRecord{
		ID:     uuid.NewString(),
		AppID:  appID,
		Action: "demo_limit_exceeded",
		Details: map[string]string{
			"existing":  fmt.Sprintf("%d", existing),
			"attempted": fmt.Sprintf("%d", attempted),
		},
		CreatedAt: time.Now(),
	}

	if _, err := r.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error auditing the demo-cap violation")
	}
}

// OrderCandidates reorders candidates so a source whose base-URL host matches
// the request URL's host comes first; the rest keep their priority order.
func OrderCandidates(candidates []database.Source, requestURL string) []database.Source {
	u, err := url.Parse(requestURL)
	if err != nil || u.Host == "" {
		return candidates
	}

	ordered := make([]database.Source, 0, len(candidates))
	var rest []database.Source

	for _, src := range candidates {
		bu, err := url.Parse(src.BaseURL)
		if err == nil && bu.Host != "" && bu.Host == u.Host {
			ordered = append(ordered, src)

			continue
		}

		rest = append(rest, src)
	}

	return append(ordered, rest...)
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}

	return s
}

func defaultInt(n, def int) int {
	if n <= 0 {
		return def
	}

	return n
}

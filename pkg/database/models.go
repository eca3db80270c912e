package database

import (
	"time"

	"github.com/uptrace/bun"
)

// Roles a tenant credential can carry.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Source auth types.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
)

// Source storage modes.
const (
	StorageDedicated = "dedicated"
	StorageShared    = "shared"
)

// Source selection modes for sibling groups.
const (
	SelectionPriority   = "priority"
	SelectionRoundRobin = "round_robin"
)

// Source fallback modes. FallbackMock serves a canned response after source
// exhaustion; FallbackMockPrimary answers from the mock table before any
// upstream contact.
const (
	FallbackNone              = "none"
	FallbackMock              = "mock"
	FallbackMockPrimary       = "mock_primary"
	FallbackAlternativeSource = "alternative_source"
)

// Lineage event types.
const (
	LineageCreated       = "created"
	LineageAccessed      = "accessed"
	LineageInvalidated   = "invalidated"
	LineageUpdated       = "updated"
	LineagePolicyChanged = "policy_changed"
)

// App is the tenant: the authorization boundary owning every other entity.
type App struct {
	bun.BaseModel `bun:"table:apps,alias:app"`

	ID         string    `bun:"id,pk"`
	Name       string    `bun:"name,notnull"`
	APIKeyHash string    `bun:"api_key_hash,notnull,unique"`
	Role       string    `bun:"role,notnull,default:'admin'"`
	KillSwitch bool      `bun:"kill_switch,notnull,default:false"`
	Active     bool      `bun:"active,notnull,default:true"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// Source is a named upstream endpoint owned by an app.
type Source struct {
	bun.BaseModel `bun:"table:sources,alias:src"`

	ID            string `bun:"id,pk"`
	AppID         string `bun:"app_id,notnull"`
	Name          string `bun:"name,notnull"`
	CanonicalName string `bun:"canonical_name"`
	BaseURL       string `bun:"base_url,notnull"`

	AuthType string `bun:"auth_type,notnull,default:'none'"`
	// AuthCredentials and CustomHeaders are stored encrypted; see pkg/secrets.
	AuthCredentials string `bun:"auth_credentials"`
	CustomHeaders   string `bun:"custom_headers"`

	Priority         int      `bun:"priority,notnull,default:100"`
	Active           bool     `bun:"active,notnull,default:true"`
	TimeoutMs        int      `bun:"timeout_ms,notnull,default:30000"`
	RetryCount       int      `bun:"retry_count,notnull,default:0"`
	BreakerThreshold int      `bun:"breaker_threshold,notnull,default:5"`
	VaryHeaders      []string `bun:"vary_headers"`

	StorageMode   string  `bun:"storage_mode,notnull,default:'dedicated'"`
	StoragePoolID *string `bun:"storage_pool_id"`

	SelectionMode      string  `bun:"selection_mode,notnull,default:'priority'"`
	KillSwitch         bool    `bun:"kill_switch,notnull,default:false"`
	BypassBotDetection bool    `bun:"bypass_bot_detection,notnull,default:false"`
	FallbackMode       string  `bun:"fallback_mode,notnull,default:'none'"`
	CostPerRequest     float64 `bun:"cost_per_request,notnull,default:0"`

	CreatedAt time.Time  `bun:"created_at,notnull"`
	UpdatedAt *time.Time `bun:"updated_at"`
}

// Dedicated reports whether cache isolation for this source is per-source.
// Storage mode is authoritative; pool-id nullability is not.
func (s *Source) Dedicated() bool { return s.StorageMode != StorageShared }

// StoragePool is a named cache partition within an app. Shared pools merge
// the keyspace across sources; for dedicated sources a pool is grouping only.
type StoragePool struct {
	bun.BaseModel `bun:"table:storage_pools,alias:pool"`

	ID        string    `bun:"id,pk"`
	AppID     string    `bun:"app_id,notnull"`
	Name      string    `bun:"name,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// CacheEntry is one stored upstream response.
//
// Identity: for a dedicated source (app_id, source_id, cache_key) with a NULL
// storage_pool_id; for a shared source (app_id, storage_pool_id, cache_key).
type CacheEntry struct {
	bun.BaseModel `bun:"table:cache_entries,alias:ce"`

	ID            string  `bun:"id,pk"`
	AppID         string  `bun:"app_id,notnull"`
	SourceID      string  `bun:"source_id,notnull"`
	StoragePoolID *string `bun:"storage_pool_id"`
	CacheKey      string  `bun:"cache_key,notnull"`

	Method          string `bun:"method,notnull"`
	URL             string `bun:"url,notnull"`
	BodyFingerprint string `bun:"body_fingerprint"`

	ResponseStatus  int               `bun:"response_status,notnull"`
	ResponseHeaders map[string]string `bun:"response_headers"`
	ResponseBody    []byte            `bun:"response_body"`
	ContentType     string            `bun:"content_type"`

	TTLSeconds   int        `bun:"ttl_seconds,notnull,default:0"`
	ExpiresAt    *time.Time `bun:"expires_at"`
	HitCount     int64      `bun:"hit_count,notnull,default:0"`
	LastHitAt    *time.Time `bun:"last_hit_at"`
	Tags         []string   `bun:"tags"`
	RevalidateAt *time.Time `bun:"revalidate_at"`

	CreatedAt time.Time  `bun:"created_at,notnull"`
	UpdatedAt *time.Time `bun:"updated_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
// Entries with no expiry never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// CachePolicy is the per (app, source) cache policy.
type CachePolicy struct {
	bun.BaseModel `bun:"table:cache_policies,alias:cp"`

	ID            string    `bun:"id,pk"`
	AppID         string    `bun:"app_id,notnull"`
	SourceID      string    `bun:"source_id,notnull"`
	MaxTTLSeconds int       `bun:"max_ttl_seconds,notnull,default:0"`
	NoCache       bool      `bun:"no_cache,notnull,default:false"`
	PurgeSchedule string    `bun:"purge_schedule"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// RateLimitRule limits requests per window for an app, optionally scoped to a
// source. A source-scoped rule overrides the app-wide one.
type RateLimitRule struct {
	bun.BaseModel `bun:"table:rate_limit_rules,alias:rlr"`

	ID            string    `bun:"id,pk"`
	AppID         string    `bun:"app_id,notnull"`
	SourceID      *string   `bun:"source_id"`
	MaxRequests   int64     `bun:"max_requests,notnull"`
	WindowSeconds int64     `bun:"window_seconds,notnull"`
	Enabled       bool      `bun:"enabled,notnull,default:true"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// TOSRule blocks caching of responses matching a URL pattern, method and
// status code.
type TOSRule struct {
	URLPattern string `json:"url_pattern"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`
}

// ComplianceRule holds region, PII and TOS constraints per (app, source).
type ComplianceRule struct {
	bun.BaseModel `bun:"table:compliance_rules,alias:cr"`

	ID             string    `bun:"id,pk"`
	AppID          string    `bun:"app_id,notnull"`
	SourceID       string    `bun:"source_id,notnull"`
	AllowedRegions []string  `bun:"allowed_regions"`
	BlockedRegions []string  `bun:"blocked_regions"`
	BlockPII       bool      `bun:"block_pii,notnull,default:false"`
	TOSRules       []TOSRule `bun:"tos_rules"`
	Enabled        bool      `bun:"enabled,notnull,default:true"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

// MockResponse is a canned response served when a source's fallback mode is
// mock, or as primary if configured so.
type MockResponse struct {
	bun.BaseModel `bun:"table:mock_responses,alias:mr"`

	ID              string            `bun:"id,pk"`
	AppID           string            `bun:"app_id,notnull"`
	SourceID        string            `bun:"source_id,notnull"`
	Method          string            `bun:"method,notnull"`
	URLPattern      string            `bun:"url_pattern,notnull"`
	BodyPattern     string            `bun:"body_pattern"`
	ResponseStatus  int               `bun:"response_status,notnull,default:200"`
	ResponseHeaders map[string]string `bun:"response_headers"`
	ResponseBody    []byte            `bun:"response_body"`
	ContentType     string            `bun:"content_type"`
	Priority        int               `bun:"priority,notnull,default:100"`
	Active          bool              `bun:"active,notnull,default:true"`
	CreatedAt       time.Time         `bun:"created_at,notnull"`
}

// LineageEvent is one append-only record of a cache entry's life.
type LineageEvent struct {
	bun.BaseModel `bun:"table:lineage_events,alias:le"`

	ID        string            `bun:"id,pk"`
	AppID     string            `bun:"app_id,notnull"`
	EntryID   string            `bun:"entry_id,notnull"`
	EventType string            `bun:"event_type,notnull"`
	ActorID   string            `bun:"actor_id"`
	SourceID  string            `bun:"source_id"`
	Action    string            `bun:"action"`
	Metadata  map[string]string `bun:"metadata"`
	CreatedAt time.Time         `bun:"created_at,notnull"`
}

// AuditRecord captures administrative actions and limit violations.
type AuditRecord struct {
	bun.BaseModel `bun:"table:audit_records,alias:ar"`

	ID        string            `bun:"id,pk"`
	AppID     string            `bun:"app_id,notnull"`
	ActorID   string            `bun:"actor_id"`
	Action    string            `bun:"action,notnull"`
	Details   map[string]string `bun:"details"`
	CreatedAt time.Time         `bun:"created_at,notnull"`
}

package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/database"
	"github.com/cachefront/cachefront/pkg/purge"
	"github.com/cachefront/cachefront/pkg/registry"
)

// sourceView is the wire shape of a source. Encrypted credential columns never
// leave the server.
type sourceView struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	CanonicalName      string     `json:"canonical_name,omitempty"`
	BaseURL            string     `json:"base_url"`
	AuthType           string     `json:"auth_type"`
	Priority           int        `json:"priority"`
	Active             bool       `json:"active"`
	TimeoutMs          int        `json:"timeout_ms"`
	RetryCount         int        `json:"retry_count"`
	BreakerThreshold   int        `json:"breaker_threshold"`
	VaryHeaders        []string   `json:"vary_headers,omitempty"`
	StorageMode        string     `json:"storage_mode"`
	StoragePoolID      *string    `json:"storage_pool_id,omitempty"`
	SelectionMode      string     `json:"selection_mode"`
	KillSwitch         bool       `json:"kill_switch"`
	BypassBotDetection bool       `json:"bypass_bot_detection"`
	FallbackMode       string     `json:"fallback_mode"`
	CostPerRequest     float64    `json:"cost_per_request"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}

func viewSource(src *database.Source) sourceView {
	return sourceView{
		ID:                 src.ID,
		Name:               src.Name,
		CanonicalName:      src.CanonicalName,
		BaseURL:            src.BaseURL,
		AuthType:           src.AuthType,
		Priority:           src.Priority,
		Active:             src.Active,
		TimeoutMs:          src.TimeoutMs,
		RetryCount:         src.RetryCount,
		BreakerThreshold:   src.BreakerThreshold,
		VaryHeaders:        src.VaryHeaders,
		StorageMode:        src.StorageMode,
		StoragePoolID:      src.StoragePoolID,
		SelectionMode:      src.SelectionMode,
		KillSwitch:         src.KillSwitch,
		BypassBotDetection: src.BypassBotDetection,
		FallbackMode:       src.FallbackMode,
		CostPerRequest:     src.CostPerRequest,
		CreatedAt:          src.CreatedAt,
		UpdatedAt:          src.UpdatedAt,
	}
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var sources []database.Source

	err := s.db.NewSelect().
		Model(&sources).
		Where("app_id = ?", app.ID).
		Order("priority ASC", "id ASC").
		Scan(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the sources: %w", err))

		return
	}

	views := make([]sourceView, 0, len(sources))
	for i := range sources {
		views = append(views, viewSource(&sources[i]))
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"sources": views})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	src, err := s.reg.GetByID(r.Context(), app.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, viewSource(src))
}

// sourceCreateRequest creates one source, or one sibling per entry of
// base_urls sharing the same canonical name.
type sourceCreateRequest struct {
	Name               string                `json:"name"`
	CanonicalName      string                `json:"canonical_name"`
	BaseURL            string                `json:"base_url"`
	BaseURLs           []string              `json:"base_urls"`
	AuthType           string                `json:"auth_type"`
	Credentials        *registry.Credentials `json:"credentials"`
	CustomHeaders      map[string]string     `json:"custom_headers"`
	Priority           int                   `json:"priority"`
	TimeoutMs          int                   `json:"timeout_ms"`
	RetryCount         int                   `json:"retry_count"`
	BreakerThreshold   int                   `json:"breaker_threshold"`
	VaryHeaders        []string              `json:"vary_headers"`
	StorageMode        string                `json:"storage_mode"`
	StoragePoolID      *string               `json:"storage_pool_id"`
	SelectionMode      string                `json:"selection_mode"`
	KillSwitch         bool                  `json:"kill_switch"`
	BypassBotDetection bool                  `json:"bypass_bot_detection"`
	FallbackMode       string                `json:"fallback_mode"`
	CostPerRequest     float64               `json:"cost_per_request"`
}

func (s *Server) createSources(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in sourceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.Name == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "name is required")

		return
	}

	urls := in.BaseURLs
	if len(urls) == 0 {
		if in.BaseURL == "" {
			writeError(w, r, http.StatusBadRequest, codeValidation, "base_url is required")

			return
		}

		urls = []string{in.BaseURL}
	}

	canonical := in.CanonicalName
	if canonical == "" && len(urls) > 1 {
		canonical = in.Name
	}

	ins := make([]registry.CreateInput, 0, len(urls))

	for i, baseURL := range urls {
		name := in.Name
		if i > 0 {
			name = fmt.Sprintf("%s - %d", in.Name, i+1)
		}

		ins = append(ins, registry.CreateInput{
			Name:               name,
			CanonicalName:      canonical,
			BaseURL:            baseURL,
			AuthType:           in.AuthType,
			Credentials:        in.Credentials,
			CustomHeaders:      in.CustomHeaders,
			Priority:           in.Priority + i,
			TimeoutMs:          in.TimeoutMs,
			RetryCount:         in.RetryCount,
			BreakerThreshold:   in.BreakerThreshold,
			VaryHeaders:        in.VaryHeaders,
			StorageMode:        in.StorageMode,
			StoragePoolID:      in.StoragePoolID,
			SelectionMode:      in.SelectionMode,
			KillSwitch:         in.KillSwitch,
			BypassBotDetection: in.BypassBotDetection,
			FallbackMode:       in.FallbackMode,
			CostPerRequest:     in.CostPerRequest,
		})
	}

	sources, err := s.reg.CreateMany(r.Context(), app.ID, ins)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	views := make([]sourceView, 0, len(sources))
	for i := range sources {
		views = append(views, viewSource(&sources[i]))
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{"sources": views})
}

type sourceUpdateRequest struct {
	Name               *string               `json:"name"`
	CanonicalName      *string               `json:"canonical_name"`
	BaseURL            *string               `json:"base_url"`
	AuthType           *string               `json:"auth_type"`
	Credentials        *registry.Credentials `json:"credentials"`
	CustomHeaders      map[string]string     `json:"custom_headers"`
	Priority           *int                  `json:"priority"`
	Active             *bool                 `json:"active"`
	TimeoutMs          *int                  `json:"timeout_ms"`
	RetryCount         *int                  `json:"retry_count"`
	BreakerThreshold   *int                  `json:"breaker_threshold"`
	VaryHeaders        []string              `json:"vary_headers"`
	SelectionMode      *string               `json:"selection_mode"`
	KillSwitch         *bool                 `json:"kill_switch"`
	BypassBotDetection *bool                 `json:"bypass_bot_detection"`
	FallbackMode       *string               `json:"fallback_mode"`
	CostPerRequest     *float64              `json:"cost_per_request"`
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in sourceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	src, err := s.reg.Update(r.Context(), app.ID, chi.URLParam(r, "id"), registry.UpdateInput{
		Name:               in.Name,
		CanonicalName:      in.CanonicalName,
		BaseURL:            in.BaseURL,
		AuthType:           in.AuthType,
		Credentials:        in.Credentials,
		CustomHeaders:      in.CustomHeaders,
		Priority:           in.Priority,
		Active:             in.Active,
		TimeoutMs:          in.TimeoutMs,
		RetryCount:         in.RetryCount,
		BreakerThreshold:   in.BreakerThreshold,
		VaryHeaders:        in.VaryHeaders,
		SelectionMode:      in.SelectionMode,
		KillSwitch:         in.KillSwitch,
		BypassBotDetection: in.BypassBotDetection,
		FallbackMode:       in.FallbackMode,
		CostPerRequest:     in.CostPerRequest,
	})
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, viewSource(src))
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	if err := s.reg.Delete(r.Context(), app.ID, chi.URLParam(r, "id")); err != nil {
		s.serveError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateStorageMode(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in struct {
		StorageMode   string  `json:"storage_mode"`
		StoragePoolID *string `json:"storage_pool_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.StorageMode != database.StorageDedicated && in.StorageMode != database.StorageShared {
		writeError(w, r, http.StatusBadRequest, codeValidation, "storage_mode must be dedicated or shared")

		return
	}

	src, err := s.reg.UpdateStorageMode(r.Context(), app.ID, chi.URLParam(r, "id"), in.StorageMode, in.StoragePoolID)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, viewSource(src))
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	sourceID := chi.URLParam(r, "id")

	if _, err := s.reg.GetByID(r.Context(), app.ID, sourceID); err != nil {
		s.serveError(w, r, err)

		return
	}

	pol, err := s.policies.ForSource(r.Context(), app.ID, sourceID)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	if pol == nil {
		writeError(w, r, http.StatusNotFound, codeNotFound, "no policy for this source")

		return
	}

	writeJSON(w, r, http.StatusOK, pol)
}

type policyRequest struct {
	MaxTTLSeconds int    `json:"max_ttl_seconds"`
	NoCache       bool   `json:"no_cache"`
	PurgeSchedule string `json:"purge_schedule"`
}

// putPolicy upserts the (app, source) cache policy, reloads the purge timers
// and stamps a lineage event on the source's entries.
func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	sourceID := chi.URLParam(r, "id")

	var in policyRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.MaxTTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "max_ttl_seconds must not be negative")

		return
	}

	if in.PurgeSchedule != "" {
		if err := purge.ValidateSchedule(in.PurgeSchedule); err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, "invalid purge schedule: "+err.Error())

			return
		}
	}

	if _, err := s.reg.GetByID(r.Context(), app.ID, sourceID); err != nil {
		s.serveError(w, r, err)

		return
	}

	pol := &database.CachePolicy{
		ID:            uuid.NewString(),
		AppID:         app.ID,
		SourceID:      sourceID,
		MaxTTLSeconds: in.MaxTTLSeconds,
		NoCache:       in.NoCache,
		PurgeSchedule: in.PurgeSchedule,
		CreatedAt:     time.Now(),
	}

	_, err := s.db.NewInsert().
		Model(pol).
		On("CONFLICT (app_id, source_id) DO UPDATE").
		Set("max_ttl_seconds = EXCLUDED.max_ttl_seconds").
		Set("no_cache = EXCLUDED.no_cache").
		Set("purge_schedule = EXCLUDED.purge_schedule").
		Returning("*").
		Exec(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error saving the cache policy: %w", err))

		return
	}

	s.recordPolicyChange(r, sourceID)

	if s.purger != nil {
		if err := s.purger.Reload(r.Context()); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("error reloading the purge schedules")
		}
	}

	writeJSON(w, r, http.StatusOK, pol)
}

// recordPolicyChange appends a policy_changed lineage event to every entry of
// the source. Failures are logged, not surfaced.
func (s *Server) recordPolicyChange(r *http.Request, sourceID string) {
	app := appFromContext(r.Context())

	var entryIDs []string

	err := s.db.NewSelect().
		Model((*database.CacheEntry)(nil)).
		Column("id").
		Where("app_id = ?", app.ID).
		Where("source_id = ?", sourceID).
		Scan(r.Context(), &entryIDs)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error loading the entries for the policy change")

		return
	}

	if len(entryIDs) == 0 {
		return
	}

	events := make([]database.LineageEvent, 0, len(entryIDs))

	for _, entryID := range entryIDs {
		events = append(events, database.LineageEvent{
			ID:        uuid.NewString(),
			AppID:     app.ID,
			EntryID:   entryID,
			EventType: database.LineagePolicyChanged,
			ActorID:   app.ID,
			SourceID:  sourceID,
			Action:    "policy_updated",
			CreatedAt: time.Now(),
		})
	}

	if _, err := s.db.NewInsert().Model(&events).Exec(r.Context()); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error recording the policy-change lineage")
	}
}

func (s *Server) listMocks(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var mocks []database.MockResponse

	err := s.db.NewSelect().
		Model(&mocks).
		Where("app_id = ?", app.ID).
		Where("source_id = ?", chi.URLParam(r, "id")).
		Order("priority ASC", "created_at ASC").
		Scan(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the mocks: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"mocks": mocks})
}

type mockRequest struct {
	Method          string            `json:"method"`
	URLPattern      string            `json:"url_pattern"`
	BodyPattern     string            `json:"body_pattern"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
	ContentType     string            `json:"content_type"`
	Priority        int               `json:"priority"`
}

func (s *Server) createMock(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	sourceID := chi.URLParam(r, "id")

	var in mockRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.URLPattern == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "url_pattern is required")

		return
	}

	if _, err := s.reg.GetByID(r.Context(), app.ID, sourceID); err != nil {
		s.serveError(w, r, err)

		return
	}

	mock := &database.MockResponse{
		ID:              uuid.NewString(),
		AppID:           app.ID,
		SourceID:        sourceID,
		Method:          in.Method,
		URLPattern:      in.URLPattern,
		BodyPattern:     in.BodyPattern,
		ResponseStatus:  in.ResponseStatus,
		ResponseHeaders: in.ResponseHeaders,
		ResponseBody:    []byte(in.ResponseBody),
		ContentType:     in.ContentType,
		Priority:        in.Priority,
		Active:          true,
		CreatedAt:       time.Now(),
	}

	if mock.Method == "" {
		mock.Method = "*"
	}

	if mock.ResponseStatus == 0 {
		mock.ResponseStatus = http.StatusOK
	}

	if mock.Priority == 0 {
		mock.Priority = 100
	}

	if _, err := s.db.NewInsert().Model(mock).Exec(r.Context()); err != nil {
		s.serveError(w, r, fmt.Errorf("error inserting the mock: %w", err))

		return
	}

	writeJSON(w, r, http.StatusCreated, mock)
}

func (s *Server) deleteMock(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	res, err := s.db.NewDelete().
		Model((*database.MockResponse)(nil)).
		Where("app_id = ?", app.ID).
		Where("source_id = ?", chi.URLParam(r, "id")).
		Where("id = ?", chi.URLParam(r, "mockID")).
		Exec(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error deleting the mock: %w", err))

		return
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		writeError(w, r, http.StatusNotFound, codeNotFound, "mock not found")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

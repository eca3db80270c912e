package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cachefront/cachefront/pkg/database"
)

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var pools []database.StoragePool

	err := s.db.NewSelect().
		Model(&pools).
		Where("app_id = ?", app.ID).
		Order("created_at ASC").
		Scan(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the storage pools: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"pools": pools})
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in struct {
		Name string `json:"name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "name is required")

		return
	}

	pool := &database.StoragePool{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		Name:      in.Name,
		CreatedAt: time.Now(),
	}

	if _, err := s.db.NewInsert().Model(pool).Exec(r.Context()); err != nil {
		if database.IsDuplicateKeyError(err) {
			writeError(w, r, http.StatusConflict, codeConflict, "a pool with this name already exists")

			return
		}

		s.serveError(w, r, fmt.Errorf("error inserting the storage pool: %w", err))

		return
	}

	writeJSON(w, r, http.StatusCreated, pool)
}

func (s *Server) listRateLimits(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var rules []database.RateLimitRule

	err := s.db.NewSelect().
		Model(&rules).
		Where("app_id = ?", app.ID).
		Order("created_at ASC").
		Scan(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the rate-limit rules: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"rules": rules})
}

type rateLimitRequest struct {
	SourceID      *string `json:"source_id"`
	MaxRequests   int64   `json:"max_requests"`
	WindowSeconds int64   `json:"window_seconds"`
}

func (s *Server) createRateLimit(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.MaxRequests < 1 || in.WindowSeconds < 1 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "max_requests and window_seconds must be positive")

		return
	}

	if in.SourceID != nil {
		if _, err := s.reg.GetByID(r.Context(), app.ID, *in.SourceID); err != nil {
			s.serveError(w, r, err)

			return
		}
	}

	rule := &database.RateLimitRule{
		ID:            uuid.NewString(),
		AppID:         app.ID,
		SourceID:      in.SourceID,
		MaxRequests:   in.MaxRequests,
		WindowSeconds: in.WindowSeconds,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}

	if _, err := s.db.NewInsert().Model(rule).Exec(r.Context()); err != nil {
		s.serveError(w, r, fmt.Errorf("error inserting the rate-limit rule: %w", err))

		return
	}

	writeJSON(w, r, http.StatusCreated, rule)
}

func (s *Server) deleteRateLimit(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	res, err := s.db.NewDelete().
		Model((*database.RateLimitRule)(nil)).
		Where("app_id = ?", app.ID).
		Where("id = ?", chi.URLParam(r, "id")).
		Exec(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error deleting the rate-limit rule: %w", err))

		return
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		writeError(w, r, http.StatusNotFound, codeNotFound, "rate-limit rule not found")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listComplianceRules(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var rules []database.ComplianceRule

	err := s.db.NewSelect().
		Model(&rules).
		Where("app_id = ?", app.ID).
		Order("created_at ASC").
		Scan(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the compliance rules: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"rules": rules})
}

type complianceRequest struct {
	SourceID       string             `json:"source_id"`
	AllowedRegions []string           `json:"allowed_regions"`
	BlockedRegions []string           `json:"blocked_regions"`
	BlockPII       bool               `json:"block_pii"`
	TOSRules       []database.TOSRule `json:"tos_rules"`
	Enabled        *bool              `json:"enabled"`
}

// putComplianceRule upserts the single compliance rule of an (app, source).
func (s *Server) putComplianceRule(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in complianceRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.SourceID == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "source_id is required")

		return
	}

	if _, err := s.reg.GetByID(r.Context(), app.ID, in.SourceID); err != nil {
		s.serveError(w, r, err)

		return
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	rule := &database.ComplianceRule{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		SourceID:       in.SourceID,
		AllowedRegions: in.AllowedRegions,
		BlockedRegions: in.BlockedRegions,
		BlockPII:       in.BlockPII,
		TOSRules:       in.TOSRules,
		Enabled:        enabled,
		CreatedAt:      time.Now(),
	}

	_, err := s.db.NewInsert().
		Model(rule).
		On("CONFLICT (app_id, source_id) DO UPDATE").
		Set("allowed_regions = EXCLUDED.allowed_regions").
		Set("blocked_regions = EXCLUDED.blocked_regions").
		Set("block_pii = EXCLUDED.block_pii").
		Set("tos_rules = EXCLUDED.tos_rules").
		Set("enabled = EXCLUDED.enabled").
		Returning("*").
		Exec(r.Context())
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error saving the compliance rule: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, rule)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	page = max(page, 1)

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	query := s.db.NewSelect().
		Model((*database.AuditRecord)(nil)).
		Where("app_id = ?", app.ID)

	if action := q.Get("action"); action != "" {
		query = query.Where("action = ?", action)
	}

	var records []database.AuditRecord

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Scan(r.Context(), &records)
	if err != nil {
		s.serveError(w, r, fmt.Errorf("error listing the audit records: %w", err))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) getSavings(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	savings, err := s.store.Savings(r.Context(), app.ID)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	var total float64
	for _, row := range savings {
		total += row.Saved
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"sources": savings,
		"total":   total,
	})
}

func (s *Server) getBreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshot()})
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/cachefront/cachefront/pkg/cachestore"
)

// listEntries pages through the app's cache entries. Filters arrive as query
// parameters; see cachestore.Filter for their semantics.
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	q := r.URL.Query()

	f := cachestore.Filter{
		AppID:       app.ID,
		ExpiredOnly: q.Get("expired_only") == "true",
		SourceID:    q.Get("source_id"),
		Pool:        q.Get("pool"),
		Search:      q.Get("search"),
		SortBy:      q.Get("sort_by"),
		SortDesc:    q.Get("order") == "desc",
	}

	f.MinHits = queryInt64(q.Get("min_hits"))
	f.MaxHits = queryInt64(q.Get("max_hits"))
	f.From = queryTime(q.Get("from"))
	f.To = queryTime(q.Get("to"))
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, total, err := s.store.List(r.Context(), f)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	entry, err := s.store.GetByID(r.Context(), app.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, entry)
}

func (s *Server) getLineage(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, err := s.lineage.ListByEntry(r.Context(), app.ID, chi.URLParam(r, "id"), page, limit)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

// Invalidation modes accepted by invalidateEntries.
const (
	invalidateByKey       = "key"
	invalidateByURLPrefix = "url_prefix"
	invalidateByKeyPrefix = "key_prefix"
	invalidateByTags      = "tags"
)

type invalidateRequest struct {
	Mode  string   `json:"mode"`
	Value string   `json:"value"`
	Tags  []string `json:"tags"`
	// Match is "any" (default) or "all"; tags mode only.
	Match string `json:"match"`
}

func (s *Server) invalidateEntries(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	var (
		removed int64
		err     error
	)

	switch in.Mode {
	case invalidateByKey:
		removed, err = s.store.InvalidateByKey(r.Context(), app.ID, in.Value, app.ID)
	case invalidateByURLPrefix:
		removed, err = s.store.InvalidateByURLPrefix(r.Context(), app.ID, in.Value, app.ID)
	case invalidateByKeyPrefix:
		removed, err = s.store.InvalidateByKeyPrefix(r.Context(), app.ID, in.Value, app.ID)
	case invalidateByTags:
		if len(in.Tags) == 0 {
			writeError(w, r, http.StatusBadRequest, codeValidation, "tags are required")

			return
		}

		match := cachestore.TagMatch(in.Match)
		if match == "" {
			match = cachestore.TagMatchAny
		}

		if match != cachestore.TagMatchAny && match != cachestore.TagMatchAll {
			writeError(w, r, http.StatusBadRequest, codeValidation, "match must be any or all")

			return
		}

		removed, err = s.store.InvalidateByTags(r.Context(), app.ID, in.Tags, match, app.ID)
	default:
		writeError(w, r, http.StatusBadRequest, codeValidation, "mode must be key, url_prefix, key_prefix or tags")

		return
	}

	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"invalidated": removed})
}

type purgeRequest struct {
	ExpiredOnly bool    `json:"expired_only"`
	PoolID      *string `json:"pool_id"`
}

func (s *Server) purgeEntries(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	var (
		removed int64
		err     error
	)

	if in.ExpiredOnly {
		removed, err = s.store.PurgeExpired(r.Context(), app.ID, in.PoolID, app.ID)
	} else {
		removed, err = s.store.PurgeAll(r.Context(), app.ID, in.PoolID, app.ID)
	}

	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"purged": removed})
}

type bulkUpdateRequest struct {
	IDs        []string `json:"ids"`
	Tags       []string `json:"tags"`
	TTLSeconds *int     `json:"ttl_seconds"`
}

func (s *Server) bulkUpdateEntries(w http.ResponseWriter, r *http.Request) {
	app := appFromContext(r.Context())

	var in bulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if len(in.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "ids are required")

		return
	}

	if in.TTLSeconds != nil && *in.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, codeValidation, "ttl_seconds must not be negative")

		return
	}

	updated, err := s.store.BulkUpdate(r.Context(), app.ID, in.IDs, in.Tags, in.TTLSeconds, app.ID)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"updated": updated})
}

func queryInt64(raw string) *int64 {
	if raw == "" {
		return nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}

	return &n
}

func queryTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}

	return &t
}

package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cachefront/cachefront/pkg/dispatch"
)

// maxRequestBody caps how much of a client request body is read.
const maxRequestBody = 8 << 20

// Client-controlled cache headers on ingress.
const (
	headerCacheRefresh = "X-Cache-Refresh"
	headerCacheTTL     = "X-Cache-TTL"
	headerRegion       = "X-Client-Region"
)

// Cache metadata headers on egress.
const (
	headerCache        = "X-Cache"
	headerCacheKey     = "X-Cache-Key"
	headerCacheHits    = "X-Cache-Hits"
	headerCacheExpires = "X-Cache-Expires"
	headerSource       = "X-Source"
)

// proxy handles ANY /proxy/{source}/{path...}: the upstream response is
// relayed verbatim with cache metadata headers attached.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "source")

	ctx, span := s.tracer.Start(
		r.Context(),
		"proxy",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("source_name", name)),
	)
	defer span.End()

	r = r.WithContext(
		zerolog.Ctx(ctx).
			With().
			Str("source-name", name).
			Logger().
			WithContext(ctx))

	app := appFromContext(r.Context())

	candidates, err := s.reg.ResolveByName(r.Context(), app.ID, name)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	if len(candidates) == 0 {
		writeError(w, r, http.StatusNotFound, codeNotFound, "unknown source "+strconv.Quote(name))

		return
	}

	if !s.allowRate(w, r, &candidates[0].ID) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "error reading the request body")

		return
	}

	requestURL := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		requestURL += "?" + r.URL.RawQuery
	}

	req := dispatch.Request{
		Method:        r.Method,
		URL:           requestURL,
		Body:          string(body),
		Headers:       flattenHeaders(r.Header),
		CanonicalName: name,
		ForceRefresh:  r.Header.Get(headerCacheRefresh) == "true",
		TTLSeconds:    parseTTLHeader(r),
		Region:        r.Header.Get(headerRegion),
		ActorID:       app.ID,
	}

	res, err := s.dispatcher.Dispatch(r.Context(), app, req)
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	h := w.Header()

	for name, value := range res.Headers {
		h.Set(name, value)
	}

	cacheState := "MISS"
	if res.Cached {
		cacheState = "HIT"
	}

	h.Set(headerCache, cacheState)
	h.Set(headerSource, res.SourceName)

	if res.CacheKey != "" {
		h.Set(headerCacheKey, res.CacheKey)
	}

	if res.Cached {
		h.Set(headerCacheHits, strconv.FormatInt(res.HitCount, 10))
	}

	if res.ExpiresAt != nil {
		h.Set(headerCacheExpires, res.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if res.ContentType != "" {
		h.Set(contentType, res.ContentType)
	}

	w.WriteHeader(res.Status)

	if _, err := w.Write(res.Body); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing the response")
	}
}

// dataRequest is the body of POST /data.
type dataRequest struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Body         string            `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ForceRefresh bool              `json:"force_refresh,omitempty"`
	TTL          *int              `json:"ttl,omitempty"`
}

type dataResponseMeta struct {
	SourceID          string     `json:"source_id"`
	SourceName        string     `json:"source_name"`
	HitCount          int64      `json:"hit_count"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Stale             bool       `json:"stale"`
	Mock              bool       `json:"mock"`
	ComplianceBlocked bool       `json:"compliance_blocked"`
	ComplianceReason  string     `json:"compliance_reason,omitempty"`
}

type dataResponse struct {
	Data struct {
		Cached   bool   `json:"cached"`
		CacheKey string `json:"cache_key"`
		Response struct {
			Status      int               `json:"status"`
			Headers     map[string]string `json:"headers"`
			Body        string            `json:"body"`
			ContentType string            `json:"content_type"`
		} `json:"response"`
		Meta dataResponseMeta `json:"meta"`
	} `json:"data"`
}

// postData is the programmatic cache API.
func (s *Server) postData(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "postData", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	r = r.WithContext(ctx)

	app := appFromContext(r.Context())

	if !s.allowRate(w, r, nil) {
		return
	}

	var in dataRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, "invalid request body")

		return
	}

	if in.Method == "" || in.URL == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "method and url are required")

		return
	}

	res, err := s.dispatcher.Dispatch(r.Context(), app, dispatch.Request{
		Method:       in.Method,
		URL:          in.URL,
		Body:         in.Body,
		Headers:      in.Headers,
		ForceRefresh: in.ForceRefresh,
		TTLSeconds:   in.TTL,
		Region:       r.Header.Get(headerRegion),
		ActorID:      app.ID,
	})
	if err != nil {
		s.serveError(w, r, err)

		return
	}

	var out dataResponse
	out.Data.Cached = res.Cached
	out.Data.CacheKey = res.CacheKey
	out.Data.Response.Status = res.Status
	out.Data.Response.Headers = res.Headers
	out.Data.Response.Body = string(res.Body)
	out.Data.Response.ContentType = res.ContentType
	out.Data.Meta = dataResponseMeta{
		SourceID:          res.SourceID,
		SourceName:        res.SourceName,
		HitCount:          res.HitCount,
		ExpiresAt:         res.ExpiresAt,
		Stale:             res.Stale,
		Mock:              res.Mock,
		ComplianceBlocked: res.ComplianceBlocked,
		ComplianceReason:  res.ComplianceReason,
	}

	writeJSON(w, r, http.StatusOK, out)
}

// allowRate runs the rate-limit gate and writes the 429 itself. It returns
// false when the request must not proceed.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, sourceID *string) bool {
	app := appFromContext(r.Context())

	result, err := s.limiter.Check(r.Context(), app.ID, sourceID, identifier(r))
	if err != nil {
		// The limiter fails open; an error here is unexpected.
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error checking the rate limit")

		return true
	}

	if result.Limited {
		h := w.Header()
		h.Set("Retry-After", strconv.FormatInt(result.ResetSeconds, 10))
		h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetSeconds, 10))
	}

	if !result.Allowed {
		writeError(w, r, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")

		return false
	}

	return true
}

// flattenHeaders folds repeated header values into one comma-separated value,
// the way they would appear on a single field line.
func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))

	for name, values := range h {
		headers[name] = strings.Join(values, ", ")
	}

	return headers
}

func parseTTLHeader(r *http.Request) *int {
	raw := r.Header.Get(headerCacheTTL)
	if raw == "" {
		return nil
	}

	ttl, err := strconv.Atoi(raw)
	if err != nil || ttl < 0 {
		return nil
	}

	return &ttl
}

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/dispatch"
	"github.com/cachefront/cachefront/pkg/registry"
	"github.com/cachefront/cachefront/pkg/urlcheck"
)

// Error codes returned in the error body.
const (
	codeValidation   = "validation_error"
	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeRateLimited  = "rate_limited"
	codeBadGateway   = "bad_gateway"
	codeInternal     = "internal_error"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("error writing the response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// serveError maps a pipeline error onto the wire. Outside development the
// internal and bad-gateway messages are generic; the cause is logged with the
// request id.
func (s *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	var challengeErr *dispatch.ChallengeError

	switch {
	case errors.Is(err, urlcheck.ErrURLTooLong),
		errors.Is(err, urlcheck.ErrInvalidURL),
		errors.Is(err, urlcheck.ErrSchemeNotAllowed),
		errors.Is(err, urlcheck.ErrHostNotAllowed),
		errors.Is(err, urlcheck.ErrPortNotAllowed):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())

	case errors.Is(err, registry.ErrDemoLimitExceeded):
		writeError(w, r, http.StatusForbidden, codeForbidden, "Demo Limit Exceeded")

	case errors.Is(err, registry.ErrSourceNotFound),
		errors.Is(err, cachestore.ErrNotFound),
		errors.Is(err, dispatch.ErrNoActiveSources):
		writeError(w, r, http.StatusNotFound, codeNotFound, err.Error())

	case errors.As(err, &challengeErr):
		writeError(w, r, http.StatusBadGateway, codeBadGateway, challengeErr.Error())

	case errors.Is(err, dispatch.ErrAllSourcesFailed):
		msg := "every candidate source failed"
		if s.devMode {
			msg = err.Error()
		}

		zerolog.Ctx(r.Context()).Error().Err(err).Msg("source exhaustion")
		writeError(w, r, http.StatusBadGateway, codeBadGateway, msg)

	default:
		msg := "internal server error"
		if s.devMode {
			msg = err.Error()
		}

		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unhandled error")
		writeError(w, r, http.StatusInternalServerError, codeInternal, msg)
	}
}

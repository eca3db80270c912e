// Package server is the HTTP surface: the proxy front door, the programmatic
// cache API and the management REST endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/cachefront/cachefront/pkg/cachestore"
	"github.com/cachefront/cachefront/pkg/circuitbreaker"
	"github.com/cachefront/cachefront/pkg/dispatch"
	"github.com/cachefront/cachefront/pkg/lineage"
	"github.com/cachefront/cachefront/pkg/policy"
	"github.com/cachefront/cachefront/pkg/purge"
	"github.com/cachefront/cachefront/pkg/ratelimit"
	"github.com/cachefront/cachefront/pkg/registry"
)

const (
	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	tracerName = "github.com/cachefront/cachefront/pkg/server"
)

// Config wires the server to its subsystems.
type Config struct {
	DB         *bun.DB
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Store      *cachestore.Store
	Policies   *policy.Engine
	Limiter    *ratelimit.Limiter
	Breakers   *circuitbreaker.Registry
	Lineage    *lineage.Recorder
	Purger     *purge.Scheduler

	// JWTSecret enables session-token authentication when set.
	JWTSecret []byte

	// DevMode relaxes error messages to include causes.
	DevMode bool
}

// Server represents the main HTTP server.
type Server struct {
	db     *bun.DB
	router *chi.Mux

	tracer trace.Tracer

	dispatcher *dispatch.Dispatcher
	reg        *registry.Registry
	store      *cachestore.Store
	policies   *policy.Engine
	limiter    *ratelimit.Limiter
	breakers   *circuitbreaker.Registry
	lineage    *lineage.Recorder
	purger     *purge.Scheduler

	jwtSecret []byte
	devMode   bool
}

// New returns a new server.
func New(cfg Config) *Server {
	s := &Server{
		db:         cfg.DB,
		tracer:     otel.Tracer(tracerName),
		dispatcher: cfg.Dispatcher,
		reg:        cfg.Registry,
		store:      cfg.Store,
		policies:   cfg.Policies,
		limiter:    cfg.Limiter,
		breakers:   cfg.Breakers,
		lineage:    cfg.Lineage,
		purger:     cfg.Purger,
		jwtSecret:  cfg.JWTSecret,
		devMode:    cfg.DevMode,
	}

	s.createRouter()

	return s
}

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	mp := otel.GetMeterProvider()
	baseCfg := otelchimetric.NewBaseConfig(tracerName, otelchimetric.WithMeterProvider(mp))

	s.router.Use(middleware.Heartbeat("/healthz"))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.HandleFunc("/proxy/{source}", s.proxy)
		r.HandleFunc("/proxy/{source}/*", s.proxy)

		r.Post("/data", s.postData)

		r.Route("/api", func(r chi.Router) {
			r.Get("/sources", s.listSources)
			r.Get("/sources/{id}", s.getSource)
			r.Get("/sources/{id}/policy", s.getPolicy)
			r.Get("/sources/{id}/mocks", s.listMocks)

			r.Get("/pools", s.listPools)
			r.Get("/rate-limits", s.listRateLimits)
			r.Get("/compliance", s.listComplianceRules)

			r.Get("/entries", s.listEntries)
			r.Get("/entries/{id}", s.getEntry)
			r.Get("/entries/{id}/lineage", s.getLineage)

			r.Get("/audit", s.listAudit)
			r.Get("/savings", s.getSavings)
			r.Get("/breakers", s.getBreakerStats)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)

				r.Post("/sources", s.createSources)
				r.Put("/sources/{id}", s.updateSource)
				r.Delete("/sources/{id}", s.deleteSource)
				r.Put("/sources/{id}/storage", s.updateStorageMode)
				r.Put("/sources/{id}/policy", s.putPolicy)
				r.Post("/sources/{id}/mocks", s.createMock)
				r.Delete("/sources/{id}/mocks/{mockID}", s.deleteMock)

				r.Post("/pools", s.createPool)
				r.Post("/rate-limits", s.createRateLimit)
				r.Delete("/rate-limits/{id}", s.deleteRateLimit)
				r.Post("/compliance", s.putComplianceRule)

				r.Post("/entries/invalidate", s.invalidateEntries)
				r.Post("/entries/purge", s.purgeEntries)
				r.Post("/entries/bulk", s.bulkUpdateEntries)
			})
		})
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		span := trace.SpanFromContext(r.Context())

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if span.SpanContext().HasTraceID() {
			log = log.
				With().
				Str("trace-id", span.SpanContext().TraceID().String()).
				Logger()
		}

		if span.SpanContext().HasSpanID() {
			log = log.
				With().
				Str("span-id", span.SpanContext().SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			log = log.With().
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Logger()

			switch r.Method {
			case http.MethodHead, http.MethodGet:
				log = log.With().Int("bytes", ww.BytesWritten()).Logger()
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				log = log.With().Int64("bytes", r.ContentLength).Logger()
			}

			log.Info().Msg("handled request")
		}()

		// embed the modified logger in the request.
		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

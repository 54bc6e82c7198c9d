// Package api serves the ledger over HTTP.
//
//	POST /api/entries          append an entry
//	GET  /api/entries          filtered, paginated query
//	GET  /api/entries/{seq}    one entry by sequence
//	GET  /api/export           compliance export download
//	POST /api/verify           chain verification
//	POST /api/retention        apply the current retention policies
//	GET  /api/status           chain tail and last scheduled verification
//	GET  /api/stream           websocket feed of committed entries
//	GET  /metrics              Prometheus metrics
//	GET  /healthz              liveness
//
// There are no update or delete routes. The ledger has no way to express them.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/metrics"
)

// requestTimeout bounds every route except the stream.
const requestTimeout = 60 * time.Second

// LastReporter exposes the most recent scheduled verification.
type LastReporter interface {
	LastReport() *audit.IntegrityReport
}

// Options holds the dependencies injected into the server.
type Options struct {
	Store     audit.Store
	Writer    *audit.Writer
	Query     *audit.QueryEngine
	Exporter  *audit.Exporter
	Verifier  *audit.Verifier
	Retention *audit.RetentionEngine

	// Policies returns the current retention policy set. It is called on
	// every retention request so hot reloads apply immediately.
	Policies func() []audit.RetentionPolicy

	// FailurePolicy decides fail_closed in append error bodies. Nil means
	// audit.DefaultFailurePolicy.
	FailurePolicy *audit.FailurePolicy

	// Verification is optional; without it /api/status omits last_verification.
	Verification LastReporter

	// Metrics is optional; without it /metrics is not mounted.
	Metrics *metrics.Recorder

	// Stream enables /api/stream.
	Stream bool
}

// Server is the HTTP front of the ledger.
type Server struct {
	opts    Options
	failure *audit.FailurePolicy
	hub     *hub
	handler http.Handler
}

// New builds the router and, when streaming is enabled, subscribes the
// websocket hub to the writer. Close releases the subscription.
func New(opts Options) *Server {
	s := &Server{opts: opts, failure: opts.FailurePolicy}
	if s.failure == nil {
		s.failure = audit.DefaultFailurePolicy()
	}
	if opts.Policies == nil {
		s.opts.Policies = func() []audit.RetentionPolicy { return nil }
	}
	if opts.Stream && opts.Writer != nil {
		entries, cancel := opts.Writer.Subscribe(streamBuffer)
		s.hub = newHub(entries, cancel)
		go s.hub.run()
	}
	s.handler = s.routes()
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close stops the live feed and disconnects its clients.
func (s *Server) Close() {
	if s.hub != nil {
		s.hub.stop()
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.opts.Metrics != nil {
		r.Use(observe(s.opts.Metrics))
	}

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/entries", s.handleAppend)
			r.Get("/entries", s.handleQuery)
			r.Get("/entries/{seq}", s.handleGet)
			r.Get("/export", s.handleExport)
			r.Post("/verify", s.handleVerify)
			r.Post("/retention", s.handleRetention)
			r.Get("/status", s.handleStatus)
		})
		if s.hub != nil {
			r.Get("/stream", s.handleStream)
		}
	})

	return otelhttp.NewHandler(r, "auditledger.http")
}

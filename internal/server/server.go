// Package server is the External API (C10): the HTTP surface for inbound
// signals, health, monitoring, and administrative queries. It deliberately
// exposes no dashboard or templated UI — those are external collaborators
// (spec.md §1) — only the JSON endpoints spec.md §4.10/§6.1 name.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/broker"
	"github.com/aristath/futures-core/internal/config"
	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/metrics"
	"github.com/aristath/futures-core/internal/stream"
	"github.com/aristath/futures-core/internal/workers"
)

// Store is the subset of internal/store.Store the HTTP layer reads
// directly, independent of the signal/copy/reconcile pipelines.
type Store interface {
	StrategyByWebhookToken(token string) (*domain.Strategy, error)
	ListExecutionFailures(limit int) ([]domain.ExecutionFailure, error)
	ListEnabledAccounts() ([]domain.Account, error)
	GetAccountWithCredentials(accountID int64) (*domain.Account, error)
	RunMigrations() error
}

// Config bundles every collaborator the server needs to construct its
// routes. Start is deferred to the caller (cmd/server) so tests can build
// a Server around fakes without binding a port.
type Config struct {
	Port        int
	Log         zerolog.Logger
	Store       Store
	Ingest      *workers.IngestPool
	Exec        *workers.ExecPool
	Hub         *stream.Hub
	Metrics     *metrics.Registry
	Brokers     map[domain.BrokerKind]broker.Adapter
	Cfg         *config.Config
	StartedAt   time.Time
}

// Server is the External API's HTTP surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	store     Store
	ingest    *workers.IngestPool
	exec      *workers.ExecPool
	hub       *stream.Hub
	metrics   *metrics.Registry
	brokers   map[domain.BrokerKind]broker.Adapter
	cfg       *config.Config
	startedAt time.Time
}

// New builds a Server with every route registered but not yet listening.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		store:     cfg.Store,
		ingest:    cfg.Ingest,
		exec:      cfg.Exec,
		hub:       cfg.Hub,
		metrics:   cfg.Metrics,
		brokers:   cfg.Brokers,
		cfg:       cfg.Cfg,
		startedAt: cfg.StartedAt,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	// One 30s ceiling for every route, the webhook included, so no request
	// can hang forever.
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Post("/webhook/{token}", s.handleWebhook)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/broker-execution/status", s.handleExecStatus)
		r.Get("/broker-execution/failures", s.handleExecFailures)
		r.Get("/accounts/auth-status", s.handleAuthStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdminKey)
			r.Post("/run-migrations", s.handleRunMigrations)
			r.Post("/admin/flatten/{account}", s.handleFlatten)
		})
	})
}

// requireAdminKey gates every write endpoint behind the out-of-band admin
// key header, per spec.md §4.10: "All write endpoints require an
// out-of-band admin key header."
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

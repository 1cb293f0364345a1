// Package server exposes the HTTP API: document ingestion, retrieval and
// generation, tenant administration, backups, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amberhq/amber/internal/auth"
	"github.com/amberhq/amber/internal/backup"
	"github.com/amberhq/amber/internal/capacity"
	"github.com/amberhq/amber/internal/config"
	"github.com/amberhq/amber/internal/events"
	"github.com/amberhq/amber/internal/generation"
	"github.com/amberhq/amber/internal/ingestion"
	"github.com/amberhq/amber/internal/memory"
	"github.com/amberhq/amber/internal/ratelimit"
	"github.com/amberhq/amber/internal/repository"
	"github.com/amberhq/amber/internal/retrieval"
	"github.com/amberhq/amber/internal/tuning"
	"github.com/amberhq/amber/internal/vectorstore"
)

// Config holds the server's own settings.
type Config struct {
	Port           int
	MaxUploadBytes int64
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Deps are the services the handlers delegate to.
type Deps struct {
	AppConfig *config.Config
	Tenants   repository.TenantRepository
	Vectors   vectorstore.VectorStore
	Pipeline  *ingestion.Pipeline
	Engine    *retrieval.Engine
	Generator *generation.Service
	Memory    *memory.Manager
	Tuning    *tuning.ConfigService
	Feedback  *tuning.FeedbackAnalyzer
	Backup    *backup.Service
	Events    *events.Bus
	RateLimit ratelimit.Limiter
	Capacity  capacity.Limiter
	JWT       *auth.JWTManager
	Auth      *auth.Middleware
}

// Server is the HTTP front end.
type Server struct {
	server  *http.Server
	router  *chi.Mux
	logger  *slog.Logger
	metrics *Metrics
	cfg     Config
	deps    Deps
}

// New assembles the router and middleware stack.
func New(cfg Config, deps Deps) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:  logger,
		metrics: NewMetrics(prometheus.DefaultRegisterer),
		cfg:     cfg,
		deps:    deps,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	router.Use(s.metrics.Instrument)

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler())
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Use(deps.Auth.RequireTenant)
		r.Use(s.rateLimitMiddleware(ratelimit.ScopeGeneral))

		r.Route("/documents", func(r chi.Router) {
			r.With(s.rateLimitMiddleware(ratelimit.ScopeUpload)).Post("/", s.handleUpload)
			r.With(s.rateLimitMiddleware(ratelimit.ScopeUpload)).Post("/url", s.handleRegisterURL)
			r.Get("/", s.handleListDocuments)
			r.Get("/{documentID}", s.handleGetDocument)
			r.Delete("/{documentID}", s.handleDeleteDocument)
			r.Get("/{documentID}/status", s.handleDocumentStatus)
		})

		r.Route("/query", func(r chi.Router) {
			r.Use(s.rateLimitMiddleware(ratelimit.ScopeQuery))
			r.Post("/", s.handleQuery)
			r.Post("/stream", s.handleQueryStream)
			r.Post("/retrieve", s.handleRetrieve)
		})

		r.Post("/feedback", s.handleFeedback)

		r.Route("/memory", func(r chi.Router) {
			r.Get("/facts", s.handleListFacts)
			r.Post("/facts", s.handleSaveFact)
			r.Post("/sessions/{sessionID}/end", s.handleEndSession)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Post("/", s.handleCreateBackup)
			r.Post("/restore", s.handleRestore)
			r.Post("/conversations/export", s.handleExportConversation)
		})
	})

	router.Route("/v1/admin", func(r chi.Router) {
		r.Use(deps.Auth.RequireAdmin)
		r.Post("/tenants", s.handleCreateTenant)
		r.Get("/tenants", s.handleListTenants)
		r.Get("/tenants/{tenantID}", s.handleGetTenant)
		r.Put("/tenants/{tenantID}/weights", s.handleUpdateWeights)
		r.Post("/tenants/{tenantID}/tokens", s.handleIssueToken)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming responses hold the connection
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Router exposes the mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// tenantOr401 pulls the authenticated tenant; admin-key requests have none.
func tenantOr401(w http.ResponseWriter, r *http.Request) (*repository.Tenant, bool) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "tenant authentication required")
		return nil, false
	}
	return tenant, true
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

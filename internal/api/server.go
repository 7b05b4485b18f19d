package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thoscut/ocrflow/internal/config"
	"github.com/thoscut/ocrflow/internal/jobs"
	"github.com/thoscut/ocrflow/internal/observe"
	"github.com/thoscut/ocrflow/internal/output"
	"github.com/thoscut/ocrflow/internal/pipeline"
	"github.com/thoscut/ocrflow/internal/raster"
)

// JobRunner executes OCR jobs. Satisfied by *pipeline.Pipeline.
type JobRunner interface {
	Run(ctx context.Context, job *jobs.Job, data []byte, opts pipeline.Options) (*pipeline.DocumentResult, error)
	StartStreaming(reg *jobs.Registry, sess *jobs.Session, job *jobs.Job, data []byte, opts pipeline.Options, hooks pipeline.StreamHooks)
}

// Server is the HTTP API server.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	registry *jobs.Registry
	profiles *config.ProfileStore
	runner   JobRunner
	outputs  *output.Manager
	metrics  observe.Collector
	wsHub    *WebSocketHub
	server   *http.Server

	// preflight validates an upload and reports its page count.
	preflight func(data []byte) (int, error)
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, reg *jobs.Registry, profiles *config.ProfileStore, runner JobRunner, outputs *output.Manager, metrics observe.Collector) *Server {
	if metrics == nil {
		metrics = observe.Nop{}
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		profiles: profiles,
		runner:   runner,
		outputs:  outputs,
		metrics:  metrics,
		wsHub:    NewWebSocketHub(),

		preflight: raster.Preflight,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware())
	r.Use(s.metricsMiddleware)

	// Health check (no auth required)
	r.Get("/api/v1/health", s.handleHealth)

	// API routes (with auth)
	r.Group(func(r chi.Router) {
		if s.cfg.Server.Auth.Enabled {
			r.Use(AuthMiddleware(s.cfg.Server.Auth))
		}

		// Document submission. Synchronous jobs can run for minutes, so
		// no per-request timeout is applied here.
		r.Post("/api/v1/ocr", s.handleSubmit)

		// Streaming sessions
		r.Get("/api/v1/sessions/{sessionID}", s.handleSessionStatus)
		r.Get("/api/v1/sessions/{sessionID}/download", s.handleSessionDownload)
		r.Delete("/api/v1/sessions/{sessionID}", s.handleSessionCancel)

		// Output
		r.Get("/api/v1/outputs", s.handleListOutputs)

		// Profiles
		r.Get("/api/v1/profiles", s.handleListProfiles)
		r.Get("/api/v1/profiles/{name}", s.handleGetProfile)
		r.Post("/api/v1/profiles", s.handleCreateProfile)
		r.Put("/api/v1/profiles/{name}", s.handleUpdateProfile)

		// System
		r.Get("/api/v1/status", s.handleStatus)

		// WebSocket
		r.Get("/api/v1/ws", s.handleWebSocket)
	})

	s.router = r
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub exposes the WebSocket hub so the pipeline can publish progress.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("API server starting", "addr", addr)

	if s.cfg.Server.TLS.Enabled {
		return s.server.ListenAndServeTLS(
			s.cfg.Server.TLS.CertFile,
			s.cfg.Server.TLS.KeyFile,
		)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down")
	return s.server.Shutdown(ctx)
}

// Package server exposes the analysis pipeline over HTTP. Test runs are
// uploaded as multipart bundles, analyzed in-process, and the trace archive
// is parked in the session store so a viewer can fetch it back with range
// requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/analysis"
	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/session"
)

// Defaults applied when the config carries zero values.
const (
	defaultListenAddr     = ":8089"
	defaultMaxUploadBytes = 100 << 20
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 120 * time.Second
	defaultRequestTimeout = 120 * time.Second
	defaultShutdownGrace  = 10 * time.Second
)

// Analyzer runs the failure analysis pipeline over an uploaded set of artifacts.
type Analyzer interface {
	Run(ctx context.Context, artifacts analysis.Artifacts) (*schemas.AnalysisResult, error)
}

// Server hosts the upload and trace retrieval endpoints.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	analyzer Analyzer
	sessions *session.Store

	httpServer *http.Server
}

// New wires the HTTP surface to its collaborators. All dependencies are required.
func New(cfg config.ServerConfig, pipeline Analyzer, sessions *session.Store, logger *zap.Logger) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("server requires an analysis pipeline")
	}
	if sessions == nil {
		return nil, fmt.Errorf("server requires a session store")
	}
	if logger == nil {
		return nil, fmt.Errorf("server requires a logger")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		analyzer: pipeline,
		sessions: sessions,
	}, nil
}

// router assembles the chi routing tree.
func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/traces/{id}", s.handleTrace)
	})

	return r
}

// Start serves until the context is cancelled, then drains in-flight
// requests within the configured shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.logger.Info("HTTP server listening.", zap.String("address", s.cfg.ListenAddr))

	select {
	case err := <-errCh:
		// The listener died on its own, before any shutdown request.
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server.")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error.", zap.Error(err))
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		s.logger.Info("HTTP server stopped.")
		return nil
	}
}

// Package server exposes the workspace core over HTTP: workspace and history
// reads, compaction and task control, and an SSE bridge from the event bus.
// The desktop UI consumes this surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/codemux/codemux/internal/event"
	"github.com/codemux/codemux/internal/history"
	"github.com/codemux/codemux/internal/logging"
	"github.com/codemux/codemux/internal/session"
	"github.com/codemux/codemux/internal/task"
	"github.com/codemux/codemux/internal/workspace"
	"github.com/codemux/codemux/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         7050,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE connections stay open
	}
}

// Server is the HTTP server.
type Server struct {
	config     *Config
	appConfig  *types.Config
	router     *chi.Mux
	httpSrv    *http.Server
	bus        *event.Bus
	history    *history.Store
	workspaces *workspace.Service
	scheduler  *task.Scheduler
	sessions   *session.Manager
}

// New creates a Server.
func New(cfg *Config, appConfig *types.Config, bus *event.Bus, hist *history.Store, ws *workspace.Service, sched *task.Scheduler, sessions *session.Manager) *Server {
	s := &Server{
		config:     cfg,
		appConfig:  appConfig,
		router:     chi.NewRouter(),
		bus:        bus,
		history:    hist,
		workspaces: ws,
		scheduler:  sched,
		sessions:   sessions,
	}

	s.router.Use(middleware.Recoverer)
	if cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	s.setupRoutes()
	return s
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", s.config.Port).Msg("server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Router exposes the router for tests.
func (s *Server) Router() http.Handler { return s.router }

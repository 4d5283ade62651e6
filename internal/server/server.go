// Package server exposes the coordinator over HTTP and optionally runs
// workers in the same process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/app"
	"github.com/jackzampolin/chorus/internal/config"
	"github.com/jackzampolin/chorus/internal/progress"
	"github.com/jackzampolin/chorus/internal/server/endpoints"
	"github.com/jackzampolin/chorus/internal/svcctx"
)

// Server is the chorus HTTP server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	app        *app.App
	hub        *progress.Hub
	pool       *workerPool
	configMgr  *config.Manager
	logLevel   *slog.LevelVar
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080). "0" picks a free port.
	Port string
	// App provides the store, queue and transfer backend.
	App *app.App
	// Workers is the number of embedded workers; 0 runs none.
	Workers int
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// LogLevel, when set, follows log_level on config reload.
	LogLevel *slog.LevelVar
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		app:       cfg.App,
		hub:       progress.NewHub(cfg.App.Store, cfg.Logger),
		configMgr: cfg.ConfigManager,
		logLevel:  cfg.LogLevel,
		logger:    cfg.Logger,
	}
	if cfg.Workers > 0 {
		s.pool = newWorkerPool(cfg.App, cfg.Workers, cfg.Logger)
	}

	if cfg.ConfigManager != nil && cfg.LogLevel != nil {
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			cfg.LogLevel.Set(c.SlogLevel())
			cfg.Logger.Info("log level reloaded from config", "level", c.LogLevel)
		})
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	// WriteTimeout stays unset so progress streams are not cut off.
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:           s.withServices(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Start serves HTTP and runs the embedded workers. It blocks until the
// context is cancelled or either fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.setNotRunning()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.services = &svcctx.Services{
		App:       s.app,
		Hub:       s.hub,
		ConfigMgr: s.configMgr,
		Metrics:   s.app.Metrics,
		Logger:    s.logger,
		Home:      s.app.Home,
	}
	if s.pool != nil {
		s.services.Workers = s.pool
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if s.pool != nil {
		g.Go(func() error {
			s.logger.Info("starting embedded workers", "count", s.pool.size)
			return s.pool.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received")
		}
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown stops the HTTP server and disconnects progress streams.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	s.hub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address, resolved once listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Registry returns the endpoint registry.
func (s *Server) Registry() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		if services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable before Start has wired the services.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcctx.AppFrom(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}

// Package server exposes the playback engine to the rendering layer: a REST
// API to start, control, and inspect playback, and a WebSocket feed for
// state changes, toasts, and skip/next prompts. The server uses chi/v5 for
// routing with CORS support; it contains no rendering.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/player"
	"github.com/opd-ai/go-jf-play/pkg/config"
)

// NegotiatorFactory builds a negotiator for a reported device profile.
type NegotiatorFactory func(profile *capability.Profile) player.PlaybackNegotiator

// Server is the HTTP control surface for the playback engine.
type Server struct {
	config     *config.ServerConfig
	logger     *slog.Logger
	engine     *Engine
	hub        *Hub
	httpServer *http.Server
	router     chi.Router

	remote     *RemotePlayer
	capCache   *capability.Cache
	negSwitch  *NegotiatorSwitch
	negFactory NegotiatorFactory
}

// New creates the HTTP server around an engine and its event hub.
func New(cfg *config.ServerConfig, engine *Engine, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
		engine: engine,
		hub:    hub,
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// UseRemotePlayer registers the rendering-layer bridge so media status
// reports reach it.
func (s *Server) UseRemotePlayer(remote *RemotePlayer) {
	s.remote = remote
}

// UseCapabilityPipeline registers the capability cache and the negotiator
// switch fed by the capabilities endpoint.
func (s *Server) UseCapabilityPipeline(cache *capability.Cache, sw *NegotiatorSwitch, factory NegotiatorFactory) {
	s.capCache = cache
	s.negSwitch = sw
	s.negFactory = factory
}

// setupMiddleware configures the middleware stack for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware())
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCompression {
		s.router.Use(middleware.Compress(5))
	}

	// The rendering layer runs on the same device; origins stay open.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(middleware.Timeout(30 * time.Second))
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/api/capabilities", s.handleReportCapabilities)

	s.router.Route("/api/playback", func(r chi.Router) {
		r.Post("/", s.handlePlay)
		r.Delete("/", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/seek", s.handleSeek)
		r.Post("/retry", s.handleRetry)
		r.Post("/skip", s.handleSkipActivate)
		r.Post("/dismiss", s.handleDismiss)
		r.Post("/time", s.handleTimeUpdate)
		r.Post("/event", s.handleMediaEvent)
		r.Post("/error", s.handleMediaError)
		r.Post("/tracks/audio", s.handleSelectAudio)
		r.Post("/tracks/subtitle", s.handleSelectSubtitle)
	})

	// WebSocket endpoint for real-time engine events
	s.router.Get("/ws/events", s.handleWebSocket)
}

// Start starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting control server",
		"address", s.httpServer.Addr,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping control server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server", "error", err)
		return err
	}

	s.logger.Info("Control server stopped")
	return nil
}

// loggingMiddleware creates a structured logging middleware for HTTP
// requests.
func (s *Server) loggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			s.logger.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"ip", r.RemoteAddr)
		})
	}
}

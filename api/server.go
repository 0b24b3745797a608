// Package api exposes the generation pipeline over HTTP
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/mangaflow"
	"github.com/sicko7947/mangaflow/engine"
)

// Server is the HTTP front of the engine
type Server struct {
	app    *fiber.App
	engine *engine.Engine
	auth   *Authenticator
	config mangaflow.ServerConfig
	logger zerolog.Logger
}

// NewServer creates the fiber app and registers every route
func NewServer(eng *engine.Engine, cfg mangaflow.ServerConfig, logger zerolog.Logger) *Server {
	s := &Server{
		engine: eng,
		auth:   NewAuthenticator(cfg.JWTSecret, eng.Repository()),
		config: cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:      "mangaflow",
		ErrorHandler: errorHandler(s.logger, cfg.Production),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	s.registerRoutes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Authenticator returns the token validator used by the server
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.app.Use(correlation())
	s.app.Use(requestLogger(s.logger))

	s.app.Get("/health", s.handleHealth)

	authed := s.app.Group("", s.auth.Middleware())

	authed.Post("/preferences", s.handleSubmitPreferences)

	authed.Post("/stories/:storyId/episodes", s.handleContinueStory)
	authed.All("/stories/:storyId/episodes", func(c fiber.Ctx) error {
		return methodNotAllowed()
	})
	authed.Get("/stories/:storyId/continuation", s.handleEligibility)
	authed.Get("/stories/:storyId", s.handleGetStory)

	authed.Post("/workflows", s.handleStartBatch)
	authed.Get("/workflows/:workflowId", s.handleGetWorkflow)
	authed.Post("/workflows/:workflowId/cancel", s.handleCancelWorkflow)

	authed.Get("/requests/:requestId", s.handleGetRequest)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.config.Addr()).Msg("Starting HTTP server")
		errCh <- s.app.Listen(s.config.Addr(), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down server...")
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"optionsim/internal/config"
)

// Server runs the HTTP/WebSocket API in front of the engine.
type Server struct {
	cfg      config.ServerConfig
	engine   Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the transport layer: request authentication, the REST
// routes, the websocket hub, and the feed consumer.
func NewServer(cfg config.Config, engine Engine, logger *slog.Logger) *Server {
	verifier := NewVerifier(engine.TeamSecret, cfg.Server.AuthSkew)
	hub := NewHub(verifier, engine.Metrics(), logger)
	handlers := NewHandlers(engine, verifier, hub, cfg.Server.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", handlers.HandleSubmitOrder)
	mux.HandleFunc("DELETE /orders/{id}", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /positions", handlers.HandlePositions)
	mux.HandleFunc("GET /book", handlers.HandleBook)
	mux.HandleFunc("GET /trades", handlers.HandleTrades)
	mux.HandleFunc("GET /phase", handlers.HandlePhase)
	mux.HandleFunc("GET /instruments", handlers.HandleInstruments)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", engine.MetricsHandler())
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
		// Submissions block for up to the coordinator timeout, so the
		// write timeout must comfortably exceed it.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		engine:   engine,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the feed consumer, and the HTTP listener. Blocks
// until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeFeed()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains the listener first so no new connections register, then
// stops the hub, disconnecting every websocket client.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	return err
}

// consumeFeed forwards engine messages to the hub until the engine
// closes its outbound channel on shutdown.
func (s *Server) consumeFeed() {
	for msg := range s.engine.Outbound() {
		s.hub.Send(msg)
	}
}

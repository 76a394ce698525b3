// Package api serves the read-only dashboard: health, prometheus metrics,
// recent tick results, buffered telemetry events, and a websocket stream of
// live events. It observes the pipeline and never mutates it.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"near-autopilot/internal/config"
	"near-autopilot/internal/telemetry"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the dashboard. Events emitted on bus after this call are
// streamed to websocket clients; gatherer backs /metrics (nil disables it).
func NewServer(
	cfg config.DashboardConfig,
	ticks TickSource,
	bus *telemetry.Bus,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ticks, bus, hub, logger)

	bus.Subscribe(hub.BroadcastEvent)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/ticks", handlers.HandleTicks)
	mux.HandleFunc("/api/events", handlers.HandleEvents)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the routed mux, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the API server and hub.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"near-autopilot/internal/engine"
	"near-autopilot/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard is read-only and bound locally.
		return true
	},
}

// TickSource exposes the orchestrator's recent tick history.
type TickSource interface {
	RecentTicks() []engine.TickResult
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ticks  TickSource
	bus    *telemetry.Bus
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(ticks TickSource, bus *telemetry.Bus, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		ticks:  ticks,
		bus:    bus,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleTicks returns the recent tick results, oldest first.
func (h *Handlers) HandleTicks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.ticks.RecentTicks()); err != nil {
		h.logger.Error("failed to encode ticks", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}

// HandleEvents returns the buffered telemetry events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.bus.Events()); err != nil {
		h.logger.Error("failed to encode events", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}

// HandleWebSocket upgrades the connection and registers a streaming client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

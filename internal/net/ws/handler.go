package ws

import (
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"paddlesync/server/internal/hub"
	"paddlesync/server/internal/telemetry"
)

type HandlerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

// Handler upgrades /ws requests and runs a session per connection.
type Handler struct {
	hub      *hub.Hub
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	limit    int64
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	limit := cfg.ReadLimit
	if limit <= 0 {
		limit = 64 << 10
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      h,
		logger:   logger,
		metrics:  metrics,
		limit:    limit,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	playerID := r.URL.Query().Get("id")
	if playerID == "" {
		nethttp.Error(w, "missing id", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", playerID, err)
		return
	}
	conn.SetReadLimit(h.limit)

	h.Serve(r.Context(), playerID, conn)
}

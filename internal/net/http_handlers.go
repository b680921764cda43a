package net

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"paddlesync/server/internal/hub"
	"paddlesync/server/internal/net/ws"
	"paddlesync/server/internal/spawn"
	"paddlesync/server/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Telemetry returns counters for /diagnostics.
	Telemetry func() map[string]uint64
}

func NewHTTPHandler(h *hub.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var counters map[string]uint64
		if cfg.Telemetry != nil {
			counters = cfg.Telemetry()
		}
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			Hub        hub.Diagnostics   `json:"hub"`
			Telemetry  map[string]uint64 `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Hub:        h.DiagnosticsSnapshot(),
			Telemetry:  counters,
		}
		writeJSON(w, payload)
	})

	mux.HandleFunc("/join", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Team string `json:"team"`
		}
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}
		team, ok := spawn.ParseTeam(req.Team)
		if !ok {
			httpError(w, "unknown team", nethttp.StatusBadRequest)
			return
		}

		writeJSON(w, h.Join(team))
	})

	mux.HandleFunc("/players/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/players/")
		playerID, action, found := strings.Cut(rest, "/")
		if !found || playerID == "" || action != "knockout" {
			httpError(w, "not found", nethttp.StatusNotFound)
			return
		}
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if !h.RequestKnockout(playerID) {
			httpError(w, "unknown player", nethttp.StatusNotFound)
			return
		}
		logger.Printf("[http] knockout requested for %s", playerID)
		w.WriteHeader(nethttp.StatusAccepted)
	})

	wsHandler := ws.NewHandler(h, ws.HandlerConfig{Logger: logger, Metrics: cfg.Metrics})
	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux
}

func writeJSON(w nethttp.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}

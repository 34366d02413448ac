// Package net exposes the relay over HTTP: health and diagnostics, object
// administration and the websocket endpoint.
package net

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"time"

	"colocate/internal/net/proto"
	"colocate/internal/net/ws"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/telemetry"
	"colocate/logging"
)

type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	Counters *telemetry.Counters
	// LogStats reports the event router's counters on /diagnostics.
	LogStats func() logging.RouterStats
	// WS serves /ws. A default handler is built when nil.
	WS *ws.Handler
}

func NewHTTPHandler(hub *relay.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	wsHandler := cfg.WS
	if wsHandler == nil {
		var metrics telemetry.Metrics
		if cfg.Counters != nil {
			metrics = cfg.Counters
		}
		wsHandler = ws.NewHandler(hub, ws.HandlerConfig{Logger: logger, Metrics: metrics})
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			Relay      relay.Diagnostics    `json:"relay"`
			Telemetry  map[string]uint64    `json:"telemetry"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Relay:      hub.Diagnostics(),
			Telemetry:  cfg.Counters.Snapshot(),
		}
		if cfg.LogStats != nil {
			stats := cfg.LogStats()
			payload.Logging = &stats
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/objects", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		switch r.Method {
		case nethttp.MethodGet:
			writeJSON(w, nethttp.StatusOK, hub.Diagnostics().Objects)
		case nethttp.MethodPost:
			var state proto.ObjectState
			if r.Body == nil {
				httpError(w, "missing payload", nethttp.StatusBadRequest)
				return
			}
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
			if err := hub.Spawn(state); err != nil {
				code := nethttp.StatusBadRequest
				if errors.Is(err, ownership.ErrDuplicateObject) {
					code = nethttp.StatusConflict
				}
				httpError(w, err.Error(), code)
				return
			}
			logger.Printf("[admin] spawned %s", state.Object.ID)
			writeJSON(w, nethttp.StatusCreated, struct {
				Status string             `json:"status"`
				ID     ownership.ObjectID `json:"id"`
			}{Status: "ok", ID: state.Object.ID})
		case nethttp.MethodDelete:
			id := ownership.ObjectID(r.URL.Query().Get("id"))
			if id == "" {
				httpError(w, "missing id", nethttp.StatusBadRequest)
				return
			}
			if !hub.Remove(id) {
				httpError(w, "unknown object", nethttp.StatusNotFound)
				return
			}
			logger.Printf("[admin] removed %s", id)
			writeJSON(w, nethttp.StatusOK, struct {
				Status string `json:"status"`
			}{Status: "ok"})
		default:
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/objects/revoke", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		id := ownership.ObjectID(r.URL.Query().Get("id"))
		if id == "" {
			httpError(w, "missing id", nethttp.StatusBadRequest)
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "admin"
		}
		change, ok := hub.Revoke(id, reason)
		if !ok {
			httpError(w, "object is not owned", nethttp.StatusConflict)
			return
		}
		logger.Printf("[admin] revoked %s from %s", id, change.Previous)
		writeJSON(w, nethttp.StatusOK, change)
	})

	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}

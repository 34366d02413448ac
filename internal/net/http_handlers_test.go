package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/release"
	"colocate/internal/telemetry"
	"colocate/logging"
)

func newTestHub(t *testing.T, counters *telemetry.Counters) *relay.Hub {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Seed = []proto.ObjectState{{Object: ownership.Object{ID: "cube"}}}
	hub, err := relay.NewHub(cfg, relay.Deps{Metrics: counters})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	return hub
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(newTestHub(t, nil), HTTPHandlerConfig{})
	resp := serve(handler, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.Code, resp.Body.String())
	}
}

func TestDiagnosticsIncludesObjectsAndTelemetry(t *testing.T) {
	counters := &telemetry.Counters{}
	hub := newTestHub(t, counters)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{Counters: counters})

	resp := serve(handler, http.MethodGet, "/diagnostics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected application/json, got %q", contentType)
	}
	var payload struct {
		Status    string            `json:"status"`
		Relay     relay.Diagnostics `json:"relay"`
		Telemetry map[string]uint64 `json:"telemetry"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if payload.Status != "ok" || len(payload.Relay.Objects) != 1 || payload.Relay.Objects[0].Object.ID != "cube" {
		t.Fatalf("unexpected diagnostics %s", resp.Body.String())
	}
	if payload.Telemetry[telemetry.MetricObjectsRegistered] != 1 {
		t.Fatalf("expected registration counter, got %v", payload.Telemetry)
	}
	if strings.Contains(resp.Body.String(), `"logging"`) {
		t.Fatalf("logging stats should be omitted without a source")
	}

	handler = NewHTTPHandler(hub, HTTPHandlerConfig{LogStats: func() logging.RouterStats {
		return logging.RouterStats{EventsTotal: 7, Sinks: []logging.SinkStats{{Name: "json", Written: 7}}}
	}})
	var withLogging struct {
		Logging logging.RouterStats `json:"logging"`
	}
	if err := json.Unmarshal(serve(handler, http.MethodGet, "/diagnostics", "").Body.Bytes(), &withLogging); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if withLogging.Logging.EventsTotal != 7 || len(withLogging.Logging.Sinks) != 1 || withLogging.Logging.Sinks[0].Name != "json" {
		t.Fatalf("unexpected logging stats %+v", withLogging.Logging)
	}
}

func TestObjectAdministration(t *testing.T) {
	hub := newTestHub(t, nil)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	resp := serve(handler, http.MethodPost, "/objects", `{"object":{"id":"ball"},"pose":{"position":{"x":1,"y":0,"z":0}},"rest":{"mode":"dynamic"}}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("spawn: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp := serve(handler, http.MethodPost, "/objects", `{"object":{"id":"ball"}}`); resp.Code != http.StatusConflict {
		t.Fatalf("duplicate spawn: expected 409, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodPost, "/objects", `{`); resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed spawn: expected 400, got %d", resp.Code)
	}

	resp = serve(handler, http.MethodGet, "/objects", "")
	var objects []proto.ObjectState
	if err := json.Unmarshal(resp.Body.Bytes(), &objects); err != nil {
		t.Fatalf("decode objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected two objects, got %d", len(objects))
	}
	for _, obj := range objects {
		if obj.Object.ID == "ball" && (obj.Rest.Mode != release.ModeDynamic || !obj.Rest.ApplyReleaseVelocity) {
			t.Fatalf("posted dynamic object should keep release velocity, got %+v", obj.Rest)
		}
	}

	if resp := serve(handler, http.MethodDelete, "/objects?id=ball", ""); resp.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodDelete, "/objects?id=ball", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", resp.Code)
	}
	if resp := serve(handler, http.MethodPut, "/objects", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestRevokeRequiresOwner(t *testing.T) {
	hub := newTestHub(t, nil)
	handler := NewHTTPHandler(hub, HTTPHandlerConfig{})

	if resp := serve(handler, http.MethodPost, "/objects/revoke?id=cube", ""); resp.Code != http.StatusConflict {
		t.Fatalf("unowned revoke: expected 409, got %d", resp.Code)
	}

	if _, err := hub.Connect("alice", "json", relay.OutboxFunc(func(proto.Message) error { return nil })); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := hub.Submit("alice", proto.Request("cube", "r1", 1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	hub.Advance()

	resp := serve(handler, http.MethodPost, "/objects/revoke?id=cube&reason=moderation", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var change ownership.Change
	if err := json.Unmarshal(resp.Body.Bytes(), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Previous != "alice" || change.Owner != ownership.None || change.Epoch != 2 {
		t.Fatalf("unexpected change %+v", change)
	}
	if resp := serve(handler, http.MethodGet, "/objects/revoke?id=cube", ""); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

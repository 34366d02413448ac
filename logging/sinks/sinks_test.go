package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"colocate/logging"
)

func TestConsoleFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsole(&buf)
	err := sink.Write(logging.Event{
		Type:      "ownership.granted",
		Tick:      7,
		Actor:     logging.PeerRef("x"),
		Targets:   []logging.EntityRef{logging.ObjectRef("cube")},
		Severity:  logging.SeverityInfo,
		RequestID: "r1",
		Extra:     map[string]any{"epoch": 3},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"INFO", "[ownership.granted]", "tick=7", "actor=peer:x", "targets=object:cube", "request=r1", "epoch=3"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestJSONWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSON(&buf, 0)
	at := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 2; i++ {
		if err := sink.Write(logging.Event{Type: "network.peer_connected", Tick: uint64(i), Time: at, Severity: logging.SeverityWarn}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d: %q", len(lines), buf.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["severity"] != "warn" || decoded["tick"].(float64) != 1 {
		t.Fatalf("unexpected json event %v", decoded)
	}
}

func TestMemoryClonesExtra(t *testing.T) {
	sink := NewMemory()
	extra := map[string]any{"k": "v"}
	sink.Publish(context.Background(), logging.Event{Type: "a", Extra: extra})
	extra["k"] = "mutated"
	if got := sink.Events()[0].Extra["k"]; got != "v" {
		t.Fatalf("expected stored event to be isolated, got %v", got)
	}
	if len(sink.OfType("a")) != 1 || len(sink.OfType("b")) != 0 {
		t.Fatalf("unexpected OfType filtering")
	}
}

package logging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"colocate/logging"
	"colocate/logging/sinks"
)

func TestRouterDeliversAndFilters(t *testing.T) {
	memory := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"role": "relay"}
	at := time.Unix(1_700_000_000, 0)
	router := logging.NewRouter(logging.ClockFunc(func() time.Time { return at }), cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})

	ctx := context.Background()
	router.Publish(ctx, logging.Event{Type: "debug.only", Severity: logging.SeverityDebug})
	router.Publish(ctx, logging.Event{Type: "kept", Severity: logging.SeverityInfo})
	router.Publish(ctx, logging.Event{Severity: logging.SeverityError})

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := router.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	if events[0].Type != "kept" || !events[0].Time.Equal(at) || events[0].Extra["role"] != "relay" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if stats := router.Stats(); stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if router.Sink("memory") != memory {
		t.Fatalf("expected sink lookup by name")
	}
}

type failingSink struct{}

func (failingSink) Write(logging.Event) error { return errors.New("disk full") }
func (failingSink) Close(context.Context) error { return nil }

func TestFailingSinkDoesNotStallCloseOrOtherSinks(t *testing.T) {
	memory := sinks.NewMemory()
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{
		{Name: "broken", Sink: failingSink{}},
		{Name: "memory", Sink: memory},
	})
	ctx := context.Background()
	for _, typ := range []logging.EventType{"one", "two", "three"} {
		router.Publish(ctx, logging.Event{Type: typ, Severity: logging.SeverityInfo})
	}

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	started := time.Now()
	if err := router.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("close waited on sink backoff for %s", elapsed)
	}
	if got := len(memory.Events()); got != 3 {
		t.Fatalf("healthy sink should get every event, got %d", got)
	}

	stats := router.Stats()
	if len(stats.Sinks) != 2 {
		t.Fatalf("expected per-sink stats, got %+v", stats)
	}
	broken, healthy := stats.Sinks[0], stats.Sinks[1]
	if broken.Name != "broken" || broken.Failed != 3 || broken.Written != 0 {
		t.Fatalf("unexpected broken sink stats %+v", broken)
	}
	if healthy.Name != "memory" || healthy.Written != 3 || healthy.Failed != 0 {
		t.Fatalf("unexpected memory sink stats %+v", healthy)
	}
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	memory := sinks.NewMemory()
	router := logging.NewRouter(nil, logging.DefaultConfig(), []logging.NamedSink{{Name: "memory", Sink: memory}})
	router.Close(context.Background())
	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityError})
	if len(memory.Events()) != 0 {
		t.Fatalf("expected no events after close")
	}
}

func TestWithFieldsDoesNotOverride(t *testing.T) {
	memory := sinks.NewMemory()
	pub := logging.WithFields(memory, map[string]any{"actor": "default", "session": "s1"})
	pub.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"actor": "explicit"}})
	got := memory.Events()[0].Extra
	if got["actor"] != "explicit" || got["session"] != "s1" {
		t.Fatalf("unexpected extra %v", got)
	}
}

func TestParseSeverity(t *testing.T) {
	for input, want := range map[string]logging.Severity{"debug": logging.SeverityDebug, "WARN": logging.SeverityWarn, "": logging.SeverityInfo} {
		got, err := logging.ParseSeverity(input)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := logging.ParseSeverity("loud"); err == nil {
		t.Fatalf("expected unknown severity to fail")
	}
}

package sim

import (
	"testing"

	"colocate/internal/telemetry"
)

func actors(commands []Command) []string {
	out := make([]string, len(commands))
	for i, cmd := range commands {
		out[i] = cmd.ActorID
	}
	return out
}

func TestCommandBufferKeepsArrivalOrder(t *testing.T) {
	buffer := NewCommandBuffer(3, 0, nil)
	for _, actor := range []string{"a", "b", "c"} {
		if reason := buffer.Push(Command{ActorID: actor}); reason != "" {
			t.Fatalf("expected push to succeed for %s, got %s", actor, reason)
		}
	}
	if reason := buffer.Push(Command{ActorID: "overflow"}); reason != CommandRejectQueueFull {
		t.Fatalf("expected %s, got %q", CommandRejectQueueFull, reason)
	}
	drained := buffer.Drain()
	if got := actors(drained); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected drain order %v", got)
	}
	if buffer.Drain() != nil {
		t.Fatalf("second drain should be empty")
	}
	for _, actor := range []string{"d", "e"} {
		if reason := buffer.Push(Command{ActorID: actor}); reason != "" {
			t.Fatalf("expected push to succeed after drain for %s", actor)
		}
	}
	if got := actors(buffer.Drain()); len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("unexpected order after refill: %v", got)
	}
}

func TestCommandBufferPerActorLimit(t *testing.T) {
	buffer := NewCommandBuffer(8, 2, nil)
	buffer.Push(Command{ActorID: "x"})
	buffer.Push(Command{ActorID: "x"})
	if reason := buffer.Push(Command{ActorID: "x"}); reason != CommandRejectQueueLimit {
		t.Fatalf("expected %s, got %q", CommandRejectQueueLimit, reason)
	}
	if reason := buffer.Push(Command{ActorID: "y"}); reason != "" {
		t.Fatalf("other actors are not throttled, got %q", reason)
	}
	if buffer.Queued("x") != 2 || buffer.Queued("y") != 1 {
		t.Fatalf("unexpected per-actor counts x=%d y=%d", buffer.Queued("x"), buffer.Queued("y"))
	}
	buffer.Drain()
	if buffer.Queued("x") != 0 {
		t.Fatalf("drain should reset per-actor counts")
	}
	if reason := buffer.Push(Command{ActorID: "x"}); reason != "" {
		t.Fatalf("limit should reset after drain, got %q", reason)
	}
}

func TestCommandBufferPurgeDropsOneConnection(t *testing.T) {
	var counters telemetry.Counters
	buffer := NewCommandBuffer(8, 0, &counters)
	buffer.Push(Command{ActorID: "x", Conn: 1, Type: "old-1"})
	buffer.Push(Command{ActorID: "y", Conn: 2, Type: "keep"})
	buffer.Push(Command{ActorID: "x", Conn: 1, Type: "old-2"})
	buffer.Push(Command{ActorID: "x", Conn: 3, Type: "new"})

	if purged := buffer.Purge("x", 1); purged != 2 {
		t.Fatalf("expected two purged commands, got %d", purged)
	}
	if buffer.Queued("x") != 1 {
		t.Fatalf("expected one command left for x, got %d", buffer.Queued("x"))
	}
	if got := counters.Load(commandBufferOccupancyMetricKey); got != 2 {
		t.Fatalf("expected occupancy 2, got %d", got)
	}
	drained := buffer.Drain()
	if len(drained) != 2 || drained[0].Type != "keep" || drained[1].Type != "new" {
		t.Fatalf("unexpected survivors %+v", drained)
	}
	if purged := buffer.Purge("x", 1); purged != 0 {
		t.Fatalf("purging an empty buffer should drop nothing")
	}
}

func TestCommandBufferMetrics(t *testing.T) {
	var counters telemetry.Counters
	buffer := NewCommandBuffer(1, 0, &counters)
	buffer.Push(Command{ActorID: "one"})
	buffer.Push(Command{ActorID: "two"})

	if got := counters.Load(commandBufferOverflowMetricKey); got != 1 {
		t.Fatalf("expected one overflow, got %d", got)
	}
	if got := counters.Load(commandBufferOccupancyMetricKey); got != 1 {
		t.Fatalf("expected occupancy 1, got %d", got)
	}
	buffer.Drain()
	if got := counters.Load(commandBufferOccupancyMetricKey); got != 0 {
		t.Fatalf("expected occupancy 0 after drain, got %d", got)
	}
}

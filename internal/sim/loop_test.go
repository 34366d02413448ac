package sim

import (
	"testing"
	"time"

	"colocate/internal/net/proto"
	"colocate/internal/telemetry"
)

type recordingCore struct {
	applied [][]Command
	steps   []uint64
}

func (c *recordingCore) Apply(_ TickContext, commands []Command) {
	c.applied = append(c.applied, commands)
}

func (c *recordingCore) Step(tick TickContext) {
	c.steps = append(c.steps, tick.Tick)
}

func TestLoopAdvanceAppliesCommandsInOrder(t *testing.T) {
	core := &recordingCore{}
	loop := NewLoop(core, LoopConfig{CommandCapacity: 8}, LoopDeps{}, LoopHooks{})
	now := time.Unix(1_700_000_000, 0)

	loop.Enqueue(NewCommand("x", proto.Request("cube", "r1", 1), now))
	loop.Enqueue(NewCommand("y", proto.Request("cube", "r2", 2), now))

	result := loop.Advance(TickContext{Tick: 1, Now: now, Delta: 1.0 / 30})
	if result.Commands != 2 {
		t.Fatalf("expected 2 commands, got %d", result.Commands)
	}
	if len(core.applied) != 1 || core.applied[0][0].Message.RequestID != "r1" || core.applied[0][1].Message.RequestID != "r2" {
		t.Fatalf("unexpected applied commands %+v", core.applied)
	}
	if len(core.steps) != 1 || core.steps[0] != 1 {
		t.Fatalf("expected step for tick 1, got %v", core.steps)
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected queue to be drained")
	}
}

func TestLoopPerActorLimit(t *testing.T) {
	var dropped []string
	loop := NewLoop(&recordingCore{}, LoopConfig{CommandCapacity: 8, PerActorLimit: 2}, LoopDeps{}, LoopHooks{
		OnCommandDrop: func(reason string, cmd Command) { dropped = append(dropped, reason) },
	})
	for i := 0; i < 3; i++ {
		loop.Enqueue(Command{ActorID: "x", Type: proto.TypeState})
	}
	if ok, _ := loop.Enqueue(Command{ActorID: "y", Type: proto.TypeState}); !ok {
		t.Fatalf("expected other actors to be unaffected")
	}
	if len(dropped) != 1 || dropped[0] != CommandRejectQueueLimit {
		t.Fatalf("expected one queue-limit drop, got %v", dropped)
	}
	loop.Advance(TickContext{Tick: 1})
	if ok, reason := loop.Enqueue(Command{ActorID: "x"}); !ok {
		t.Fatalf("expected per-actor quota to reset after a tick, got %s", reason)
	}
}

func TestLoopQueueFull(t *testing.T) {
	loop := NewLoop(&recordingCore{}, LoopConfig{CommandCapacity: 1}, LoopDeps{}, LoopHooks{})
	loop.Enqueue(Command{ActorID: "x"})
	if ok, reason := loop.Enqueue(Command{ActorID: "y"}); ok || reason != CommandRejectQueueFull {
		t.Fatalf("expected queue_full rejection, got %v %q", ok, reason)
	}
}

func TestLoopRunStopsOnSignal(t *testing.T) {
	core := &recordingCore{}
	ticks := make(chan StepResult, 16)
	loop := NewLoop(core, LoopConfig{TickRate: 200}, LoopDeps{}, LoopHooks{
		AfterStep: func(result StepResult) {
			select {
			case ticks <- result:
			default:
			}
		},
	})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		loop.Run(stop)
		close(done)
	}()

	select {
	case result := <-ticks:
		if result.Tick != 1 || result.Budget != 5*time.Millisecond {
			t.Fatalf("unexpected first tick %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not tick")
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}

func TestLoopPurgeCountsDroppedCommands(t *testing.T) {
	var counters telemetry.Counters
	core := &recordingCore{}
	loop := NewLoop(core, LoopConfig{CommandCapacity: 8}, LoopDeps{Metrics: &counters}, LoopHooks{})
	loop.Enqueue(Command{ActorID: "x", Conn: 1})
	loop.Enqueue(Command{ActorID: "x", Conn: 2})

	if purged := loop.Purge("x", 1); purged != 1 {
		t.Fatalf("expected one purged command, got %d", purged)
	}
	if got := counters.Load(telemetry.MetricCommandsPurged); got != 1 {
		t.Fatalf("expected purge counter 1, got %d", got)
	}
	loop.Advance(TickContext{Tick: 1})
	if len(core.applied[0]) != 1 || core.applied[0][0].Conn != 2 {
		t.Fatalf("unexpected applied commands %+v", core.applied)
	}
}

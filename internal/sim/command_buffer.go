package sim

import (
	"sync"

	"colocate/internal/telemetry"
)

const (
	commandBufferOccupancyMetricKey = "sim_command_buffer_occupancy"
	commandBufferOverflowMetricKey  = "sim_command_buffer_overflow_total"
)

// CommandBuffer stages peer commands between ticks. It bounds both the total
// number of commands and the share any single actor may occupy, and keeps
// arrival order across actors. Safe for concurrent producers and a single
// consumer.
type CommandBuffer struct {
	mu            sync.Mutex
	queue         []Command
	capacity      int
	perActorLimit int
	perActor      map[string]int
	metrics       telemetry.Metrics
}

// NewCommandBuffer holds at most capacity commands, and at most
// perActorLimit from one actor when perActorLimit is positive.
func NewCommandBuffer(capacity, perActorLimit int, metrics telemetry.Metrics) *CommandBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &CommandBuffer{
		queue:         make([]Command, 0, capacity),
		capacity:      capacity,
		perActorLimit: perActorLimit,
		perActor:      make(map[string]int),
		metrics:       metrics,
	}
}

// Capacity reports the maximum number of commands the buffer can hold.
func (b *CommandBuffer) Capacity() int { return b.capacity }

// Push stages cmd. It returns the rejection reason, or "" when staged.
func (b *CommandBuffer) Push(cmd Command) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.perActorLimit > 0 && cmd.ActorID != "" && b.perActor[cmd.ActorID] >= b.perActorLimit {
		return CommandRejectQueueLimit
	}
	if len(b.queue) >= b.capacity {
		b.metrics.Add(commandBufferOverflowMetricKey, 1)
		return CommandRejectQueueFull
	}
	b.queue = append(b.queue, cmd)
	if cmd.ActorID != "" {
		b.perActor[cmd.ActorID]++
	}
	b.metrics.Store(commandBufferOccupancyMetricKey, uint64(len(b.queue)))
	return ""
}

// Drain returns all staged commands in arrival order and empties the buffer.
func (b *CommandBuffer) Drain() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	commands := b.queue
	b.queue = make([]Command, 0, b.capacity)
	clear(b.perActor)
	b.metrics.Store(commandBufferOccupancyMetricKey, 0)
	return commands
}

// Purge drops every staged command that arrived from actor on connection
// conn and returns how many were dropped.
func (b *CommandBuffer) Purge(actor string, conn uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.queue[:0]
	purged := 0
	for _, cmd := range b.queue {
		if cmd.ActorID == actor && cmd.Conn == conn {
			purged++
			continue
		}
		kept = append(kept, cmd)
	}
	clear(b.queue[len(kept):])
	b.queue = kept
	if purged > 0 {
		if remaining := b.perActor[actor] - purged; remaining > 0 {
			b.perActor[actor] = remaining
		} else {
			delete(b.perActor, actor)
		}
		b.metrics.Store(commandBufferOccupancyMetricKey, uint64(len(b.queue)))
	}
	return purged
}

// Len reports the number of staged commands.
func (b *CommandBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Queued reports how many staged commands came from actor.
func (b *CommandBuffer) Queued(actor string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perActor[actor]
}

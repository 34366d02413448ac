package sim

import (
	"sync"
	"time"

	"colocate/internal/telemetry"
	"colocate/logging"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to per-actor
	// queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

// Core is the tick-driven state machine the loop advances. The relay hub is
// the only production implementation.
type Core interface {
	// Apply consumes the commands staged since the previous tick, in the
	// order they were received.
	Apply(tick TickContext, commands []Command)
	// Step runs end-of-tick work after every command has been applied.
	Step(tick TickContext)
}

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerActorLimit   int
	WarningStep     int
}

// TickContext describes the tick being advanced.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// StepResult summarises one advanced tick.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Commands     int
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
}

// LoopHooks lets the owner observe the loop.
type LoopHooks struct {
	NextTick       func() uint64
	AfterStep      func(StepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// LoopDeps are the ambient collaborators of the loop.
type LoopDeps struct {
	Clock   logging.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Loop coordinates command ingestion and the fixed-timestep tick runner.
type Loop struct {
	core    Core
	buffer  *CommandBuffer
	hooks   LoopHooks
	config  LoopConfig
	clock   logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	queueMu    sync.Mutex
	dropCounts map[string]uint64
	tick       uint64
}

// NewLoop wraps core with a bounded arrival-order CommandBuffer and a
// fixed-timestep runner.
func NewLoop(core Core, cfg LoopConfig, deps LoopDeps, hooks LoopHooks) *Loop {
	if core == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 30
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 1024
	}
	if deps.Clock == nil {
		deps.Clock = logging.ClockFunc(time.Now)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	return &Loop{
		core:       core,
		buffer:     NewCommandBuffer(cfg.CommandCapacity, cfg.PerActorLimit, deps.Metrics),
		hooks:      hooks,
		config:     cfg,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		dropCounts: make(map[string]uint64),
	}
}

// Config returns the normalized loop configuration.
func (l *Loop) Config() LoopConfig { return l.config }

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	return l.buffer.Len()
}

// Enqueue stages a command, enforcing per-actor throttling and capacity limits.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	var dropCount uint64
	warnAt := 0
	l.queueMu.Lock()
	reason := l.buffer.Push(cmd)
	if reason != "" {
		dropCount = l.incrementDropLocked(cmd.ActorID)
	} else if step := l.config.WarningStep; step > 0 {
		if length := l.buffer.Len(); length >= step && length%step == 0 {
			warnAt = length
		}
	}
	l.queueMu.Unlock()

	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	if warnAt > 0 && l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(warnAt)
	}
	return true, ""
}

// Purge discards commands still staged from a closed connection.
func (l *Loop) Purge(actor string, conn uint64) int {
	purged := l.buffer.Purge(actor, conn)
	if purged > 0 {
		l.metrics.Add(telemetry.MetricCommandsPurged, uint64(purged))
	}
	return purged
}

// Advance executes a single tick using the staged commands.
func (l *Loop) Advance(ctx TickContext) StepResult {
	commands := l.drainCommands()
	l.core.Apply(ctx, commands)
	l.core.Step(ctx)
	return StepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Commands: len(commands),
	}
}

// Run drives the fixed-timestep loop until stop closes.
func (l *Loop) Run(stop <-chan struct{}) {
	tickRate := l.config.TickRate
	budget := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	last := l.clock.Now()
	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				l.tick++
				tick = l.tick
			}

			start := l.clock.Now()
			result := l.Advance(TickContext{Tick: tick, Now: now, Delta: dt})
			result.Duration = l.clock.Now().Sub(start)
			result.Budget = budget
			result.ClampedDelta = clamped
			l.metrics.Store(telemetry.MetricTickDurationMicros, uint64(result.Duration.Microseconds()))

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return l.buffer.Drain()
}

func (l *Loop) incrementDropLocked(actorID string) uint64 {
	if actorID == "" {
		return 0
	}
	count := l.dropCounts[actorID] + 1
	l.dropCounts[actorID] = count
	return count
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	l.metrics.Add(telemetry.MetricCommandsDropped, 1)
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	// Log on powers of two so a flooding peer cannot flood the log too.
	if count > 0 && count&(count-1) == 0 && l.logger != nil {
		l.logger.Printf(
			"[backpressure] dropping command actor=%s type=%s count=%d reason=%s",
			cmd.ActorID,
			cmd.Type,
			count,
			reason,
		)
	}
}

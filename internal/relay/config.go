package relay

import (
	"time"

	"colocate/internal/net/proto"
	"colocate/internal/sim"
)

const (
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultDigestInterval   = 30
)

// Config tunes the relay hub.
type Config struct {
	Loop             sim.LoopConfig
	HeartbeatTimeout time.Duration
	// DigestInterval is the number of ticks between owner-table digests. Zero
	// disables digests.
	DigestInterval uint64
	// Seed objects are registered before any peer connects.
	Seed []proto.ObjectState
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		Loop: sim.LoopConfig{
			TickRate:        30,
			CatchupMaxTicks: 3,
			CommandCapacity: 1024,
			PerActorLimit:   64,
			WarningStep:     256,
		},
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		DigestInterval:   DefaultDigestInterval,
	}
}

func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.Loop.TickRate <= 0 {
		c.Loop.TickRate = defaults.Loop.TickRate
	}
	if c.Loop.CommandCapacity <= 0 {
		c.Loop.CommandCapacity = defaults.Loop.CommandCapacity
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	return c
}

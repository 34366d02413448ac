package grab

import (
	"time"

	"github.com/google/uuid"

	"colocate/internal/anchor"
	"colocate/internal/authority"
	"colocate/internal/telemetry"
	"colocate/internal/transport"
	"colocate/logging"
)

// Config tunes a session.
type Config struct {
	// RequestTimeout bounds how long a request may stay unresolved.
	RequestTimeout time.Duration
	// Smoothing is the follower's exponential smoothing rate. Zero tracks the
	// input exactly.
	Smoothing float64
	// ReanchorOnRelease moves an anchored object onto a fresh anchor at its
	// resting pose after a voluntary release.
	ReanchorOnRelease bool
	// AnchorOnAppear binds every object to an anchor at its pose when it
	// first shows up in a keyframe or spawn. Without a binding,
	// ReanchorOnRelease has nothing to move.
	AnchorOnAppear bool
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    authority.DefaultRequestTimeout,
		ReanchorOnRelease: true,
	}
}

func (c Config) normalized() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = authority.DefaultRequestTimeout
	}
	if c.Smoothing < 0 {
		c.Smoothing = 0
	}
	return c
}

// Deps are the collaborators a session is built from. Transport is
// required; Anchors and Sharer are optional.
type Deps struct {
	Transport transport.Transport
	Anchors   *anchor.Coordinator
	Sharer    *anchor.Sharer
	Clock     logging.Clock
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	// NewRequestID generates request ids. Defaults to random UUIDs.
	NewRequestID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = logging.ClockFunc(time.Now)
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Logger == nil {
		d.Logger = telemetry.LoggerFunc(nil)
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.NewRequestID == nil {
		d.NewRequestID = uuid.NewString
	}
	return d
}

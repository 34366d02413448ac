package grab

import (
	"context"
	"errors"
	"time"

	"colocate/internal/authority"
	"colocate/internal/follow"
	"colocate/internal/ownership"
)

const (
	DefaultGrabRadius = 0.12
	DefaultCooldown   = 250 * time.Millisecond
)

var (
	// ErrCooldown is returned when the toggle fires again too quickly.
	ErrCooldown = errors.New("grab: toggle cooling down")
	// ErrNothingInReach is returned when no grabbable object is near the hand.
	ErrNothingInReach = errors.New("grab: nothing in reach")
)

// GrabberConfig tunes the toggle grabber.
type GrabberConfig struct {
	GrabRadius float64
	Cooldown   time.Duration
}

func DefaultGrabberConfig() GrabberConfig {
	return GrabberConfig{GrabRadius: DefaultGrabRadius, Cooldown: DefaultCooldown}
}

// Grabber turns a single button into grab/release: the first press grabs
// the nearest free object within reach of the hand, the next press releases
// it (or withdraws the request if it is still pending).
type Grabber struct {
	session *Session
	hand    follow.Source
	cfg     GrabberConfig

	last   time.Time
	target ownership.ObjectID
}

func NewGrabber(session *Session, hand follow.Source, cfg GrabberConfig) *Grabber {
	if cfg.GrabRadius <= 0 {
		cfg.GrabRadius = DefaultGrabRadius
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Grabber{session: session, hand: hand, cfg: cfg}
}

// Target returns the object the grabber is holding or requesting.
func (g *Grabber) Target() ownership.ObjectID { return g.target }

// Toggle handles one button press and returns the object it acted on.
func (g *Grabber) Toggle(ctx context.Context) (ownership.ObjectID, error) {
	now := g.session.clock.Now()
	if !g.last.IsZero() && now.Sub(g.last) < g.cfg.Cooldown {
		return "", ErrCooldown
	}
	g.last = now

	if target := g.target; target != "" {
		g.target = ""
		switch g.session.State(target) {
		case authority.StateOwned:
			return target, g.session.RequestRelease(ctx, target)
		case authority.StateRequesting:
			return target, g.session.CancelGrab(ctx, target)
		}
	}

	target, ok := g.nearest()
	if !ok {
		return "", ErrNothingInReach
	}
	if _, err := g.session.RequestGrab(ctx, target, g.hand); err != nil {
		return target, err
	}
	g.target = target
	return target, nil
}

func (g *Grabber) nearest() (ownership.ObjectID, bool) {
	hand := g.hand.Pose().Position
	actor := g.session.LocalActor()
	var (
		best     ownership.ObjectID
		bestDist float64
		found    bool
	)
	for _, state := range g.session.Objects() {
		obj := state.Object
		if obj.Owner == actor || (obj.Owned() && !obj.AllowOverride) {
			continue
		}
		dist := state.Pose.Position.Distance(hand)
		if dist > g.cfg.GrabRadius {
			continue
		}
		// Objects() is sorted by id, so ties keep the smaller id.
		if !found || dist < bestDist {
			best, bestDist, found = obj.ID, dist, true
		}
	}
	return best, found
}

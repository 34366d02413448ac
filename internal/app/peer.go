package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"colocate/internal/anchor"
	"colocate/internal/config"
	"colocate/internal/follow"
	"colocate/internal/grab"
	"colocate/internal/net/proto"
	"colocate/internal/net/ws"
	"colocate/internal/ownership"
	"colocate/internal/spatial"
	"colocate/internal/telemetry"
	"colocate/logging"
)

const (
	orbitRadius    = 0.1
	orbitPeriod    = 4 * time.Second
	toggleInterval = 3 * time.Second
)

// orbitHand circles the origin in the horizontal plane, sweeping through
// objects seeded near it.
type orbitHand struct {
	clock  logging.Clock
	start  time.Time
	radius float64
	period time.Duration
}

func (h *orbitHand) Pose() spatial.Pose {
	elapsed := h.clock.Now().Sub(h.start).Seconds()
	angle := 2 * math.Pi * elapsed / h.period.Seconds()
	return spatial.NewPose(spatial.Vec3{X: h.radius * math.Cos(angle), Z: h.radius * math.Sin(angle)}, spatial.Identity)
}

var _ follow.Source = (*orbitHand)(nil)

// PeerActor returns the configured actor id, or a random one.
func PeerActor(cfg config.Config) ownership.ActorID {
	if cfg.Peer.Actor != "" {
		return ownership.ActorID(cfg.Peer.Actor)
	}
	return ownership.ActorID("peer-" + uuid.NewString()[:8])
}

// RunPeer connects a headless peer to the relay. Its hand orbits the origin
// and toggles a grab every few seconds until ctx is cancelled.
func RunPeer(ctx context.Context, cfg config.Config) error {
	logger := telemetry.WrapLogger(log.Default())
	router, logFile, err := BuildRouter(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
		logFile.Close()
	}()

	actor := PeerActor(cfg)
	clock := logging.ClockFunc(time.Now)
	client, err := ws.NewClient(ws.ClientConfig{
		URL:    cfg.Peer.ServerURL,
		Actor:  actor,
		Format: proto.Format(cfg.Peer.Format),
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	store := anchor.NewMemoryStore()
	deps := grab.Deps{
		Transport: client,
		Anchors:   anchor.NewCoordinator(store, anchor.NewBindings()),
		Clock:     clock,
		Publisher: logging.WithFields(router, map[string]any{"peer": string(actor)}),
		Logger:    logger,
		Metrics:   &telemetry.Counters{},
	}
	if cfg.Peer.MapID != "" {
		deps.Sharer = anchor.NewSharer(store, anchor.StaticLocalizer(cfg.Peer.MapID), anchor.DefaultSharerConfig())
	}
	session, err := grab.NewSession(cfg.Session(), deps)
	if err != nil {
		return err
	}
	session.OnOwnershipChanged(func(evt grab.OwnershipChanged) {
		logger.Printf("[peer] %s: owner %q -> %q (epoch %d, %s)", evt.ObjectID, evt.Previous, evt.Owner, evt.Epoch, evt.Outcome)
	})
	session.OnRequestFailed(func(err *grab.RequestError) {
		logger.Printf("[peer] %v", err)
	})
	if err := session.Attach(ctx); err != nil {
		return err
	}
	defer session.Detach(context.Background())

	grabber := grab.NewGrabber(session, &orbitHand{clock: clock, start: clock.Now(), radius: orbitRadius, period: orbitPeriod}, grab.DefaultGrabberConfig())
	logger.Printf("peer %s connecting to %s", actor, cfg.Peer.ServerURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(cfg.TickRate))
		defer ticker.Stop()
		lastToggle := clock.Now()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if err := session.Tick(gctx, now); err != nil {
					logger.Printf("[peer] tick: %v", err)
				}
				if now.Sub(lastToggle) < toggleInterval {
					continue
				}
				lastToggle = now
				if object, err := grabber.Toggle(gctx); err != nil && !errors.Is(err, grab.ErrNothingInReach) && !errors.Is(err, grab.ErrCooldown) {
					logger.Printf("[peer] toggle %s: %v", object, err)
				}
			}
		}
	})
	return g.Wait()
}

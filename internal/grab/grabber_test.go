package grab

import (
	"context"
	"errors"
	"testing"
	"time"

	"colocate/internal/authority"
	"colocate/internal/spatial"
)

func grabberWorld(t *testing.T) (*testWorld, *testPeer) {
	t.Helper()
	w := newWorld(t,
		dynamicObject("far", spatial.Vec3{X: 0.1}),
		dynamicObject("near", spatial.Vec3{X: 0.05}),
		dynamicObject("out", spatial.Vec3{X: 1}),
	)
	return w, w.addPeer("alice")
}

func TestGrabberPicksNearestAndToggles(t *testing.T) {
	w, alice := grabberWorld(t)
	ctx := context.Background()
	g := NewGrabber(alice.session, &hand{pose: spatial.IdentityPose}, DefaultGrabberConfig())

	target, err := g.Toggle(ctx)
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if target != "near" {
		t.Fatalf("expected nearest object, got %q", target)
	}
	if _, err := g.Toggle(ctx); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected ErrCooldown, got %v", err)
	}

	w.step(DefaultCooldown)
	if state := alice.session.State("near"); state != authority.StateOwned {
		t.Fatalf("expected near owned, got %s", state)
	}

	released, err := g.Toggle(ctx)
	if err != nil || released != "near" {
		t.Fatalf("expected release of near, got %q %v", released, err)
	}
	if state := alice.session.State("near"); state != authority.StateReleasing {
		t.Fatalf("expected releasing, got %s", state)
	}
	if g.Target() != "" {
		t.Fatalf("target should be cleared after release")
	}
}

func TestGrabberWithdrawsPendingRequest(t *testing.T) {
	w, alice := grabberWorld(t)
	ctx := context.Background()
	g := NewGrabber(alice.session, &hand{pose: spatial.IdentityPose}, GrabberConfig{Cooldown: 0})

	if _, err := g.Toggle(ctx); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	withdrawn, err := g.Toggle(ctx)
	if err != nil || withdrawn != "near" {
		t.Fatalf("expected withdrawal of near, got %q %v", withdrawn, err)
	}
	w.step(20 * time.Millisecond)
	if state := alice.session.State("near"); state != authority.StateUnowned {
		t.Fatalf("expected near unowned after withdrawal, got %s", state)
	}
}

func TestGrabberSkipsHeldObjects(t *testing.T) {
	w, alice := grabberWorld(t)
	bob := w.addPeer("bob")
	ctx := context.Background()
	w.grab(bob, "near", &hand{pose: spatial.IdentityPose})

	g := NewGrabber(alice.session, &hand{pose: spatial.IdentityPose}, DefaultGrabberConfig())
	target, err := g.Toggle(ctx)
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if target != "far" {
		t.Fatalf("held object must be skipped, got %q", target)
	}
}

func TestGrabberNothingInReach(t *testing.T) {
	_, alice := grabberWorld(t)
	g := NewGrabber(alice.session, &hand{pose: spatial.NewPose(spatial.Vec3{Y: 5}, spatial.Identity)}, DefaultGrabberConfig())
	if _, err := g.Toggle(context.Background()); !errors.Is(err, ErrNothingInReach) {
		t.Fatalf("expected ErrNothingInReach, got %v", err)
	}
	if g.Target() != "" {
		t.Fatalf("no target expected")
	}
}

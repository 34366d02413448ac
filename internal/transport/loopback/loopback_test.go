package loopback

import (
	"errors"
	"testing"

	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/transport"
)

func newHub(t *testing.T) *relay.Hub {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Seed = []proto.ObjectState{{Object: ownership.Object{ID: "cube"}}}
	hub, err := relay.NewHub(cfg, relay.Deps{})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	return hub
}

func TestDialQueuesStatusAndKeyframe(t *testing.T) {
	tr, err := Dial(newHub(t), "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	events := tr.Poll()
	if len(events) != 2 {
		t.Fatalf("expected keyframe and status, got %#v", events)
	}
	if _, ok := events[0].(transport.Keyframe); !ok {
		t.Fatalf("expected keyframe first, got %#v", events[0])
	}
	if status, ok := events[1].(transport.StatusChanged); !ok || !status.Connected {
		t.Fatalf("expected connected status, got %#v", events[1])
	}
}

func TestRequestRoundTrip(t *testing.T) {
	hub := newHub(t)
	tr, err := Dial(hub, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	tr.Poll()
	if err := tr.RequestAuthority("cube", "r-1", 1); err != nil {
		t.Fatalf("RequestAuthority failed: %v", err)
	}
	hub.Advance()

	events := tr.Poll()
	if len(events) != 2 {
		t.Fatalf("expected change and resolution, got %#v", events)
	}
	change, ok := events[0].(transport.AuthorityChanged)
	if !ok || change.Change.Owner != "alice" || change.Change.RequestID != "r-1" {
		t.Fatalf("unexpected first event %#v", events[0])
	}
	if res, ok := events[1].(transport.RequestResolved); !ok || !res.Resolution.Granted {
		t.Fatalf("unexpected second event %#v", events[1])
	}
}

func TestDisconnectRevokesAndBlocksSends(t *testing.T) {
	hub := newHub(t)
	tr, err := Dial(hub, "alice")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := tr.RequestAuthority("cube", "r-1", 1); err != nil {
		t.Fatalf("RequestAuthority failed: %v", err)
	}
	hub.Advance()
	tr.Poll()

	tr.Disconnect()
	if owner, _ := hub.Registry().CurrentOwner("cube"); owner != ownership.None {
		t.Fatalf("expected revocation on disconnect, got %q", owner)
	}
	if err := tr.RequestKeyframe(); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	events := tr.Poll()
	if len(events) != 1 {
		t.Fatalf("expected only the status event, got %#v", events)
	}
	if status := events[0].(transport.StatusChanged); status.Connected {
		t.Fatalf("expected disconnected status")
	}

	if err := tr.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if !tr.Connected() {
		t.Fatalf("expected connected after reconnect")
	}
}

package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"colocate/internal/config"
	servernet "colocate/internal/net"
	"colocate/internal/relay"
)

func TestPeerActorDefaultsToRandomID(t *testing.T) {
	cfg := config.DefaultConfig()
	first, second := PeerActor(cfg), PeerActor(cfg)
	if !strings.HasPrefix(string(first), "peer-") || first == second {
		t.Fatalf("expected distinct generated ids, got %q and %q", first, second)
	}
	cfg.Peer.Actor = "alice"
	if PeerActor(cfg) != "alice" {
		t.Fatalf("configured actor ignored")
	}
}

func TestRunPeerJoinsRelay(t *testing.T) {
	hub, err := relay.NewHub(relay.DefaultConfig(), relay.Deps{})
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	srv := httptest.NewServer(servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{}))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Log.Sinks = []string{"memory"}
	cfg.Peer.Actor = "bot"
	cfg.Peer.Format = "cbor"
	cfg.Peer.MapID = "office"
	cfg.Peer.ServerURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPeer(ctx, cfg.Normalized()) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		peers := hub.Diagnostics().Peers
		if len(peers) == 1 && peers[0].Actor == "bot" && peers[0].Format == "cbor" {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("peer never connected, diagnostics=%+v", hub.Diagnostics())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunPeer returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("RunPeer did not stop")
	}
}

package relay

import (
	"sort"
	"time"

	"colocate/internal/net/proto"
)

// PeerDiagnostics describes one connected peer.
type PeerDiagnostics struct {
	Actor     string    `json:"actor"`
	Format    string    `json:"format,omitempty"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Diagnostics is a point-in-time view of the relay.
type Diagnostics struct {
	Tick    uint64              `json:"tick"`
	Peers   []PeerDiagnostics   `json:"peers"`
	Objects []proto.ObjectState `json:"objects"`
	Pending int                 `json:"pending"`
	Digest  string              `json:"digest"`
	Queued  int                 `json:"queued"`
}

// Diagnostics snapshots peers and objects.
func (h *Hub) Diagnostics() Diagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]PeerDiagnostics, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, PeerDiagnostics{
			Actor:     string(p.id),
			Format:    p.format,
			Connected: p.connected,
			LastSeen:  p.lastSeen,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Actor < peers[j].Actor })
	keyframe := h.keyframeLocked()
	return Diagnostics{
		Tick:    h.tick,
		Peers:   peers,
		Objects: keyframe.Objects,
		Pending: h.registry.Pending(),
		Digest:  keyframe.Digest,
		Queued:  h.loop.Pending(),
	}
}

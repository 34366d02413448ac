package network

import (
	"context"

	"colocate/logging"
)

const (
	// EventPeerConnected is emitted when a peer joins the relay.
	EventPeerConnected logging.EventType = "network.peer_connected"
	// EventPeerDisconnected is emitted when a peer leaves or times out.
	EventPeerDisconnected logging.EventType = "network.peer_disconnected"
	// EventStateRejected is emitted when a pose update fails the epoch fence.
	EventStateRejected logging.EventType = "network.state_rejected"
	// EventCommandDropped is emitted when a command cannot be queued.
	EventCommandDropped logging.EventType = "network.command_dropped"
	// EventTransportStatus is emitted when a peer's link goes up or down.
	EventTransportStatus logging.EventType = "network.transport_status"
	// EventDigestMismatch is emitted when a replica diverges from the relay.
	EventDigestMismatch logging.EventType = "network.digest_mismatch"
)

// PeerPayload captures connection metadata.
type PeerPayload struct {
	Format   string `json:"format,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Revoked  int    `json:"revoked,omitempty"`
	Purged   int    `json:"purged,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
	Objects  int    `json:"objects,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// StateRejectedPayload explains a fenced pose update.
type StateRejectedPayload struct {
	Epoch        uint64 `json:"epoch"`
	CurrentEpoch uint64 `json:"currentEpoch"`
	Owner        string `json:"owner,omitempty"`
}

// CommandDroppedPayload names the command that was discarded.
type CommandDroppedPayload struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// StatusPayload reports transport reachability.
type StatusPayload struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// DigestPayload carries both sides of a digest comparison.
type DigestPayload struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// PeerConnected publishes a join.
func PeerConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerDisconnected publishes a departure.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PeerPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// StateRejected publishes a fenced pose update.
func StateRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload StateRejectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventStateRejected,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{object},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// CommandDropped publishes a discarded command.
func CommandDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandDroppedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventCommandDropped,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// TransportStatus publishes a link state change.
func TransportStatus(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload StatusPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if !payload.Connected {
		severity = logging.SeverityWarn
	}
	event := logging.Event{
		Type:     EventTransportStatus,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// DigestMismatch publishes a divergent replica.
func DigestMismatch(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DigestPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventDigestMismatch,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

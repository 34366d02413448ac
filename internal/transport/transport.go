// Package transport is the narrow capability a peer session needs from the
// network: send requests and pose updates, poll what the relay delivered.
package transport

import (
	"errors"

	"colocate/internal/anchor"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/spatial"
)

// ErrUnavailable is returned by send operations while disconnected.
var ErrUnavailable = errors.New("transport: unavailable")

// Transport delivers a peer's messages to the relay and collects the relay's
// messages for the next tick. Sends must preserve order. Implementations
// must be safe for concurrent use.
type Transport interface {
	LocalActor() ownership.ActorID
	RequestAuthority(object ownership.ObjectID, requestID string, timestamp int64) error
	CancelRequest(object ownership.ObjectID, requestID string) error
	ReleaseAuthority(object ownership.ObjectID, epoch uint64, body release.Body) error
	BroadcastState(object ownership.ObjectID, epoch uint64, pose spatial.Pose, body release.Body) error
	Spawn(state proto.ObjectState) error
	AnnounceAnchor(ann anchor.Announcement) error
	RequestKeyframe() error
	// Poll returns and clears every event received since the last call, in
	// arrival order.
	Poll() []Event
	Connected() bool
}

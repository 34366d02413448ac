package proto

import (
	"colocate/internal/anchor"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/spatial"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Peer → relay message types.
const (
	TypeRequest         = "request"
	TypeCancel          = "cancel"
	TypeRelease         = "release"
	TypeState           = "state"
	TypeSpawn           = "spawn"
	TypeAnchor          = "anchor"
	TypeKeyframeRequest = "keyframeRequest"
	TypeHeartbeat       = "heartbeat"
)

// Relay → peer message types. TypeState, TypeAnchor and TypeHeartbeat are
// used in both directions.
const (
	TypeKeyframe      = "keyframe"
	TypeAuthority     = "authority"
	TypeResolution    = "resolution"
	TypeSpawned       = "spawned"
	TypeRemoved       = "removed"
	TypeDigest        = "digest"
	TypeCommandReject = "commandReject"
)

// Reasons carried by commandReject.
const (
	RejectQueueLimit   = "queue_limit"
	RejectUnknownType  = "unknown_type"
	RejectInvalid      = "invalid"
	RejectUnknownActor = "unknown_actor"
)

// ObjectState is the full replicated record of one object.
type ObjectState struct {
	Object ownership.Object   `json:"object"`
	Pose   spatial.Pose       `json:"pose"`
	Rest   release.RestConfig `json:"rest"`
	Body   release.Body       `json:"body"`
}

// Message is the single envelope exchanged over a peer connection. Only the
// fields relevant to Type are set.
type Message struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
	Tick uint64 `json:"tick,omitempty"`

	ObjectID  ownership.ObjectID `json:"objectId,omitempty"`
	Actor     ownership.ActorID  `json:"actor,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
	Epoch     uint64             `json:"epoch,omitempty"`

	Change     *ownership.Change     `json:"change,omitempty"`
	Resolution *ownership.Resolution `json:"resolution,omitempty"`
	Pose       *spatial.Pose         `json:"pose,omitempty"`
	Body       *release.Body         `json:"body,omitempty"`
	Object     *ObjectState          `json:"state,omitempty"`
	Objects    []ObjectState         `json:"objects,omitempty"`
	Anchor     *anchor.Announcement  `json:"anchor,omitempty"`

	Digest     string `json:"digest,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SentAt     int64  `json:"sentAt,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
	RTTMillis  int64  `json:"rtt,omitempty"`
}

// Validate checks that a peer message carries the fields its type needs.
func (m Message) Validate() error {
	switch m.Type {
	case TypeRequest:
		if m.ObjectID == "" || m.RequestID == "" {
			return errMissing(m.Type, "objectId/requestId")
		}
	case TypeCancel:
		if m.RequestID == "" {
			return errMissing(m.Type, "requestId")
		}
	case TypeRelease:
		if m.ObjectID == "" {
			return errMissing(m.Type, "objectId")
		}
	case TypeState:
		if m.ObjectID == "" || m.Pose == nil {
			return errMissing(m.Type, "objectId/pose")
		}
	case TypeSpawn:
		if m.Object == nil || m.Object.Object.ID == "" {
			return errMissing(m.Type, "state.object.id")
		}
	case TypeAnchor:
		if m.Anchor == nil || m.Anchor.MapID == "" {
			return errMissing(m.Type, "anchor.mapId")
		}
	case TypeKeyframeRequest, TypeHeartbeat:
	case "":
		return ErrMissingType
	default:
		return errUnknownType(m.Type)
	}
	return nil
}

// Request builds an ownership request.
func Request(objectID ownership.ObjectID, requestID string, timestamp int64) Message {
	return Message{Ver: Version, Type: TypeRequest, ObjectID: objectID, RequestID: requestID, Timestamp: timestamp}
}

// Cancel withdraws a pending request.
func Cancel(objectID ownership.ObjectID, requestID string) Message {
	return Message{Ver: Version, Type: TypeCancel, ObjectID: objectID, RequestID: requestID}
}

// Release gives up authority held under epoch and reports the body the
// object was left in.
func Release(objectID ownership.ObjectID, epoch uint64, body release.Body) Message {
	return Message{Ver: Version, Type: TypeRelease, ObjectID: objectID, Epoch: epoch, Body: &body}
}

// State carries one pose update issued under epoch.
func State(objectID ownership.ObjectID, epoch uint64, pose spatial.Pose, body release.Body) Message {
	return Message{Ver: Version, Type: TypeState, ObjectID: objectID, Epoch: epoch, Pose: &pose, Body: &body}
}

// Spawn asks the relay to register a new object.
func Spawn(state ObjectState) Message {
	return Message{Ver: Version, Type: TypeSpawn, ObjectID: state.Object.ID, Object: &state}
}

// AnchorAnnouncement shares an anchor with the session.
func AnchorAnnouncement(ann anchor.Announcement) Message {
	return Message{Ver: Version, Type: TypeAnchor, Anchor: &ann}
}

// KeyframeRequest asks the relay for a full snapshot.
func KeyframeRequest() Message {
	return Message{Ver: Version, Type: TypeKeyframeRequest}
}

// Heartbeat keeps the connection alive.
func Heartbeat(sentAt int64) Message {
	return Message{Ver: Version, Type: TypeHeartbeat, SentAt: sentAt}
}

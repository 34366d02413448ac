package transport

import (
	"sync"

	"colocate/internal/anchor"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/spatial"
)

// Event is one delivery from the relay.
type Event interface {
	event()
}

// AuthorityChanged carries an accepted ownership transition.
type AuthorityChanged struct {
	Tick   uint64
	Change ownership.Change
}

// RequestResolved carries the relay's answer to a local request.
type RequestResolved struct {
	Tick       uint64
	Resolution ownership.Resolution
}

// StateReceived is a pose update from the object's owner.
type StateReceived struct {
	Tick   uint64
	Object ownership.ObjectID
	Actor  ownership.ActorID
	Epoch  uint64
	Pose   spatial.Pose
	Body   release.Body
}

// ObjectSpawned announces a new object.
type ObjectSpawned struct {
	Tick  uint64
	State proto.ObjectState
}

// ObjectRemoved announces a destroyed object.
type ObjectRemoved struct {
	Tick   uint64
	Object ownership.ObjectID
}

// Keyframe replaces the whole replicated table.
type Keyframe struct {
	Tick    uint64
	Objects []proto.ObjectState
	Digest  string
}

// AnchorAnnounced is an anchor shared by another peer.
type AnchorAnnounced struct {
	Tick         uint64
	Actor        ownership.ActorID
	Announcement anchor.Announcement
}

// StatusChanged reports connectivity transitions.
type StatusChanged struct {
	Connected bool
	Err       error
}

// Digest is the relay's owner-table digest at Tick.
type Digest struct {
	Tick   uint64
	Digest string
}

// CommandRejected reports a message the relay refused.
type CommandRejected struct {
	Tick      uint64
	Object    ownership.ObjectID
	RequestID string
	Epoch     uint64
	Reason    string
}

func (AuthorityChanged) event() {}
func (RequestResolved) event()  {}
func (StateReceived) event()    {}
func (ObjectSpawned) event()    {}
func (ObjectRemoved) event()    {}
func (Keyframe) event()         {}
func (AnchorAnnounced) event()  {}
func (StatusChanged) event()    {}
func (Digest) event()           {}
func (CommandRejected) event()  {}

// EventFromMessage converts a relay message into an event. Heartbeats and
// unknown types report false.
func EventFromMessage(msg proto.Message) (Event, bool) {
	switch msg.Type {
	case proto.TypeAuthority:
		if msg.Change == nil {
			return nil, false
		}
		return AuthorityChanged{Tick: msg.Tick, Change: *msg.Change}, true
	case proto.TypeResolution:
		if msg.Resolution == nil {
			return nil, false
		}
		return RequestResolved{Tick: msg.Tick, Resolution: *msg.Resolution}, true
	case proto.TypeState:
		if msg.Pose == nil {
			return nil, false
		}
		evt := StateReceived{Tick: msg.Tick, Object: msg.ObjectID, Actor: msg.Actor, Epoch: msg.Epoch, Pose: *msg.Pose}
		if msg.Body != nil {
			evt.Body = *msg.Body
		} else {
			evt.Body = release.Hold()
		}
		return evt, true
	case proto.TypeSpawned:
		if msg.Object == nil {
			return nil, false
		}
		return ObjectSpawned{Tick: msg.Tick, State: *msg.Object}, true
	case proto.TypeRemoved:
		return ObjectRemoved{Tick: msg.Tick, Object: msg.ObjectID}, true
	case proto.TypeKeyframe:
		return Keyframe{Tick: msg.Tick, Objects: msg.Objects, Digest: msg.Digest}, true
	case proto.TypeAnchor:
		if msg.Anchor == nil {
			return nil, false
		}
		return AnchorAnnounced{Tick: msg.Tick, Actor: msg.Actor, Announcement: *msg.Anchor}, true
	case proto.TypeDigest:
		return Digest{Tick: msg.Tick, Digest: msg.Digest}, true
	case proto.TypeCommandReject:
		return CommandRejected{Tick: msg.Tick, Object: msg.ObjectID, RequestID: msg.RequestID, Epoch: msg.Epoch, Reason: msg.Reason}, true
	default:
		return nil, false
	}
}

// Inbox is a concurrency-safe FIFO of events shared by implementations.
type Inbox struct {
	mu     sync.Mutex
	events []Event
}

// Push appends evt.
func (i *Inbox) Push(evt Event) {
	i.mu.Lock()
	i.events = append(i.events, evt)
	i.mu.Unlock()
}

// PushMessage converts and appends msg, reporting whether it produced an
// event.
func (i *Inbox) PushMessage(msg proto.Message) bool {
	evt, ok := EventFromMessage(msg)
	if ok {
		i.Push(evt)
	}
	return ok
}

// Drain returns and clears the queued events.
func (i *Inbox) Drain() []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.events
	i.events = nil
	return out
}

// Len reports the number of queued events.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

// Package loopback connects a peer session directly to an in-process relay
// hub. It is used by tests and by the single-process demo.
package loopback

import (
	"fmt"
	"sync"

	"colocate/internal/anchor"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/release"
	"colocate/internal/spatial"
	"colocate/internal/transport"
)

// Transport is a transport.Transport backed by a relay.Hub.
type Transport struct {
	hub   *relay.Hub
	actor ownership.ActorID
	inbox transport.Inbox

	mu        sync.Mutex
	connected bool
	seq       uint64
}

var _ transport.Transport = (*Transport)(nil)

// Dial connects actor to hub. The keyframe is queued as the first event.
func Dial(hub *relay.Hub, actor ownership.ActorID) (*Transport, error) {
	t := &Transport{hub: hub, actor: actor}
	if err := t.Reconnect(); err != nil {
		return nil, err
	}
	return t, nil
}

// Send implements relay.Outbox.
func (t *Transport) Send(msg proto.Message) error {
	t.inbox.PushMessage(msg)
	return nil
}

// Disconnect drops the connection as if the network failed. The relay
// revokes everything the actor owned.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.mu.Unlock()
	t.hub.DisconnectIf(t.actor, t, "closed")
	t.inbox.Push(transport.StatusChanged{Connected: false, Err: transport.ErrUnavailable})
}

// Reconnect re-attaches to the hub. The relay answers with a fresh keyframe.
func (t *Transport) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	if _, err := t.hub.Connect(t.actor, "loopback", t); err != nil {
		return fmt.Errorf("loopback: connect %s: %w", t.actor, err)
	}
	t.connected = true
	t.inbox.Push(transport.StatusChanged{Connected: true})
	return nil
}

func (t *Transport) LocalActor() ownership.ActorID { return t.actor }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Poll() []transport.Event { return t.inbox.Drain() }

func (t *Transport) RequestAuthority(object ownership.ObjectID, requestID string, timestamp int64) error {
	return t.submit(proto.Request(object, requestID, timestamp))
}

func (t *Transport) CancelRequest(object ownership.ObjectID, requestID string) error {
	return t.submit(proto.Cancel(object, requestID))
}

func (t *Transport) ReleaseAuthority(object ownership.ObjectID, epoch uint64, body release.Body) error {
	return t.submit(proto.Release(object, epoch, body))
}

func (t *Transport) BroadcastState(object ownership.ObjectID, epoch uint64, pose spatial.Pose, body release.Body) error {
	return t.submit(proto.State(object, epoch, pose, body))
}

func (t *Transport) Spawn(state proto.ObjectState) error {
	return t.submit(proto.Spawn(state))
}

func (t *Transport) AnnounceAnchor(ann anchor.Announcement) error {
	return t.submit(proto.AnchorAnnouncement(ann))
}

func (t *Transport) RequestKeyframe() error {
	return t.submit(proto.KeyframeRequest())
}

func (t *Transport) submit(msg proto.Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrUnavailable
	}
	t.seq++
	msg.Seq = t.seq
	t.mu.Unlock()
	return t.hub.Submit(t.actor, msg)
}

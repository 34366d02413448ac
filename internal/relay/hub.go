// Package relay hosts the authoritative ownership registry and fans
// ownership changes, pose updates and anchor announcements out to peers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/sim"
	"colocate/internal/spatial"
	"colocate/internal/telemetry"
	"colocate/logging"
	lognet "colocate/logging/network"
	logown "colocate/logging/ownership"
)

var (
	// ErrUnknownPeer is returned for messages from actors that are not
	// connected.
	ErrUnknownPeer = errors.New("relay: unknown peer")
	// ErrCommandRejected is returned when a command could not be queued.
	ErrCommandRejected = errors.New("relay: command rejected")
)

// Outbox delivers messages to one peer. Send must not block for long and
// must preserve order.
type Outbox interface {
	Send(msg proto.Message) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(msg proto.Message) error

func (f OutboxFunc) Send(msg proto.Message) error { return f(msg) }

// Deps are the ambient collaborators of the hub.
type Deps struct {
	Clock     logging.Clock
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

type peer struct {
	id        ownership.ActorID
	outbox    Outbox
	format    string
	conn      uint64
	connected time.Time
	lastSeen  time.Time
}

// Hub is the relay's session state. Every mutation of the registry and
// every broadcast happens under mu, so all peers observe transitions in the
// same order.
type Hub struct {
	cfg       Config
	registry  *ownership.Registry
	loop      *sim.Loop
	clock     logging.Clock
	publisher logging.Publisher
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	mu      sync.Mutex
	tick    uint64
	conns   uint64
	peers   map[ownership.ActorID]*peer
	objects map[ownership.ObjectID]*proto.ObjectState
	// broken holds peers whose outbox failed during a tick.
	broken map[ownership.ActorID]error
}

// NewHub constructs a hub and registers the configured seed objects.
func NewHub(cfg Config, deps Deps) (*Hub, error) {
	cfg = cfg.normalized()
	if deps.Clock == nil {
		deps.Clock = logging.ClockFunc(time.Now)
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.LoggerFunc(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	h := &Hub{
		cfg:       cfg,
		registry:  ownership.NewRegistry(),
		clock:     deps.Clock,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		peers:     make(map[ownership.ActorID]*peer),
		objects:   make(map[ownership.ObjectID]*proto.ObjectState),
		broken:    make(map[ownership.ActorID]error),
	}
	h.loop = sim.NewLoop(h, cfg.Loop, sim.LoopDeps{Clock: deps.Clock, Logger: deps.Logger, Metrics: deps.Metrics}, sim.LoopHooks{
		NextTick: h.nextTick,
		OnCommandDrop: func(reason string, cmd sim.Command) {
			lognet.CommandDropped(context.Background(), h.publisher, h.currentTick(), logging.PeerRef(cmd.ActorID), lognet.CommandDroppedPayload{Type: cmd.Type, Reason: reason}, nil)
		},
		OnQueueWarning: func(length int) {
			h.logger.Printf("[relay] command queue at %d", length)
		},
	})
	for _, state := range cfg.Seed {
		if err := h.registerLocked(state); err != nil {
			return nil, fmt.Errorf("relay: seed %s: %w", state.Object.ID, err)
		}
	}
	return h, nil
}

// Registry exposes the authoritative owner table for read-only use.
func (h *Hub) Registry() *ownership.Registry { return h.registry }

// Run drives the tick loop until stop closes.
func (h *Hub) Run(stop <-chan struct{}) {
	h.loop.Run(stop)
}

// Advance runs one tick immediately. Tests and the loopback transport use
// it instead of Run.
func (h *Hub) Advance() sim.StepResult {
	now := h.clock.Now()
	return h.loop.Advance(sim.TickContext{Tick: h.nextTick(), Now: now, Delta: 1 / float64(h.cfg.Loop.TickRate)})
}

func (h *Hub) nextTick() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick++
	return h.tick
}

func (h *Hub) currentTick() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tick
}

// Connect attaches actor and sends it the keyframe, which is also returned.
// The keyframe is queued on outbox before any broadcast can reach it.
// Reconnecting replaces the previous outbox.
func (h *Hub) Connect(actor ownership.ActorID, format string, outbox Outbox) (proto.Message, error) {
	if actor == ownership.None {
		return proto.Message{}, ownership.ErrInvalidActor
	}
	if outbox == nil {
		return proto.Message{}, fmt.Errorf("relay: nil outbox for %s", actor)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	previous, resumed := h.peers[actor]
	if resumed {
		h.loop.Purge(string(actor), previous.conn)
	}
	h.conns++
	p := &peer{id: actor, outbox: outbox, format: format, conn: h.conns, connected: now, lastSeen: now}
	h.peers[actor] = p
	delete(h.broken, actor)
	h.metrics.Store(telemetry.MetricPeersConnected, uint64(len(h.peers)))
	keyframe := h.keyframeLocked()
	if err := outbox.Send(keyframe); err != nil {
		h.disconnectLocked(actor, "keyframe_failed")
		return proto.Message{}, fmt.Errorf("relay: send keyframe to %s: %w", actor, err)
	}
	lognet.PeerConnected(context.Background(), h.publisher, h.tick, logging.PeerRef(string(actor)), lognet.PeerPayload{
		Format:   format,
		Resumed:  resumed,
		Objects:  len(keyframe.Objects),
		Protocol: proto.Version,
	}, nil)
	return keyframe, nil
}

// Disconnect detaches actor and revokes everything it owned.
func (h *Hub) Disconnect(actor ownership.ActorID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked(actor, reason)
}

// DisconnectIf detaches actor only if outbox is still its current outbox.
// Connection handlers use it so a stale connection closing does not evict a
// newer one.
func (h *Hub) DisconnectIf(actor ownership.ActorID, outbox Outbox, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[actor]
	if !ok || p.outbox != outbox {
		return
	}
	h.disconnectLocked(actor, reason)
}

func (h *Hub) disconnectLocked(actor ownership.ActorID, reason string) {
	p, ok := h.peers[actor]
	if !ok {
		return
	}
	delete(h.peers, actor)
	delete(h.broken, actor)
	purged := h.loop.Purge(string(actor), p.conn)
	changes := h.registry.RevokeActor(actor)
	for _, change := range changes {
		h.settleLocked(change)
		h.broadcastLocked(h.authorityMessage(change), ownership.None)
	}
	h.metrics.Add(telemetry.MetricRevocations, uint64(len(changes)))
	h.metrics.Store(telemetry.MetricPeersConnected, uint64(len(h.peers)))
	lognet.PeerDisconnected(context.Background(), h.publisher, h.tick, logging.PeerRef(string(actor)), lognet.PeerPayload{Reason: reason, Revoked: len(changes), Purged: purged}, nil)
}

// Submit accepts a message from a connected peer. Heartbeats and keyframe
// requests are answered immediately; everything else is staged for the next
// tick.
func (h *Hub) Submit(actor ownership.ActorID, msg proto.Message) error {
	if err := msg.Validate(); err != nil {
		h.reject(actor, msg, proto.RejectInvalid)
		return err
	}
	h.mu.Lock()
	p, ok := h.peers[actor]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, actor)
	}
	now := h.clock.Now()
	p.lastSeen = now
	switch msg.Type {
	case proto.TypeHeartbeat:
		reply := proto.Message{Ver: proto.Version, Type: proto.TypeHeartbeat, Tick: h.tick, ServerTime: now.UnixMilli(), SentAt: msg.SentAt}
		if msg.SentAt > 0 {
			reply.RTTMillis = now.UnixMilli() - msg.SentAt
		}
		h.sendLocked(p, reply)
		h.mu.Unlock()
		return nil
	case proto.TypeKeyframeRequest:
		h.sendLocked(p, h.keyframeLocked())
		h.mu.Unlock()
		return nil
	}
	cmd := sim.NewCommand(string(actor), msg, now)
	cmd.Conn = p.conn
	h.mu.Unlock()

	if ok, reason := h.loop.Enqueue(cmd); !ok {
		h.reject(actor, msg, reason)
		return fmt.Errorf("%w: %s", ErrCommandRejected, reason)
	}
	return nil
}

func (h *Hub) reject(actor ownership.ActorID, msg proto.Message, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[actor]; ok {
		h.sendLocked(p, proto.Message{
			Ver:       proto.Version,
			Type:      proto.TypeCommandReject,
			Seq:       msg.Seq,
			Tick:      h.tick,
			ObjectID:  msg.ObjectID,
			RequestID: msg.RequestID,
			Reason:    reason,
		})
	}
}

// Apply implements sim.Core. Commands are applied in arrival order.
func (h *Hub) Apply(tick sim.TickContext, commands []sim.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctx := context.Background()
	for _, cmd := range commands {
		actor := ownership.ActorID(cmd.ActorID)
		if p, ok := h.peers[actor]; !ok || p.conn != cmd.Conn {
			continue
		}
		msg := cmd.Message
		switch msg.Type {
		case proto.TypeRequest:
			h.applyRequestLocked(ctx, actor, msg)
		case proto.TypeCancel:
			if h.registry.Cancel(msg.RequestID) {
				h.metrics.Add(telemetry.MetricRequestsCancelled, 1)
				logown.Cancelled(ctx, h.publisher, h.tick, logging.PeerRef(string(actor)), logging.ObjectRef(string(msg.ObjectID)), msg.RequestID, nil)
			}
		case proto.TypeRelease:
			h.applyReleaseLocked(ctx, actor, msg)
		case proto.TypeState:
			h.applyStateLocked(ctx, actor, msg)
		case proto.TypeSpawn:
			if err := h.registerLocked(*msg.Object); err != nil {
				h.sendRejectLocked(actor, msg, err.Error())
			}
		case proto.TypeAnchor:
			forwarded := msg
			forwarded.Actor = actor
			forwarded.Tick = h.tick
			h.broadcastLocked(forwarded, actor)
			h.metrics.Add(telemetry.MetricAnchorsAnnounced, 1)
		}
	}
}

func (h *Hub) applyRequestLocked(ctx context.Context, actor ownership.ActorID, msg proto.Message) {
	req := ownership.Request{ID: msg.RequestID, ObjectID: msg.ObjectID, Actor: actor, Timestamp: msg.Timestamp}
	if _, err := h.registry.RequestOwnership(req); err != nil {
		reason := ownership.ReasonUnknownObject
		switch {
		case errors.Is(err, ownership.ErrAlreadyOwner):
			reason = ownership.ReasonAlreadyOwner
		case errors.Is(err, ownership.ErrRequestPending):
			reason = "pending"
		}
		h.resolveLocked(ctx, ownership.Resolution{Request: req, Reason: reason})
		return
	}
	h.metrics.Add(telemetry.MetricRequestsStaged, 1)
}

func (h *Hub) applyReleaseLocked(ctx context.Context, actor ownership.ActorID, msg proto.Message) {
	change, err := h.registry.ReleaseOwnership(msg.ObjectID, actor, msg.Epoch)
	if err != nil {
		h.sendRejectLocked(actor, msg, err.Error())
		return
	}
	h.settleLocked(change)
	h.broadcastLocked(h.authorityMessage(change), ownership.None)
	h.metrics.Add(telemetry.MetricReleases, 1)

	payload := logown.ReleasePayload{Epoch: change.Epoch}
	if msg.Body != nil {
		payload.RestMode = string(msg.Body.Mode)
		payload.ReleaseSpeed = msg.Body.Linear.Length()
	}
	logown.Released(ctx, h.publisher, h.tick, logging.PeerRef(string(actor)), logging.ObjectRef(string(msg.ObjectID)), payload, nil)
}

func (h *Hub) applyStateLocked(ctx context.Context, actor ownership.ActorID, msg proto.Message) {
	if !h.registry.Accepts(msg.ObjectID, actor, msg.Epoch) {
		h.metrics.Add(telemetry.MetricStateRejected, 1)
		current, _ := h.registry.Object(msg.ObjectID)
		lognet.StateRejected(ctx, h.publisher, h.tick, logging.PeerRef(string(actor)), logging.ObjectRef(string(msg.ObjectID)), lognet.StateRejectedPayload{
			Epoch:        msg.Epoch,
			CurrentEpoch: current.Epoch,
			Owner:        string(current.Owner),
		}, nil)
		return
	}
	record, ok := h.objects[msg.ObjectID]
	if !ok {
		return
	}
	record.Pose = *msg.Pose
	if msg.Body != nil {
		record.Body = *msg.Body
	}
	forwarded := msg
	forwarded.Actor = actor
	forwarded.Tick = h.tick
	h.broadcastLocked(forwarded, actor)
	h.metrics.Add(telemetry.MetricStateForwarded, 1)
}

// Step implements sim.Core: arbitrate, expire silent peers, drop broken
// peers and publish a digest.
func (h *Hub) Step(tick sim.TickContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctx := context.Background()

	outcome := h.registry.Arbitrate()
	for _, change := range outcome.Changes {
		h.syncRecordLocked(change)
		h.broadcastLocked(h.authorityMessage(change), ownership.None)
		logown.Granted(ctx, h.publisher, h.tick, logging.PeerRef(string(change.Owner)), logging.ObjectRef(string(change.ObjectID)), change.RequestID, logown.GrantPayload{
			Epoch:    change.Epoch,
			Previous: string(change.Previous),
			Override: change.Cause == ownership.CauseOverridden,
		}, nil)
		if change.Cause == ownership.CauseOverridden {
			logown.Lost(ctx, h.publisher, h.tick, logging.PeerRef(string(change.Previous)), logging.ObjectRef(string(change.ObjectID)), logown.LossPayload{
				Epoch:    change.Epoch,
				NewOwner: string(change.Owner),
				Cause:    string(change.Cause),
			}, nil)
		}
	}
	for _, res := range outcome.Resolutions {
		h.resolveLocked(ctx, res)
	}

	cutoff := tick.Now.Add(-h.cfg.HeartbeatTimeout)
	expired := make([]ownership.ActorID, 0)
	for id, p := range h.peers {
		if p.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		h.metrics.Add(telemetry.MetricPeersExpired, 1)
		h.disconnectLocked(id, "heartbeat_timeout")
	}

	broken := make([]ownership.ActorID, 0, len(h.broken))
	for id := range h.broken {
		broken = append(broken, id)
	}
	sort.Slice(broken, func(i, j int) bool { return broken[i] < broken[j] })
	for _, id := range broken {
		h.disconnectLocked(id, "send_failed: "+h.broken[id].Error())
	}

	if h.cfg.DigestInterval > 0 && h.tick%h.cfg.DigestInterval == 0 {
		h.broadcastLocked(proto.Message{Ver: proto.Version, Type: proto.TypeDigest, Tick: h.tick, Digest: h.registry.Digest()}, ownership.None)
	}
}

func (h *Hub) resolveLocked(ctx context.Context, res ownership.Resolution) {
	if res.Granted {
		h.metrics.Add(telemetry.MetricRequestsGranted, 1)
	} else {
		h.metrics.Add(telemetry.MetricRequestsDenied, 1)
		logown.Denied(ctx, h.publisher, h.tick, logging.PeerRef(string(res.Request.Actor)), logging.ObjectRef(string(res.Request.ObjectID)), res.Request.ID, logown.DenialPayload{Reason: res.Reason}, nil)
	}
	p, ok := h.peers[res.Request.Actor]
	if !ok {
		return
	}
	resolution := res
	h.sendLocked(p, proto.Message{
		Ver:        proto.Version,
		Type:       proto.TypeResolution,
		Tick:       h.tick,
		ObjectID:   res.Request.ObjectID,
		RequestID:  res.Request.ID,
		Epoch:      res.Epoch,
		Reason:     res.Reason,
		Resolution: &resolution,
	})
}

// Spawn registers a new object and announces it to every peer.
func (h *Hub) Spawn(state proto.ObjectState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(state)
}

func (h *Hub) registerLocked(state proto.ObjectState) error {
	state.Object.Owner = ownership.None
	state.Object.Epoch = 0
	state.Rest = state.Rest.Normalized()
	state.Pose = spatial.NewPose(state.Pose.Position, state.Pose.Rotation)
	state.Body = release.Settle(state.Rest)
	if err := h.registry.Register(state.Object); err != nil {
		return err
	}
	stored := state
	h.objects[state.Object.ID] = &stored
	h.metrics.Add(telemetry.MetricObjectsRegistered, 1)
	spawned := stored
	h.broadcastLocked(proto.Message{Ver: proto.Version, Type: proto.TypeSpawned, Tick: h.tick, ObjectID: state.Object.ID, Object: &spawned}, ownership.None)
	return nil
}

// Remove destroys an object, revoking its owner first.
func (h *Hub) Remove(id ownership.ObjectID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.objects[id]; !ok {
		return false
	}
	if change, owned := h.registry.Remove(id); owned {
		h.broadcastLocked(h.authorityMessage(change), ownership.None)
	}
	delete(h.objects, id)
	h.broadcastLocked(proto.Message{Ver: proto.Version, Type: proto.TypeRemoved, Tick: h.tick, ObjectID: id}, ownership.None)
	return true
}

// Revoke reassigns an object to nobody, regardless of who holds it.
func (h *Hub) Revoke(id ownership.ObjectID, reason string) (ownership.Change, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	change, ok := h.registry.Revoke(id)
	if !ok {
		return ownership.Change{}, false
	}
	h.settleLocked(change)
	h.broadcastLocked(h.authorityMessage(change), ownership.None)
	h.metrics.Add(telemetry.MetricRevocations, 1)
	logown.Lost(context.Background(), h.publisher, h.tick, logging.PeerRef(string(change.Previous)), logging.ObjectRef(string(id)), logown.LossPayload{
		Epoch: change.Epoch,
		Cause: reason,
	}, nil)
	return change, true
}

func (h *Hub) authorityMessage(change ownership.Change) proto.Message {
	c := change
	return proto.Message{
		Ver:       proto.Version,
		Type:      proto.TypeAuthority,
		Tick:      h.tick,
		ObjectID:  change.ObjectID,
		Actor:     change.Owner,
		RequestID: change.RequestID,
		Epoch:     change.Epoch,
		Change:    &c,
	}
}

// syncRecordLocked mirrors a change into the object record and marks held
// objects kinematic.
func (h *Hub) syncRecordLocked(change ownership.Change) {
	record, ok := h.objects[change.ObjectID]
	if !ok {
		return
	}
	record.Object.Owner = change.Owner
	record.Object.Epoch = change.Epoch
	if change.Owner != ownership.None {
		record.Body = release.Hold()
	}
}

// settleLocked mirrors a change that left the object unowned.
func (h *Hub) settleLocked(change ownership.Change) {
	h.syncRecordLocked(change)
	if record, ok := h.objects[change.ObjectID]; ok && change.Owner == ownership.None {
		record.Body = release.Settle(record.Rest)
	}
}

func (h *Hub) broadcastLocked(msg proto.Message, except ownership.ActorID) {
	ids := make([]ownership.ActorID, 0, len(h.peers))
	for id := range h.peers {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		h.sendLocked(h.peers[id], msg)
	}
}

func (h *Hub) sendLocked(p *peer, msg proto.Message) {
	if _, broken := h.broken[p.id]; broken {
		return
	}
	if err := p.outbox.Send(msg); err != nil {
		h.broken[p.id] = err
		h.logger.Printf("[relay] send %s to %s failed: %v", msg.Type, p.id, err)
	}
}

func (h *Hub) sendRejectLocked(actor ownership.ActorID, msg proto.Message, reason string) {
	p, ok := h.peers[actor]
	if !ok {
		return
	}
	h.sendLocked(p, proto.Message{
		Ver:       proto.Version,
		Type:      proto.TypeCommandReject,
		Seq:       msg.Seq,
		Tick:      h.tick,
		ObjectID:  msg.ObjectID,
		RequestID: msg.RequestID,
		Epoch:     msg.Epoch,
		Reason:    reason,
	})
}

func (h *Hub) keyframeLocked() proto.Message {
	objects := make([]proto.ObjectState, 0, len(h.objects))
	for _, record := range h.objects {
		objects = append(objects, *record)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Object.ID < objects[j].Object.ID })
	return proto.Message{
		Ver:     proto.Version,
		Type:    proto.TypeKeyframe,
		Tick:    h.tick,
		Objects: objects,
		Digest:  h.registry.Digest(),
	}
}

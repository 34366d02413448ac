// Package grab is the peer-side entry point: a Session lets one local actor
// grab, move and release shared objects while the relay arbitrates who may
// drive each one.
package grab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"colocate/internal/anchor"
	"colocate/internal/authority"
	"colocate/internal/follow"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/release"
	"colocate/internal/telemetry"
	"colocate/internal/transport"
	"colocate/logging"
	loganchors "colocate/logging/anchors"
	lognet "colocate/logging/network"
	logown "colocate/logging/ownership"
)

// OwnershipChanged is delivered for every ownership transition the session
// applies, local or not.
type OwnershipChanged struct {
	ObjectID ownership.ObjectID
	Owner    ownership.ActorID
	Previous ownership.ActorID
	Epoch    uint64
	Cause    ownership.Cause
	// Outcome is what the transition meant for the local actor.
	Outcome authority.Outcome
}

// Reanchored is delivered after an object moved onto a new anchor.
type Reanchored struct {
	ObjectID ownership.ObjectID
	Anchor   anchor.ID
	Previous anchor.ID
}

type entry struct {
	state    proto.ObjectState
	machine  *authority.Machine
	follower *follow.Follower
	source   follow.Source
}

func (e *entry) held() bool {
	s := e.machine.State()
	return s == authority.StateOwned || s == authority.StateReleasing
}

// Session is the explicit per-actor context: it owns the replicated object
// table, one authority machine per object and the follower of every held
// object. Listeners are invoked outside the session lock, after the call
// that triggered them has applied its state change.
type Session struct {
	cfg       Config
	transport transport.Transport
	actor     ownership.ActorID
	anchors   *anchor.Coordinator
	sharer    *anchor.Sharer
	clock     logging.Clock
	publisher logging.Publisher
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	newID     func() string

	mu       sync.Mutex
	attached bool
	frozen   bool
	tick     uint64
	lastTick time.Time
	replica  *ownership.Replica
	objects  map[ownership.ObjectID]*entry

	nextListener       uint64
	ownershipListeners map[uint64]func(OwnershipChanged)
	reanchorListeners  map[uint64]func(Reanchored)
	failureListeners   map[uint64]func(*RequestError)
	notifications      []func()
}

// NewSession builds a detached session.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Transport == nil {
		return nil, errors.New("grab: transport is required")
	}
	deps = deps.withDefaults()
	return &Session{
		cfg:                cfg.normalized(),
		transport:          deps.Transport,
		actor:              deps.Transport.LocalActor(),
		anchors:            deps.Anchors,
		sharer:             deps.Sharer,
		clock:              deps.Clock,
		publisher:          deps.Publisher,
		logger:             deps.Logger,
		metrics:            deps.Metrics,
		newID:              deps.NewRequestID,
		replica:            ownership.NewReplica(),
		objects:            make(map[ownership.ObjectID]*entry),
		ownershipListeners: make(map[uint64]func(OwnershipChanged)),
		reanchorListeners:  make(map[uint64]func(Reanchored)),
		failureListeners:   make(map[uint64]func(*RequestError)),
	}, nil
}

// LocalActor returns the actor this session acts for.
func (s *Session) LocalActor() ownership.ActorID { return s.actor }

// Attach starts the session lifetime. Events queued by the transport are
// applied on the next Tick.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.attached {
		return nil
	}
	s.attached = true
	s.lastTick = time.Time{}
	if !s.transport.Connected() {
		s.setConnectedLocked(ctx, false, transport.ErrUnavailable)
	}
	return nil
}

// Detach ends the session lifetime: pending requests are withdrawn, held
// objects are released and every listener is dropped.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil
	}
	var errs []error
	for _, id := range s.sortedIDsLocked() {
		e := s.objects[id]
		switch e.machine.State() {
		case authority.StateRequesting:
			if err := s.cancelLocked(ctx, e); err != nil {
				errs = append(errs, err)
			}
		case authority.StateOwned:
			if err := s.releaseLocked(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.attached = false
	s.ownershipListeners = make(map[uint64]func(OwnershipChanged))
	s.reanchorListeners = make(map[uint64]func(Reanchored))
	s.failureListeners = make(map[uint64]func(*RequestError))
	s.notifications = nil
	s.mu.Unlock()
	return errors.Join(errs...)
}

// OnOwnershipChanged registers fn and returns its unsubscribe function.
func (s *Session) OnOwnershipChanged(fn func(OwnershipChanged)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerLocked()
	s.ownershipListeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.ownershipListeners, id)
		s.mu.Unlock()
	}
}

// OnReanchored registers fn and returns its unsubscribe function.
func (s *Session) OnReanchored(fn func(Reanchored)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerLocked()
	s.reanchorListeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.reanchorListeners, id)
		s.mu.Unlock()
	}
}

// OnRequestFailed registers fn and returns its unsubscribe function.
func (s *Session) OnRequestFailed(fn func(*RequestError)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerLocked()
	s.failureListeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.failureListeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) nextListenerLocked() uint64 {
	s.nextListener++
	return s.nextListener
}

// RequestGrab asks for authority over object. The grant arrives through a
// later Tick; until then the object does not follow source. Unknown objects
// are rejected immediately.
func (s *Session) RequestGrab(ctx context.Context, object ownership.ObjectID, source follow.Source) (string, error) {
	if source == nil {
		return "", ErrNilSource
	}
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.attached {
		return "", ErrDetached
	}
	e, ok := s.objects[object]
	if !ok {
		return "", fmt.Errorf("%w: %s", ownership.ErrUnknownObject, object)
	}
	now := s.clock.Now()
	id := s.newID()
	if err := e.machine.Request(id, now.Add(s.cfg.RequestTimeout)); err != nil {
		return "", err
	}
	if err := s.transport.RequestAuthority(object, id, now.UnixNano()); err != nil {
		e.machine.Cancel()
		return "", fmt.Errorf("%w: %w", authority.ErrTransportUnavailable, err)
	}
	e.source = source
	s.metrics.Add(telemetry.MetricRequestsStaged, 1)
	return id, nil
}

// CancelGrab withdraws the pending request for object. A grant that still
// arrives for it is released straight away.
func (s *Session) CancelGrab(ctx context.Context, object ownership.ObjectID) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.attached {
		return ErrDetached
	}
	e, ok := s.objects[object]
	if !ok {
		return fmt.Errorf("%w: %s", ownership.ErrUnknownObject, object)
	}
	return s.cancelLocked(ctx, e)
}

func (s *Session) cancelLocked(ctx context.Context, e *entry) error {
	id, outcome := e.machine.Cancel()
	if outcome != authority.OutcomeCancelled {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, e.state.Object.ID)
	}
	e.source = nil
	s.metrics.Add(telemetry.MetricRequestsCancelled, 1)
	logown.Cancelled(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(e.state.Object.ID)), id, nil)
	if err := s.transport.CancelRequest(e.state.Object.ID, id); err != nil {
		return fmt.Errorf("%w: %w", authority.ErrTransportUnavailable, err)
	}
	return nil
}

// RequestRelease gives up authority over object. The release velocity is
// applied only here, on the releasing actor. Releasing an object that is not
// held returns ErrNotOwner and changes nothing.
func (s *Session) RequestRelease(ctx context.Context, object ownership.ObjectID) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.attached {
		return ErrDetached
	}
	e, ok := s.objects[object]
	if !ok {
		return fmt.Errorf("%w: unknown object %s", authority.ErrNotOwner, object)
	}
	return s.releaseLocked(ctx, e)
}

func (s *Session) releaseLocked(ctx context.Context, e *entry) error {
	epoch, err := e.machine.BeginRelease()
	if err != nil {
		return err
	}
	id := e.state.Object.ID
	estimate := e.follower.End()
	body := release.Reconcile(e.state.Rest, estimate)
	e.state.Body = body
	e.source = nil
	s.metrics.Add(telemetry.MetricReleases, 1)
	logown.Released(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), logown.ReleasePayload{
		Epoch:        epoch,
		RestMode:     string(body.Mode),
		ReleaseSpeed: body.Linear.Length(),
	}, nil)

	if err := s.transport.ReleaseAuthority(id, epoch, body); err != nil {
		// The relay revokes everything on disconnect, so the release holds.
		if e.machine.ConfirmRelease() == authority.OutcomeReleased {
			s.notifyOwnershipLocked(OwnershipChanged{
				ObjectID: id,
				Previous: s.actor,
				Epoch:    epoch,
				Cause:    ownership.CauseReleased,
				Outcome:  authority.OutcomeReleased,
			})
		}
		return fmt.Errorf("%w: %w", authority.ErrTransportUnavailable, err)
	}
	return nil
}

// CurrentOwner reports the replicated owner of object.
func (s *Session) CurrentOwner(object ownership.ObjectID) (ownership.ActorID, bool) {
	return s.replica.CurrentOwner(object)
}

// Object returns the local record of object.
func (s *Session) Object(object ownership.ObjectID) (proto.ObjectState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[object]
	if !ok {
		return proto.ObjectState{}, false
	}
	return e.state, true
}

// Objects returns every known object sorted by id.
func (s *Session) Objects() []proto.ObjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.ObjectState, 0, len(s.objects))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.objects[id].state)
	}
	return out
}

// State returns the local authority state of object.
func (s *Session) State(object ownership.ObjectID) authority.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.objects[object]; ok {
		return e.machine.State()
	}
	return authority.StateUnowned
}

// Binding returns the follow binding of object. It exists only while the
// local actor owns the object.
func (s *Session) Binding(object ownership.ObjectID) (follow.Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.objects[object]; ok {
		return e.follower.Binding()
	}
	return follow.Binding{}, false
}

// Estimate returns the current velocity estimate of a held object.
func (s *Session) Estimate(object ownership.ObjectID) follow.VelocityEstimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.objects[object]; ok {
		return e.follower.Estimate()
	}
	return follow.VelocityEstimate{}
}

// Spawn asks the relay to create an object.
func (s *Session) Spawn(ctx context.Context, state proto.ObjectState) error {
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return ErrDetached
	}
	return s.transport.Spawn(state)
}

// Reanchor moves object onto a fresh anchor at its current pose. Objects
// without an anchor get their first one.
func (s *Session) Reanchor(ctx context.Context, object ownership.ObjectID) (anchor.Result, error) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	e, ok := s.objects[object]
	if !ok {
		return anchor.Result{}, fmt.Errorf("%w: %s", ownership.ErrUnknownObject, object)
	}
	return s.reanchorLocked(ctx, e)
}

func (s *Session) reanchorLocked(ctx context.Context, e *entry) (anchor.Result, error) {
	if s.anchors == nil {
		return anchor.Result{}, ErrNoAnchors
	}
	id := e.state.Object.ID
	result, err := s.anchors.Reanchor(ctx, id, e.state.Pose)
	if err != nil && errors.Is(err, anchor.ErrAnchorCreateFailed) {
		s.metrics.Add(telemetry.MetricReanchorFailures, 1)
		loganchors.ReanchorFailed(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), loganchors.ReanchorPayload{
			Previous: string(result.Previous),
			Error:    err.Error(),
		}, nil)
		return result, err
	}
	if err != nil {
		loganchors.CleanupFailed(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), loganchors.ReanchorPayload{
			Previous: string(result.Previous),
			Anchor:   string(result.Anchor),
			Error:    err.Error(),
		}, nil)
	}
	s.metrics.Add(telemetry.MetricReanchors, 1)
	loganchors.Reanchored(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), loganchors.ReanchorPayload{
		Previous: string(result.Previous),
		Anchor:   string(result.Anchor),
	}, nil)
	evt := Reanchored{ObjectID: id, Anchor: result.Anchor, Previous: result.Previous}
	for _, fn := range sortedListeners(s.reanchorListeners) {
		fn := fn
		s.notifications = append(s.notifications, func() { fn(evt) })
	}
	return result, err
}

// ShareAnchor publishes a local anchor and announces it to peers localized
// into the same map.
func (s *Session) ShareAnchor(ctx context.Context, id anchor.ID) (anchor.Announcement, error) {
	if s.sharer == nil {
		return anchor.Announcement{}, ErrNoAnchors
	}
	ann, err := s.sharer.Announce(ctx, id)
	if err != nil {
		return anchor.Announcement{}, err
	}
	if err := s.transport.AnnounceAnchor(ann); err != nil {
		return ann, fmt.Errorf("%w: %w", authority.ErrTransportUnavailable, err)
	}
	s.metrics.Add(telemetry.MetricAnchorsAnnounced, 1)
	loganchors.Announced(ctx, s.publisher, s.currentTick(), s.actorRef(), loganchors.SharePayload{
		Anchor: ann.PersistedID,
		MapID:  ann.MapID,
	}, nil)
	return ann, nil
}

func (s *Session) currentTick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Tick runs one cooperative update: apply everything the transport
// delivered, expire overdue requests, then move every held object and
// broadcast its pose once.
func (s *Session) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.attached {
		return ErrDetached
	}
	s.tick++
	dt := follow.MinDeltaTime
	if !s.lastTick.IsZero() {
		dt = now.Sub(s.lastTick).Seconds()
	}
	s.lastTick = now

	for _, evt := range s.transport.Poll() {
		s.handleLocked(ctx, evt)
	}

	ids := s.sortedIDsLocked()
	for _, id := range ids {
		e := s.objects[id]
		requestID := e.machine.RequestID()
		outcome, err := e.machine.Expire(now)
		if outcome != authority.OutcomeTimedOut {
			continue
		}
		e.source = nil
		s.metrics.Add(telemetry.MetricRequestsTimedOut, 1)
		logown.TimedOut(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), requestID, nil)
		s.notifyFailureLocked(&RequestError{ObjectID: id, RequestID: requestID, Err: err})
		if cancelErr := s.transport.CancelRequest(id, requestID); cancelErr != nil {
			s.logger.Printf("[grab] withdraw timed out request %s: %v", requestID, cancelErr)
		}
	}

	var errs []error
	for _, id := range ids {
		e := s.objects[id]
		if e.machine.State() != authority.StateOwned || !e.follower.Active() || e.source == nil {
			continue
		}
		e.state.Pose = e.follower.Step(e.source.Pose(), e.state.Pose, dt)
		if s.frozen {
			continue
		}
		if err := s.transport.BroadcastState(id, e.machine.Epoch(), e.state.Pose, release.Hold()); err != nil {
			errs = append(errs, fmt.Errorf("broadcast %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) handleLocked(ctx context.Context, evt transport.Event) {
	switch e := evt.(type) {
	case transport.Keyframe:
		s.applyKeyframeLocked(ctx, e)
	case transport.AuthorityChanged:
		s.applyChangeLocked(ctx, e.Change)
	case transport.RequestResolved:
		s.applyResolutionLocked(ctx, e.Resolution)
	case transport.StateReceived:
		s.applyStateLocked(e)
	case transport.ObjectSpawned:
		s.upsertLocked(ctx, e.State)
		s.replica.Upsert(e.State.Object)
	case transport.ObjectRemoved:
		s.removeLocked(ctx, e.Object)
	case transport.AnchorAnnounced:
		s.receiveAnchorLocked(ctx, e)
	case transport.StatusChanged:
		s.setConnectedLocked(ctx, e.Connected, e.Err)
	case transport.Digest:
		s.compareDigestLocked(ctx, e.Digest)
	case transport.CommandRejected:
		s.applyRejectLocked(ctx, e)
	}
}

func (s *Session) applyKeyframeLocked(ctx context.Context, kf transport.Keyframe) {
	seen := make(map[ownership.ObjectID]struct{}, len(kf.Objects))
	objects := make([]ownership.Object, 0, len(kf.Objects))
	for _, state := range kf.Objects {
		id := state.Object.ID
		seen[id] = struct{}{}
		objects = append(objects, state.Object)

		e, ok := s.objects[id]
		if !ok {
			s.upsertLocked(ctx, state)
			continue
		}
		previous := e.state.Object
		outcome := authority.OutcomeNone
		if e.held() && (state.Object.Owner != s.actor || state.Object.Epoch != e.machine.Epoch()) {
			outcome = s.loseLocked(ctx, e, ownership.Change{
				ObjectID: id,
				Previous: s.actor,
				Owner:    state.Object.Owner,
				Epoch:    state.Object.Epoch,
				Cause:    ownership.CauseRevoked,
			})
		}
		if e.held() {
			// Still ours under the same epoch: the local pose is authoritative.
			e.state.Object = state.Object
			continue
		}
		e.state.Object = state.Object
		e.state.Pose = state.Pose
		e.state.Body = state.Body
		e.state.Rest = state.Rest.Normalized()
		if previous.Owner != state.Object.Owner {
			s.notifyOwnershipLocked(OwnershipChanged{
				ObjectID: id,
				Owner:    state.Object.Owner,
				Previous: previous.Owner,
				Epoch:    state.Object.Epoch,
				Cause:    ownership.CauseRevoked,
				Outcome:  outcome,
			})
		}
	}
	for _, id := range s.sortedIDsLocked() {
		if _, ok := seen[id]; !ok {
			s.removeLocked(ctx, id)
		}
	}
	s.replica.Reset(objects)
	if kf.Digest != "" {
		if local := s.replica.Digest(); local != kf.Digest {
			lognet.DigestMismatch(ctx, s.publisher, s.tick, s.actorRef(), lognet.DigestPayload{Local: local, Remote: kf.Digest}, nil)
		}
	}
}

func (s *Session) applyChangeLocked(ctx context.Context, change ownership.Change) {
	if !s.replica.Apply(change) {
		return
	}
	e, ok := s.objects[change.ObjectID]
	if !ok {
		return
	}
	e.state.Object.Owner = change.Owner
	e.state.Object.Epoch = change.Epoch
	objectRef := logging.ObjectRef(string(change.ObjectID))

	outcome := authority.OutcomeNone
	if change.Owner == s.actor {
		outcome = e.machine.Grant(change.RequestID, change.Epoch)
		switch outcome {
		case authority.OutcomeGranted:
			source := e.source
			if source == nil {
				source = follow.StaticSource(e.state.Pose)
				e.source = source
			}
			e.follower.Begin(source.Pose(), e.state.Pose)
			e.state.Body = release.Hold()
			s.metrics.Add(telemetry.MetricRequestsGranted, 1)
			logown.Granted(ctx, s.publisher, s.tick, s.actorRef(), objectRef, change.RequestID, logown.GrantPayload{
				Epoch:    change.Epoch,
				Previous: string(change.Previous),
				Override: change.Cause == ownership.CauseOverridden,
			}, nil)
		case authority.OutcomeAutoRelease:
			body := release.Settle(e.state.Rest)
			e.state.Body = body
			s.metrics.Add(telemetry.MetricAutoReleases, 1)
			logown.AutoReleased(ctx, s.publisher, s.tick, s.actorRef(), objectRef, change.RequestID, logown.GrantPayload{Epoch: change.Epoch}, nil)
			if err := s.transport.ReleaseAuthority(change.ObjectID, change.Epoch, body); err != nil {
				s.logger.Printf("[grab] auto release %s: %v", change.ObjectID, err)
			}
		default:
			e.state.Body = release.Hold()
		}
	} else {
		outcome = s.loseLocked(ctx, e, change)
	}

	s.notifyOwnershipLocked(OwnershipChanged{
		ObjectID: change.ObjectID,
		Owner:    change.Owner,
		Previous: change.Previous,
		Epoch:    change.Epoch,
		Cause:    change.Cause,
		Outcome:  outcome,
	})
}

// loseLocked applies a change that names someone other than the local
// actor.
func (s *Session) loseLocked(ctx context.Context, e *entry, change ownership.Change) authority.Outcome {
	outcome := e.machine.Lose(change.Epoch)
	switch outcome {
	case authority.OutcomeReleased:
		s.finishReleaseLocked(ctx, e)
	case authority.OutcomeLost:
		e.follower.Clear()
		e.source = nil
		e.state.Body = release.Settle(e.state.Rest)
		s.metrics.Add(telemetry.MetricRevocations, 1)
		logown.Lost(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(change.ObjectID)), logown.LossPayload{
			Epoch:    change.Epoch,
			NewOwner: string(change.Owner),
			Cause:    string(change.Cause),
		}, nil)
	default:
		if change.Owner != ownership.None {
			e.state.Body = release.Hold()
		} else {
			e.state.Body = release.Settle(e.state.Rest)
		}
	}
	return outcome
}

func (s *Session) finishReleaseLocked(ctx context.Context, e *entry) {
	if !s.cfg.ReanchorOnRelease || s.anchors == nil {
		return
	}
	if _, bound := s.anchors.Bindings().Lookup(e.state.Object.ID); !bound {
		return
	}
	if _, err := s.reanchorLocked(ctx, e); err != nil {
		s.notifyFailureLocked(&RequestError{ObjectID: e.state.Object.ID, Err: err})
	}
}

func (s *Session) applyResolutionLocked(ctx context.Context, res ownership.Resolution) {
	if res.Granted {
		return
	}
	e, ok := s.objects[res.Request.ObjectID]
	if !ok {
		return
	}
	s.denyLocked(ctx, e, res.Request.ID, res.Reason)
}

func (s *Session) denyLocked(ctx context.Context, e *entry, requestID, reason string) {
	outcome, err := e.machine.Deny(requestID, reason)
	if outcome != authority.OutcomeDenied {
		return
	}
	e.source = nil
	s.metrics.Add(telemetry.MetricRequestsDenied, 1)
	logown.Denied(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(e.state.Object.ID)), requestID, logown.DenialPayload{Reason: reason}, nil)
	s.notifyFailureLocked(&RequestError{ObjectID: e.state.Object.ID, RequestID: requestID, Err: err})
}

func (s *Session) applyRejectLocked(ctx context.Context, reject transport.CommandRejected) {
	if e, ok := s.objects[reject.Object]; ok && reject.RequestID != "" && e.machine.RequestID() == reject.RequestID {
		s.denyLocked(ctx, e, reject.RequestID, reject.Reason)
		return
	}
	s.logger.Printf("[grab] relay rejected command object=%s request=%s reason=%s", reject.Object, reject.RequestID, reject.Reason)
}

func (s *Session) applyStateLocked(update transport.StateReceived) {
	if update.Actor == s.actor {
		return
	}
	e, ok := s.objects[update.Object]
	if !ok {
		return
	}
	if e.state.Object.Owner != update.Actor || e.state.Object.Epoch != update.Epoch {
		s.metrics.Add(telemetry.MetricStateRejected, 1)
		return
	}
	e.state.Pose = update.Pose
	e.state.Body = update.Body
}

func (s *Session) upsertLocked(ctx context.Context, state proto.ObjectState) {
	state.Rest = state.Rest.Normalized()
	if e, ok := s.objects[state.Object.ID]; ok {
		if !e.held() {
			e.state = state
		}
		return
	}
	machine := authority.NewMachine(state.Object.ID)
	if s.frozen {
		machine.Freeze()
	}
	s.objects[state.Object.ID] = &entry{
		state:    state,
		machine:  machine,
		follower: follow.NewFollower(s.cfg.Smoothing),
	}
	if !s.cfg.AnchorOnAppear || s.anchors == nil {
		return
	}
	if _, bound := s.anchors.Bindings().Lookup(state.Object.ID); bound {
		return
	}
	if _, err := s.anchors.Attach(ctx, state.Object.ID, state.Pose); err != nil {
		s.logger.Printf("[grab] anchor %s on appear: %v", state.Object.ID, err)
	}
}

func (s *Session) removeLocked(ctx context.Context, id ownership.ObjectID) {
	e, ok := s.objects[id]
	if !ok {
		return
	}
	if requestID := e.machine.RequestID(); requestID != "" {
		s.notifyFailureLocked(&RequestError{ObjectID: id, RequestID: requestID, Err: fmt.Errorf("%w: %s", ownership.ErrUnknownObject, id)})
	}
	e.follower.Clear()
	delete(s.objects, id)
	s.replica.Delete(id)
	if s.anchors != nil {
		if err := s.anchors.Detach(ctx, id); err != nil {
			s.logger.Printf("[grab] detach anchor of removed %s: %v", id, err)
		}
	}
	if e.state.Object.Owned() {
		s.notifyOwnershipLocked(OwnershipChanged{
			ObjectID: id,
			Previous: e.state.Object.Owner,
			Epoch:    e.state.Object.Epoch + 1,
			Cause:    ownership.CauseRemoved,
			Outcome:  lossOutcome(e, s.actor),
		})
	}
}

func lossOutcome(e *entry, actor ownership.ActorID) authority.Outcome {
	if e.state.Object.Owner == actor {
		return authority.OutcomeLost
	}
	return authority.OutcomeNone
}

func (s *Session) receiveAnchorLocked(ctx context.Context, evt transport.AnchorAnnounced) {
	if s.sharer == nil {
		return
	}
	actor := logging.PeerRef(string(evt.Actor))
	receipt, err := s.sharer.Receive(ctx, evt.Announcement)
	if err != nil {
		s.logger.Printf("[grab] shared anchor from %s: %v", evt.Actor, err)
		return
	}
	if !receipt.Adopted {
		loganchors.Ignored(ctx, s.publisher, s.tick, actor, loganchors.SharePayload{
			Anchor: evt.Announcement.PersistedID,
			MapID:  evt.Announcement.MapID,
			Reason: receipt.Skipped,
		}, nil)
		return
	}
	loganchors.Adopted(ctx, s.publisher, s.tick, actor, loganchors.SharePayload{
		Anchor: string(receipt.Anchor),
		MapID:  evt.Announcement.MapID,
	}, nil)
}

// setConnectedLocked freezes or thaws every machine. Freezing fails pending
// requests as timed out; held objects stay held until the relay says
// otherwise.
func (s *Session) setConnectedLocked(ctx context.Context, connected bool, cause error) {
	if connected == !s.frozen {
		return
	}
	payload := lognet.StatusPayload{Connected: connected}
	if cause != nil {
		payload.Error = cause.Error()
	}
	lognet.TransportStatus(ctx, s.publisher, s.tick, s.actorRef(), payload, nil)

	if connected {
		s.frozen = false
		for _, e := range s.objects {
			e.machine.Thaw()
		}
		return
	}
	s.frozen = true
	for _, id := range s.sortedIDsLocked() {
		e := s.objects[id]
		requestID := e.machine.RequestID()
		outcome, err := e.machine.Freeze()
		switch outcome {
		case authority.OutcomeTimedOut:
			e.source = nil
			s.metrics.Add(telemetry.MetricRequestsTimedOut, 1)
			logown.TimedOut(ctx, s.publisher, s.tick, s.actorRef(), logging.ObjectRef(string(id)), requestID, nil)
			s.notifyFailureLocked(&RequestError{ObjectID: id, RequestID: requestID, Err: err})
		case authority.OutcomeReleased:
			s.finishReleaseLocked(ctx, e)
		}
	}
}

func (s *Session) compareDigestLocked(ctx context.Context, remote string) {
	local := s.replica.Digest()
	if local == remote {
		return
	}
	s.metrics.Add(telemetry.MetricDigestMismatches, 1)
	lognet.DigestMismatch(ctx, s.publisher, s.tick, s.actorRef(), lognet.DigestPayload{Local: local, Remote: remote}, nil)
	if err := s.transport.RequestKeyframe(); err != nil {
		s.logger.Printf("[grab] keyframe request after digest mismatch: %v", err)
	}
}

func (s *Session) notifyOwnershipLocked(evt OwnershipChanged) {
	for _, fn := range sortedListeners(s.ownershipListeners) {
		fn := fn
		s.notifications = append(s.notifications, func() { fn(evt) })
	}
}

func (s *Session) notifyFailureLocked(err *RequestError) {
	for _, fn := range sortedListeners(s.failureListeners) {
		fn := fn
		s.notifications = append(s.notifications, func() { fn(err) })
	}
}

// unlockAndNotify releases the lock and then runs queued listener calls, so
// listeners may call back into the session.
func (s *Session) unlockAndNotify() {
	pending := s.notifications
	s.notifications = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (s *Session) sortedIDsLocked() []ownership.ObjectID {
	ids := make([]ownership.ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) actorRef() logging.EntityRef {
	return logging.PeerRef(string(s.actor))
}

func sortedListeners[T any](listeners map[uint64]T) []T {
	ids := make([]uint64, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, listeners[id])
	}
	return out
}

package ownership

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the authoritative owner table. It is held by the relay and its
// transitions are replicated to every peer as Changes.
type Registry struct {
	mu      sync.RWMutex
	objects map[ObjectID]*Object
	pending []Request
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[ObjectID]*Object),
		pending: make([]Request, 0),
	}
}

// Register adds an unowned object.
func (r *Registry) Register(obj Object) error {
	if obj.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownObject)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[obj.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateObject, obj.ID)
	}
	stored := obj
	stored.Owner = None
	r.objects[obj.ID] = &stored
	return nil
}

// Remove destroys an object. If it was owned the returned change revokes
// ownership; pending requests for it are denied on the next arbitration.
func (r *Registry) Remove(id ObjectID) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return Change{}, false
	}
	delete(r.objects, id)
	if !obj.Owned() {
		return Change{}, false
	}
	return Change{
		ObjectID: id,
		Previous: obj.Owner,
		Owner:    None,
		Epoch:    obj.Epoch + 1,
		Cause:    CauseRemoved,
	}, true
}

// RequestOwnership stages a request for arbitration. It fails immediately if
// the object does not exist, the actor already owns it, or the actor has a
// request for it that is still pending.
func (r *Registry) RequestOwnership(req Request) (Request, error) {
	if req.Actor == None {
		return Request{}, ErrInvalidActor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[req.ObjectID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownObject, req.ObjectID)
	}
	if obj.Owner == req.Actor {
		return Request{}, fmt.Errorf("%w: %s", ErrAlreadyOwner, req.ObjectID)
	}
	for _, pending := range r.pending {
		if pending.ObjectID == req.ObjectID && pending.Actor == req.Actor {
			return Request{}, fmt.Errorf("%w: %s", ErrRequestPending, pending.ID)
		}
	}
	r.pending = append(r.pending, req)
	return req, nil
}

// Cancel drops a pending request. It reports false when the request was
// already arbitrated (or never staged).
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pending := range r.pending {
		if pending.ID == requestID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending reports the number of requests awaiting arbitration.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Arbitrate resolves every staged request. For each object the earliest
// request wins if the object is unowned, or owned with AllowOverride set;
// every other request is denied.
func (r *Registry) Arbitrate() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return Outcome{}
	}

	byObject := make(map[ObjectID][]Request)
	order := make([]ObjectID, 0)
	for _, req := range r.pending {
		if _, seen := byObject[req.ObjectID]; !seen {
			order = append(order, req.ObjectID)
		}
		byObject[req.ObjectID] = append(byObject[req.ObjectID], req)
	}
	r.pending = r.pending[:0]
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var outcome Outcome
	for _, id := range order {
		requests := byObject[id]
		sort.Slice(requests, func(i, j int) bool { return requests[i].Before(requests[j]) })

		obj, ok := r.objects[id]
		if !ok {
			for _, req := range requests {
				outcome.Resolutions = append(outcome.Resolutions, Resolution{Request: req, Reason: ReasonUnknownObject})
			}
			continue
		}

		granted := false
		for _, req := range requests {
			switch {
			case req.Actor == obj.Owner:
				outcome.Resolutions = append(outcome.Resolutions, Resolution{Request: req, Reason: ReasonAlreadyOwner, Epoch: obj.Epoch})
			case granted:
				outcome.Resolutions = append(outcome.Resolutions, Resolution{Request: req, Reason: ReasonLostArbitration})
			case obj.Owned() && !obj.AllowOverride:
				outcome.Resolutions = append(outcome.Resolutions, Resolution{Request: req, Reason: ReasonOwned})
			default:
				cause := CauseGranted
				if obj.Owned() {
					cause = CauseOverridden
				}
				previous := obj.Owner
				obj.Owner = req.Actor
				obj.Epoch++
				granted = true
				outcome.Changes = append(outcome.Changes, Change{
					ObjectID:  id,
					Previous:  previous,
					Owner:     req.Actor,
					Epoch:     obj.Epoch,
					Cause:     cause,
					RequestID: req.ID,
				})
				outcome.Resolutions = append(outcome.Resolutions, Resolution{Request: req, Granted: true, Epoch: obj.Epoch})
			}
		}
	}
	return outcome
}

// ReleaseOwnership returns the object to Unowned. Only the current owner may
// release, and only under the epoch it was granted (epoch 0 skips the check).
func (r *Registry) ReleaseOwnership(id ObjectID, actor ActorID, epoch uint64) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrUnknownObject, id)
	}
	if actor == None || obj.Owner != actor {
		return Change{}, fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	if epoch != 0 && epoch != obj.Epoch {
		return Change{}, fmt.Errorf("%w: epoch %d superseded by %d", ErrNotOwner, epoch, obj.Epoch)
	}
	obj.Owner = None
	obj.Epoch++
	return Change{
		ObjectID: id,
		Previous: actor,
		Owner:    None,
		Epoch:    obj.Epoch,
		Cause:    CauseReleased,
	}, nil
}

// Revoke forcibly clears ownership of an object.
func (r *Registry) Revoke(id ObjectID) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok || !obj.Owned() {
		return Change{}, false
	}
	return r.revokeLocked(obj), true
}

// RevokeActor clears every ownership held by actor and drops its pending
// requests. Used when a peer disconnects.
func (r *Registry) RevokeActor(actor ActorID) []Change {
	if actor == None {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := r.pending[:0]
	for _, req := range r.pending {
		if req.Actor != actor {
			filtered = append(filtered, req)
		}
	}
	r.pending = filtered

	ids := make([]ObjectID, 0)
	for id, obj := range r.objects {
		if obj.Owner == actor {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	changes := make([]Change, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, r.revokeLocked(r.objects[id]))
	}
	return changes
}

func (r *Registry) revokeLocked(obj *Object) Change {
	previous := obj.Owner
	obj.Owner = None
	obj.Epoch++
	return Change{
		ObjectID: obj.ID,
		Previous: previous,
		Owner:    None,
		Epoch:    obj.Epoch,
		Cause:    CauseRevoked,
	}
}

// CurrentOwner returns the owner of id, if any.
func (r *Registry) CurrentOwner(id ObjectID) (ActorID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok || !obj.Owned() {
		return None, false
	}
	return obj.Owner, true
}

// Accepts reports whether a pose update from actor issued under epoch may be
// applied and forwarded.
func (r *Registry) Accepts(id ObjectID, actor ActorID, epoch uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok || actor == None {
		return false
	}
	return obj.Owner == actor && obj.Epoch == epoch
}

// Object returns a copy of the record for id.
func (r *Registry) Object(id ObjectID) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Objects returns every record sorted by id.
func (r *Registry) Objects() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objects := make([]Object, 0, len(r.objects))
	for _, obj := range r.objects {
		objects = append(objects, *obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects
}

// Digest fingerprints the owner table so replicas can detect divergence.
func (r *Registry) Digest() string {
	return Digest(r.Objects())
}

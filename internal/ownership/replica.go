package ownership

import (
	"sort"
	"sync"
)

// Replica is a peer's read-only copy of the owner table. It only moves
// forward: changes carrying an epoch older than the one already applied are
// discarded.
type Replica struct {
	mu      sync.RWMutex
	objects map[ObjectID]Object
}

// NewReplica constructs an empty replica.
func NewReplica() *Replica {
	return &Replica{objects: make(map[ObjectID]Object)}
}

// Reset replaces the replica contents with a keyframe.
func (r *Replica) Reset(objects []Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[ObjectID]Object, len(objects))
	for _, obj := range objects {
		r.objects[obj.ID] = obj
	}
}

// Upsert records an object announced by the relay. An existing entry with a
// newer epoch is kept.
func (r *Replica) Upsert(obj Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.objects[obj.ID]; ok && existing.Epoch > obj.Epoch {
		return
	}
	r.objects[obj.ID] = obj
}

// Delete forgets an object.
func (r *Replica) Delete(id ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Apply folds a change into the replica. It reports false when the change
// is stale or references an unknown object.
func (r *Replica) Apply(change Change) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[change.ObjectID]
	if !ok {
		return false
	}
	if change.Epoch <= obj.Epoch {
		return false
	}
	obj.Owner = change.Owner
	obj.Epoch = change.Epoch
	r.objects[change.ObjectID] = obj
	return true
}

// CurrentOwner returns the replicated owner of id, if any.
func (r *Replica) CurrentOwner(id ObjectID) (ActorID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok || !obj.Owned() {
		return None, false
	}
	return obj.Owner, true
}

// Object returns the replicated record for id.
func (r *Replica) Object(id ObjectID) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// Objects returns every replicated record sorted by id.
func (r *Replica) Objects() []Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	objects := make([]Object, 0, len(r.objects))
	for _, obj := range r.objects {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects
}

// Digest fingerprints the replica with the same algorithm as the registry.
func (r *Replica) Digest() string {
	return Digest(r.Objects())
}

package anchor

import (
	"context"
	"fmt"
	"sync"

	"colocate/internal/ownership"
	"colocate/internal/spatial"
)

// Binding parents an object to an anchor. Local is the object pose in the
// anchor's frame.
type Binding struct {
	Anchor ID           `json:"anchor"`
	Local  spatial.Pose `json:"local"`
}

// Bindings holds at most one live binding per object.
type Bindings struct {
	mu      sync.RWMutex
	entries map[ownership.ObjectID]Binding
}

func NewBindings() *Bindings {
	return &Bindings{entries: make(map[ownership.ObjectID]Binding)}
}

// Bind sets (or replaces) the binding of object.
func (b *Bindings) Bind(object ownership.ObjectID, binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[object] = binding
}

// Lookup returns the binding of object.
func (b *Bindings) Lookup(object ownership.ObjectID) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.entries[object]
	return binding, ok
}

// Swap replaces the binding of object only if it still points at expected.
// An empty expected anchor means "currently unbound".
func (b *Bindings) Swap(object ownership.ObjectID, expected ID, next Binding) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.entries[object]
	if expected == "" {
		if ok {
			return false
		}
	} else if !ok || current.Anchor != expected {
		return false
	}
	b.entries[object] = next
	return true
}

// Unbind drops the binding of object.
func (b *Bindings) Unbind(object ownership.ObjectID) (Binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binding, ok := b.entries[object]
	delete(b.entries, object)
	return binding, ok
}

// Len reports the number of bound objects.
func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// WorldPose resolves the world pose of a bound object through store.
func (b *Bindings) WorldPose(ctx context.Context, store Store, object ownership.ObjectID) (spatial.Pose, error) {
	binding, ok := b.Lookup(object)
	if !ok {
		return spatial.Pose{}, fmt.Errorf("%w: %s", ErrNotBound, object)
	}
	anchorPose, err := store.Pose(ctx, binding.Anchor)
	if err != nil {
		return spatial.Pose{}, err
	}
	return anchorPose.Mul(binding.Local), nil
}

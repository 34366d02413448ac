package anchor

import (
	"context"
	"errors"
	"fmt"

	"colocate/internal/ownership"
	"colocate/internal/spatial"
)

// Result describes a completed re-anchor.
type Result struct {
	Object   ownership.ObjectID
	Previous ID
	Anchor   ID
	// PersistedDeleted is the persisted id removed along with the previous
	// anchor, if it had one.
	PersistedDeleted string
}

// Coordinator moves objects onto fresh anchors at their resting pose.
type Coordinator struct {
	store    Store
	bindings *Bindings
}

func NewCoordinator(store Store, bindings *Bindings) *Coordinator {
	if bindings == nil {
		bindings = NewBindings()
	}
	return &Coordinator{store: store, bindings: bindings}
}

func (c *Coordinator) Bindings() *Bindings { return c.bindings }
func (c *Coordinator) Store() Store        { return c.store }

// Attach creates an anchor at world and binds object to it. Used when an
// object first appears.
func (c *Coordinator) Attach(ctx context.Context, object ownership.ObjectID, world spatial.Pose) (ID, error) {
	result, err := c.Reanchor(ctx, object, world)
	return result.Anchor, err
}

// Reanchor creates a new anchor at world, re-parents object under it while
// preserving world pose, then destroys the previous anchor and its persisted
// copy.
//
// If creation fails the binding is untouched and the error wraps
// ErrAnchorCreateFailed. Failures after the swap wrap ErrCleanupFailed and
// come with a valid Result: the object is already on the new anchor.
func (c *Coordinator) Reanchor(ctx context.Context, object ownership.ObjectID, world spatial.Pose) (Result, error) {
	result := Result{Object: object}
	previous, hadPrevious := c.bindings.Lookup(object)
	if hadPrevious {
		result.Previous = previous.Anchor
	}

	created, err := c.store.Create(ctx, world)
	if err != nil {
		return Result{Object: object, Previous: result.Previous}, fmt.Errorf("%w: %s: %w", ErrAnchorCreateFailed, object, err)
	}
	anchorPose, err := c.store.Pose(ctx, created)
	if err != nil {
		c.store.Delete(ctx, created)
		return Result{Object: object, Previous: result.Previous}, fmt.Errorf("%w: %s: %w", ErrAnchorCreateFailed, object, err)
	}

	next := Binding{Anchor: created, Local: world.RelativeTo(anchorPose)}
	if !c.bindings.Swap(object, result.Previous, next) {
		c.store.Delete(ctx, created)
		return Result{Object: object, Previous: result.Previous}, fmt.Errorf("%w: %s: binding changed concurrently", ErrAnchorCreateFailed, object)
	}
	result.Anchor = created

	if !hadPrevious {
		return result, nil
	}
	persisted, wasPersisted := c.store.PersistedID(previous.Anchor)
	var cleanup []error
	if err := c.store.Delete(ctx, previous.Anchor); err != nil {
		cleanup = append(cleanup, fmt.Errorf("delete %s: %w", previous.Anchor, err))
	}
	if wasPersisted {
		if err := c.store.DeletePersisted(ctx, persisted); err != nil {
			cleanup = append(cleanup, fmt.Errorf("delete persisted %s: %w", persisted, err))
		} else {
			result.PersistedDeleted = persisted
		}
	}
	if len(cleanup) > 0 {
		return result, fmt.Errorf("%w: %w", ErrCleanupFailed, errors.Join(cleanup...))
	}
	return result, nil
}

// Detach unbinds object and deletes its anchor.
func (c *Coordinator) Detach(ctx context.Context, object ownership.ObjectID) error {
	binding, ok := c.bindings.Unbind(object)
	if !ok {
		return nil
	}
	return c.store.Delete(ctx, binding.Anchor)
}

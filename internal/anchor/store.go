// Package anchor keeps networked objects parented to spatial anchors and
// moves them between anchors without ever leaving them unanchored.
package anchor

import (
	"context"
	"errors"

	"colocate/internal/spatial"
)

// ID identifies a live anchor in the local anchor store.
type ID string

var (
	// ErrAnchorCreateFailed is returned when a re-anchor is aborted because
	// the new anchor could not be created. The object keeps its binding.
	ErrAnchorCreateFailed = errors.New("anchor: create failed")
	// ErrCleanupFailed is returned when the swap succeeded but the previous
	// anchor or its persisted copy could not be removed.
	ErrCleanupFailed = errors.New("anchor: cleanup of previous anchor failed")
	// ErrUnknownAnchor is returned for ids the store does not hold.
	ErrUnknownAnchor = errors.New("anchor: unknown anchor")
	// ErrNotBound is returned when an object has no anchor binding.
	ErrNotBound = errors.New("anchor: object is not bound")
)

// Published is an anchor persisted to the shared map.
type Published struct {
	PersistedID string       `json:"persistedId" cbor:"persistedId"`
	Anchor      ID           `json:"anchor,omitempty" cbor:"anchor,omitempty"`
	Pose        spatial.Pose `json:"pose" cbor:"pose"`
}

// Store is the spatial anchor capability consumed by the coordinator. The
// device or cloud anchor API sits behind it.
type Store interface {
	Create(ctx context.Context, pose spatial.Pose) (ID, error)
	Delete(ctx context.Context, id ID) error
	Pose(ctx context.Context, id ID) (spatial.Pose, error)
	// PersistedID returns the id of the persisted copy of a local anchor,
	// if it was ever published.
	PersistedID(id ID) (string, bool)
	DeletePersisted(ctx context.Context, persistedID string) error
	Publish(ctx context.Context, ids []ID) ([]Published, error)
	Query(ctx context.Context, origin spatial.Vec3, radius float64) ([]Published, error)
}

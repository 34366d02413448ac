package anchor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"colocate/internal/spatial"
)

type memoryAnchor struct {
	pose      spatial.Pose
	persisted string
}

// MemoryStore is an in-process Store. Failures can be injected per
// operation.
type MemoryStore struct {
	mu        sync.Mutex
	anchors   map[ID]*memoryAnchor
	published map[string]Published

	createErr          error
	deleteErr          error
	deletePersistedErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anchors:   make(map[ID]*memoryAnchor),
		published: make(map[string]Published),
	}
}

// FailCreate makes every subsequent Create return err (nil clears it).
func (s *MemoryStore) FailCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// FailDelete makes every subsequent Delete return err (nil clears it).
func (s *MemoryStore) FailDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

// FailDeletePersisted makes every subsequent DeletePersisted return err.
func (s *MemoryStore) FailDeletePersisted(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletePersistedErr = err
}

func (s *MemoryStore) Create(ctx context.Context, pose spatial.Pose) (ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	id := ID(uuid.NewString())
	s.anchors[id] = &memoryAnchor{pose: spatial.NewPose(pose.Position, pose.Rotation)}
	return id, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.anchors[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
	delete(s.anchors, id)
	return nil
}

func (s *MemoryStore) Pose(ctx context.Context, id ID) (spatial.Pose, error) {
	if err := ctx.Err(); err != nil {
		return spatial.Pose{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	anchor, ok := s.anchors[id]
	if !ok {
		return spatial.Pose{}, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
	return anchor.pose, nil
}

func (s *MemoryStore) PersistedID(id ID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchor, ok := s.anchors[id]
	if !ok || anchor.persisted == "" {
		return "", false
	}
	return anchor.persisted, true
}

func (s *MemoryStore) DeletePersisted(ctx context.Context, persistedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deletePersistedErr != nil {
		return s.deletePersistedErr
	}
	if _, ok := s.published[persistedID]; !ok {
		return fmt.Errorf("%w: persisted %s", ErrUnknownAnchor, persistedID)
	}
	delete(s.published, persistedID)
	for _, anchor := range s.anchors {
		if anchor.persisted == persistedID {
			anchor.persisted = ""
		}
	}
	return nil
}

// Publish persists local anchors. Anchors already published keep their
// persisted id.
func (s *MemoryStore) Publish(ctx context.Context, ids []ID) ([]Published, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Published, 0, len(ids))
	for _, id := range ids {
		anchor, ok := s.anchors[id]
		if !ok {
			return out, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
		}
		if anchor.persisted == "" {
			anchor.persisted = uuid.NewString()
		}
		entry := Published{PersistedID: anchor.persisted, Anchor: id, Pose: anchor.pose}
		s.published[anchor.persisted] = entry
		out = append(out, entry)
	}
	return out, nil
}

// Query returns published anchors within radius of origin, nearest first.
func (s *MemoryStore) Query(ctx context.Context, origin spatial.Vec3, radius float64) ([]Published, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Published, 0)
	for _, entry := range s.published {
		if entry.Pose.Position.Distance(origin) <= radius {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di := out[i].Pose.Position.Distance(origin)
		dj := out[j].Pose.Position.Distance(origin)
		if di != dj {
			return di < dj
		}
		return out[i].PersistedID < out[j].PersistedID
	})
	return out, nil
}

// Len reports the number of live local anchors.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anchors)
}

// Has reports whether id is a live local anchor.
func (s *MemoryStore) Has(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.anchors[id]
	return ok
}

package anchor

import (
	"context"
	"errors"
	"fmt"

	"colocate/internal/spatial"
)

const (
	// DefaultDuplicateEpsilon is the distance under which a shared anchor is
	// treated as one already known locally.
	DefaultDuplicateEpsilon = 0.05
	// DefaultQueryRadius bounds anchor queries around the device.
	DefaultQueryRadius = 10.0
)

// Skip reasons reported by Sharer.Receive.
const (
	SkipNotLocalized = "not_localized"
	SkipOtherMap     = "other_map"
	SkipDuplicate    = "duplicate"
)

// ErrNotLocalized is returned when announcing without a localization map.
var ErrNotLocalized = errors.New("anchor: device is not localized")

// Localizer reports the map the device is currently localized into.
type Localizer interface {
	MapID() (string, bool)
}

// StaticLocalizer is a Localizer pinned to one map. The empty map means not
// localized.
type StaticLocalizer string

func (l StaticLocalizer) MapID() (string, bool) {
	return string(l), l != ""
}

// Announcement shares an anchor pose with peers localized into the same map.
type Announcement struct {
	PersistedID string       `json:"persistedId,omitempty" cbor:"persistedId,omitempty"`
	MapID       string       `json:"mapId" cbor:"mapId"`
	Pose        spatial.Pose `json:"pose" cbor:"pose"`
}

// Receipt is the outcome of handling an announcement.
type Receipt struct {
	Adopted   bool
	Anchor    ID
	Published []Published
	Skipped   string
}

// SharerConfig tunes anchor sharing.
type SharerConfig struct {
	DuplicateEpsilon float64
	QueryRadius      float64
	AutoPublish      bool
}

// DefaultSharerConfig mirrors the device defaults.
func DefaultSharerConfig() SharerConfig {
	return SharerConfig{
		DuplicateEpsilon: DefaultDuplicateEpsilon,
		QueryRadius:      DefaultQueryRadius,
		AutoPublish:      true,
	}
}

func (c SharerConfig) normalized() SharerConfig {
	if c.DuplicateEpsilon <= 0 {
		c.DuplicateEpsilon = DefaultDuplicateEpsilon
	}
	if c.QueryRadius <= 0 {
		c.QueryRadius = DefaultQueryRadius
	}
	return c
}

// Sharer publishes local anchors and adopts anchors announced by peers.
type Sharer struct {
	store     Store
	localizer Localizer
	cfg       SharerConfig
	// adopted remembers poses created from announcements so that echoes of
	// the same anchor are recognised before they are published.
	adopted []spatial.Vec3
}

func NewSharer(store Store, localizer Localizer, cfg SharerConfig) *Sharer {
	if localizer == nil {
		localizer = StaticLocalizer("")
	}
	return &Sharer{store: store, localizer: localizer, cfg: cfg.normalized()}
}

// Announce publishes id and returns the announcement to broadcast.
func (s *Sharer) Announce(ctx context.Context, id ID) (Announcement, error) {
	mapID, ok := s.localizer.MapID()
	if !ok {
		return Announcement{}, ErrNotLocalized
	}
	published, err := s.store.Publish(ctx, []ID{id})
	if err != nil {
		return Announcement{}, fmt.Errorf("anchor: publish %s: %w", id, err)
	}
	if len(published) == 0 {
		return Announcement{}, fmt.Errorf("%w: %s", ErrUnknownAnchor, id)
	}
	return Announcement{PersistedID: published[0].PersistedID, MapID: mapID, Pose: published[0].Pose}, nil
}

// Receive handles an announcement from a peer.
func (s *Sharer) Receive(ctx context.Context, ann Announcement) (Receipt, error) {
	mapID, ok := s.localizer.MapID()
	if !ok {
		return Receipt{Skipped: SkipNotLocalized}, nil
	}
	if ann.MapID != mapID {
		return Receipt{Skipped: SkipOtherMap}, nil
	}
	duplicate, err := s.isDuplicate(ctx, ann.Pose.Position)
	if err != nil {
		return Receipt{}, err
	}
	if duplicate {
		return Receipt{Skipped: SkipDuplicate}, nil
	}

	id, err := s.store.Create(ctx, ann.Pose)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: shared anchor: %w", ErrAnchorCreateFailed, err)
	}
	s.adopted = append(s.adopted, ann.Pose.Position)
	receipt := Receipt{Adopted: true, Anchor: id}
	if s.cfg.AutoPublish {
		published, err := s.store.Publish(ctx, []ID{id})
		if err != nil {
			return receipt, fmt.Errorf("anchor: publish adopted %s: %w", id, err)
		}
		receipt.Published = published
	}
	return receipt, nil
}

// Nearby lists published anchors within the query radius of origin.
func (s *Sharer) Nearby(ctx context.Context, origin spatial.Vec3) ([]Published, error) {
	return s.store.Query(ctx, origin, s.cfg.QueryRadius)
}

func (s *Sharer) isDuplicate(ctx context.Context, position spatial.Vec3) (bool, error) {
	for _, known := range s.adopted {
		if known.Distance(position) <= s.cfg.DuplicateEpsilon {
			return true, nil
		}
	}
	nearby, err := s.store.Query(ctx, position, s.cfg.DuplicateEpsilon)
	if err != nil {
		return false, fmt.Errorf("anchor: query duplicates: %w", err)
	}
	return len(nearby) > 0, nil
}

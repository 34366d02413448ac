package anchors

import (
	"context"

	"colocate/logging"
)

const (
	// EventReanchored is emitted when an object moves to a new anchor.
	EventReanchored logging.EventType = "anchors.reanchored"
	// EventReanchorFailed is emitted when a re-anchor is aborted.
	EventReanchorFailed logging.EventType = "anchors.reanchor_failed"
	// EventCleanupFailed is emitted when the previous anchor or its persisted
	// copy could not be removed after a successful swap.
	EventCleanupFailed logging.EventType = "anchors.cleanup_failed"
	// EventAnnounced is emitted when a local anchor is shared with peers.
	EventAnnounced logging.EventType = "anchors.announced"
	// EventAdopted is emitted when a shared anchor is created locally.
	EventAdopted logging.EventType = "anchors.adopted"
	// EventIgnored is emitted when a shared anchor is skipped.
	EventIgnored logging.EventType = "anchors.ignored"
)

// ReanchorPayload names the anchors involved in a swap.
type ReanchorPayload struct {
	Previous string `json:"previous,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SharePayload describes an announced or received anchor.
type SharePayload struct {
	Anchor string `json:"anchor,omitempty"`
	MapID  string `json:"mapId"`
	Reason string `json:"reason,omitempty"`
}

// Reanchored publishes a completed swap.
func Reanchored(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload ReanchorPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReanchored,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{object},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

// ReanchorFailed publishes an aborted swap. The object stays on its
// previous anchor.
func ReanchorFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload ReanchorPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReanchorFailed,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{object},
		Severity: logging.SeverityError,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

// CleanupFailed publishes a leftover anchor.
func CleanupFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload ReanchorPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCleanupFailed,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{object},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

// Announced publishes an anchor shared with peers.
func Announced(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SharePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAnnounced,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

// Adopted publishes a shared anchor created locally.
func Adopted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SharePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAdopted,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

// Ignored publishes a skipped shared anchor.
func Ignored(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SharePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventIgnored,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryAnchors,
		Payload:  payload,
		Extra:    extra,
	})
}

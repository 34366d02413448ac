package ownership

import (
	"context"

	"colocate/logging"
)

const (
	// EventGranted is emitted when an actor becomes the owner of an object.
	EventGranted logging.EventType = "ownership.granted"
	// EventDenied is emitted when a request loses arbitration.
	EventDenied logging.EventType = "ownership.denied"
	// EventReleased is emitted when the owner gives an object up.
	EventReleased logging.EventType = "ownership.released"
	// EventLost is emitted when the owner loses an object involuntarily.
	EventLost logging.EventType = "ownership.lost"
	// EventTimedOut is emitted when a request is not resolved in time.
	EventTimedOut logging.EventType = "ownership.timed_out"
	// EventCancelled is emitted when a requester abandons its request.
	EventCancelled logging.EventType = "ownership.cancelled"
	// EventAutoReleased is emitted when a grant arrives for an abandoned
	// request and is handed straight back.
	EventAutoReleased logging.EventType = "ownership.auto_released"
)

// GrantPayload carries the fencing epoch of a new grant.
type GrantPayload struct {
	Epoch    uint64 `json:"epoch"`
	Previous string `json:"previous,omitempty"`
	Override bool   `json:"override,omitempty"`
}

// DenialPayload captures why a request failed.
type DenialPayload struct {
	Reason string `json:"reason"`
}

// ReleasePayload describes the physical state an object was left in.
type ReleasePayload struct {
	Epoch        uint64  `json:"epoch"`
	RestMode     string  `json:"restMode"`
	ReleaseSpeed float64 `json:"releaseSpeed"`
}

// LossPayload names who took the object and why.
type LossPayload struct {
	Epoch    uint64 `json:"epoch"`
	NewOwner string `json:"newOwner,omitempty"`
	Cause    string `json:"cause"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor, object logging.EntityRef, requestID string, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      eventType,
		Tick:      tick,
		Actor:     actor,
		Targets:   []logging.EntityRef{object},
		Severity:  severity,
		Category:  logging.CategoryOwnership,
		Payload:   payload,
		Extra:     extra,
		RequestID: requestID,
	})
}

// Granted publishes an ownership grant.
func Granted(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, requestID string, payload GrantPayload, extra map[string]any) {
	publish(ctx, pub, EventGranted, logging.SeverityInfo, tick, actor, object, requestID, payload, extra)
}

// Denied publishes a lost arbitration.
func Denied(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, requestID string, payload DenialPayload, extra map[string]any) {
	publish(ctx, pub, EventDenied, logging.SeverityInfo, tick, actor, object, requestID, payload, extra)
}

// Released publishes a voluntary release.
func Released(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload ReleasePayload, extra map[string]any) {
	publish(ctx, pub, EventReleased, logging.SeverityInfo, tick, actor, object, "", payload, extra)
}

// Lost publishes an involuntary loss.
func Lost(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, payload LossPayload, extra map[string]any) {
	publish(ctx, pub, EventLost, logging.SeverityWarn, tick, actor, object, "", payload, extra)
}

// TimedOut publishes an expired request.
func TimedOut(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, requestID string, extra map[string]any) {
	publish(ctx, pub, EventTimedOut, logging.SeverityWarn, tick, actor, object, requestID, nil, extra)
}

// Cancelled publishes an abandoned request.
func Cancelled(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, requestID string, extra map[string]any) {
	publish(ctx, pub, EventCancelled, logging.SeverityDebug, tick, actor, object, requestID, nil, extra)
}

// AutoReleased publishes a late grant that was handed back.
func AutoReleased(ctx context.Context, pub logging.Publisher, tick uint64, actor, object logging.EntityRef, requestID string, payload GrantPayload, extra map[string]any) {
	publish(ctx, pub, EventAutoReleased, logging.SeverityWarn, tick, actor, object, requestID, payload, extra)
}

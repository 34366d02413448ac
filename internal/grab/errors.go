package grab

import (
	"errors"
	"fmt"

	"colocate/internal/ownership"
)

var (
	// ErrDetached is returned by operations on a session that is not attached.
	ErrDetached = errors.New("grab: session not attached")
	// ErrNoPendingRequest is returned when cancelling an object with no
	// request in flight.
	ErrNoPendingRequest = errors.New("grab: no pending request")
	// ErrNoAnchors is returned by anchor operations when the session has no
	// anchor coordinator.
	ErrNoAnchors = errors.New("grab: anchors not configured")
	// ErrNilSource is returned when grabbing without an input source.
	ErrNilSource = errors.New("grab: nil input source")
)

// RequestError is delivered to OnRequestFailed listeners for failures that
// happen after the call that started them returned: denials, timeouts, the
// transport going away, re-anchors that could not complete.
type RequestError struct {
	ObjectID  ownership.ObjectID
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("grab %s: %v", e.ObjectID, e.Err)
	}
	return fmt.Sprintf("grab %s (request %s): %v", e.ObjectID, e.RequestID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

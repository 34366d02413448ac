// Package authority implements the per-object request/grant/release
// lifecycle seen from a single local actor.
//
// A Machine performs no I/O. Callers feed it transport events and act on the
// returned Outcome (create or tear down a follow binding, send a release,
// notify listeners).
package authority

import (
	"errors"
	"fmt"
	"time"

	"colocate/internal/ownership"
)

// DefaultRequestTimeout bounds how long a request may stay unresolved.
const DefaultRequestTimeout = 2 * time.Second

var (
	// ErrRequestDenied reports a request that lost arbitration.
	ErrRequestDenied = errors.New("authority: request denied")
	// ErrRequestTimeout reports a request that was not resolved in time. It
	// is treated exactly like a denial.
	ErrRequestTimeout = errors.New("authority: request timed out")
	// ErrTransportUnavailable is returned while the machine is frozen.
	ErrTransportUnavailable = errors.New("authority: transport unavailable")
	// ErrRequestPending is returned when a request is already in flight.
	ErrRequestPending = ownership.ErrRequestPending
	// ErrAlreadyOwner is returned when requesting an object already held.
	ErrAlreadyOwner = ownership.ErrAlreadyOwner
	// ErrNotOwner is returned when releasing an object that is not held.
	ErrNotOwner = ownership.ErrNotOwner
)

// State is the local view of an object's authority.
type State int

const (
	StateUnowned State = iota
	StateRequesting
	StateOwned
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateUnowned:
		return "unowned"
	case StateRequesting:
		return "requesting"
	case StateOwned:
		return "owned"
	case StateReleasing:
		return "releasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome tells the caller which side effect a transition requires.
type Outcome int

const (
	// OutcomeNone means the input was stale or irrelevant.
	OutcomeNone Outcome = iota
	// OutcomeGranted means the local actor now owns the object.
	OutcomeGranted
	// OutcomeDenied means the pending request lost arbitration.
	OutcomeDenied
	// OutcomeTimedOut means the pending request expired.
	OutcomeTimedOut
	// OutcomeCancelled means the pending request was abandoned locally.
	OutcomeCancelled
	// OutcomeAutoRelease means a grant arrived for an abandoned request and
	// must be released immediately.
	OutcomeAutoRelease
	// OutcomeReleased means a voluntary release completed.
	OutcomeReleased
	// OutcomeLost means authority was taken away involuntarily.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeGranted:
		return "granted"
	case OutcomeDenied:
		return "denied"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAutoRelease:
		return "auto_release"
	case OutcomeReleased:
		return "released"
	case OutcomeLost:
		return "lost"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Machine tracks the authority lifecycle of one object for the local actor.
type Machine struct {
	object    ownership.ObjectID
	state     State
	requestID string
	deadline  time.Time
	epoch     uint64
	frozen    bool

	// abandoned holds ids of requests that timed out or were cancelled. A
	// grant for any of them is answered with an automatic release. Only the
	// last abandonedLimit ids are remembered, oldest first in abandonedOrder.
	abandoned      map[string]struct{}
	abandonedOrder []string
}

// abandonedLimit bounds how many unanswered abandoned requests a machine
// remembers. The relay resolves a request within a tick or two, so older ids
// never see a grant.
const abandonedLimit = 32

// NewMachine returns a machine in StateUnowned.
func NewMachine(object ownership.ObjectID) *Machine {
	return &Machine{
		object:    object,
		abandoned: make(map[string]struct{}),
	}
}

func (m *Machine) Object() ownership.ObjectID { return m.object }
func (m *Machine) State() State               { return m.state }
func (m *Machine) Frozen() bool               { return m.frozen }

// RequestID returns the id of the in-flight request, if any.
func (m *Machine) RequestID() string {
	if m.state != StateRequesting {
		return ""
	}
	return m.requestID
}

// Epoch returns the ownership epoch under which the local actor holds the
// object. It is zero unless the machine is Owned or Releasing.
func (m *Machine) Epoch() uint64 {
	if m.state != StateOwned && m.state != StateReleasing {
		return 0
	}
	return m.epoch
}

// Request moves Unowned to Requesting. While a request is in flight no
// additional request is made and ErrRequestPending is returned.
func (m *Machine) Request(requestID string, deadline time.Time) error {
	if m.frozen {
		return ErrTransportUnavailable
	}
	switch m.state {
	case StateRequesting:
		return fmt.Errorf("%w: %s", ErrRequestPending, m.requestID)
	case StateOwned, StateReleasing:
		return fmt.Errorf("%w: %s", ErrAlreadyOwner, m.object)
	}
	m.state = StateRequesting
	m.requestID = requestID
	m.deadline = deadline
	return nil
}

// Grant applies an ownership change naming the local actor as owner.
func (m *Machine) Grant(requestID string, epoch uint64) Outcome {
	if _, ok := m.abandoned[requestID]; ok {
		delete(m.abandoned, requestID)
		return OutcomeAutoRelease
	}
	if m.state != StateRequesting || m.requestID != requestID {
		return OutcomeNone
	}
	m.state = StateOwned
	m.requestID = ""
	m.deadline = time.Time{}
	m.epoch = epoch
	return OutcomeGranted
}

// Deny resolves the in-flight request as lost. The returned error wraps
// ErrRequestDenied.
func (m *Machine) Deny(requestID, reason string) (Outcome, error) {
	if _, ok := m.abandoned[requestID]; ok {
		delete(m.abandoned, requestID)
		return OutcomeNone, nil
	}
	if m.state != StateRequesting || m.requestID != requestID {
		return OutcomeNone, nil
	}
	m.reset()
	if reason == "" {
		return OutcomeDenied, ErrRequestDenied
	}
	return OutcomeDenied, fmt.Errorf("%w: %s", ErrRequestDenied, reason)
}

// Expire fails the in-flight request when now is past its deadline.
func (m *Machine) Expire(now time.Time) (Outcome, error) {
	if m.state != StateRequesting || m.deadline.IsZero() || now.Before(m.deadline) {
		return OutcomeNone, nil
	}
	return m.abandon(OutcomeTimedOut), ErrRequestTimeout
}

// Cancel abandons the in-flight request. The returned id is the request the
// caller should withdraw from the relay.
func (m *Machine) Cancel() (string, Outcome) {
	if m.state != StateRequesting {
		return "", OutcomeNone
	}
	id := m.requestID
	return id, m.abandon(OutcomeCancelled)
}

// BeginRelease moves Owned to Releasing and returns the epoch to release.
func (m *Machine) BeginRelease() (uint64, error) {
	if m.state != StateOwned {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotOwner, m.object, m.state)
	}
	m.state = StateReleasing
	return m.epoch, nil
}

// ConfirmRelease completes a voluntary release.
func (m *Machine) ConfirmRelease() Outcome {
	if m.state != StateReleasing {
		return OutcomeNone
	}
	m.reset()
	return OutcomeReleased
}

// Lose handles an ownership change that names someone else while the object
// is held. A change observed while Releasing confirms the release instead.
func (m *Machine) Lose(epoch uint64) Outcome {
	switch m.state {
	case StateReleasing:
		return m.ConfirmRelease()
	case StateOwned:
		if epoch != 0 && epoch <= m.epoch {
			return OutcomeNone
		}
		m.reset()
		return OutcomeLost
	default:
		return OutcomeNone
	}
}

// Freeze is called when the transport becomes unreachable. A pending
// request fails as timed out and no new request is accepted until Thaw. A
// release in flight settles to Unowned because the relay will revoke the
// object when the connection is dropped.
func (m *Machine) Freeze() (Outcome, error) {
	m.frozen = true
	switch m.state {
	case StateRequesting:
		return m.abandon(OutcomeTimedOut), fmt.Errorf("%w: %w", ErrRequestTimeout, ErrTransportUnavailable)
	case StateReleasing:
		m.reset()
		return OutcomeReleased, nil
	}
	return OutcomeNone, nil
}

// Thaw re-enables requests after the transport recovers.
func (m *Machine) Thaw() {
	m.frozen = false
}

func (m *Machine) abandon(outcome Outcome) Outcome {
	m.abandoned[m.requestID] = struct{}{}
	m.abandonedOrder = append(m.abandonedOrder, m.requestID)
	if len(m.abandonedOrder) > abandonedLimit {
		delete(m.abandoned, m.abandonedOrder[0])
		m.abandonedOrder = append(m.abandonedOrder[:0], m.abandonedOrder[1:]...)
	}
	m.reset()
	return outcome
}

func (m *Machine) reset() {
	m.state = StateUnowned
	m.requestID = ""
	m.deadline = time.Time{}
	m.epoch = 0
}

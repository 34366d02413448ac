package ownership

import "errors"

// ObjectID identifies a networked object for the lifetime of a session.
type ObjectID string

// ActorID identifies a participant in the session. The empty ActorID means
// "no owner".
type ActorID string

// None is the owner value of an unowned object.
const None ActorID = ""

var (
	// ErrUnknownObject is returned for requests against an object the
	// registry does not hold (never spawned or already destroyed).
	ErrUnknownObject = errors.New("ownership: unknown object")
	// ErrAlreadyOwner is returned when an actor requests an object it
	// already owns.
	ErrAlreadyOwner = errors.New("ownership: actor already owns object")
	// ErrNotOwner is returned when a release or mutation is attempted by an
	// actor that is not the current owner.
	ErrNotOwner = errors.New("ownership: actor is not the owner")
	// ErrRequestPending is returned when the actor already has an
	// unresolved request for the object.
	ErrRequestPending = errors.New("ownership: request already pending")
	// ErrDuplicateObject is returned when registering an existing id.
	ErrDuplicateObject = errors.New("ownership: object already registered")
	// ErrInvalidActor is returned for requests without an actor id.
	ErrInvalidActor = errors.New("ownership: missing actor id")
)

// Object is the replicated ownership record of a single networked object.
type Object struct {
	ID    ObjectID `json:"id" cbor:"id"`
	Owner ActorID  `json:"owner,omitempty" cbor:"owner,omitempty"`
	// Epoch increments on every accepted ownership transition and fences
	// pose updates issued under an older grant.
	Epoch uint64 `json:"epoch" cbor:"epoch"`
	// AllowOverride lets a request take authority from the current owner
	// instead of being denied.
	AllowOverride bool `json:"allowOverride,omitempty" cbor:"allowOverride,omitempty"`
}

// Owned reports whether the object currently has an owner.
func (o Object) Owned() bool {
	return o.Owner != None
}

// Request is a pending ownership request awaiting arbitration.
type Request struct {
	ID       string   `json:"id" cbor:"id"`
	ObjectID ObjectID `json:"objectId" cbor:"objectId"`
	Actor    ActorID  `json:"actor" cbor:"actor"`
	// Timestamp is the requester's clock in unix nanoseconds. Earlier
	// timestamps win arbitration.
	Timestamp int64 `json:"timestamp" cbor:"timestamp"`
}

// Before orders requests for arbitration: earliest timestamp first, then by
// actor id, then by request id so the order is total.
func (r Request) Before(o Request) bool {
	if r.Timestamp != o.Timestamp {
		return r.Timestamp < o.Timestamp
	}
	if r.Actor != o.Actor {
		return r.Actor < o.Actor
	}
	return r.ID < o.ID
}

// Cause describes why ownership changed.
type Cause string

const (
	CauseGranted    Cause = "granted"
	CauseOverridden Cause = "overridden"
	CauseReleased   Cause = "released"
	CauseRevoked    Cause = "revoked"
	CauseRemoved    Cause = "removed"
)

// Change is a single accepted ownership transition. Every Change is
// broadcast exactly once to all participants.
type Change struct {
	ObjectID  ObjectID `json:"objectId" cbor:"objectId"`
	Previous  ActorID  `json:"previous,omitempty" cbor:"previous,omitempty"`
	Owner     ActorID  `json:"owner,omitempty" cbor:"owner,omitempty"`
	Epoch     uint64   `json:"epoch" cbor:"epoch"`
	Cause     Cause    `json:"cause" cbor:"cause"`
	RequestID string   `json:"requestId,omitempty" cbor:"requestId,omitempty"`
}

// Denial reasons carried by unsuccessful resolutions.
const (
	ReasonLostArbitration = "lost_arbitration"
	ReasonOwned           = "owned"
	ReasonUnknownObject   = "unknown_object"
	ReasonAlreadyOwner    = "already_owner"
)

// Resolution answers a single Request.
type Resolution struct {
	Request Request `json:"request" cbor:"request"`
	Granted bool    `json:"granted" cbor:"granted"`
	Epoch   uint64  `json:"epoch,omitempty" cbor:"epoch,omitempty"`
	Reason  string  `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Outcome is the result of an arbitration round. Changes are ordered before
// the resolutions that caused them must be observed.
type Outcome struct {
	Changes     []Change
	Resolutions []Resolution
}

// Empty reports whether the round produced nothing to broadcast.
func (o Outcome) Empty() bool {
	return len(o.Changes) == 0 && len(o.Resolutions) == 0
}

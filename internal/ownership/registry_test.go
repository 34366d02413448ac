package ownership

import (
	"errors"
	"testing"
)

func newRegistryWith(t *testing.T, objects ...Object) *Registry {
	t.Helper()
	registry := NewRegistry()
	for _, obj := range objects {
		if err := registry.Register(obj); err != nil {
			t.Fatalf("register %s: %v", obj.ID, err)
		}
	}
	return registry
}

func TestArbitrateEarliestTimestampWins(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})

	if _, err := registry.RequestOwnership(Request{ID: "r-y", ObjectID: "cube", Actor: "y", Timestamp: 200}); err != nil {
		t.Fatalf("request y: %v", err)
	}
	if _, err := registry.RequestOwnership(Request{ID: "r-x", ObjectID: "cube", Actor: "x", Timestamp: 100}); err != nil {
		t.Fatalf("request x: %v", err)
	}

	outcome := registry.Arbitrate()
	if len(outcome.Changes) != 1 {
		t.Fatalf("expected exactly one change, got %d", len(outcome.Changes))
	}
	change := outcome.Changes[0]
	if change.Owner != "x" || change.Cause != CauseGranted || change.Epoch != 1 {
		t.Fatalf("unexpected change %+v", change)
	}
	if len(outcome.Resolutions) != 2 {
		t.Fatalf("expected two resolutions, got %d", len(outcome.Resolutions))
	}
	for _, res := range outcome.Resolutions {
		switch res.Request.Actor {
		case "x":
			if !res.Granted {
				t.Fatalf("expected x to be granted: %+v", res)
			}
		case "y":
			if res.Granted || res.Reason != ReasonLostArbitration {
				t.Fatalf("expected y to lose arbitration: %+v", res)
			}
		}
	}
	if owner, ok := registry.CurrentOwner("cube"); !ok || owner != "x" {
		t.Fatalf("expected x to own cube, got %q (%v)", owner, ok)
	}
	if registry.Pending() != 0 {
		t.Fatalf("expected pending requests to be discarded")
	}
}

func TestArbitrateTieBreaksByActorID(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	for _, actor := range []ActorID{"zed", "amy", "mid"} {
		if _, err := registry.RequestOwnership(Request{ID: "r-" + string(actor), ObjectID: "cube", Actor: actor, Timestamp: 5}); err != nil {
			t.Fatalf("request %s: %v", actor, err)
		}
	}
	outcome := registry.Arbitrate()
	if len(outcome.Changes) != 1 || outcome.Changes[0].Owner != "amy" {
		t.Fatalf("expected amy to win the tie, got %+v", outcome.Changes)
	}
}

func TestOwnedObjectDeniesWithoutOverride(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "cube", Actor: "x", Timestamp: 1})
	registry.Arbitrate()

	registry.RequestOwnership(Request{ID: "2", ObjectID: "cube", Actor: "y", Timestamp: 2})
	outcome := registry.Arbitrate()
	if len(outcome.Changes) != 0 {
		t.Fatalf("expected no change, got %+v", outcome.Changes)
	}
	if len(outcome.Resolutions) != 1 || outcome.Resolutions[0].Reason != ReasonOwned {
		t.Fatalf("expected owned denial, got %+v", outcome.Resolutions)
	}
	if owner, _ := registry.CurrentOwner("cube"); owner != "x" {
		t.Fatalf("expected x to keep ownership, got %q", owner)
	}
}

func TestOverrideTransfersAuthority(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube", AllowOverride: true})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "cube", Actor: "x", Timestamp: 1})
	registry.Arbitrate()

	registry.RequestOwnership(Request{ID: "2", ObjectID: "cube", Actor: "y", Timestamp: 2})
	outcome := registry.Arbitrate()
	if len(outcome.Changes) != 1 {
		t.Fatalf("expected one change, got %+v", outcome.Changes)
	}
	change := outcome.Changes[0]
	if change.Previous != "x" || change.Owner != "y" || change.Cause != CauseOverridden || change.Epoch != 2 {
		t.Fatalf("unexpected override change %+v", change)
	}
	if registry.Accepts("cube", "x", 1) {
		t.Fatalf("expected stale owner pose to be fenced")
	}
	if !registry.Accepts("cube", "y", 2) {
		t.Fatalf("expected new owner pose to be accepted")
	}
}

func TestRequestOwnershipRejectsSynchronously(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "unknown object", req: Request{ID: "a", ObjectID: "ghost", Actor: "x"}, want: ErrUnknownObject},
		{name: "missing actor", req: Request{ID: "b", ObjectID: "cube"}, want: ErrInvalidActor},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := registry.RequestOwnership(tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	registry.RequestOwnership(Request{ID: "c", ObjectID: "cube", Actor: "x", Timestamp: 1})
	if _, err := registry.RequestOwnership(Request{ID: "d", ObjectID: "cube", Actor: "x", Timestamp: 2}); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected duplicate request to be rejected, got %v", err)
	}
	registry.Arbitrate()
	if _, err := registry.RequestOwnership(Request{ID: "e", ObjectID: "cube", Actor: "x", Timestamp: 3}); !errors.Is(err, ErrAlreadyOwner) {
		t.Fatalf("expected already-owner rejection, got %v", err)
	}
}

func TestReleaseOwnershipIsIdempotentlyRejected(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	before := registry.Digest()

	for i := 0; i < 2; i++ {
		if _, err := registry.ReleaseOwnership("cube", "x", 0); !errors.Is(err, ErrNotOwner) {
			t.Fatalf("attempt %d: expected ErrNotOwner, got %v", i, err)
		}
	}
	if after := registry.Digest(); after != before {
		t.Fatalf("expected rejected releases to leave the table untouched")
	}
}

func TestReleaseOwnershipFencesStaleEpoch(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "cube", Actor: "x", Timestamp: 1})
	registry.Arbitrate()

	if _, err := registry.ReleaseOwnership("cube", "x", 7); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected stale epoch to be rejected, got %v", err)
	}
	change, err := registry.ReleaseOwnership("cube", "x", 1)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if change.Owner != None || change.Cause != CauseReleased || change.Epoch != 2 {
		t.Fatalf("unexpected release change %+v", change)
	}
	if _, ok := registry.CurrentOwner("cube"); ok {
		t.Fatalf("expected cube to be unowned")
	}
}

func TestCancelDropsPendingRequest(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "cube", Actor: "x", Timestamp: 1})
	if !registry.Cancel("1") {
		t.Fatalf("expected cancel to find the pending request")
	}
	if registry.Cancel("1") {
		t.Fatalf("expected second cancel to report false")
	}
	if outcome := registry.Arbitrate(); !outcome.Empty() {
		t.Fatalf("expected empty outcome after cancel, got %+v", outcome)
	}
}

func TestRevokeActorClearsOwnershipAndPending(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "a"}, Object{ID: "b"}, Object{ID: "c"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "a", Actor: "x", Timestamp: 1})
	registry.RequestOwnership(Request{ID: "2", ObjectID: "b", Actor: "x", Timestamp: 1})
	registry.Arbitrate()
	registry.RequestOwnership(Request{ID: "3", ObjectID: "c", Actor: "x", Timestamp: 1})

	changes := registry.RevokeActor("x")
	if len(changes) != 2 {
		t.Fatalf("expected two revocations, got %+v", changes)
	}
	if changes[0].ObjectID != "a" || changes[1].ObjectID != "b" {
		t.Fatalf("expected revocations in id order, got %+v", changes)
	}
	for _, change := range changes {
		if change.Cause != CauseRevoked || change.Previous != "x" || change.Owner != None {
			t.Fatalf("unexpected revocation %+v", change)
		}
	}
	if registry.Pending() != 0 {
		t.Fatalf("expected pending request of revoked actor to be dropped")
	}
}

func TestRemoveOwnedObjectEmitsChange(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "cube", Actor: "x", Timestamp: 1})
	registry.Arbitrate()

	change, ok := registry.Remove("cube")
	if !ok || change.Cause != CauseRemoved || change.Previous != "x" {
		t.Fatalf("unexpected removal change %+v (%v)", change, ok)
	}
	if _, ok := registry.Object("cube"); ok {
		t.Fatalf("expected cube to be gone")
	}
	if _, err := registry.RequestOwnership(Request{ID: "2", ObjectID: "cube", Actor: "y"}); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected unknown object after removal, got %v", err)
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "cube", AllowOverride: true})
	actors := []ActorID{"a", "b", "c", "d"}
	for round := 0; round < 20; round++ {
		for i, actor := range actors {
			registry.RequestOwnership(Request{
				ID:        string(actor) + string(rune('0'+round%10)),
				ObjectID:  "cube",
				Actor:     actor,
				Timestamp: int64((round*7 + i*3) % 5),
			})
		}
		outcome := registry.Arbitrate()
		granted := 0
		for _, res := range outcome.Resolutions {
			if res.Granted {
				granted++
			}
		}
		if granted > 1 {
			t.Fatalf("round %d granted %d requests", round, granted)
		}
		if len(outcome.Changes) > 1 {
			t.Fatalf("round %d produced %d changes for one object", round, len(outcome.Changes))
		}
	}
}

func TestReplicaIgnoresStaleChanges(t *testing.T) {
	replica := NewReplica()
	replica.Reset([]Object{{ID: "cube", Owner: "x", Epoch: 3}})

	if replica.Apply(Change{ObjectID: "cube", Owner: "y", Epoch: 2}) {
		t.Fatalf("expected stale change to be ignored")
	}
	if !replica.Apply(Change{ObjectID: "cube", Owner: None, Epoch: 4}) {
		t.Fatalf("expected newer change to apply")
	}
	if _, ok := replica.CurrentOwner("cube"); ok {
		t.Fatalf("expected cube to be unowned after release")
	}
}

func TestDigestMatchesBetweenRegistryAndReplica(t *testing.T) {
	registry := newRegistryWith(t, Object{ID: "b"}, Object{ID: "a"})
	registry.RequestOwnership(Request{ID: "1", ObjectID: "a", Actor: "x", Timestamp: 1})
	outcome := registry.Arbitrate()

	replica := NewReplica()
	replica.Reset([]Object{{ID: "a"}, {ID: "b"}})
	for _, change := range outcome.Changes {
		replica.Apply(change)
	}
	if registry.Digest() != replica.Digest() {
		t.Fatalf("expected digests to match")
	}
	replica.Apply(Change{ObjectID: "b", Owner: "y", Epoch: 9})
	if registry.Digest() == replica.Digest() {
		t.Fatalf("expected digests to diverge")
	}
}

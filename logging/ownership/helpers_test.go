package ownership

import (
	"context"
	"testing"

	"colocate/logging"
	"colocate/logging/sinks"
)

func TestGrantedPublishesOwnershipEvent(t *testing.T) {
	memory := sinks.NewMemory()
	Granted(context.Background(), memory, 12, logging.PeerRef("x"), logging.ObjectRef("cube"), "r1", GrantPayload{Epoch: 2}, nil)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	event := events[0]
	if event.Type != EventGranted || event.Category != logging.CategoryOwnership || event.RequestID != "r1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Targets) != 1 || event.Targets[0].ID != "cube" {
		t.Fatalf("expected object target, got %+v", event.Targets)
	}
	if payload, ok := event.Payload.(GrantPayload); !ok || payload.Epoch != 2 {
		t.Fatalf("unexpected payload %#v", event.Payload)
	}
}

func TestNilPublisherIsIgnored(t *testing.T) {
	Lost(context.Background(), nil, 0, logging.PeerRef("x"), logging.ObjectRef("cube"), LossPayload{}, nil)
}

package client

import (
	"testing"

	"github.com/openjproxy/ojp/rpc"
)

func TestSessionTrackerBindAndLookup(t *testing.T) {
	tr := NewSessionTracker()
	ep := rpc.Endpoint{Host: "ojp-a", Port: 1059}

	tr.Bind("session-1", ep)

	got, ok := tr.Lookup("session-1")
	if !ok {
		t.Fatalf("expected session-1 to be bound")
	}
	if got != ep {
		t.Fatalf("expected %v, got %v", ep, got)
	}
}

func TestSessionTrackerLookupMiss(t *testing.T) {
	tr := NewSessionTracker()
	if _, ok := tr.Lookup("unknown"); ok {
		t.Fatalf("expected no binding for an unknown session")
	}
}

func TestSessionTrackerUnregisterRemovesBinding(t *testing.T) {
	tr := NewSessionTracker()
	ep := rpc.Endpoint{Host: "ojp-a", Port: 1059}
	tr.Bind("session-1", ep)

	tr.Unregister("session-1")

	if _, ok := tr.Lookup("session-1"); ok {
		t.Fatalf("expected session-1 to be unbound after Unregister")
	}
}

func TestSessionTrackerBoundUUIDs(t *testing.T) {
	tr := NewSessionTracker()
	tr.Bind("session-1", rpc.Endpoint{Host: "ojp-a", Port: 1059})
	tr.Bind("session-2", rpc.Endpoint{Host: "ojp-b", Port: 1059})

	got := tr.BoundUUIDs()
	if len(got) != 2 {
		t.Fatalf("expected 2 bound sessions, got %d", len(got))
	}
}

package client

import (
	"strings"
	"testing"

	"github.com/openjproxy/ojp/rpc"
)

func newTestEndpoints() []rpc.Endpoint {
	return []rpc.Endpoint{
		{Host: "ojp-a", Port: 1059},
		{Host: "ojp-b", Port: 1059},
		{Host: "ojp-c", Port: 1059},
	}
}

func TestMultinodeManagerClusterHealthAllUp(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)

	health := m.ClusterHealth()
	for _, ep := range newTestEndpoints() {
		if !strings.Contains(health, ep.String()+"(UP)") {
			t.Fatalf("expected %s to be UP in %q", ep, health)
		}
	}
}

func TestMultinodeManagerMarkUnhealthyIgnoresPoolExhaustion(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)
	ep := newTestEndpoints()[0]

	m.MarkUnhealthy(ep, errPoolExhaustedForTest{})
	if !m.IsHealthy(ep) {
		t.Fatalf("pool-exhaustion must never flip an endpoint unhealthy")
	}
}

func TestMultinodeManagerMarkUnhealthyThenHealthy(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)
	ep := newTestEndpoints()[0]

	m.MarkUnhealthy(ep, errConnRefusedForTest{})
	if m.IsHealthy(ep) {
		t.Fatalf("expected endpoint to be marked DOWN")
	}
	if !strings.Contains(m.ClusterHealth(), ep.String()+"(DOWN)") {
		t.Fatalf("expected cluster health string to reflect DOWN endpoint")
	}

	m.MarkHealthy(ep)
	if !m.IsHealthy(ep) {
		t.Fatalf("expected endpoint to recover to UP")
	}
}

func TestMultinodeManagerPickHealthyEndpointSkipsDown(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)
	down := newTestEndpoints()[0]
	m.MarkUnhealthy(down, errConnRefusedForTest{})

	for i := 0; i < 10; i++ {
		ep, err := m.pickHealthyEndpoint()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ep == down {
			t.Fatalf("pickHealthyEndpoint must never return a DOWN endpoint")
		}
	}
}

func TestMultinodeManagerPickHealthyEndpointAllDown(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)
	for _, ep := range newTestEndpoints() {
		m.MarkUnhealthy(ep, errConnRefusedForTest{})
	}

	if _, err := m.pickHealthyEndpoint(); err == nil {
		t.Fatalf("expected an error when every endpoint is DOWN")
	}
}

func TestMultinodeManagerAffinityServerUnbound(t *testing.T) {
	m := NewMultinodeManager(nil, newTestEndpoints(), "client-1", false)
	if _, err := m.AffinityServer("never-bound"); err == nil {
		t.Fatalf("expected an error for an unbound session")
	} else if !strings.Contains(err.Error(), "never-bound") {
		t.Fatalf("expected diagnostic to name the session, got: %v", err)
	}
}

type errPoolExhaustedForTest struct{}

func (errPoolExhaustedForTest) Error() string { return "pool exhausted" }

type errConnRefusedForTest struct{}

func (errConnRefusedForTest) Error() string { return "connection refused" }

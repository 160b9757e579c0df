package server

import "testing"

func TestCalculatePoolSizesDividesAcrossEndpoints(t *testing.T) {
	c := NewPoolCoordinator()

	max, minIdle := c.CalculatePoolSizes("hash-a", 10, 4, 2)
	if max != 5 {
		t.Fatalf("expected max=5, got %d", max)
	}
	if minIdle != 2 {
		t.Fatalf("expected minIdle=2, got %d", minIdle)
	}
}

func TestCalculatePoolSizesSingleEndpointDividesByOne(t *testing.T) {
	c := NewPoolCoordinator()

	max, minIdle := c.CalculatePoolSizes("hash-a", 10, 4, 1)
	if max != 10 || minIdle != 4 {
		t.Fatalf("expected unchanged split for a single endpoint, got max=%d minIdle=%d", max, minIdle)
	}
}

func TestCalculatePoolSizesNeverGoesBelowOne(t *testing.T) {
	c := NewPoolCoordinator()

	max, minIdle := c.CalculatePoolSizes("hash-a", 3, 0, 10)
	if max != 1 {
		t.Fatalf("expected max floor of 1, got %d", max)
	}
	if minIdle != 0 {
		t.Fatalf("expected minIdle floor of 0, got %d", minIdle)
	}
}

func TestUpdateHealthyServersShrinkUsesMinIdleFirst(t *testing.T) {
	c := NewPoolCoordinator()
	c.CalculatePoolSizes("hash-a", 10, 4, 1)

	newMax, newMinIdle, order, ok := c.UpdateHealthyServers("hash-a", 2)
	if !ok {
		t.Fatalf("expected allocation to exist")
	}
	if newMax != 5 || newMinIdle != 2 {
		t.Fatalf("expected max=5 minIdle=2, got max=%d minIdle=%d", newMax, newMinIdle)
	}
	if order != orderMinIdleFirst {
		t.Fatalf("expected orderMinIdleFirst when more servers become healthy, got %v", order)
	}
}

func TestUpdateHealthyServersGrowUsesMaxFirst(t *testing.T) {
	c := NewPoolCoordinator()
	c.CalculatePoolSizes("hash-a", 10, 4, 2)

	newMax, newMinIdle, order, ok := c.UpdateHealthyServers("hash-a", 1)
	if !ok {
		t.Fatalf("expected allocation to exist")
	}
	if newMax != 10 || newMinIdle != 4 {
		t.Fatalf("expected max=10 minIdle=4, got max=%d minIdle=%d", newMax, newMinIdle)
	}
	if order != orderMaxFirst {
		t.Fatalf("expected orderMaxFirst when a server goes unhealthy, got %v", order)
	}
}

func TestUpdateHealthyServersUnknownHash(t *testing.T) {
	c := NewPoolCoordinator()
	if _, _, _, ok := c.UpdateHealthyServers("missing", 1); ok {
		t.Fatalf("expected ok=false for an unknown hash")
	}
}

func TestSnapshotReflectsLatestAllocation(t *testing.T) {
	c := NewPoolCoordinator()
	c.CalculatePoolSizes("hash-a", 10, 4, 2)
	c.UpdateHealthyServers("hash-a", 1)

	snap, ok := c.Snapshot("hash-a")
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if snap.currentMax != 10 || snap.currentMinIdle != 4 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

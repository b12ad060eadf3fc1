package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, "pmapper")

	c.Placement("placed")
	c.Placement("placed")
	c.Violation("SLA0", "capacity")
	c.Observe(Snapshot{
		Tiers:        map[string]int{"running": 3},
		EnergyJoules: 42,
	})

	if got := testutil.ToFloat64(c.placements.WithLabelValues("placed")); got != 2 {
		t.Errorf("expected 2 placements, got %f", got)
	}
	if got := testutil.ToFloat64(c.energy); got != 42 {
		t.Errorf("expected energy 42, got %f", got)
	}
	if got := testutil.ToFloat64(c.machines.WithLabelValues("running")); got != 3 {
		t.Errorf("expected 3 running machines, got %f", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Placement("placed")
	c.Observe(Snapshot{})
}

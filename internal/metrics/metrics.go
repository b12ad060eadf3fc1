// Package metrics exposes scheduler counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the scheduler's Prometheus instruments for one policy.
// A nil *Collector is valid and records nothing.
type Collector struct {
	policy string

	placements    *prometheus.CounterVec
	violations    *prometheus.CounterVec
	migrations    *prometheus.CounterVec
	powerRequests *prometheus.CounterVec
	completions   prometheus.Counter

	machines     *prometheus.GaugeVec
	pending      *prometheus.GaugeVec
	energy       prometheus.Gauge
	compliance   *prometheus.GaugeVec
	simulateTime prometheus.Gauge
}

// New registers the instruments on reg, labelled with the policy name.
func New(reg prometheus.Registerer, policy string) *Collector {
	f := promauto.With(reg)
	labels := prometheus.Labels{"policy": policy}
	return &Collector{
		policy: policy,
		placements: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudsim_placements_total",
			Help:        "Placement attempts by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudsim_sla_violations_total",
			Help:        "Service-level violations attributed to the scheduler.",
			ConstLabels: labels,
		}, []string{"class", "kind"}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudsim_migrations_total",
			Help:        "Task moves and VM migrations by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		powerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cloudsim_power_requests_total",
			Help:        "Power-state requests by target state.",
			ConstLabels: labels,
		}, []string{"state"}),
		completions: f.NewCounter(prometheus.CounterOpts{
			Name:        "cloudsim_task_completions_total",
			Help:        "Tasks completed.",
			ConstLabels: labels,
		}),
		machines: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cloudsim_machines",
			Help:        "Machines per power tier.",
			ConstLabels: labels,
		}, []string{"tier"}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cloudsim_pending",
			Help:        "Entries in the scheduler's pending side tables.",
			ConstLabels: labels,
		}, []string{"table"}),
		energy: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cloudsim_cluster_energy_joules",
			Help:        "Energy consumed by the cluster so far.",
			ConstLabels: labels,
		}),
		compliance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cloudsim_sla_compliance_percent",
			Help:        "Percentage of tasks meeting their service level.",
			ConstLabels: labels,
		}, []string{"class"}),
		simulateTime: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cloudsim_simulated_seconds",
			Help:        "Simulated time of the last event.",
			ConstLabels: labels,
		}),
	}
}

// Placement counts a placement outcome.
func (c *Collector) Placement(outcome string) {
	if c == nil {
		return
	}
	c.placements.WithLabelValues(outcome).Inc()
}

// Violation counts a violation.
func (c *Collector) Violation(class, kind string) {
	if c == nil {
		return
	}
	c.violations.WithLabelValues(class, kind).Inc()
}

// Migration counts a move or migration.
func (c *Collector) Migration(reason string) {
	if c == nil {
		return
	}
	c.migrations.WithLabelValues(reason).Inc()
}

// PowerRequest counts a power request.
func (c *Collector) PowerRequest(state string) {
	if c == nil {
		return
	}
	c.powerRequests.WithLabelValues(state).Inc()
}

// Completion counts a task completion.
func (c *Collector) Completion() {
	if c == nil {
		return
	}
	c.completions.Inc()
}

// Snapshot is the periodic gauge update.
type Snapshot struct {
	Tiers         map[string]int
	Pending       map[string]int
	EnergyJoules  float64
	Compliance    map[string]float64
	SimulatedSecs float64
}

// Observe sets every gauge from a snapshot.
func (c *Collector) Observe(s Snapshot) {
	if c == nil {
		return
	}
	for tier, n := range s.Tiers {
		c.machines.WithLabelValues(tier).Set(float64(n))
	}
	for table, n := range s.Pending {
		c.pending.WithLabelValues(table).Set(float64(n))
	}
	for class, pct := range s.Compliance {
		c.compliance.WithLabelValues(class).Set(pct)
	}
	c.energy.Set(s.EnergyJoules)
	c.simulateTime.Set(s.SimulatedSecs)
}

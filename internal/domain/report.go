package domain

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Report is the end-of-run summary emitted by the scheduler on shutdown.
type Report struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Policy     string `json:"policy"`
	FinishedAt Time   `json:"finished_at"`

	EnergyJoules float64 `json:"energy_joules"`

	// Compliance is the percentage of tasks in each class that met their
	// target, keyed by class name.
	Compliance map[string]float64 `json:"compliance"`

	// Violations counts scheduler-attributed breaches by kind, for tracked
	// classes only.
	Violations map[ViolationKind]uint64 `json:"violations"`
	// ViolationsByClass counts the same breaches by class.
	ViolationsByClass map[string]uint64 `json:"violations_by_class"`

	Arrived       uint64 `json:"arrived"`
	Completed     uint64 `json:"completed"`
	Placed        uint64 `json:"placed"`
	Deferred      uint64 `json:"deferred"`
	Unplaced      uint64 `json:"unplaced"`
	Rejections    uint64 `json:"rejections"`
	Migrations    uint64 `json:"migrations"`
	PowerRequests uint64 `json:"power_requests"`

	// Digest fingerprints the ordered decision log of the run.
	Digest string `json:"digest"`

	CreatedAt time.Time `json:"created_at"`
}

// EnergyKWh returns the cluster energy in kilowatt-hours.
func (r Report) EnergyKWh() float64 {
	return r.EnergyJoules / 3.6e6
}

// TotalViolations sums violations over every kind.
func (r Report) TotalViolations() uint64 {
	var n uint64
	for _, v := range r.Violations {
		n += v
	}
	return n
}

// WriteSummary prints the report in the plain-text form the CLI shows at
// the end of a run.
func (r Report) WriteSummary(w io.Writer) error {
	var err error
	p := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	p("Run %s (policy %s) finished at %.3fs\n", r.RunID, r.Policy, r.FinishedAt.Seconds())
	p("SLA violation report\n")
	classes := make([]string, 0, len(r.Compliance))
	for c := range r.Compliance {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		p("  %s: %.2f%%\n", c, r.Compliance[c])
	}
	for _, k := range ViolationKinds {
		p("  %s violations: %d\n", k, r.Violations[k])
	}
	p("Tasks: arrived=%d completed=%d placed=%d deferred=%d unplaced=%d\n",
		r.Arrived, r.Completed, r.Placed, r.Deferred, r.Unplaced)
	p("Migrations: %d, power requests: %d, rejected assignments: %d\n",
		r.Migrations, r.PowerRequests, r.Rejections)
	p("Total Energy %.4f KW-Hour\n", r.EnergyKWh())
	p("Decision digest %s\n", r.Digest)
	return err
}

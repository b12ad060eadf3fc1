package scheduler

import (
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
)

// MachineStatus is the scheduler's view of one machine.
type MachineStatus struct {
	domain.MachineInfo
	Tier          string `json:"tier"`
	PendingTarget string `json:"pending_target,omitempty"`
	TrackedMiB    uint64 `json:"tracked_mib"`
	ReservedMiB   uint64 `json:"reserved_mib"`
}

// PendingWork counts asynchronous operations still in flight.
type PendingWork struct {
	Power      int `json:"power"`
	Migrations int `json:"migrations"`
	Deferred   int `json:"deferred"`
	Parked     int `json:"parked"`
}

// Snapshot is a point-in-time copy of the scheduler state, safe to hand
// to other goroutines.
type Snapshot struct {
	Report    domain.Report     `json:"report"`
	Machines  []MachineStatus   `json:"machines"`
	Pending   PendingWork       `json:"pending"`
	Decisions []events.Decision `json:"decisions"`
}

// Pending returns the number of in-flight operations.
func (s *Scheduler) Pending() PendingWork {
	if s.power == nil {
		return PendingWork{}
	}
	return PendingWork{
		Power:      s.power.PendingCount(),
		Migrations: s.recovery.PendingMigrations(),
		Deferred:   s.placer.DeferredCount(),
		Parked:     s.recovery.ParkedCount(),
	}
}

// Machines returns the status of every machine.
func (s *Scheduler) Machines() []MachineStatus {
	if s.catalog == nil {
		return nil
	}
	out := make([]MachineStatus, 0, s.catalog.MachineCount())
	for _, id := range s.catalog.MachineIDs() {
		st := MachineStatus{
			MachineInfo: s.catalog.Info(id),
			Tier:        s.power.Tier(id).String(),
			TrackedMiB:  s.catalog.UsedMiB(id),
			ReservedMiB: s.catalog.ReservedMiB(id),
		}
		if p, ok := s.power.Pending(id); ok {
			st.PendingTarget = string(p.Target)
		}
		out = append(out, st)
	}
	return out
}

// Snapshot captures the current state. Call it from the event goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	report := s.Report(s.now)
	if s.report != nil {
		report = *s.report
	}
	return Snapshot{
		Report:    report,
		Machines:  s.Machines(),
		Pending:   s.Pending(),
		Decisions: s.decisions.Recent(),
	}
}

func pendingMap(p PendingWork) map[string]int {
	return map[string]int{
		"power":      p.Power,
		"migrations": p.Migrations,
		"deferred":   p.Deferred,
		"parked":     p.Parked,
	}
}

// Check verifies the catalog bookkeeping against the harness.
func (s *Scheduler) Check() error {
	if s.catalog == nil {
		return nil
	}
	return s.catalog.Check()
}

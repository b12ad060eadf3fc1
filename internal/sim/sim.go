// Package sim is a discrete-event cluster simulator. It owns the clock,
// models machines, VMs, tasks and energy, and drives a Handler with the
// events a real cluster would produce.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Handler receives simulator events. *scheduler.Scheduler implements it.
type Handler interface {
	Init(now domain.Time)
	OnTaskArrival(now domain.Time, task domain.TaskID)
	OnTaskCompletion(now domain.Time, task domain.TaskID)
	OnPeriodicTick(now domain.Time)
	OnMigrationComplete(now domain.Time, vm domain.VMID)
	OnPowerStateChangeComplete(now domain.Time, machine domain.MachineID)
	OnServiceLevelRisk(now domain.Time, task domain.TaskID)
	OnCapacityOverflow(now domain.Time, machine domain.MachineID)
	Shutdown(now domain.Time) domain.Report
}

// MachineSpec describes a simulated machine.
type MachineSpec struct {
	Arch      domain.CPUArch    `mapstructure:"arch"`
	Cores     uint32            `mapstructure:"cores"`
	MemoryMiB uint64            `mapstructure:"memory_mib"`
	GPU       bool              `mapstructure:"gpu"`
	State     domain.PowerState `mapstructure:"state"`
}

// TaskSpec describes a simulated task.
type TaskSpec struct {
	ID        domain.TaskID
	Arrival   domain.Time
	Runtime   domain.Time
	Arch      domain.CPUArch
	VMType    domain.VMType
	MemoryMiB uint64
	GPU       bool
	SLA       domain.SLAClass
}

type machine struct {
	info   domain.MachineInfo
	target domain.PowerState
	gen    uint64
	vms    map[domain.VMID]struct{}
}

func (m *machine) transitioning() bool {
	return m.target != m.info.State
}

func (m *machine) ready() bool {
	return m.info.State == domain.PowerActive && !m.transitioning()
}

type vm struct {
	info      domain.VMInfo
	migrating bool
	dest      domain.MachineID
	gen       uint64
}

type task struct {
	spec      TaskSpec
	deadline  domain.Time
	arrived   bool
	vm        domain.VMID
	assigned  bool
	completed bool
	remaining float64
	gen       uint64
}

// Stats summarizes a finished run.
type Stats struct {
	Arrived     int
	Completed   int
	Met         map[domain.SLAClass]int
	Finished    map[domain.SLAClass]int
	Rejected    int
	Warnings    int
	Overflows   int
	Events      uint64
	StaleEvents uint64
	EndTime     domain.Time
}

// TickFunc is called after every periodic tick has been handled.
type TickFunc func(now domain.Time)

// Simulator implements cluster.Harness over simulated machines.
type Simulator struct {
	cfg    Config
	logger *zap.Logger

	machines []*machine
	vms      map[domain.VMID]*vm
	tasks    map[domain.TaskID]*task
	order    []domain.TaskID
	nextVM   domain.VMID

	queue  scheduleQueue
	now    domain.Time
	dirty  map[domain.MachineID]bool
	onTick TickFunc
	stats  Stats
}

var _ cluster.Harness = (*Simulator)(nil)

// New creates a simulator. Task ids must be unique.
func New(cfg Config, machines []MachineSpec, tasks []TaskSpec, logger *zap.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(machines) == 0 {
		return nil, fmt.Errorf("%w: no machines", domain.ErrInvalidArgument)
	}
	s := &Simulator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sim")),
		vms:    make(map[domain.VMID]*vm),
		tasks:  make(map[domain.TaskID]*task, len(tasks)),
		dirty:  make(map[domain.MachineID]bool),
		stats: Stats{
			Met:      make(map[domain.SLAClass]int),
			Finished: make(map[domain.SLAClass]int),
		},
	}
	for i, spec := range machines {
		if spec.MemoryMiB == 0 || spec.Cores == 0 {
			return nil, fmt.Errorf("%w: machine %d has no cores or memory", domain.ErrInvalidArgument, i)
		}
		state := spec.State
		if state == "" {
			state = domain.PowerActive
		}
		s.machines = append(s.machines, &machine{
			info: domain.MachineInfo{
				ID:        domain.MachineID(i),
				Arch:      spec.Arch,
				Cores:     spec.Cores,
				MemoryMiB: spec.MemoryMiB,
				GPU:       spec.GPU,
				State:     state,
			},
			target: state,
			vms:    make(map[domain.VMID]struct{}),
		})
	}
	for _, spec := range tasks {
		if _, dup := s.tasks[spec.ID]; dup {
			return nil, fmt.Errorf("%w: task %d", domain.ErrAlreadyExists, spec.ID)
		}
		t := &task{spec: spec}
		if f := SLAFactor(spec.SLA); f > 0 {
			t.deadline = spec.Arrival + domain.Time(math.Ceil(float64(spec.Runtime)*f))
		}
		s.tasks[spec.ID] = t
		s.order = append(s.order, spec.ID)
	}
	return s, nil
}

// OnTick registers a function called after each periodic tick.
func (s *Simulator) OnTick(fn TickFunc) {
	s.onTick = fn
}

// Now returns the current simulated time.
func (s *Simulator) Now() domain.Time {
	return s.now
}

// Stats returns run statistics.
func (s *Simulator) Stats() Stats {
	return s.stats
}

// Run drives the handler until every task has finished or can make no
// more progress, then shuts it down and returns its report.
func (s *Simulator) Run(ctx context.Context, h Handler) (domain.Report, error) {
	for _, id := range s.order {
		t := s.tasks[id]
		s.queue.push(&event{at: t.spec.Arrival, kind: evArrival, task: id})
	}
	tick := domain.FromDuration(s.cfg.TickInterval)
	s.queue.push(&event{at: tick, kind: evTick})
	maxTime := domain.FromDuration(s.cfg.MaxTime)

	s.logger.Info("Simulation started",
		zap.Int("machines", len(s.machines)),
		zap.Int("tasks", len(s.order)),
	)
	h.Init(0)
	s.settle()

	idleTicks := 0
	for {
		if err := ctx.Err(); err != nil {
			return domain.Report{}, fmt.Errorf("simulation interrupted at %s: %w", s.now, err)
		}
		e, ok := s.queue.pop()
		if !ok {
			break
		}
		if maxTime > 0 && e.at > maxTime {
			s.logger.Warn("Simulation reached time limit", zap.Stringer("max_time", maxTime))
			s.advance(maxTime)
			break
		}
		s.advance(e.at)
		s.stats.Events++

		if e.kind == evTick {
			h.OnPeriodicTick(s.now)
			s.settle()
			if s.onTick != nil {
				s.onTick(s.now)
			}
			if s.queue.nonTick == 0 && s.running() == 0 {
				idleTicks++
			} else {
				idleTicks = 0
			}
			if idleTicks >= 2 {
				break
			}
			s.queue.push(&event{at: s.now + tick, kind: evTick})
			continue
		}

		if !s.dispatch(h, e) {
			s.stats.StaleEvents++
		}
		s.settle()
	}

	s.stats.EndTime = s.now
	report := h.Shutdown(s.now)
	s.logger.Info("Simulation finished",
		zap.Stringer("end_time", s.now),
		zap.Int("completed", s.stats.Completed),
		zap.Int("arrived", s.stats.Arrived),
		zap.Float64("energy_kwh", s.ClusterEnergy()/3.6e6),
		zap.Uint64("events", s.stats.Events),
	)
	return report, nil
}

func (s *Simulator) dispatch(h Handler, e *event) bool {
	switch e.kind {
	case evArrival:
		t := s.tasks[e.task]
		t.arrived = true
		s.stats.Arrived++
		if t.deadline > 0 {
			warnAt := t.spec.Arrival + domain.Time(float64(t.deadline-t.spec.Arrival)*s.cfg.RiskThreshold)
			s.queue.push(&event{at: max(warnAt, s.now), kind: evRisk, task: e.task})
		}
		h.OnTaskArrival(s.now, e.task)

	case evCompletion:
		t := s.tasks[e.task]
		if t.completed || !t.assigned || t.gen != e.gen {
			return false
		}
		s.complete(t)
		h.OnTaskCompletion(s.now, e.task)

	case evPowerDone:
		m := s.machines[e.machine]
		if m.gen != e.gen {
			return false
		}
		from := m.info.State
		m.info.State = m.target
		s.dirty[e.machine] = true
		s.logger.Debug("Machine changed state",
			zap.Uint32("machine_id", uint32(e.machine)),
			zap.String("from", string(from)),
			zap.String("to", string(m.info.State)),
		)
		h.OnPowerStateChangeComplete(s.now, e.machine)

	case evMigrationDone:
		v, ok := s.vms[e.vm]
		if !ok || !v.migrating || v.gen != e.gen {
			return false
		}
		s.finishMigration(v)
		h.OnMigrationComplete(s.now, e.vm)

	case evRisk:
		t := s.tasks[e.task]
		if t.completed || !s.atRisk(t) {
			return true
		}
		s.stats.Warnings++
		h.OnServiceLevelRisk(s.now, e.task)

	case evOverflow:
		m := s.machines[e.machine]
		if m.info.MemoryUsedMiB <= m.info.MemoryMiB {
			return false
		}
		s.stats.Overflows++
		h.OnCapacityOverflow(s.now, e.machine)
	}
	return true
}

// advance integrates energy and task progress up to now.
func (s *Simulator) advance(now domain.Time) {
	if now <= s.now {
		return
	}
	dt := now - s.now
	for _, m := range s.machines {
		m.info.EnergyJoules += s.watts(m) * dt.Seconds()
		if rate := s.rate(m); rate > 0 {
			for id := range m.vms {
				v := s.vms[id]
				if v.migrating {
					continue
				}
				for _, tid := range v.info.Tasks {
					t := s.tasks[tid]
					t.remaining = math.Max(0, t.remaining-float64(dt)*rate)
				}
			}
		}
	}
	s.now = now
}

func (s *Simulator) watts(m *machine) float64 {
	switch m.info.State {
	case domain.PowerActive:
		load := math.Min(1, float64(m.info.MemoryUsedMiB)/float64(m.info.MemoryMiB))
		return s.cfg.ActiveIdleWatts + (s.cfg.ActivePeakWatts-s.cfg.ActiveIdleWatts)*load
	case domain.PowerStandby:
		return s.cfg.StandbyWatts
	default:
		return s.cfg.OffWatts
	}
}

// runnable returns the tasks making progress on a machine.
func (s *Simulator) runnable(m *machine) int {
	if !m.ready() {
		return 0
	}
	n := 0
	for id := range m.vms {
		if v := s.vms[id]; !v.migrating {
			n += len(v.info.Tasks)
		}
	}
	return n
}

// rate is the fraction of full speed each running task gets.
func (s *Simulator) rate(m *machine) float64 {
	n := s.runnable(m)
	if n == 0 {
		return 0
	}
	return math.Min(1, float64(m.info.Cores)/float64(n))
}

func (s *Simulator) running() int {
	n := 0
	for _, m := range s.machines {
		n += s.runnable(m)
	}
	return n
}

// settle reschedules completions on every machine whose task set, speed
// or state changed during the last event.
func (s *Simulator) settle() {
	if len(s.dirty) == 0 {
		return
	}
	ids := make([]domain.MachineID, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	clear(s.dirty)

	for _, id := range ids {
		m := s.machines[id]
		rate := s.rate(m)
		for _, vid := range sortedVMs(m.vms) {
			v := s.vms[vid]
			for _, tid := range v.info.Tasks {
				t := s.tasks[tid]
				t.gen++
				if rate == 0 || v.migrating {
					continue
				}
				at := s.now + domain.Time(math.Ceil(t.remaining/rate))
				s.queue.push(&event{at: at, kind: evCompletion, task: tid, gen: t.gen})
			}
		}
	}
}

func (s *Simulator) atRisk(t *task) bool {
	if !t.assigned {
		return true
	}
	v := s.vms[t.vm]
	if v.migrating {
		return true
	}
	rate := s.rate(s.machines[v.info.MachineID])
	if rate == 0 {
		return true
	}
	return s.now+domain.Time(math.Ceil(t.remaining/rate)) > t.deadline
}

func (s *Simulator) complete(t *task) {
	v := s.vms[t.vm]
	v.info.Tasks = removeTask(v.info.Tasks, t.spec.ID)
	m := s.machines[v.info.MachineID]
	m.info.MemoryUsedMiB -= t.spec.MemoryMiB
	m.info.ActiveTasks--
	s.dirty[m.info.ID] = true

	t.assigned = false
	t.completed = true
	s.stats.Completed++
	if t.deadline > 0 {
		s.stats.Finished[t.spec.SLA]++
		if s.now <= t.deadline {
			s.stats.Met[t.spec.SLA]++
		}
	}
	s.logger.Debug("Task completed",
		zap.Uint64("task_id", uint64(t.spec.ID)),
		zap.Uint32("machine_id", uint32(m.info.ID)),
		zap.Bool("met_deadline", t.deadline == 0 || s.now <= t.deadline),
	)
}

func (s *Simulator) finishMigration(v *vm) {
	src := s.machines[v.info.MachineID]
	dst := s.machines[v.dest]
	var mem uint64
	for _, tid := range v.info.Tasks {
		t := s.tasks[tid]
		mem += t.spec.MemoryMiB
		t.remaining += float64(domain.FromDuration(s.cfg.MigrationPenalty))
	}
	src.info.MemoryUsedMiB -= mem
	src.info.ActiveTasks -= len(v.info.Tasks)
	src.info.ActiveVMs--
	delete(src.vms, v.info.ID)

	dst.info.MemoryUsedMiB += mem
	dst.info.ActiveTasks += len(v.info.Tasks)
	dst.info.ActiveVMs++
	dst.vms[v.info.ID] = struct{}{}

	v.info.MachineID = v.dest
	v.migrating = false
	s.dirty[src.info.ID] = true
	s.dirty[dst.info.ID] = true

	if dst.info.MemoryUsedMiB > dst.info.MemoryMiB {
		s.queue.push(&event{at: s.now, kind: evOverflow, machine: dst.info.ID})
	}
}

func sortedVMs(set map[domain.VMID]struct{}) []domain.VMID {
	ids := make([]domain.VMID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func removeTask(tasks []domain.TaskID, id domain.TaskID) []domain.TaskID {
	for i, t := range tasks {
		if t == id {
			return append(tasks[:i], tasks[i+1:]...)
		}
	}
	return tasks
}

// Package placement decides where arriving tasks run: on an active machine
// chosen by a policy's ranker, or deferred onto a machine being woken up.
package placement

import (
	"errors"
	"fmt"

	"github.com/golang-collections/collections/queue"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
)

// Outcome is the result class of a placement attempt.
type Outcome int

const (
	// Placed means the task was assigned to a VM.
	Placed Outcome = iota
	// Deferred means memory is reserved on a machine that is being
	// activated and the task will be assigned when it is ACTIVE.
	Deferred
	// Violated means no machine could take the task.
	Violated
	// Dropped means the request was invalid: unknown or duplicate task.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Placed:
		return "placed"
	case Deferred:
		return "deferred"
	case Violated:
		return "violated"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result describes a placement attempt.
type Result struct {
	Task    domain.TaskID
	SLA     domain.SLAClass
	Outcome Outcome
	Machine domain.MachineID
	VM      domain.VMID
	Stage   string
	Kind    domain.ViolationKind
	Err     error
}

type deferredTask struct {
	info        domain.TaskInfo
	reservation cluster.ReservationID
	since       domain.Time
}

// Placer runs the staged placement search. It is not safe for concurrent
// use.
type Placer struct {
	catalog *cluster.Catalog
	power   *power.Manager
	ranker  Ranker
	ledger  *cluster.Ledger
	logger  *zap.Logger

	queues   map[domain.MachineID]*queue.Queue
	deferred map[domain.TaskID]domain.MachineID
	replaced []Result

	placed        uint64
	deferredTotal uint64
}

// New creates a placer.
func New(catalog *cluster.Catalog, pm *power.Manager, ranker Ranker, ledger *cluster.Ledger, logger *zap.Logger) *Placer {
	return &Placer{
		catalog:  catalog,
		power:    pm,
		ranker:   ranker,
		ledger:   ledger,
		logger:   logger.With(zap.String("component", "placement"), zap.String("ranker", ranker.Name())),
		queues:   make(map[domain.MachineID]*queue.Queue),
		deferred: make(map[domain.TaskID]domain.MachineID),
	}
}

// Ranker returns the ranker in use.
func (p *Placer) Ranker() Ranker {
	return p.ranker
}

// Place looks a task up in the harness and places it.
func (p *Placer) Place(now domain.Time, id domain.TaskID) Result {
	info, err := p.catalog.Harness().TaskInfo(id)
	if err != nil {
		p.logger.Warn("Dropping arrival of unknown task", zap.Uint64("task_id", uint64(id)), zap.Error(err))
		return Result{Task: id, Outcome: Dropped, Err: err}
	}
	return p.PlaceTask(now, info, domain.UnknownMachine)
}

// PlaceTask runs the placement stages for a task, never choosing exclude.
func (p *Placer) PlaceTask(now domain.Time, info domain.TaskInfo, exclude domain.MachineID) Result {
	if _, ok := p.deferred[info.ID]; ok {
		return Result{Task: info.ID, Outcome: Dropped, Err: fmt.Errorf("task %d already deferred: %w", info.ID, domain.ErrAlreadyExists)}
	}
	if _, ok := p.catalog.Locate(info.ID); ok {
		return Result{Task: info.ID, Outcome: Dropped, Err: fmt.Errorf("task %d already placed: %w", info.ID, domain.ErrAlreadyExists)}
	}

	if !p.catalog.HasCompatible(info) {
		return p.violate(now, info, domain.ViolationIncompatible,
			fmt.Sprintf("no %s machine for %s vm (gpu=%v)", info.Arch, info.VMType, info.GPU))
	}

	for _, c := range p.Candidates(info, exclude) {
		vm, err := p.AssignOn(info, c.Machine)
		if err != nil {
			p.logger.Debug("Candidate refused task",
				zap.Uint64("task_id", uint64(info.ID)),
				zap.Uint32("machine_id", uint32(c.Machine)),
				zap.Error(err),
			)
			continue
		}
		p.placed++
		p.logger.Debug("Placed task",
			zap.Uint64("task_id", uint64(info.ID)),
			zap.Uint32("machine_id", uint32(c.Machine)),
			zap.Uint32("vm_id", uint32(vm)),
		)
		return Result{Task: info.ID, Outcome: Placed, Machine: c.Machine, VM: vm, Stage: "active"}
	}

	for _, id := range p.catalog.MachinesByArch(info.Arch) {
		if id == exclude || !p.catalog.Compatible(info, id) {
			continue
		}
		if p.power.Activating(id) && p.catalog.Fits(id, info.MemoryMiB) {
			return p.deferOn(now, info, id, "activating")
		}
	}

	stages := []struct {
		state domain.PowerState
		name  string
	}{
		{domain.PowerStandby, "standby"},
		{domain.PowerOff, "off"},
	}
	for _, stage := range stages {
		for _, id := range p.catalog.MachinesByArch(info.Arch) {
			if id == exclude || !p.catalog.Compatible(info, id) {
				continue
			}
			if !p.power.Settled(id, stage.state) || !p.catalog.Fits(id, info.MemoryMiB) {
				continue
			}
			if err := p.power.Activate(now, id, fmt.Sprintf("placement of task %d", info.ID)); err != nil {
				p.logger.Warn("Failed to activate machine for placement", zap.Uint32("machine_id", uint32(id)), zap.Error(err))
				continue
			}
			return p.deferOn(now, info, id, stage.name)
		}
	}

	return p.violate(now, info, domain.ViolationCapacity,
		fmt.Sprintf("no %s machine with %d MiB free", info.Arch, info.MemoryMiB))
}

// Candidates returns the active compatible machines with room for the
// task, in the ranker's order.
func (p *Placer) Candidates(info domain.TaskInfo, exclude domain.MachineID) []Candidate {
	if r, ok := p.ranker.(Refresher); ok {
		r.Refresh(p.catalog)
	}

	var cands []Candidate
	for _, id := range p.catalog.MachinesByArch(info.Arch) {
		if id == exclude || !p.catalog.Compatible(info, id) {
			continue
		}
		if !p.power.Active(id) || !p.catalog.Fits(id, info.MemoryMiB) {
			continue
		}
		vm, hasVM := p.catalog.FindVM(id, info.VMType)
		cands = append(cands, Candidate{
			Machine:     id,
			Utilization: p.catalog.Utilization(id),
			FreeMiB:     p.catalog.FreeMiB(id),
			VM:          vm,
			HasVM:       hasVM,
		})
	}
	p.ranker.Rank(info, cands)
	return cands
}

// AssignOn assigns a task on a machine, reusing a VM of the right type or
// creating and attaching one.
func (p *Placer) AssignOn(info domain.TaskInfo, machine domain.MachineID) (domain.VMID, error) {
	vm, ok := p.catalog.FindVM(machine, info.VMType)
	if !ok {
		vm = p.catalog.CreateVM(info.VMType, p.catalog.Machine(machine).Arch)
		if err := p.catalog.AttachVM(vm, machine); err != nil {
			return 0, err
		}
	}
	if err := p.catalog.Assign(vm, info); err != nil {
		if errors.Is(err, domain.ErrAssignmentRejected) {
			p.ledger.Reject()
			p.logger.Warn("Harness rejected assignment",
				zap.Uint64("task_id", uint64(info.ID)),
				zap.Uint32("machine_id", uint32(machine)),
				zap.Error(err),
			)
		}
		return 0, err
	}
	return vm, nil
}

func (p *Placer) deferOn(now domain.Time, info domain.TaskInfo, machine domain.MachineID, stage string) Result {
	res := p.catalog.Reserve(machine, info.MemoryMiB, fmt.Sprintf("deferred task %d", info.ID))
	q, ok := p.queues[machine]
	if !ok {
		q = queue.New()
		p.queues[machine] = q
	}
	q.Enqueue(deferredTask{info: info, reservation: res, since: now})
	p.deferred[info.ID] = machine
	p.deferredTotal++

	p.logger.Debug("Deferred task until machine is active",
		zap.Uint64("task_id", uint64(info.ID)),
		zap.Uint32("machine_id", uint32(machine)),
		zap.String("stage", stage),
	)
	return Result{Task: info.ID, Outcome: Deferred, Machine: machine, Stage: stage}
}

func (p *Placer) violate(now domain.Time, info domain.TaskInfo, kind domain.ViolationKind, reason string) Result {
	counted := p.ledger.Record(domain.Violation{Time: now, Task: info.ID, SLA: info.SLA, Kind: kind, Reason: reason})
	fields := []zap.Field{
		zap.Uint64("task_id", uint64(info.ID)),
		zap.String("sla", info.SLA.String()),
		zap.String("kind", string(kind)),
		zap.String("reason", reason),
	}
	if counted {
		p.logger.Error("Task could not be placed", fields...)
	} else {
		p.logger.Warn("Best-effort task could not be placed", fields...)
	}
	return Result{Task: info.ID, SLA: info.SLA, Outcome: Violated, Kind: kind, Err: fmt.Errorf("task %d: %s: %w", info.ID, reason, kindError(kind))}
}

func kindError(kind domain.ViolationKind) error {
	if kind == domain.ViolationIncompatible {
		return domain.ErrIncompatible
	}
	return domain.ErrCapacityExhausted
}

// MachineReady assigns the tasks deferred onto a machine once its power
// change has completed. When the machine did not reach ACTIVE the tasks
// are placed again elsewhere.
func (p *Placer) MachineReady(now domain.Time, machine domain.MachineID) []Result {
	q, ok := p.queues[machine]
	if !ok {
		return nil
	}
	delete(p.queues, machine)

	ready := p.power.Active(machine)
	var results []Result
	for q.Len() > 0 {
		d := q.Dequeue().(deferredTask)
		p.catalog.Release(d.reservation)
		delete(p.deferred, d.info.ID)

		if ready {
			vm, err := p.AssignOn(d.info, machine)
			if err == nil {
				p.placed++
				results = append(results, Result{Task: d.info.ID, Outcome: Placed, Machine: machine, VM: vm, Stage: "deferred"})
				continue
			}
			p.logger.Warn("Deferred assignment failed, placing again",
				zap.Uint64("task_id", uint64(d.info.ID)),
				zap.Uint32("machine_id", uint32(machine)),
				zap.Error(err),
			)
		} else {
			p.logger.Warn("Machine did not become active, placing deferred task again",
				zap.Uint64("task_id", uint64(d.info.ID)),
				zap.Uint32("machine_id", uint32(machine)),
				zap.Duration("waited", now.Sub(d.since).Duration()),
			)
		}
		results = append(results, p.PlaceTask(now, d.info, machine))
	}
	return results
}

// Move relocates an assigned task to another active machine by
// unassigning and reassigning it. If the target refuses, the task is put
// back where it was.
func (p *Placer) Move(now domain.Time, task domain.TaskID, target domain.MachineID) (domain.VMID, error) {
	loc, ok := p.catalog.Locate(task)
	if !ok {
		return 0, fmt.Errorf("task %d: %w", task, domain.ErrNotFound)
	}
	if loc.Machine == target {
		return 0, fmt.Errorf("task %d already on machine %d: %w", task, target, domain.ErrInvalidArgument)
	}
	if view, _ := p.catalog.VM(loc.VM); view.Migrating {
		return 0, fmt.Errorf("vm %d of task %d is migrating: %w", loc.VM, task, domain.ErrConflict)
	}
	info, _ := p.catalog.Task(task)
	if !p.catalog.Compatible(info, target) {
		return 0, fmt.Errorf("task %d to machine %d: %w", task, target, domain.ErrIncompatible)
	}
	if !p.power.Active(target) || !p.catalog.Fits(target, info.MemoryMiB) {
		return 0, fmt.Errorf("task %d to machine %d: %w", task, target, domain.ErrCapacityExhausted)
	}

	if _, err := p.catalog.Unassign(task); err != nil {
		return 0, err
	}
	vm, err := p.AssignOn(info, target)
	if err == nil {
		return vm, nil
	}

	if rerr := p.catalog.Assign(loc.VM, info); rerr != nil {
		p.logger.Error("Failed to restore task after refused move, placing again",
			zap.Uint64("task_id", uint64(task)),
			zap.Uint32("machine_id", uint32(loc.Machine)),
			zap.Error(rerr),
		)
		p.replaced = append(p.replaced, p.PlaceTask(now, info, target))
	}
	return 0, err
}

// Replaced returns and clears the placements made for tasks that could not
// be restored after a refused move.
func (p *Placer) Replaced() []Result {
	out := p.replaced
	p.replaced = nil
	return out
}

// IsDeferred reports whether a task is waiting for a machine.
func (p *Placer) IsDeferred(task domain.TaskID) bool {
	_, ok := p.deferred[task]
	return ok
}

// DeferredCount returns the number of tasks waiting for a machine.
func (p *Placer) DeferredCount() int {
	return len(p.deferred)
}

// Stats returns how many tasks were placed and deferred so far.
func (p *Placer) Stats() (placed, deferred uint64) {
	return p.placed, p.deferredTotal
}

// Drain releases every deferred reservation and returns the tasks that
// were still waiting.
func (p *Placer) Drain() []domain.TaskID {
	var dropped []domain.TaskID
	for _, id := range p.catalog.MachineIDs() {
		q, ok := p.queues[id]
		if !ok {
			continue
		}
		for q.Len() > 0 {
			d := q.Dequeue().(deferredTask)
			p.catalog.Release(d.reservation)
			dropped = append(dropped, d.info.ID)
		}
	}
	p.queues = make(map[domain.MachineID]*queue.Queue)
	p.deferred = make(map[domain.TaskID]domain.MachineID)
	return dropped
}

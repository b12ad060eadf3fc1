// Package recovery relocates tasks that are at risk of missing their
// service level or that sit on an overcommitted machine.
package recovery

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/placement"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
)

// Action is what the handler did about a task.
type Action string

const (
	// ActionNone means nothing was changed.
	ActionNone Action = "none"
	// ActionMoved means the task was unassigned and reassigned elsewhere.
	ActionMoved Action = "moved"
	// ActionMigrating means the task's VM is being live-migrated.
	ActionMigrating Action = "migrating"
	// ActionParked means a machine is being activated for the task and it
	// will be moved there once the machine is ACTIVE.
	ActionParked Action = "parked"
	// ActionMigrated means a VM migration completed.
	ActionMigrated Action = "migrated"
)

// Outcome describes a recovery step.
type Outcome struct {
	Task   domain.TaskID
	VM     domain.VMID
	Action Action
	From   domain.MachineID
	To     domain.MachineID
}

type migration struct {
	reservation cluster.ReservationID
	task        domain.TaskID
	from        domain.MachineID
	to          domain.MachineID
	since       domain.Time
}

type parkedMove struct {
	task        domain.TaskID
	reservation cluster.ReservationID
	since       domain.Time
}

// Handler owns the relocation side tables: VM migrations in flight and
// moves parked behind machine activations.
type Handler struct {
	catalog *cluster.Catalog
	power   *power.Manager
	placer  *placement.Placer
	ledger  *cluster.Ledger
	logger  *zap.Logger

	migrations map[domain.VMID]*migration
	parked     map[domain.MachineID][]parkedMove
	parkedOn   map[domain.TaskID]domain.MachineID

	handled uint64
	failed  uint64
}

// NewHandler creates a recovery handler.
func NewHandler(catalog *cluster.Catalog, pm *power.Manager, placer *placement.Placer, ledger *cluster.Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		catalog:    catalog,
		power:      pm,
		placer:     placer,
		ledger:     ledger,
		logger:     logger.With(zap.String("component", "recovery")),
		migrations: make(map[domain.VMID]*migration),
		parked:     make(map[domain.MachineID][]parkedMove),
		parkedOn:   make(map[domain.TaskID]domain.MachineID),
	}
}

// HandleViolation relocates a task the harness warned about. known is the
// machine the caller believes hosts the task, or domain.UnknownMachine;
// the catalog's placement wins when they differ.
func (h *Handler) HandleViolation(now domain.Time, task domain.TaskID, known domain.MachineID) (Outcome, error) {
	if h.placer.IsDeferred(task) {
		return Outcome{Task: task, Action: ActionNone}, nil
	}
	loc, ok := h.catalog.Locate(task)
	if !ok {
		h.logger.Warn("Service-level warning for unplaced task", zap.Uint64("task_id", uint64(task)))
		return Outcome{Task: task, Action: ActionNone}, fmt.Errorf("task %d: %w", task, domain.ErrNotFound)
	}
	if known != domain.UnknownMachine && known != loc.Machine {
		h.logger.Debug("Warning names a stale host",
			zap.Uint64("task_id", uint64(task)),
			zap.Uint32("reported_machine", uint32(known)),
			zap.Uint32("machine_id", uint32(loc.Machine)),
		)
	}
	if _, busy := h.parkedOn[task]; busy {
		return Outcome{Task: task, Action: ActionNone, From: loc.Machine}, nil
	}
	if _, busy := h.migrations[loc.VM]; busy {
		return Outcome{Task: task, Action: ActionNone, From: loc.Machine}, nil
	}
	return h.relocate(now, loc, "service-level risk")
}

// RelieveOverflow moves the smallest task off a machine the harness
// reports as over capacity.
func (h *Handler) RelieveOverflow(now domain.Time, machine domain.MachineID) (Outcome, error) {
	info := h.catalog.Info(machine)
	h.logger.Warn("Machine over capacity",
		zap.Uint32("machine_id", uint32(machine)),
		zap.Uint64("memory_used_mib", info.MemoryUsedMiB),
		zap.Uint64("memory_mib", info.MemoryMiB),
	)

	var pick *cluster.Placement
	var size uint64
	for _, t := range h.catalog.TasksOn(machine) {
		loc, _ := h.catalog.Locate(t.ID)
		if _, busy := h.migrations[loc.VM]; busy {
			continue
		}
		if _, busy := h.parkedOn[t.ID]; busy {
			continue
		}
		if pick == nil || t.MemoryMiB < size {
			l := loc
			pick, size = &l, t.MemoryMiB
		}
	}
	if pick == nil {
		return Outcome{Action: ActionNone, From: machine}, nil
	}
	return h.relocate(now, *pick, "capacity overflow")
}

func (h *Handler) relocate(now domain.Time, loc cluster.Placement, reason string) (Outcome, error) {
	info, _ := h.catalog.Task(loc.Task)
	view, _ := h.catalog.VM(loc.VM)

	for _, c := range h.targets(info, loc.Machine) {
		if len(view.Tasks) == 1 {
			res, err := h.catalog.BeginMigration(loc.VM, c.Machine)
			if err == nil {
				h.migrations[loc.VM] = &migration{reservation: res, task: loc.Task, from: loc.Machine, to: c.Machine, since: now}
				h.handled++
				h.logger.Info("Migrating VM away from at-risk machine",
					zap.Uint32("vm_id", uint32(loc.VM)),
					zap.Uint64("task_id", uint64(loc.Task)),
					zap.Uint32("source_machine", uint32(loc.Machine)),
					zap.Uint32("target_machine", uint32(c.Machine)),
					zap.String("reason", reason),
				)
				return Outcome{Task: loc.Task, VM: loc.VM, Action: ActionMigrating, From: loc.Machine, To: c.Machine}, nil
			}
			h.logger.Debug("Migration refused, moving task instead", zap.Uint32("vm_id", uint32(loc.VM)), zap.Error(err))
		}

		vm, err := h.placer.Move(now, loc.Task, c.Machine)
		if err != nil {
			if _, still := h.catalog.Locate(loc.Task); !still {
				break
			}
			continue
		}
		h.handled++
		h.logger.Info("Moved task away from at-risk machine",
			zap.Uint64("task_id", uint64(loc.Task)),
			zap.Uint32("source_machine", uint32(loc.Machine)),
			zap.Uint32("target_machine", uint32(c.Machine)),
			zap.String("reason", reason),
		)
		return Outcome{Task: loc.Task, VM: vm, Action: ActionMoved, From: loc.Machine, To: c.Machine}, nil
	}

	if target, ok := h.spareMachine(now, info); ok {
		res := h.catalog.Reserve(target, info.MemoryMiB, fmt.Sprintf("relocation of task %d", loc.Task))
		h.parked[target] = append(h.parked[target], parkedMove{task: loc.Task, reservation: res, since: now})
		h.parkedOn[loc.Task] = target
		h.handled++
		h.logger.Info("Parked task behind machine activation",
			zap.Uint64("task_id", uint64(loc.Task)),
			zap.Uint32("source_machine", uint32(loc.Machine)),
			zap.Uint32("target_machine", uint32(target)),
			zap.String("reason", reason),
		)
		return Outcome{Task: loc.Task, Action: ActionParked, From: loc.Machine, To: target}, nil
	}

	h.failed++
	h.ledger.Record(domain.Violation{Time: now, Task: loc.Task, SLA: info.SLA, Kind: domain.ViolationRecovery, Reason: reason})
	h.logger.Warn("No machine to relocate task to",
		zap.Uint64("task_id", uint64(loc.Task)),
		zap.Uint32("machine_id", uint32(loc.Machine)),
		zap.String("reason", reason),
	)
	return Outcome{Task: loc.Task, Action: ActionNone, From: loc.Machine}, fmt.Errorf("relocate task %d: %w", loc.Task, domain.ErrCapacityExhausted)
}

// targets returns the active machines with room for the task in ranker
// order, those running fewer tasks than the source first.
func (h *Handler) targets(info domain.TaskInfo, source domain.MachineID) []placement.Candidate {
	cands := h.placer.Candidates(info, source)
	sourceLoad := h.catalog.TaskCount(source)
	sort.SliceStable(cands, func(i, j int) bool {
		return h.catalog.TaskCount(cands[i].Machine) < sourceLoad && h.catalog.TaskCount(cands[j].Machine) >= sourceLoad
	})
	return cands
}

// spareMachine finds a machine for a parked move: one already activating
// with room, else a standby machine, else an off one, which it activates.
func (h *Handler) spareMachine(now domain.Time, info domain.TaskInfo) (domain.MachineID, bool) {
	ids := h.catalog.MachinesByArch(info.Arch)
	for _, id := range ids {
		if h.catalog.Compatible(info, id) && h.power.Activating(id) && h.catalog.Fits(id, info.MemoryMiB) {
			return id, true
		}
	}
	for _, state := range []domain.PowerState{domain.PowerStandby, domain.PowerOff} {
		for _, id := range ids {
			if !h.catalog.Compatible(info, id) || !h.power.Settled(id, state) || !h.catalog.Fits(id, info.MemoryMiB) {
				continue
			}
			if err := h.power.Activate(now, id, fmt.Sprintf("relocation of task %d", info.ID)); err != nil {
				continue
			}
			return id, true
		}
	}
	return 0, false
}

// MachineReady completes the moves parked behind a machine's activation.
func (h *Handler) MachineReady(now domain.Time, machine domain.MachineID) []Outcome {
	moves := h.parked[machine]
	delete(h.parked, machine)

	var out []Outcome
	for _, pm := range moves {
		h.catalog.Release(pm.reservation)
		delete(h.parkedOn, pm.task)

		loc, ok := h.catalog.Locate(pm.task)
		if !ok {
			continue
		}
		if !h.power.Active(machine) {
			h.logger.Warn("Relocation target did not become active",
				zap.Uint64("task_id", uint64(pm.task)),
				zap.Uint32("machine_id", uint32(machine)),
			)
			continue
		}
		vm, err := h.placer.Move(now, pm.task, machine)
		if err != nil {
			h.logger.Warn("Parked move failed", zap.Uint64("task_id", uint64(pm.task)), zap.Error(err))
			continue
		}
		out = append(out, Outcome{Task: pm.task, VM: vm, Action: ActionMoved, From: loc.Machine, To: machine})
	}
	return out
}

// MigrationComplete reconciles a finished VM migration. Unknown VMs are
// logged and return ErrNotFound.
func (h *Handler) MigrationComplete(now domain.Time, vm domain.VMID) (Outcome, error) {
	m, ok := h.migrations[vm]
	if !ok {
		h.logger.Warn("Migration complete for unknown VM", zap.Uint32("vm_id", uint32(vm)))
		return Outcome{VM: vm, Action: ActionNone}, fmt.Errorf("migration of vm %d: %w", vm, domain.ErrNotFound)
	}
	delete(h.migrations, vm)

	from, to, err := h.catalog.FinishMigration(vm, m.reservation)
	if err != nil {
		return Outcome{VM: vm, Task: m.task, Action: ActionNone, From: m.from}, err
	}
	if to != m.to {
		h.logger.Warn("VM landed on a different machine than requested",
			zap.Uint32("vm_id", uint32(vm)),
			zap.Uint32("requested_machine", uint32(m.to)),
			zap.Uint32("machine_id", uint32(to)),
		)
	}
	h.logger.Info("VM migration complete",
		zap.Uint32("vm_id", uint32(vm)),
		zap.Uint32("source_machine", uint32(from)),
		zap.Uint32("target_machine", uint32(to)),
		zap.Duration("took", now.Sub(m.since).Duration()),
	)
	return Outcome{VM: vm, Task: m.task, Action: ActionMigrated, From: from, To: to}, nil
}

// TaskCompleted drops any parked move for a finished task.
func (h *Handler) TaskCompleted(task domain.TaskID) {
	machine, ok := h.parkedOn[task]
	if !ok {
		return
	}
	delete(h.parkedOn, task)
	moves := h.parked[machine]
	for i, pm := range moves {
		if pm.task == task {
			h.catalog.Release(pm.reservation)
			h.parked[machine] = append(moves[:i:i], moves[i+1:]...)
			break
		}
	}
	if len(h.parked[machine]) == 0 {
		delete(h.parked, machine)
	}
}

// PendingMigrations returns the number of VM migrations in flight.
func (h *Handler) PendingMigrations() int {
	return len(h.migrations)
}

// ParkedCount returns the number of moves waiting for an activation.
func (h *Handler) ParkedCount() int {
	return len(h.parkedOn)
}

// Stats returns relocations started and failed.
func (h *Handler) Stats() (handled, failed uint64) {
	return h.handled, h.failed
}

// Drain releases every parked reservation.
func (h *Handler) Drain() {
	for machine, moves := range h.parked {
		for _, pm := range moves {
			h.catalog.Release(pm.reservation)
		}
		delete(h.parked, machine)
	}
	h.parkedOn = make(map[domain.TaskID]domain.MachineID)
}

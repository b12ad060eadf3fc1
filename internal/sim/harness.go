package sim

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// ===== Queries =====

// MachineCount returns the number of machines.
func (s *Simulator) MachineCount() int {
	return len(s.machines)
}

// MachineInfo returns a machine's current description. It panics on an
// unknown id.
func (s *Simulator) MachineInfo(id domain.MachineID) domain.MachineInfo {
	if int(id) >= len(s.machines) {
		panic(fmt.Sprintf("sim: machine %d out of range (have %d)", id, len(s.machines)))
	}
	return s.machines[id].info
}

// VMInfo returns a VM's current description.
func (s *Simulator) VMInfo(id domain.VMID) (domain.VMInfo, error) {
	v, ok := s.vms[id]
	if !ok {
		return domain.VMInfo{}, fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	out := v.info
	out.Tasks = append([]domain.TaskID(nil), v.info.Tasks...)
	return out, nil
}

// TaskInfo describes an arrived task.
func (s *Simulator) TaskInfo(id domain.TaskID) (domain.TaskInfo, error) {
	t, ok := s.tasks[id]
	if !ok || !t.arrived {
		return domain.TaskInfo{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return domain.TaskInfo{
		ID:               id,
		Arch:             t.spec.Arch,
		VMType:           t.spec.VMType,
		MemoryMiB:        t.spec.MemoryMiB,
		GPU:              t.spec.GPU,
		SLA:              t.spec.SLA,
		Arrival:          t.spec.Arrival,
		TargetCompletion: t.deadline,
		Completed:        t.completed,
	}, nil
}

// ClusterEnergy returns the energy drawn by all machines so far, in joules.
func (s *Simulator) ClusterEnergy() float64 {
	var total float64
	for _, m := range s.machines {
		total += m.info.EnergyJoules
	}
	return total
}

// SLACompliance returns the percentage of finished tasks of a class that
// met their deadline. Classes with no finished task report 100.
func (s *Simulator) SLACompliance(class domain.SLAClass) float64 {
	finished := s.stats.Finished[class]
	if finished == 0 {
		return 100
	}
	return 100 * float64(s.stats.Met[class]) / float64(finished)
}

// ===== VMs =====

// CreateVM creates an unattached VM.
func (s *Simulator) CreateVM(vmType domain.VMType, arch domain.CPUArch) domain.VMID {
	id := s.nextVM
	s.nextVM++
	s.vms[id] = &vm{info: domain.VMInfo{ID: id, Type: vmType, Arch: arch, MachineID: domain.UnknownMachine}}
	return id
}

// AttachVM places a VM on an active machine.
func (s *Simulator) AttachVM(id domain.VMID, machine domain.MachineID) error {
	v, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	if int(machine) >= len(s.machines) {
		return fmt.Errorf("machine %d: %w", machine, domain.ErrNotFound)
	}
	if v.info.Attached {
		return fmt.Errorf("vm %d already on machine %d: %w", id, v.info.MachineID, domain.ErrConflict)
	}
	m := s.machines[machine]
	if m.info.Arch != v.info.Arch || !v.info.Type.SupportsArch(m.info.Arch) {
		return fmt.Errorf("vm %d (%s/%s) on machine %d (%s): %w", id, v.info.Type, v.info.Arch, machine, m.info.Arch, domain.ErrIncompatible)
	}
	if !m.ready() {
		return fmt.Errorf("machine %d is %s: %w", machine, m.info.State, domain.ErrUnavailable)
	}
	v.info.Attached = true
	v.info.MachineID = machine
	m.vms[id] = struct{}{}
	m.info.ActiveVMs++
	return nil
}

// ShutdownVM destroys an empty VM.
func (s *Simulator) ShutdownVM(id domain.VMID) error {
	v, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	if len(v.info.Tasks) > 0 || v.migrating {
		return fmt.Errorf("vm %d is busy: %w", id, domain.ErrConflict)
	}
	if v.info.Attached {
		m := s.machines[v.info.MachineID]
		delete(m.vms, id)
		m.info.ActiveVMs--
	}
	delete(s.vms, id)
	return nil
}

// ===== Tasks =====

// AssignTask starts a task in a VM. Every refusal wraps
// domain.ErrAssignmentRejected.
func (s *Simulator) AssignTask(id domain.VMID, taskID domain.TaskID, prio domain.Priority) error {
	err := s.assign(id, taskID)
	if err != nil {
		s.stats.Rejected++
		s.logger.Debug("Rejected assignment",
			zap.Uint64("task_id", uint64(taskID)),
			zap.Uint32("vm_id", uint32(id)),
			zap.String("priority", prio.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrAssignmentRejected, err)
	}
	return nil
}

func (s *Simulator) assign(id domain.VMID, taskID domain.TaskID) error {
	v, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %d not found", id)
	}
	t, ok := s.tasks[taskID]
	if !ok || !t.arrived {
		return fmt.Errorf("task %d not found", taskID)
	}
	switch {
	case t.completed:
		return fmt.Errorf("task %d already completed", taskID)
	case t.assigned:
		return fmt.Errorf("task %d already assigned to vm %d", taskID, t.vm)
	case !v.info.Attached:
		return fmt.Errorf("vm %d not attached", id)
	case v.migrating:
		return fmt.Errorf("vm %d is migrating", id)
	}
	m := s.machines[v.info.MachineID]
	switch {
	case !m.ready():
		return fmt.Errorf("machine %d is %s", m.info.ID, m.info.State)
	case m.info.Arch != t.spec.Arch:
		return fmt.Errorf("task %d needs %s, machine %d is %s", taskID, t.spec.Arch, m.info.ID, m.info.Arch)
	case v.info.Type != t.spec.VMType:
		return fmt.Errorf("task %d needs a %s vm, vm %d is %s", taskID, t.spec.VMType, id, v.info.Type)
	case t.spec.GPU && !m.info.GPU:
		return fmt.Errorf("task %d needs a gpu", taskID)
	}
	over := m.info.MemoryUsedMiB+t.spec.MemoryMiB > m.info.MemoryMiB
	if over && !s.cfg.AllowOvercommit {
		return fmt.Errorf("machine %d has %d of %d MiB used, task %d needs %d",
			m.info.ID, m.info.MemoryUsedMiB, m.info.MemoryMiB, taskID, t.spec.MemoryMiB)
	}

	v.info.Tasks = append(v.info.Tasks, taskID)
	sort.Slice(v.info.Tasks, func(i, j int) bool { return v.info.Tasks[i] < v.info.Tasks[j] })
	m.info.MemoryUsedMiB += t.spec.MemoryMiB
	m.info.ActiveTasks++
	if t.remaining == 0 {
		t.remaining = float64(t.spec.Runtime)
	}
	t.vm = id
	t.assigned = true
	s.dirty[m.info.ID] = true

	if over {
		s.queue.push(&event{at: s.now, kind: evOverflow, machine: m.info.ID})
	}
	return nil
}

// UnassignTask removes a running task from its VM. The task keeps its
// remaining work plus the migration penalty.
func (s *Simulator) UnassignTask(id domain.VMID, taskID domain.TaskID) error {
	v, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	t, ok := s.tasks[taskID]
	if !ok || !t.assigned || t.vm != id {
		return fmt.Errorf("task %d in vm %d: %w", taskID, id, domain.ErrNotFound)
	}
	if v.migrating {
		return fmt.Errorf("vm %d is migrating: %w", id, domain.ErrConflict)
	}
	v.info.Tasks = removeTask(v.info.Tasks, taskID)
	m := s.machines[v.info.MachineID]
	m.info.MemoryUsedMiB -= t.spec.MemoryMiB
	m.info.ActiveTasks--
	s.dirty[m.info.ID] = true

	t.assigned = false
	t.gen++
	t.remaining += float64(domain.FromDuration(s.cfg.MigrationPenalty))
	return nil
}

// ===== Asynchronous requests =====

// RequestPowerState starts a power transition. A completion event follows
// after the configured delay; a newer request supersedes one in flight.
func (s *Simulator) RequestPowerState(id domain.MachineID, state domain.PowerState) {
	if int(id) >= len(s.machines) {
		s.logger.Warn("Power request for unknown machine", zap.Uint32("machine_id", uint32(id)))
		return
	}
	m := s.machines[id]
	m.target = state
	m.gen++
	s.dirty[id] = true

	delay := domain.Time(0)
	if state != m.info.State {
		delay = s.cfg.transitionDelay(m.info.State, state)
	}
	s.queue.push(&event{at: s.now + delay, kind: evPowerDone, machine: id, gen: m.gen})
	s.logger.Debug("Power transition started",
		zap.Uint32("machine_id", uint32(id)),
		zap.String("from", string(m.info.State)),
		zap.String("to", string(state)),
		zap.Stringer("delay", delay),
	)
}

// RequestMigration starts a live migration of a VM. Its tasks pause until
// the migration completes.
func (s *Simulator) RequestMigration(id domain.VMID, target domain.MachineID) error {
	v, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	if int(target) >= len(s.machines) {
		return fmt.Errorf("machine %d: %w", target, domain.ErrNotFound)
	}
	if !v.info.Attached || v.migrating {
		return fmt.Errorf("vm %d cannot migrate now: %w", id, domain.ErrConflict)
	}
	if v.info.MachineID == target {
		return fmt.Errorf("vm %d already on machine %d: %w", id, target, domain.ErrInvalidArgument)
	}
	dst := s.machines[target]
	if dst.info.Arch != v.info.Arch || !v.info.Type.SupportsArch(dst.info.Arch) {
		return fmt.Errorf("vm %d on machine %d: %w", id, target, domain.ErrIncompatible)
	}
	if !dst.ready() {
		return fmt.Errorf("machine %d is %s: %w", target, dst.info.State, domain.ErrUnavailable)
	}
	var mem uint64
	for _, tid := range v.info.Tasks {
		mem += s.tasks[tid].spec.MemoryMiB
	}
	if dst.info.MemoryUsedMiB+mem > dst.info.MemoryMiB && !s.cfg.AllowOvercommit {
		return fmt.Errorf("machine %d: %w", target, domain.ErrCapacityExhausted)
	}

	v.migrating = true
	v.dest = target
	v.gen++
	s.dirty[v.info.MachineID] = true
	s.queue.push(&event{at: s.now + domain.FromDuration(s.cfg.MigrationDelay), kind: evMigrationDone, vm: id, gen: v.gen})
	s.logger.Debug("Migration started",
		zap.Uint32("vm_id", uint32(id)),
		zap.Uint32("source_machine", uint32(v.info.MachineID)),
		zap.Uint32("target_machine", uint32(target)),
	)
	return nil
}

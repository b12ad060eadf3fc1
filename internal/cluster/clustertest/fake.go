// Package clustertest provides an in-memory harness for unit tests. Power
// changes and migrations stay pending until the test settles them.
package clustertest

import (
	"fmt"
	"sort"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// PowerRequest records a RequestPowerState call.
type PowerRequest struct {
	Machine domain.MachineID
	State   domain.PowerState
}

// MigrationRequest records a RequestMigration call.
type MigrationRequest struct {
	VM      domain.VMID
	Machine domain.MachineID
}

// Harness is a scriptable fake harness.
type Harness struct {
	machines []domain.MachineInfo
	vms      map[domain.VMID]*domain.VMInfo
	tasks    map[domain.TaskID]domain.TaskInfo
	nextVM   domain.VMID

	pendingPower     map[domain.MachineID]domain.PowerState
	pendingMigration map[domain.VMID]domain.MachineID

	// PowerRequests and Migrations log every request in call order.
	PowerRequests []PowerRequest
	Migrations    []MigrationRequest
	// Assignments counts successful AssignTask calls.
	Assignments int

	// Reject makes AssignTask refuse the listed tasks.
	Reject map[domain.TaskID]bool
	// RejectOn makes AssignTask refuse every task on the listed machines.
	RejectOn map[domain.MachineID]bool
	// Compliance is returned by SLACompliance.
	Compliance map[domain.SLAClass]float64
	// Energy is returned by ClusterEnergy.
	Energy float64
}

var _ cluster.Harness = (*Harness)(nil)

// Machine builds a machine description for New.
func Machine(arch domain.CPUArch, memMiB uint64, state domain.PowerState) domain.MachineInfo {
	return domain.MachineInfo{Arch: arch, Cores: 8, MemoryMiB: memMiB, State: state}
}

// New returns a harness with the given machines. Ids are assigned in
// order.
func New(machines ...domain.MachineInfo) *Harness {
	h := &Harness{
		vms:              make(map[domain.VMID]*domain.VMInfo),
		tasks:            make(map[domain.TaskID]domain.TaskInfo),
		pendingPower:     make(map[domain.MachineID]domain.PowerState),
		pendingMigration: make(map[domain.VMID]domain.MachineID),
		Reject:           make(map[domain.TaskID]bool),
		RejectOn:         make(map[domain.MachineID]bool),
		Compliance:       make(map[domain.SLAClass]float64),
	}
	for i, m := range machines {
		m.ID = domain.MachineID(i)
		h.machines = append(h.machines, m)
	}
	return h
}

// AddTask registers a task so TaskInfo can answer for it.
func (h *Harness) AddTask(t domain.TaskInfo) {
	h.tasks[t.ID] = t
}

// SetEnergy sets the energy counter reported for a machine.
func (h *Harness) SetEnergy(id domain.MachineID, joules float64) {
	h.machines[id].EnergyJoules = joules
}

// SetState forces a machine's power state without a request.
func (h *Harness) SetState(id domain.MachineID, state domain.PowerState) {
	h.machines[id].State = state
}

// PendingPower returns the outstanding power request for a machine.
func (h *Harness) PendingPower(id domain.MachineID) (domain.PowerState, bool) {
	s, ok := h.pendingPower[id]
	return s, ok
}

// SettlePower applies the outstanding power request for a machine.
func (h *Harness) SettlePower(id domain.MachineID) {
	if s, ok := h.pendingPower[id]; ok {
		h.machines[id].State = s
		delete(h.pendingPower, id)
	}
}

// FailPower drops the outstanding power request, leaving the state as is.
func (h *Harness) FailPower(id domain.MachineID) {
	delete(h.pendingPower, id)
}

// SettleMigration moves a migrating VM to its target.
func (h *Harness) SettleMigration(vm domain.VMID) {
	target, ok := h.pendingMigration[vm]
	if !ok {
		return
	}
	delete(h.pendingMigration, vm)
	info := h.vms[vm]
	var mem uint64
	for _, t := range info.Tasks {
		mem += h.tasks[t].MemoryMiB
	}
	src := &h.machines[info.MachineID]
	src.MemoryUsedMiB -= mem
	src.ActiveTasks -= len(info.Tasks)
	src.ActiveVMs--
	dst := &h.machines[target]
	dst.MemoryUsedMiB += mem
	dst.ActiveTasks += len(info.Tasks)
	dst.ActiveVMs++
	info.MachineID = target
}

// FinishTask removes a task from its VM as the harness does on completion.
func (h *Harness) FinishTask(id domain.TaskID) {
	for _, vm := range h.vms {
		for i, t := range vm.Tasks {
			if t == id {
				vm.Tasks = append(vm.Tasks[:i], vm.Tasks[i+1:]...)
				m := &h.machines[vm.MachineID]
				m.MemoryUsedMiB -= h.tasks[id].MemoryMiB
				m.ActiveTasks--
				task := h.tasks[id]
				task.Completed = true
				h.tasks[id] = task
				return
			}
		}
	}
}

func (h *Harness) MachineCount() int { return len(h.machines) }

func (h *Harness) MachineInfo(id domain.MachineID) domain.MachineInfo {
	if int(id) >= len(h.machines) {
		panic(fmt.Sprintf("clustertest: machine %d out of range", id))
	}
	return h.machines[id]
}

func (h *Harness) VMInfo(id domain.VMID) (domain.VMInfo, error) {
	vm, ok := h.vms[id]
	if !ok {
		return domain.VMInfo{}, domain.ErrNotFound
	}
	out := *vm
	out.Tasks = append([]domain.TaskID(nil), vm.Tasks...)
	return out, nil
}

func (h *Harness) TaskInfo(id domain.TaskID) (domain.TaskInfo, error) {
	t, ok := h.tasks[id]
	if !ok {
		return domain.TaskInfo{}, domain.ErrNotFound
	}
	return t, nil
}

func (h *Harness) CreateVM(vmType domain.VMType, arch domain.CPUArch) domain.VMID {
	id := h.nextVM
	h.nextVM++
	h.vms[id] = &domain.VMInfo{ID: id, Type: vmType, Arch: arch}
	return id
}

func (h *Harness) AttachVM(vm domain.VMID, machine domain.MachineID) error {
	info, ok := h.vms[vm]
	if !ok {
		return domain.ErrNotFound
	}
	if h.machines[machine].Arch != info.Arch {
		return domain.ErrIncompatible
	}
	info.Attached = true
	info.MachineID = machine
	h.machines[machine].ActiveVMs++
	return nil
}

func (h *Harness) ShutdownVM(vm domain.VMID) error {
	info, ok := h.vms[vm]
	if !ok {
		return domain.ErrNotFound
	}
	if len(info.Tasks) > 0 {
		return domain.ErrConflict
	}
	if info.Attached {
		h.machines[info.MachineID].ActiveVMs--
	}
	delete(h.vms, vm)
	return nil
}

func (h *Harness) AssignTask(vm domain.VMID, task domain.TaskID, _ domain.Priority) error {
	info, ok := h.vms[vm]
	if !ok || !info.Attached {
		return fmt.Errorf("%w: vm %d not attached", domain.ErrAssignmentRejected, vm)
	}
	t, ok := h.tasks[task]
	if !ok {
		return fmt.Errorf("%w: unknown task %d", domain.ErrAssignmentRejected, task)
	}
	m := &h.machines[info.MachineID]
	if h.Reject[task] || h.RejectOn[m.ID] || m.State != domain.PowerActive || m.Arch != t.Arch || m.MemoryUsedMiB+t.MemoryMiB > m.MemoryMiB {
		return fmt.Errorf("%w: task %d on machine %d", domain.ErrAssignmentRejected, task, m.ID)
	}
	info.Tasks = append(info.Tasks, task)
	sort.Slice(info.Tasks, func(i, j int) bool { return info.Tasks[i] < info.Tasks[j] })
	m.MemoryUsedMiB += t.MemoryMiB
	m.ActiveTasks++
	h.Assignments++
	return nil
}

func (h *Harness) UnassignTask(vm domain.VMID, task domain.TaskID) error {
	info, ok := h.vms[vm]
	if !ok {
		return domain.ErrNotFound
	}
	for i, t := range info.Tasks {
		if t == task {
			info.Tasks = append(info.Tasks[:i], info.Tasks[i+1:]...)
			m := &h.machines[info.MachineID]
			m.MemoryUsedMiB -= h.tasks[task].MemoryMiB
			m.ActiveTasks--
			return nil
		}
	}
	return domain.ErrNotFound
}

func (h *Harness) RequestPowerState(machine domain.MachineID, state domain.PowerState) {
	h.PowerRequests = append(h.PowerRequests, PowerRequest{Machine: machine, State: state})
	h.pendingPower[machine] = state
}

func (h *Harness) RequestMigration(vm domain.VMID, machine domain.MachineID) error {
	if _, ok := h.vms[vm]; !ok {
		return domain.ErrNotFound
	}
	h.Migrations = append(h.Migrations, MigrationRequest{VM: vm, Machine: machine})
	h.pendingMigration[vm] = machine
	return nil
}

func (h *Harness) ClusterEnergy() float64 { return h.Energy }

func (h *Harness) SLACompliance(class domain.SLAClass) float64 {
	if c, ok := h.Compliance[class]; ok {
		return c
	}
	return 100
}

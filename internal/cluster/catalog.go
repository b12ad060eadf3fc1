package cluster

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Machine holds the static attributes of a machine, captured once at
// discovery.
type Machine struct {
	ID        domain.MachineID
	Arch      domain.CPUArch
	Cores     uint32
	MemoryMiB uint64
	GPU       bool
}

// Placement locates an assigned task.
type Placement struct {
	Task    domain.TaskID
	VM      domain.VMID
	Machine domain.MachineID
}

// VMView is a read-only copy of the catalog's record of a VM.
type VMView struct {
	ID        domain.VMID
	Type      domain.VMType
	Arch      domain.CPUArch
	Machine   domain.MachineID
	Attached  bool
	Migrating bool
	Tasks     []domain.TaskID
}

// ReservationID identifies memory held on a machine for work that has not
// landed there yet.
type ReservationID uint64

type vmRecord struct {
	id        domain.VMID
	vmType    domain.VMType
	arch      domain.CPUArch
	machine   domain.MachineID
	attached  bool
	migrating bool
	tasks     map[domain.TaskID]struct{}
}

type taskRecord struct {
	info    domain.TaskInfo
	vm      domain.VMID
	machine domain.MachineID
}

type reservation struct {
	machine domain.MachineID
	memory  uint64
	owner   string
}

type usage struct {
	assigned uint64
	reserved uint64
	tasks    int
	vms      []domain.VMID
}

// Catalog is the scheduler's bookkeeping of machines, VMs, task placements
// and memory reservations. Every harness mutation the scheduler makes goes
// through the catalog so that tracked memory stays in step with it.
//
// A Catalog is not safe for concurrent use.
type Catalog struct {
	harness Harness
	logger  *zap.Logger

	machines []Machine
	usage    []usage
	byArch   map[domain.CPUArch][]domain.MachineID

	vms          map[domain.VMID]*vmRecord
	tasks        map[domain.TaskID]*taskRecord
	reservations map[ReservationID]reservation
	nextResID    ReservationID
}

// NewCatalog discovers the harness's machines and returns an empty catalog.
func NewCatalog(harness Harness, logger *zap.Logger) *Catalog {
	c := &Catalog{
		harness:      harness,
		logger:       logger.With(zap.String("component", "catalog")),
		byArch:       make(map[domain.CPUArch][]domain.MachineID),
		vms:          make(map[domain.VMID]*vmRecord),
		tasks:        make(map[domain.TaskID]*taskRecord),
		reservations: make(map[ReservationID]reservation),
	}

	n := harness.MachineCount()
	c.machines = make([]Machine, n)
	c.usage = make([]usage, n)
	for i := 0; i < n; i++ {
		id := domain.MachineID(i)
		info := harness.MachineInfo(id)
		c.machines[i] = Machine{
			ID:        id,
			Arch:      info.Arch,
			Cores:     info.Cores,
			MemoryMiB: info.MemoryMiB,
			GPU:       info.GPU,
		}
		c.byArch[info.Arch] = append(c.byArch[info.Arch], id)
	}

	c.logger.Info("Discovered machines", zap.Int("count", n), zap.Int("architectures", len(c.byArch)))
	return c
}

// Harness returns the underlying harness.
func (c *Catalog) Harness() Harness {
	return c.harness
}

// MachineCount returns the number of machines.
func (c *Catalog) MachineCount() int {
	return len(c.machines)
}

func (c *Catalog) mustMachine(id domain.MachineID) {
	if int(id) >= len(c.machines) {
		panic(fmt.Sprintf("cluster: machine id %d out of range [0,%d)", id, len(c.machines)))
	}
}

// Machine returns the static attributes of a machine. It panics on an
// invalid id.
func (c *Catalog) Machine(id domain.MachineID) Machine {
	c.mustMachine(id)
	return c.machines[id]
}

// Info returns the harness's current snapshot of a machine. It panics on
// an invalid id.
func (c *Catalog) Info(id domain.MachineID) domain.MachineInfo {
	c.mustMachine(id)
	return c.harness.MachineInfo(id)
}

// MachineIDs returns every machine id in ascending order.
func (c *Catalog) MachineIDs() []domain.MachineID {
	ids := make([]domain.MachineID, len(c.machines))
	for i := range c.machines {
		ids[i] = domain.MachineID(i)
	}
	return ids
}

// MachinesByArch returns the ids of machines with the given architecture
// in ascending order.
func (c *Catalog) MachinesByArch(arch domain.CPUArch) []domain.MachineID {
	return append([]domain.MachineID(nil), c.byArch[arch]...)
}

// Compatible reports whether a task could ever run on a machine, ignoring
// capacity.
func (c *Catalog) Compatible(task domain.TaskInfo, id domain.MachineID) bool {
	m := c.Machine(id)
	if m.Arch != task.Arch {
		return false
	}
	if task.GPU && !m.GPU {
		return false
	}
	return task.VMType.SupportsArch(m.Arch)
}

// HasCompatible reports whether any machine is compatible with the task.
func (c *Catalog) HasCompatible(task domain.TaskInfo) bool {
	for _, id := range c.byArch[task.Arch] {
		if c.Compatible(task, id) {
			return true
		}
	}
	return false
}

// UsedMiB returns tracked memory on a machine: assigned tasks plus
// reservations.
func (c *Catalog) UsedMiB(id domain.MachineID) uint64 {
	c.mustMachine(id)
	return c.usage[id].assigned + c.usage[id].reserved
}

// ReservedMiB returns the reserved part of tracked memory.
func (c *Catalog) ReservedMiB(id domain.MachineID) uint64 {
	c.mustMachine(id)
	return c.usage[id].reserved
}

// FreeMiB returns capacity minus tracked memory.
func (c *Catalog) FreeMiB(id domain.MachineID) uint64 {
	used := c.UsedMiB(id)
	if used >= c.machines[id].MemoryMiB {
		return 0
	}
	return c.machines[id].MemoryMiB - used
}

// Fits reports whether mem more MiB fit on the machine.
func (c *Catalog) Fits(id domain.MachineID, mem uint64) bool {
	return c.FreeMiB(id) >= mem
}

// Utilization returns tracked memory as a fraction of capacity.
func (c *Catalog) Utilization(id domain.MachineID) float64 {
	used := c.UsedMiB(id)
	if c.machines[id].MemoryMiB == 0 {
		return 0
	}
	return float64(used) / float64(c.machines[id].MemoryMiB)
}

// TaskCount returns the number of tasks assigned on a machine.
func (c *Catalog) TaskCount(id domain.MachineID) int {
	c.mustMachine(id)
	return c.usage[id].tasks
}

// Idle reports whether a machine has no tasks and no reservations.
func (c *Catalog) Idle(id domain.MachineID) bool {
	c.mustMachine(id)
	return c.usage[id].tasks == 0 && c.usage[id].reserved == 0
}

// TasksOn returns the tasks assigned on a machine ordered by id.
func (c *Catalog) TasksOn(id domain.MachineID) []domain.TaskInfo {
	var out []domain.TaskInfo
	for _, vm := range c.VMsOn(id) {
		for t := range c.vms[vm].tasks {
			out = append(out, c.tasks[t].info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VMsOn returns the VMs attached to a machine in ascending id order.
func (c *Catalog) VMsOn(id domain.MachineID) []domain.VMID {
	c.mustMachine(id)
	return append([]domain.VMID(nil), c.usage[id].vms...)
}

// WorkloadArchs returns the architectures of machines currently holding
// work or reservations.
func (c *Catalog) WorkloadArchs() map[domain.CPUArch]bool {
	archs := make(map[domain.CPUArch]bool)
	for i, u := range c.usage {
		if u.tasks > 0 || u.reserved > 0 {
			archs[c.machines[i].Arch] = true
		}
	}
	return archs
}

// TotalMemory returns capacity and tracked use summed over the machines.
func (c *Catalog) TotalMemory(ids []domain.MachineID) (capacity, used uint64) {
	for _, id := range ids {
		capacity += c.Machine(id).MemoryMiB
		used += c.UsedMiB(id)
	}
	return capacity, used
}

// ===== VMs =====

// CreateVM asks the harness for a new detached VM.
func (c *Catalog) CreateVM(vmType domain.VMType, arch domain.CPUArch) domain.VMID {
	id := c.harness.CreateVM(vmType, arch)
	c.vms[id] = &vmRecord{
		id:     id,
		vmType: vmType,
		arch:   arch,
		tasks:  make(map[domain.TaskID]struct{}),
	}
	c.logger.Debug("Created VM", zap.Uint32("vm", uint32(id)), zap.String("type", string(vmType)), zap.String("arch", string(arch)))
	return id
}

// AttachVM attaches a detached VM. The VM's architecture must match the
// host's.
func (c *Catalog) AttachVM(vm domain.VMID, machine domain.MachineID) error {
	rec, ok := c.vms[vm]
	if !ok {
		return fmt.Errorf("vm %d: %w", vm, domain.ErrNotFound)
	}
	if rec.attached {
		return fmt.Errorf("vm %d already attached to machine %d: %w", vm, rec.machine, domain.ErrConflict)
	}
	m := c.Machine(machine)
	if m.Arch != rec.arch || !rec.vmType.SupportsArch(m.Arch) {
		return fmt.Errorf("vm %d (%s/%s) on machine %d (%s): %w", vm, rec.vmType, rec.arch, machine, m.Arch, domain.ErrIncompatible)
	}
	if err := c.harness.AttachVM(vm, machine); err != nil {
		return fmt.Errorf("attach vm %d to machine %d: %w", vm, machine, err)
	}

	rec.attached = true
	rec.machine = machine
	c.addVM(machine, vm)
	return nil
}

func (c *Catalog) addVM(machine domain.MachineID, vm domain.VMID) {
	vms := append(c.usage[machine].vms, vm)
	sort.Slice(vms, func(i, j int) bool { return vms[i] < vms[j] })
	c.usage[machine].vms = vms
}

func (c *Catalog) removeVM(machine domain.MachineID, vm domain.VMID) {
	vms := c.usage[machine].vms
	for i, v := range vms {
		if v == vm {
			c.usage[machine].vms = append(vms[:i:i], vms[i+1:]...)
			return
		}
	}
}

// FindVM returns the lowest-id attached VM of the given type on a machine
// that is not migrating.
func (c *Catalog) FindVM(machine domain.MachineID, vmType domain.VMType) (domain.VMID, bool) {
	for _, id := range c.VMsOn(machine) {
		rec := c.vms[id]
		if rec.vmType == vmType && !rec.migrating {
			return id, true
		}
	}
	return 0, false
}

// VM returns the catalog's record of a VM.
func (c *Catalog) VM(id domain.VMID) (VMView, bool) {
	rec, ok := c.vms[id]
	if !ok {
		return VMView{}, false
	}
	view := VMView{
		ID:        rec.id,
		Type:      rec.vmType,
		Arch:      rec.arch,
		Machine:   rec.machine,
		Attached:  rec.attached,
		Migrating: rec.migrating,
	}
	for t := range rec.tasks {
		view.Tasks = append(view.Tasks, t)
	}
	sort.Slice(view.Tasks, func(i, j int) bool { return view.Tasks[i] < view.Tasks[j] })
	return view, true
}

// ShutdownVM destroys an empty VM.
func (c *Catalog) ShutdownVM(vm domain.VMID) error {
	rec, ok := c.vms[vm]
	if !ok {
		return fmt.Errorf("vm %d: %w", vm, domain.ErrNotFound)
	}
	if len(rec.tasks) > 0 || rec.migrating {
		return fmt.Errorf("vm %d is busy: %w", vm, domain.ErrConflict)
	}
	if err := c.harness.ShutdownVM(vm); err != nil {
		return fmt.Errorf("shutdown vm %d: %w", vm, err)
	}
	if rec.attached {
		c.removeVM(rec.machine, vm)
	}
	delete(c.vms, vm)
	return nil
}

// ShutdownIdleVMs destroys every empty VM on a machine and returns how many
// were shut down.
func (c *Catalog) ShutdownIdleVMs(machine domain.MachineID) int {
	n := 0
	for _, vm := range c.VMsOn(machine) {
		rec := c.vms[vm]
		if len(rec.tasks) > 0 || rec.migrating {
			continue
		}
		if err := c.ShutdownVM(vm); err != nil {
			c.logger.Warn("Failed to shut down idle VM", zap.Uint32("vm", uint32(vm)), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// ===== Tasks =====

// Assign starts a task in an attached VM and records it.
func (c *Catalog) Assign(vm domain.VMID, task domain.TaskInfo) error {
	rec, ok := c.vms[vm]
	if !ok || !rec.attached {
		return fmt.Errorf("vm %d not attached: %w", vm, domain.ErrNotFound)
	}
	if rec.migrating {
		return fmt.Errorf("vm %d is migrating: %w", vm, domain.ErrConflict)
	}
	if _, dup := c.tasks[task.ID]; dup {
		return fmt.Errorf("task %d: %w", task.ID, domain.ErrAlreadyExists)
	}
	if rec.arch != task.Arch {
		return fmt.Errorf("task %d needs %s, vm %d is %s: %w", task.ID, task.Arch, vm, rec.arch, domain.ErrIncompatible)
	}
	if err := c.harness.AssignTask(vm, task.ID, task.SLA.Priority()); err != nil {
		if !errors.Is(err, domain.ErrAssignmentRejected) {
			err = fmt.Errorf("%w: %v", domain.ErrAssignmentRejected, err)
		}
		return fmt.Errorf("assign task %d to vm %d: %w", task.ID, vm, err)
	}

	rec.tasks[task.ID] = struct{}{}
	c.tasks[task.ID] = &taskRecord{info: task, vm: vm, machine: rec.machine}
	c.usage[rec.machine].assigned += task.MemoryMiB
	c.usage[rec.machine].tasks++
	return nil
}

// Unassign stops a task through the harness and forgets its placement.
func (c *Catalog) Unassign(task domain.TaskID) (domain.TaskInfo, error) {
	rec, ok := c.tasks[task]
	if !ok {
		return domain.TaskInfo{}, fmt.Errorf("task %d: %w", task, domain.ErrNotFound)
	}
	if err := c.harness.UnassignTask(rec.vm, task); err != nil {
		return domain.TaskInfo{}, fmt.Errorf("unassign task %d from vm %d: %w", task, rec.vm, err)
	}
	c.forget(rec)
	return rec.info, nil
}

// Complete forgets a task the harness has already finished.
func (c *Catalog) Complete(task domain.TaskID) (Placement, bool) {
	rec, ok := c.tasks[task]
	if !ok {
		return Placement{}, false
	}
	c.forget(rec)
	return Placement{Task: task, VM: rec.vm, Machine: rec.machine}, true
}

func (c *Catalog) forget(rec *taskRecord) {
	delete(c.vms[rec.vm].tasks, rec.info.ID)
	delete(c.tasks, rec.info.ID)
	u := &c.usage[rec.machine]
	u.assigned -= rec.info.MemoryMiB
	u.tasks--
}

// Locate returns where a task is assigned.
func (c *Catalog) Locate(task domain.TaskID) (Placement, bool) {
	rec, ok := c.tasks[task]
	if !ok {
		return Placement{}, false
	}
	return Placement{Task: task, VM: rec.vm, Machine: rec.machine}, true
}

// Task returns the recorded description of an assigned task.
func (c *Catalog) Task(task domain.TaskID) (domain.TaskInfo, bool) {
	rec, ok := c.tasks[task]
	if !ok {
		return domain.TaskInfo{}, false
	}
	return rec.info, true
}

// AssignedCount returns the number of assigned tasks.
func (c *Catalog) AssignedCount() int {
	return len(c.tasks)
}

// ===== Reservations =====

// Reserve holds mem MiB on a machine. The owner string is only used in
// logs and invariant reports.
func (c *Catalog) Reserve(machine domain.MachineID, mem uint64, owner string) ReservationID {
	c.mustMachine(machine)
	c.nextResID++
	id := c.nextResID
	c.reservations[id] = reservation{machine: machine, memory: mem, owner: owner}
	c.usage[machine].reserved += mem
	return id
}

// Release frees a reservation. Releasing twice is a no-op.
func (c *Catalog) Release(id ReservationID) bool {
	r, ok := c.reservations[id]
	if !ok {
		return false
	}
	delete(c.reservations, id)
	c.usage[r.machine].reserved -= r.memory
	return true
}

// ReservationCount returns the number of outstanding reservations.
func (c *Catalog) ReservationCount() int {
	return len(c.reservations)
}

// ===== Migrations =====

// BeginMigration asks the harness to move a VM and reserves its memory on
// the target until the move completes.
func (c *Catalog) BeginMigration(vm domain.VMID, target domain.MachineID) (ReservationID, error) {
	rec, ok := c.vms[vm]
	if !ok || !rec.attached {
		return 0, fmt.Errorf("vm %d not attached: %w", vm, domain.ErrNotFound)
	}
	if rec.migrating {
		return 0, fmt.Errorf("vm %d: %w", vm, domain.ErrConflict)
	}
	if rec.machine == target {
		return 0, fmt.Errorf("vm %d already on machine %d: %w", vm, target, domain.ErrInvalidArgument)
	}
	if c.Machine(target).Arch != rec.arch {
		return 0, fmt.Errorf("vm %d to machine %d: %w", vm, target, domain.ErrIncompatible)
	}

	var mem uint64
	for t := range rec.tasks {
		mem += c.tasks[t].info.MemoryMiB
	}
	if !c.Fits(target, mem) {
		return 0, fmt.Errorf("vm %d needs %d MiB on machine %d: %w", vm, mem, target, domain.ErrCapacityExhausted)
	}

	res := c.Reserve(target, mem, fmt.Sprintf("migration of vm %d", vm))
	if err := c.harness.RequestMigration(vm, target); err != nil {
		c.Release(res)
		return 0, fmt.Errorf("migrate vm %d to machine %d: %w", vm, target, err)
	}
	rec.migrating = true
	return res, nil
}

// FinishMigration reconciles a completed migration with the harness's view
// of where the VM ended up and returns the source and actual destination.
func (c *Catalog) FinishMigration(vm domain.VMID, res ReservationID) (from, to domain.MachineID, err error) {
	c.Release(res)

	rec, ok := c.vms[vm]
	if !ok {
		return 0, 0, fmt.Errorf("vm %d: %w", vm, domain.ErrNotFound)
	}
	rec.migrating = false
	from = rec.machine

	info, err := c.harness.VMInfo(vm)
	if err != nil {
		return from, from, fmt.Errorf("query vm %d: %w", vm, err)
	}
	to = info.MachineID
	if to == from {
		return from, to, nil
	}

	c.removeVM(from, vm)
	c.addVM(to, vm)
	rec.machine = to
	for t := range rec.tasks {
		tr := c.tasks[t]
		c.usage[from].assigned -= tr.info.MemoryMiB
		c.usage[from].tasks--
		c.usage[to].assigned += tr.info.MemoryMiB
		c.usage[to].tasks++
		tr.machine = to
	}
	return from, to, nil
}

// ===== Invariants =====

// Check verifies the catalog's internal consistency: tracked memory equals
// the sum of assigned tasks and reservations, no machine exceeds capacity,
// every task sits in exactly one attached VM and every VM matches its
// host's architecture.
func (c *Catalog) Check() error {
	var errs []error

	assigned := make([]uint64, len(c.machines))
	counts := make([]int, len(c.machines))
	reserved := make([]uint64, len(c.machines))
	for _, r := range c.reservations {
		reserved[r.machine] += r.memory
	}

	seen := 0
	for id, rec := range c.vms {
		if !rec.attached {
			if len(rec.tasks) > 0 {
				errs = append(errs, fmt.Errorf("detached vm %d holds %d tasks", id, len(rec.tasks)))
			}
			continue
		}
		if c.machines[rec.machine].Arch != rec.arch {
			errs = append(errs, fmt.Errorf("vm %d (%s) attached to machine %d (%s)", id, rec.arch, rec.machine, c.machines[rec.machine].Arch))
		}
		for t := range rec.tasks {
			tr, ok := c.tasks[t]
			if !ok || tr.vm != id {
				errs = append(errs, fmt.Errorf("task %d listed in vm %d but recorded elsewhere", t, id))
				continue
			}
			seen++
			assigned[rec.machine] += tr.info.MemoryMiB
			counts[rec.machine]++
			if tr.machine != rec.machine {
				errs = append(errs, fmt.Errorf("task %d recorded on machine %d but its vm is on %d", t, tr.machine, rec.machine))
			}
			if tr.info.Arch != c.machines[rec.machine].Arch {
				errs = append(errs, fmt.Errorf("task %d needs %s but runs on %s", t, tr.info.Arch, c.machines[rec.machine].Arch))
			}
		}
	}
	if seen != len(c.tasks) {
		errs = append(errs, fmt.Errorf("%d tasks recorded but %d found in vms", len(c.tasks), seen))
	}

	for i, m := range c.machines {
		u := c.usage[i]
		if u.assigned != assigned[i] || u.tasks != counts[i] {
			errs = append(errs, fmt.Errorf("machine %d tracks %d MiB/%d tasks, vms hold %d MiB/%d tasks", i, u.assigned, u.tasks, assigned[i], counts[i]))
		}
		if u.reserved != reserved[i] {
			errs = append(errs, fmt.Errorf("machine %d tracks %d MiB reserved, reservations hold %d", i, u.reserved, reserved[i]))
		}
		if u.assigned+u.reserved > m.MemoryMiB {
			errs = append(errs, fmt.Errorf("machine %d over capacity: %d+%d > %d MiB", i, u.assigned, u.reserved, m.MemoryMiB))
		}
	}
	return errors.Join(errs...)
}

// Package cluster tracks what the scheduler believes about the machines,
// VMs and tasks a harness exposes, and holds the harness contract itself.
package cluster

import "github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"

// Harness is the simulation or hardware layer the scheduler drives. All
// mutating calls are requests: power-state changes and migrations complete
// later through the scheduler's event handlers.
//
// Implementations are called from the single goroutine that delivers
// events and need not be safe for concurrent use.
type Harness interface {
	// MachineCount returns the number of machines. Ids are 0..n-1.
	MachineCount() int
	// MachineInfo returns a snapshot of a machine. Invalid ids are a
	// programming error and may panic.
	MachineInfo(id domain.MachineID) domain.MachineInfo
	// VMInfo returns a snapshot of a VM.
	VMInfo(id domain.VMID) (domain.VMInfo, error)
	// TaskInfo returns the description of a task.
	TaskInfo(id domain.TaskID) (domain.TaskInfo, error)

	// CreateVM creates a detached VM of the given type and architecture.
	CreateVM(vmType domain.VMType, arch domain.CPUArch) domain.VMID
	// AttachVM attaches a detached VM to a machine.
	AttachVM(vm domain.VMID, machine domain.MachineID) error
	// ShutdownVM detaches and destroys an empty VM.
	ShutdownVM(vm domain.VMID) error

	// AssignTask starts a task in a VM. It returns an error wrapping
	// domain.ErrAssignmentRejected when the harness refuses.
	AssignTask(vm domain.VMID, task domain.TaskID, priority domain.Priority) error
	// UnassignTask stops a task and removes it from its VM. The task keeps
	// its remaining work.
	UnassignTask(vm domain.VMID, task domain.TaskID) error

	// RequestPowerState asks a machine to move to a power state.
	RequestPowerState(machine domain.MachineID, state domain.PowerState)
	// RequestMigration asks for a live migration of a VM to a machine.
	RequestMigration(vm domain.VMID, machine domain.MachineID) error

	// ClusterEnergy returns the energy consumed so far in joules.
	ClusterEnergy() float64
	// SLACompliance returns the percentage of tasks in a class that met
	// their target so far.
	SLACompliance(class domain.SLAClass) float64
}

package domain

import (
	"fmt"
	"strings"
)

// MachineID identifies a physical machine. Ids are dense: 0..MachineCount-1.
type MachineID uint32

// UnknownMachine is passed where the caller does not know the host.
const UnknownMachine MachineID = ^MachineID(0)

// CPUArch is the CPU architecture of a machine or the one a task requires.
type CPUArch string

const (
	ArchARM   CPUArch = "ARM"
	ArchPOWER CPUArch = "POWER"
	ArchRISCV CPUArch = "RISCV"
	ArchX86   CPUArch = "X86"
)

// Architectures lists every supported CPU architecture in a stable order.
var Architectures = []CPUArch{ArchARM, ArchPOWER, ArchRISCV, ArchX86}

// ParseCPUArch parses an architecture name.
func ParseCPUArch(s string) (CPUArch, error) {
	for _, a := range Architectures {
		if strings.EqualFold(string(a), s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: cpu architecture %q", ErrInvalidArgument, s)
}

// PowerState is the machine power state as seen by the scheduler.
type PowerState string

const (
	// PowerActive is the fully running state (S0).
	PowerActive PowerState = "ACTIVE"
	// PowerStandby is a low-power state that wakes quickly (S3).
	PowerStandby PowerState = "STANDBY"
	// PowerOff is soft-off (S5).
	PowerOff PowerState = "OFF"
)

// SleepState returns the ACPI name the hardware uses for the state.
func (s PowerState) SleepState() string {
	switch s {
	case PowerActive:
		return "S0"
	case PowerStandby:
		return "S3"
	case PowerOff:
		return "S5"
	default:
		return "unknown"
	}
}

// ParsePowerState parses a power-state name.
func ParsePowerState(s string) (PowerState, error) {
	switch p := PowerState(strings.ToUpper(s)); p {
	case PowerActive, PowerStandby, PowerOff:
		return p, nil
	}
	return "", fmt.Errorf("%w: power state %q", ErrInvalidArgument, s)
}

// MachineInfo is a point-in-time snapshot of a machine as reported by the
// harness.
type MachineInfo struct {
	ID            MachineID  `json:"id"`
	Arch          CPUArch    `json:"arch"`
	Cores         uint32     `json:"cores"`
	MemoryMiB     uint64     `json:"memory_mib"`
	MemoryUsedMiB uint64     `json:"memory_used_mib"`
	GPU           bool       `json:"gpu"`
	State         PowerState `json:"state"`
	ActiveTasks   int        `json:"active_tasks"`
	ActiveVMs     int        `json:"active_vms"`
	EnergyJoules  float64    `json:"energy_joules"`
}

// FreeMemoryMiB returns the unused memory on the machine.
func (m MachineInfo) FreeMemoryMiB() uint64 {
	if m.MemoryUsedMiB >= m.MemoryMiB {
		return 0
	}
	return m.MemoryMiB - m.MemoryUsedMiB
}

// Utilization returns used memory as a fraction of capacity.
func (m MachineInfo) Utilization() float64 {
	if m.MemoryMiB == 0 {
		return 0
	}
	return float64(m.MemoryUsedMiB) / float64(m.MemoryMiB)
}

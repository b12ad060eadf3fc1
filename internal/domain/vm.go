package domain

import (
	"fmt"
	"strings"
)

// VMID identifies a virtual machine. Ids are issued by the harness.
type VMID uint32

// VMType is the guest operating system a task needs.
type VMType string

const (
	VMLinux   VMType = "LINUX"
	VMLinuxRT VMType = "LINUX_RT"
	VMWindows VMType = "WIN"
	VMAIX     VMType = "AIX"
)

// VMTypes lists every VM type in a stable order.
var VMTypes = []VMType{VMLinux, VMLinuxRT, VMWindows, VMAIX}

// ParseVMType parses a VM type name.
func ParseVMType(s string) (VMType, error) {
	for _, t := range VMTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: vm type %q", ErrInvalidArgument, s)
}

// SupportsArch reports whether a guest of this type can boot on arch.
// Windows only ships for X86 and ARM and AIX only for POWER.
func (t VMType) SupportsArch(arch CPUArch) bool {
	switch t {
	case VMWindows:
		return arch == ArchX86 || arch == ArchARM
	case VMAIX:
		return arch == ArchPOWER
	default:
		return true
	}
}

// VMInfo is a snapshot of a VM as reported by the harness.
type VMInfo struct {
	ID        VMID      `json:"id"`
	Type      VMType    `json:"type"`
	Arch      CPUArch   `json:"arch"`
	MachineID MachineID `json:"machine_id"`
	Attached  bool      `json:"attached"`
	Tasks     []TaskID  `json:"tasks"`
}

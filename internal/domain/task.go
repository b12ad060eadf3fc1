package domain

import (
	"fmt"
	"strings"
)

// TaskID identifies a task. Ids are issued by the harness.
type TaskID uint64

// SLAClass is the service-level class of a task. SLA0 is the strictest and
// SLA3 is best effort.
type SLAClass int

const (
	SLA0 SLAClass = iota
	SLA1
	SLA2
	SLA3
)

// SLAClasses lists every class in order.
var SLAClasses = []SLAClass{SLA0, SLA1, SLA2, SLA3}

func (c SLAClass) String() string {
	return fmt.Sprintf("SLA%d", int(c))
}

// Valid reports whether c is a known class.
func (c SLAClass) Valid() bool {
	return c >= SLA0 && c <= SLA3
}

// Tracked reports whether misses in this class count as violations.
// SLA3 is best effort and never does.
func (c SLAClass) Tracked() bool {
	return c >= SLA0 && c < SLA3
}

// Priority returns the scheduling priority tasks of this class run with.
func (c SLAClass) Priority() Priority {
	switch c {
	case SLA0, SLA1:
		return PriorityHigh
	case SLA2:
		return PriorityMid
	default:
		return PriorityLow
	}
}

// ParseSLAClass parses "SLA0".."SLA3".
func ParseSLAClass(s string) (SLAClass, error) {
	for _, c := range SLAClasses {
		if strings.EqualFold(c.String(), s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: sla class %q", ErrInvalidArgument, s)
}

// Priority is the run priority handed to the harness with an assignment.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMid
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMid:
		return "MID"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// TaskInfo is the harness's description of a task.
type TaskInfo struct {
	ID               TaskID   `json:"id"`
	Arch             CPUArch  `json:"arch"`
	VMType           VMType   `json:"vm_type"`
	MemoryMiB        uint64   `json:"memory_mib"`
	GPU              bool     `json:"gpu"`
	SLA              SLAClass `json:"sla"`
	Arrival          Time     `json:"arrival"`
	TargetCompletion Time     `json:"target_completion"`
	Completed        bool     `json:"completed"`
}

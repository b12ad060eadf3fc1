package domain

// ViolationKind classifies why a task missed its placement guarantee.
type ViolationKind string

const (
	// ViolationIncompatible means no machine of the required architecture,
	// GPU capability or VM type exists.
	ViolationIncompatible ViolationKind = "incompatible"
	// ViolationCapacity means compatible machines exist but none has room.
	ViolationCapacity ViolationKind = "capacity"
	// ViolationRecovery means a warned task could not be relocated.
	ViolationRecovery ViolationKind = "recovery"
)

// ViolationKinds lists every kind in a stable order.
var ViolationKinds = []ViolationKind{ViolationIncompatible, ViolationCapacity, ViolationRecovery}

// Violation records a single service-level breach attributed by the
// scheduler.
type Violation struct {
	Time   Time          `json:"time"`
	Task   TaskID        `json:"task"`
	SLA    SLAClass      `json:"sla"`
	Kind   ViolationKind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
}

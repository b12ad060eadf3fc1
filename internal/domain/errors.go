// Package domain contains the core entities shared by the scheduler, the
// simulation harness and the status surfaces.
package domain

import "errors"

// Common domain errors
var (
	// ErrNotFound is returned when a machine, VM or task id is not known.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when an entity is registered twice.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when a caller lacks a valid token.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapacityExhausted is returned when no compatible machine has room.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrIncompatible is returned when no machine matches the task's CPU
	// architecture, GPU requirement or VM type.
	ErrIncompatible = errors.New("no compatible machine")

	// ErrAssignmentRejected is returned by the harness when it refuses an
	// assignment or migration.
	ErrAssignmentRejected = errors.New("assignment rejected")

	// ErrInvalidTransition is returned for a power-state change the
	// hardware does not support.
	ErrInvalidTransition = errors.New("invalid power-state transition")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a backing service is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

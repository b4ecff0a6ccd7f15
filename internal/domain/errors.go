// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates an invalid state transition or concurrent modification.
// Callers should re-fetch the current state before retrying.
var ErrConflict = errors.New("conflict: invalid state for requested operation")

// ErrValidation indicates a malformed request rejected at the boundary.
var ErrValidation = errors.New("validation failed")

// ErrDuplicate indicates an entity with the same id is already active.
var ErrDuplicate = errors.New("duplicate: entity already registered")

// ErrCapacity indicates no agent or concurrency slot is currently available.
// The work is deferred, not failed; the scheduler retries on the next pass.
var ErrCapacity = errors.New("capacity exhausted")

// ErrBudgetExceeded indicates a reservation would exceed the project budget
// ceiling. Terminal for the project once no schedulable work remains.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrSafetyBlocked indicates the safety gate vetoed the operation.
var ErrSafetyBlocked = errors.New("blocked by safety gate")

// ErrUnrecoverable indicates an internal invariant violation. The owning
// project is forced to failed and the error is logged with full context.
var ErrUnrecoverable = errors.New("unrecoverable internal error")

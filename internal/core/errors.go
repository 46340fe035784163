// Package core defines the fundamental types and errors for Fledge.
package core

import (
	"errors"
)

// Core errors that can occur across the system
var (
	// Score errors
	ErrScoreNotFound   = errors.New("trust score not found")
	ErrScoreExists     = errors.New("trust score already exists")
	ErrStaleScore      = errors.New("stale score: re-read current state and retry")
	ErrStaleStatus     = errors.New("stale status: re-read current state and retry")
	ErrScoreOutOfRange = errors.New("score outside valid range")

	// Milestone errors
	ErrUnknownLevel = errors.New("unknown milestone level")

	// Regression errors
	ErrRegressionNotFound   = errors.New("regression event not found")
	ErrRegressionOpen       = errors.New("an open regression event already exists for this child")
	ErrRegressionTerminal   = errors.New("regression event is already in a terminal state")
	ErrNotDownward          = errors.New("regression requires a strictly downward milestone transition")
	ErrConversationRequired = errors.New("a recorded parent-child conversation is required first")

	// Reduction errors
	ErrNotEligible        = errors.New("child is not eligible for automatic reduction")
	ErrAlreadyApplied     = errors.New("automatic reduction already applied")
	ErrChildConsentNeeded = errors.New("override requires the child's agreement")

	// Storage errors
	ErrDatabaseNotFound = errors.New("database not found")
	ErrMigrationFailed  = errors.New("migration failed")
	ErrRecordNotFound   = errors.New("record not found")
)

// ValidationError marks input that is malformed or logically impossible.
// It is surfaced synchronously and never silently corrected.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError marks an optimistic-concurrency failure: a compare-and-swap
// precondition no longer matched current state. The caller must re-read and
// retry; the engine never merges conflicting writes.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string { return "conflict: " + e.Err.Error() }
func (e *ConflictError) Unwrap() error { return e.Err }

// PreconditionError marks a workflow call made before its gate was satisfied,
// or a reference to an unknown entity. Waiting or retrying will not fix it.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return "precondition: " + e.Err.Error() }
func (e *PreconditionError) Unwrap() error { return e.Err }

// Conflict wraps err as a ConflictError.
func Conflict(err error) error { return &ConflictError{Err: err} }

// Precondition wraps err as a PreconditionError.
func Precondition(err error) error { return &PreconditionError{Err: err} }

// Validation wraps err as a ValidationError.
func Validation(err error) error { return &ValidationError{Err: err} }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

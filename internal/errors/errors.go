// Package errors consolidates error definitions for shieldedge.
//
// It provides sentinel errors for every failure kind the platform
// distinguishes, category checking functions for the source-transient,
// source-configuration, storage-transient and storage-fatal categories
// (aligner-logic errors have sentinels but no category check), and
// wrapping utilities.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Source-transient: retried with backoff, health flips to degraded.
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrReadFailed       = errors.New("read failed")

	// Source-configuration: fail-fast at Start, never enters the run loop.
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnknownTag      = errors.New("unknown tag")
	ErrUnknownKind     = errors.New("unknown source kind")
	ErrTokenNotSet     = errors.New("credential environment variable not set")
	ErrInvalidInterval = errors.New("invalid interval")

	// Lifecycle
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrStopped        = errors.New("stopped")

	// Buffer
	ErrBufferFull = errors.New("buffer full")

	// Storage-transient: bounded retry, then the batch is poisoned.
	ErrDatabaseBusy = errors.New("database busy")

	// Storage-fatal: writes stop, health flips to critical, process survives.
	ErrDatabaseCorrupt = errors.New("database corrupt")
	ErrDiskFull        = errors.New("disk full")

	// Store lookups
	ErrNotFound     = errors.New("not found")
	ErrRingNotFound = errors.New("ring not found")

	// Aligner-logic: the affected indicator is nulled, the loop continues.
	ErrRingRegression = errors.New("ring number decreased")
	ErrRingIncomplete = errors.New("ring end not yet observed")
	ErrRingFinal      = errors.New("ring summary is final")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// ============================================================================
// Category checks
// ============================================================================

// IsSourceTransient returns true for errors that warrant a backoff retry.
func IsSourceTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrReadFailed)
}

// IsSourceConfig returns true for errors that must fail a collector's Start.
func IsSourceConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrTokenNotSet) ||
		errors.Is(err, ErrInvalidInterval)
}

// IsStorageTransient returns true for contention errors worth retrying.
func IsStorageTransient(err error) bool {
	return errors.Is(err, ErrDatabaseBusy)
}

// IsStorageFatal returns true for errors that stop the writer for good.
func IsStorageFatal(err error) bool {
	return errors.Is(err, ErrDatabaseCorrupt) || errors.Is(err, ErrDiskFull)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return IsSourceTransient(err) || IsStorageTransient(err) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors, used for config
// validation and per-row manual log rejection.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}

/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error kinds in one place. Store implementations translate driver
  errors into these sentinels so callers can branch with errors.Is.

ERROR CATEGORIES:
  1. State errors - processor invoked in the wrong state (silent no-op)
  2. Concurrency errors - lock contention, retryable by the caller
  3. Integrity errors - missing data the rules depend on, fail loudly
  4. Lookup and input errors

SEE ALSO:
  - store/sqlite/sqlite.go, store/postgres/postgres.go: driver error mapping
  - api/handlers.go: HTTP status mapping
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidStateTransition marks an invocation on a visit that is not in
	// the expected status. Processors treat it as a no-op and never return it;
	// it exists for callers that want to report the condition explicitly.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConcurrencyConflict is returned when a row lock cannot be acquired or
	// the database aborts the unit of work. Callers may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDataIntegrity is returned when data required by the rules is missing,
	// e.g. a skipped visit without a store or with an unknown priority.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAlreadyExists is returned when a visit or image is created with an
	// ID that is already taken. Retrying will not help.
	ErrAlreadyExists = errors.New("already exists")

	ErrVisitNotFound = errors.New("visit not found")
	ErrImageNotFound = errors.New("image not found")
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInsufficientPoints is returned when a redemption exceeds available points.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrInvalidStatus is returned for unknown visit or quality status values.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidAmount is returned for non-positive redemption amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrInvalidPeriod = errors.New("unknown report period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DataIntegrityError names the visit and the missing or malformed field.
type DataIntegrityError struct {
	VisitID VisitID
	Field   string
	Detail  string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: visit %s: %s %s", e.VisitID, e.Field, e.Detail)
}

func (e *DataIntegrityError) Unwrap() error {
	return ErrDataIntegrity
}

// InsufficientPointsError provides details about a redemption shortfall.
type InsufficientPointsError struct {
	UserID    UserID
	Available int
	Requested int
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVisitNotFound) ||
		errors.Is(err, ErrImageNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

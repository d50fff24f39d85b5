/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps them onto HTTP status codes; the engine never
  writes HTTP itself.

ERROR CATEGORIES:
  1. Auth errors        - Unauthorized (no identity), Forbidden (non-admin)
  2. Lookup errors      - NotFound (invoice, payout, appointment, payer)
  3. Validation errors  - Bad input or an empty eligible set
  4. Conflict errors    - Lost races (claims, numbering, optimistic updates)
  5. Transition errors  - Illegal status changes

Anything else reaching the API is an internal failure. Internal failures
inside Store.WithTx always roll the whole transaction back.

SEE ALSO:
  - status.go: Produces TransitionError
  - generator.go: Produces ClaimConflictError
  - api/handlers.go: Maps errors to HTTP status
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when no authenticated identity is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller is authenticated but not an admin.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrNoBillableAppointments is returned when a generation run selects nothing.
	ErrNoBillableAppointments = fmt.Errorf("%w: no billable appointments found", ErrValidation)

	// ErrConflict is returned when a concurrent caller won a race.
	// Retrying the operation is safe.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "invoice", "payout", "appointment", "payer", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound is shorthand for &NotFoundError{Kind: kind, ID: id}.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError provides details about a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for &ValidationError{Field: field, Message: msg}.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string // "invoice", "payout", "appointment"
	From   string
	Event  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %q", e.Entity, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ClaimConflictError reports a generation run that lost appointments to a
// concurrent run between selection and the conditional status flip.
type ClaimConflictError struct {
	Expected int64
	Claimed  int64
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("appointments claimed concurrently: expected %d, claimed %d", e.Expected, e.Claimed)
}

func (e *ClaimConflictError) Unwrap() error {
	return ErrConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine, audit and custody packages return these (or wrap them with
  %w) so callers can branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any ledger write is attempted
  2. Invariant errors  - Insufficient balance / stock, whole group rejected
  3. State errors      - Workflow transition from the wrong state
  4. Lookup errors     - Unknown treasury, warehouse, product, audit
  5. Concurrency       - Retryable conflicts on the same account

USAGE:
  _, err := eng.Expense(ctx, op)
  var short *ledger.InsufficientBalanceError
  if errors.As(err, &short) {
      fmt.Println("available:", short.Available)
  }
  if ledger.IsRetryable(err) {
      // caller decides whether to retry
  }

SEE ALSO:
  - ledger.go: Raises invariant and idempotency errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input is malformed or incomplete.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a commit would make a treasury negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientStock is returned when a commit would make a stock position negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidState is returned when a workflow transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when a concurrent commit on the same
	// account prevented this one from completing. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateIdempotencyKey is returned when a group with the same
	// idempotency key was already committed.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError provides details about a treasury shortage.
type InsufficientBalanceError struct {
	TreasuryID string
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in treasury %s: available %s, requested %s",
		e.TreasuryID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how much more the treasury would need.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	WarehouseID string
	ProductID   string
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of %s in warehouse %s: available %s, requested %s",
		e.ProductID, e.WarehouseID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// StateError describes a rejected state transition.
type StateError struct {
	Entity  string
	ID      string
	Current string
	Action  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError wraps a store-level cause (lock timeout, serialization failure).
type ConflictError struct {
	Account string
	Cause   error
}

func (e *ConflictError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("concurrency conflict on %s", e.Account)
	}
	return fmt.Sprintf("concurrency conflict on %s: %v", e.Account, e.Cause)
}

func (e *ConflictError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConcurrencyConflict}
	}
	return []error{ErrConcurrencyConflict, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller can resolve.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

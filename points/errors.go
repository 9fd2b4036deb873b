/*
errors.go - Centralized error types for the points engine

ERROR CATEGORIES:
  1. Client errors - validation, missing identifier, business rules
     (insufficient balance, amount too small, below minimum purchase)
  2. Lookup errors - unknown local customer or store
  3. Storage errors - persistence failures, constraint conflicts

PROPAGATION:
  Client and lookup errors are raised before any ledger mutation.
  PersistenceError wraps storage failures; AfterAppend marks the case where
  the log entry may already be durable and the caches must be rebuilt.

USAGE:
  var insufficient *points.InsufficientBalanceError
  if errors.As(err, &insufficient) {
      fmt.Println(insufficient.Available, insufficient.Requested)
  }
*/
package points

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrMissingIdentifier   = errors.New("missing customer identifier")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountTooSmall      = errors.New("purchase amount too small to earn points")
	ErrBelowMinimum        = errors.New("purchase amount below minimum")
	ErrPersistence         = errors.New("persistence failure")

	// ErrSettingsConflict is returned by a store when a settings row for the
	// same store id already exists. The resolver re-fetches on it.
	ErrSettingsConflict = errors.New("settings row already exists")

	// ErrCustomerExists is returned by a store when a global customer with the
	// same id already exists.
	ErrCustomerExists = errors.New("global customer already exists")

	// ErrDuplicateInvoice is returned when an earn for the same store and
	// invoice number was already recorded.
	ErrDuplicateInvoice = errors.New("invoice already credited")

	// ErrCommitUnknown is wrapped by stores when a commit fails and the
	// outcome cannot be determined.
	ErrCommitUnknown = errors.New("commit outcome unknown")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports a bad request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// NotFoundError reports an unknown local customer, store or global customer.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// MissingIdentifierError is returned when neither phone nor email is usable.
type MissingIdentifierError struct {
	LocalCustomerID string
}

func (e *MissingIdentifierError) Error() string {
	if e.LocalCustomerID == "" {
		return "customer has neither phone nor email"
	}
	return fmt.Sprintf("customer %s has neither phone nor email", e.LocalCustomerID)
}

func (e *MissingIdentifierError) Unwrap() error { return ErrMissingIdentifier }

// InsufficientBalanceError carries the numbers needed for a shortfall message.
type InsufficientBalanceError struct {
	GlobalCustomerID CustomerID
	Available        int64
	Requested        int64
}

func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Available
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// AmountTooSmallError is returned when the computed points floor to zero.
type AmountTooSmallError struct {
	PurchaseAmount decimal.Decimal
	Percentage     decimal.Decimal
}

func (e *AmountTooSmallError) Error() string {
	return fmt.Sprintf("purchase amount %s at %s%% earns no points",
		e.PurchaseAmount.String(), e.Percentage.String())
}

func (e *AmountTooSmallError) Unwrap() error { return ErrAmountTooSmall }

// BelowMinimumPurchaseError is returned when a store's minimum is not met.
type BelowMinimumPurchaseError struct {
	PurchaseAmount decimal.Decimal
	Minimum        decimal.Decimal
}

func (e *BelowMinimumPurchaseError) Error() string {
	return fmt.Sprintf("purchase amount %s below minimum %s",
		e.PurchaseAmount.String(), e.Minimum.String())
}

func (e *BelowMinimumPurchaseError) Unwrap() error { return ErrBelowMinimum }

// PersistenceError wraps a storage failure.
// AfterAppend is true when the log entry may have been committed.
type PersistenceError struct {
	Op          string
	AfterAppend bool
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.AfterAppend {
		return fmt.Sprintf("%s: outcome unknown, caches scheduled for rebuild: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// persistence passes domain errors through and wraps everything else.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || IsNotFound(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, AfterAppend: errors.Is(err, ErrCommitUnknown), Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingIdentifier) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAmountTooSmall) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrDuplicateInvoice)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the request might succeed on retry.
// Requests whose outcome is unknown are NOT retryable: they may have committed.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return !pe.AfterAppend
	}
	return false
}

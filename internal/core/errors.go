package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to one of these so callers can
// match with errors.Is regardless of the details carried.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("transaction not found")
	ErrCacheUnavailable    = errors.New("cache unavailable")

	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Validation codes returned to API callers.
const (
	CodeMissingField      = "missing_field"
	CodeInvalidType       = "invalid_type"
	CodeInvalidTimestamp  = "invalid_timestamp"
	CodeFutureTimestamp   = "future_timestamp"
	CodeNonPositiveAmount = "non_positive_amount"
	CodeInvalidAmount     = "invalid_amount"
	CodeInvalidCursor     = "invalid_cursor"
	CodeInvalidBody       = "invalid_body"
)

// ValidationError names the offending field of a rejected input.
// Index is the position of the record inside a bulk batch, or -1.
type ValidationError struct {
	Field   string
	Code    string
	Message string
	Index   int
}

// NewValidationError builds a ValidationError for a single (non-bulk) input.
func NewValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message, Index: -1}
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("record %d: %s: %s", e.Index, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError is returned when an OUT amount exceeds the balance
// available at the transaction's timestamp.
type InsufficientBalanceError struct {
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// NotFoundError reports an operation on a nonexistent transaction id.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %d not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsValidation reports whether err is (or wraps) a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is (or wraps) a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

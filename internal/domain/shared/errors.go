// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrStaleState   = errors.New("stale state")

	// Catalog errors
	ErrCatalog = errors.New("catalog error")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrOptimisticLock         = errors.New("optimistic lock failure")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "achievement", "ledger", "engine"
	Op      string // Operation that failed, e.g., "Grant", "Revoke"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Achievement domain errors
var (
	ErrUnknownAchievement = NewDomainError("achievement", "Lookup", ErrCatalog, "unknown achievement id")
	ErrMissingEvaluator   = NewDomainError("achievement", "Validate", ErrCatalog, "achievement has no evaluator")
	ErrInvalidDefinition  = NewDomainError("achievement", "Validate", ErrCatalog, "invalid achievement definition")
	ErrScopeNotAllowed    = NewDomainError("achievement", "Evaluate", ErrInvalidInput, "achievement not awarded in this scope")
)

// Ledger domain errors
var (
	ErrEntryNotFound       = NewDomainError("ledger", "Find", ErrNotFound, "ledger entry not found")
	ErrAlreadyGranted      = NewDomainError("ledger", "Append", ErrAlreadyExists, "contribution already granted")
	ErrInsufficientBalance = NewDomainError("ledger", "Spend", ErrInvalidState, "insufficient coin balance")
	ErrInvalidAmount       = NewDomainError("ledger", "Validate", ErrNegativeValue, "amount must be positive")
	ErrDedupConflict       = NewDomainError("ledger", "SaveDedup", ErrOptimisticLock, "dedup record changed concurrently")
	ErrStaleDedupKey       = NewDomainError("ledger", "ReadDedup", ErrStaleState, "dedup key has no ledger entry")
	ErrInvalidUserID       = NewDomainError("ledger", "Validate", ErrInvalidID, "invalid user id")
)

// Learning source errors
var (
	ErrSnapshotUnavailable   = NewDomainError("learning", "ReadSnapshot", ErrServiceUnavailable, "activity snapshot unavailable")
	ErrSnapshotTimeout       = NewDomainError("learning", "ReadSnapshot", ErrTimeout, "activity snapshot read timed out")
	ErrLearningRateLimited   = NewDomainError("learning", "Request", ErrRateLimited, "learning source rate limit exceeded")
	ErrLearningInvalidFormat = NewDomainError("learning", "Parse", ErrInvalidInput, "invalid response from learning source")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsCatalog checks if the error was caused by a broken achievement catalog.
func IsCatalog(err error) bool {
	return errors.Is(err, ErrCatalog)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrOptimisticLock)
}

package domain

import (
	"errors"
	"fmt"
)

// Validation errors. Returned to the caller, never accompanied by a mutation.
var (
	ErrInvalidRequest                = errors.New("invalid transfer request")
	ErrSourceAccountNotFound         = errors.New("source account not found")
	ErrTargetAccountNotFound         = errors.New("target account not found")
	ErrSourceAccountCurrencyMismatch = errors.New("source account currency mismatch")
	ErrTargetAccountCurrencyMismatch = errors.New("target account currency mismatch")
	ErrDuplicateRequestID            = errors.New("request id already used with a different payload")
)

var (
	// ErrTransient marks infrastructure failures (lock wait timeout, commit conflict,
	// serialization failure). Nothing was persisted; retrying with the same request is safe.
	ErrTransient = errors.New("transient ledger failure")

	// ErrRequestIDConflict is reported by a store when a concurrent transaction already
	// inserted a record for the same requestId. The engine consumes it.
	ErrRequestIDConflict = errors.New("transfer record for request id already exists")

	ErrNotFound = errors.New("not found")
)

var validationErrors = []error{
	ErrInvalidRequest,
	ErrSourceAccountNotFound,
	ErrTargetAccountNotFound,
	ErrSourceAccountCurrencyMismatch,
	ErrTargetAccountCurrencyMismatch,
	ErrDuplicateRequestID,
}

// IsValidationError reports whether err belongs to the validation family.
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Transient wraps err so that errors.Is(result, ErrTransient) holds while the
// cause stays inspectable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

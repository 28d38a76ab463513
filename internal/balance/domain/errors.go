package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidSeconds         = errors.New("invalid_seconds")
	ErrInvalidGrantType       = errors.New("invalid_grant_type")
	ErrInvalidExternalEvent   = errors.New("invalid_external_event")
	ErrInvalidExpiry          = errors.New("invalid_expiry")
	ErrAccountNotFound        = errors.New("account_not_found")
	ErrInsufficientBalance    = errors.New("insufficient_balance")
	ErrIntegrityViolation     = errors.New("integrity_violation")
	ErrLockTimeout            = errors.New("lock_timeout")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrDuplicateExternalEvent = errors.New("duplicate_external_event")
	ErrSessionClosed          = errors.New("session_closed")
)

// InsufficientBalanceError is returned when a debit asks for more than the
// account can cover. Nothing has been persisted when it is returned.
type InsufficientBalanceError struct {
	AccountID string
	Requested int64
	Available int64
	Breakdown Breakdown
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: account %s requested %d available %d",
		e.AccountID, e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how many more seconds the account would need.
func (e *InsufficientBalanceError) Shortfall() int64 {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

// IntegrityError means a computed state broke a balance invariant. It always
// indicates a bug, never a user error.
type IntegrityError struct {
	AccountID string
	Reason    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity_violation: account %s: %s", e.AccountID, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// IsRetryable reports errors a caller may retry unchanged after a short wait.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrConcurrentModification)
}

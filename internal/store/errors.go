package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrUnavailable matches any store failure worth retrying
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a row expected by a read is missing
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance is returned by Debit when the wallet is short
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// UnavailableError wraps a driver or network failure
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsRetryable reports whether err is worth retrying with backoff
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// wrap classifies a gorm error. Record-not-found maps to ErrNotFound,
// everything else is treated as the store being unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientBalance) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

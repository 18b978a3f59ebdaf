package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist. It is a
	// valid outcome for lookups and is never retried.
	ErrNotFound = errors.New("not found")

	// ErrCollision indicates an insert hit an existing row with the same id.
	ErrCollision = errors.New("record already exists")

	// ErrTransient marks a network or storage hiccup that is safe to retry.
	ErrTransient = errors.New("transient storage error")

	// ErrConsistencyViolation indicates the one-active-row-per-identity
	// invariant is broken. It is a fatal integrity error and must never be
	// silently resolved: it means the supersession engine misbehaved.
	ErrConsistencyViolation = errors.New("consistency violation")
)

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is retryable under the retry policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ConsistencyViolationError reports multiple active rows for one identity.
func ConsistencyViolationError(identityKey string, activeRows int) error {
	return fmt.Errorf("%w: identity %s has %d active records, want at most 1", ErrConsistencyViolation, identityKey, activeRows)
}

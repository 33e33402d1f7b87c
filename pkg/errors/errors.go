package errors

import (
	"errors"
	"fmt"
)

// Connection errors
var (
	// ErrConnectionFailed is returned when the factory cannot establish a
	// connection to the backing database. It is always wrapped with the
	// driver error, so use errors.Is to match it.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAcquireTimeout is returned when an acquire with a configured
	// timeout gives up waiting for a free slot.
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")
)

// Handle misuse errors
var (
	// ErrReadOnlyViolation is returned when Commit is called on a handle
	// that does not permit writes.
	ErrReadOnlyViolation = errors.New("cannot commit on a read-only connection")

	// ErrUseAfterRelease is returned when any operation is invoked on a
	// handle that has already been released.
	ErrUseAfterRelease = errors.New("connection already released")
)

// Configuration errors
var (
	// ErrInvalidConfig is returned when configuration validation fails
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedDriver is returned when the configured database driver
	// is not one of the supported backends
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// ErrInvariantViolation is the sentinel wrapped into panics raised when the
// pool's accounting breaks: a negative read-only reference count, release of
// a handle the pool never issued, or finalization with handles still checked
// out. These indicate a bug in the caller or in the pool itself, so they
// abort instead of being returned.
var ErrInvariantViolation = errors.New("pool invariant violation")

// Invariant panics with an error wrapping ErrInvariantViolation. Recovered
// values can be matched with errors.Is(err, ErrInvariantViolation).
func Invariant(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)))
}

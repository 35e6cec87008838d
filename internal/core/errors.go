package core

import "github.com/pkg/errors"

// Error sentinels. Callers test for them with errors.Is; every returned error
// wraps one of these with context.
var (
	// ErrValidation is returned for malformed input. The operation made no
	// state change.
	ErrValidation = errors.New("validation failed")

	// ErrRemoteUnavailable is returned when a remote write or a required
	// remote read failed. Nothing was committed.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrNotFound is returned only where the caller requires the referenced
	// record to exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionClosed is returned by every Session operation after Close.
	ErrSessionClosed = errors.New("session is closed")
)

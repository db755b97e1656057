package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeviceNotConnected means no live connection matches the target.
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrDeviceDisconnected is returned to pending requests whose owning
	// connection closed before a reply arrived.
	ErrDeviceDisconnected = errors.New("device disconnected")

	// ErrRequestTimeout means no reply arrived within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotAllowed is returned when the endpoint policy denies a route.
	ErrNotAllowed = errors.New("not allowed")

	// ErrNoCandidates means every configured upstream endpoint pointed back
	// at this host.
	ErrNoCandidates = errors.New("no upstream candidates")

	// ErrConnectionLimit is returned when a user has exhausted their
	// maximum number of concurrent connections.
	ErrConnectionLimit = errors.New("connection limit reached")

	// ErrRateLimitExceeded is returned when a client exceeds the allowed
	// handshake rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUserExists indicates the user id is already registered.
	ErrUserExists = errors.New("user already exists")
)

// RelayError wraps an underlying error with delivery context.
type RelayError struct {
	Op     string
	Target string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("relay %s: %s: %v", e.Target, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

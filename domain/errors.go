package domain

import "errors"

// Sentinel errors for the gateway core. None of these is process-fatal; a
// failure in one session's loop must never affect another session.
var (
	// ErrCapacityExceeded is returned by session creation once the
	// configured concurrent active-session cap is reached.
	ErrCapacityExceeded = errors.New("active session capacity exceeded")

	// ErrSessionNotFound is returned when a lookup resolves no session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a lifecycle transition is not
	// permitted from the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrChannelDisconnected indicates the backend voice channel dropped
	// mid-call and a buffered reconnect is in order.
	ErrChannelDisconnected = errors.New("backend channel disconnected")

	// ErrDeliveryTimeout indicates a message delivery into a backend
	// channel did not complete within its bound.
	ErrDeliveryTimeout = errors.New("message delivery timed out")

	// ErrGroupDenied indicates a broadcast group has been denied and
	// blocks deliveries until re-approved.
	ErrGroupDenied = errors.New("broadcast group denied")
)

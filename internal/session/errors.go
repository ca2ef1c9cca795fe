package session

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for a ref.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when another run holds the active-run
	// claim on the sessionKey.
	ErrSessionBusy = errors.New("session has an active run")
	// ErrRunCancelled is returned when a cancel claim aborts the run
	// before the assistant reply is recorded.
	ErrRunCancelled = errors.New("run cancelled")
)

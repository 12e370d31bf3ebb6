package session

import "errors"

var (
	// ErrSessionExists means the thread already has an active session.
	ErrSessionExists = errors.New("session already active for thread")
	// ErrNoSession means no active session matches the lookup.
	ErrNoSession = errors.New("no active session")
	// ErrUserNotAllowed means the user is outside the platform allowlist.
	ErrUserNotAllowed = errors.New("user not allowed")
	// ErrNothingToResume means no persisted snapshot matches the thread.
	ErrNothingToResume = errors.New("nothing to resume")
)

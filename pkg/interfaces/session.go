package interfaces

import "time"

// ExpiryScheduler arms one deadline per session.
// FUNCTIONAL DISCOVERY: termination by stop or disconnect must cancel the
// deadline, and a firing that lost a race with cancellation must be ignored.
type ExpiryScheduler interface {
	Schedule(sessionID string, after time.Duration)
	Cancel(sessionID string) bool
}

package types

import "errors"

// Error taxonomy shared by the gate, the read pump and the lifecycle manager.
// Messages are the category names so wrapped errors read "InvalidRequest: ...".
var (
	ErrAuth            = errors.New("AuthError")
	ErrInvalidRequest  = errors.New("InvalidRequest")
	ErrSessionNotFound = errors.New("SessionNotFound")

	// ErrUnknownEvent marks frames whose event name is not handled; callers drop them.
	ErrUnknownEvent = errors.New("unknown event")
)

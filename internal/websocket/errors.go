package websocket

import "errors"

// Registry-related errors
var (
	ErrNilConnection   = errors.New("connection cannot be nil")
	ErrMissingIdentity = errors.New("connection has no identity")
)

// Connection-related errors
var (
	ErrInvalidJSON = errors.New("invalid JSON data")
)

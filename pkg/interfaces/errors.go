package interfaces

import "errors"

// Delivery errors shared by connection implementations and the router.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue full")
)

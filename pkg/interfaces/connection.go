package interfaces

// Connection is one authenticated client transport.
// ARCHITECTURAL DISCOVERY: the hub and router only see this abstraction, so the
// lifecycle logic is tested with in-memory fakes instead of real sockets.
type Connection interface {
	// Send enqueues an outbound event without blocking. Implementations return
	// ErrQueueFull when the outbound queue is saturated and ErrConnectionClosed
	// once the connection is gone.
	Send(event string, data any) error

	// Close tears down the transport. Safe to call more than once.
	Close() error

	// Identity is the verified subject established at handshake time.
	Identity() string

	// ID distinguishes several connections owned by the same identity.
	ID() string
}

// Verifier turns a handshake credential into an identity.
// FUNCTIONAL DISCOVERY: credential issuance lives outside this service; only
// verification is needed at the gate.
type Verifier interface {
	Verify(token string) (identity string, err error)
}

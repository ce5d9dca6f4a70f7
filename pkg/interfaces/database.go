package interfaces

import "context"

// TokenDirectory maps identities to their most recently registered push token.
type TokenDirectory interface {
	Register(identity, token string) error
	Lookup(identity string) (string, bool)
}

// Dispatcher sends one best-effort push notification to many device tokens.
// TECHNICAL DISCOVERY: callers never wait on the result before acknowledging
// the request that triggered it; failures are only logged.
type Dispatcher interface {
	SendMany(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}

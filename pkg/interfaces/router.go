package interfaces

// Broadcaster delivers events to every live connection of a set of identities.
// ARCHITECTURAL DISCOVERY: identities are resolved at delivery time, never
// cached, so connections that come and go between events are always honoured.
type Broadcaster interface {
	// Deliver enqueues event on each connection of each identity and returns the
	// number of connections that accepted it. Unreachable identities are skipped.
	Deliver(identities []string, event string, payload any) int

	// Reachable reports whether identity currently has at least one connection.
	Reachable(identity string) bool
}

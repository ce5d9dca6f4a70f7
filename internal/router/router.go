package router

import (
	"errors"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/pkg/interfaces"
)

// Resolver looks up the live connections of an identity.
type Resolver interface {
	Connections(identity string) []interfaces.Connection
	IsConnected(identity string) bool
}

// Router implements interfaces.Broadcaster.
// ARCHITECTURAL DISCOVERY: the router holds no session knowledge; callers pass
// the identity set and the router resolves it at delivery time.
type Router struct {
	resolver Resolver
	log      *logrus.Entry
}

func NewRouter(resolver Resolver) (*Router, error) {
	if resolver == nil {
		return nil, ErrNilResolver
	}
	return &Router{
		resolver: resolver,
		log:      logger.WithComponent("router"),
	}, nil
}

// Deliver enqueues event on every connection of every identity and returns how
// many connections accepted it. Duplicate identities are delivered once.
func (r *Router) Deliver(identities []string, event string, payload any) int {
	seen := make(map[string]struct{}, len(identities))
	delivered := 0

	for _, identity := range identities {
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}

		for _, conn := range r.resolver.Connections(identity) {
			if r.DeliverTo(conn, event, payload) {
				delivered++
			}
		}
	}
	return delivered
}

// DeliverTo sends to a single connection. Failures are logged and reported as
// false; they never abort a fan-out.
func (r *Router) DeliverTo(conn interfaces.Connection, event string, payload any) bool {
	err := conn.Send(event, payload)
	if err == nil {
		return true
	}

	entry := r.log.WithFields(logrus.Fields{
		"identity": conn.Identity(),
		"connId":   conn.ID(),
		"event":    event,
	})
	switch {
	case errors.Is(err, interfaces.ErrConnectionClosed):
		entry.Debug("skipping closed connection")
	case errors.Is(err, interfaces.ErrQueueFull):
		entry.Warn("dropped event for slow consumer")
	default:
		entry.WithError(err).Error("delivery failed")
	}
	return false
}

// Reachable reports whether identity has any live connection.
func (r *Router) Reachable(identity string) bool {
	return r.resolver.IsConnected(identity)
}

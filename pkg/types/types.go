package types

import (
	"encoding/json"
	"time"
)

// Inbound event names accepted on an authenticated connection.
// Any other event name is ignored by the read pump.
const (
	EventRegisterDeviceToken = "register-device-token"
	EventStartLiveLocation   = "start-live-location"
	EventLocationUpdate      = "location-update"
	EventStopLiveLocation    = "stop-live-location"
	EventJoinLiveLocation    = "join-live-location"
)

// Outbound event names.
const (
	EventSessionCreated        = "live-location-session-created"
	EventLiveLocationStarted   = "live-location-started"
	EventLocationUpdated       = "location-updated"
	EventJoinedLiveLocation    = "joined-live-location"
	EventLiveLocationEnded     = "live-location-ended"
	EventDeviceTokenRegistered = "device-token-registered"
	EventError                 = "error"
)

// Envelope is the wire frame for both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an envelope whose payload has not been marshaled yet.
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Session represents one active sharing relationship.
// RecipientIDs is fixed at creation; Joined only grows the delivery group.
type Session struct {
	ID           string              `json:"sessionId"`
	SharerID     string              `json:"sharerId"`
	RecipientIDs []string            `json:"recipientIds"`
	Joined       map[string]struct{} `json:"-"`
	StartTime    time.Time           `json:"startTime"`
	Duration     time.Duration       `json:"-"`
	Active       bool                `json:"active"`
}

// ExpiresAt is the instant the expiry timer for the session fires.
func (s *Session) ExpiresAt() time.Time {
	return s.StartTime.Add(s.Duration)
}

// JoinedIDs returns the identities that joined without being invited.
func (s *Session) JoinedIDs() []string {
	ids := make([]string, 0, len(s.Joined))
	for id := range s.Joined {
		ids = append(ids, id)
	}
	return ids
}

// Members returns the delivery group identities: sharer, recipients and joiners,
// without duplicates. Connections are resolved from these at delivery time.
func (s *Session) Members() []string {
	seen := make(map[string]struct{}, len(s.RecipientIDs)+len(s.Joined)+1)
	members := make([]string, 0, len(s.RecipientIDs)+len(s.Joined)+1)
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	add(s.SharerID)
	for _, id := range s.RecipientIDs {
		add(id)
	}
	for id := range s.Joined {
		add(id)
	}
	return members
}

// IsMember reports whether identity belongs to the session's delivery group.
func (s *Session) IsMember(identity string) bool {
	if identity == s.SharerID {
		return true
	}
	if _, ok := s.Joined[identity]; ok {
		return true
	}
	for _, id := range s.RecipientIDs {
		if id == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the store.
func (s *Session) Clone() Session {
	c := *s
	c.RecipientIDs = append([]string(nil), s.RecipientIDs...)
	c.Joined = make(map[string]struct{}, len(s.Joined))
	for id := range s.Joined {
		c.Joined[id] = struct{}{}
	}
	return c
}

// Outbound payloads.

type SessionCreatedPayload struct {
	SessionID  string `json:"sessionId"`
	Recipients int    `json:"recipients"`
}

type LiveLocationStartedPayload struct {
	SessionID string `json:"sessionId"`
	SharerID  string `json:"sharerId"`
	Duration  int64  `json:"duration"` // milliseconds
}

type LocationUpdatedPayload struct {
	SessionID string          `json:"sessionId"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Timestamp json.RawMessage `json:"timestamp"`
	SharerID  string          `json:"sharerId"`
}

type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

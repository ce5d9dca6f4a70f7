package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/internal/session"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

// Lifecycle is the session manager as seen by the hub.
type Lifecycle interface {
	Start(sharerID string, recipientIDs []string, duration time.Duration) (session.StartResult, error)
	Update(sessionID string, lat, lng float64, timestamp json.RawMessage, requester string) bool
	Stop(sessionID, requester string) bool
	Join(sessionID, requester string) error
	Expire(sessionID string) bool
	OnDisconnect(identity string) int
}

// Presence answers whether an identity still has a live connection.
type Presence interface {
	IsConnected(identity string) bool
}

type eventKind int

const (
	kindRequest eventKind = iota
	kindDisconnect
	kindExpire
)

type event struct {
	kind      eventKind
	conn      interfaces.Connection
	req       types.Request
	last      bool
	sessionID string
}

// Hub is the single event stream. Requests, disconnects and expiry firings
// are queued on one channel and handled to completion one at a time.
// ARCHITECTURAL DISCOVERY: because only the run goroutine calls into the
// lifecycle, a stop and an expiry can never interleave mid-termination, and an
// update queued behind a termination always sees the session gone.
type Hub struct {
	events   chan event
	shutdown chan struct{}
	done     chan struct{}

	lifecycle Lifecycle
	presence  Presence
	tokens    interfaces.TokenDirectory

	mu      sync.Mutex
	running bool
	stopped bool

	log *logrus.Entry
}

// NewHub builds a hub. tokens may be nil, in which case device token
// registrations are acknowledged and discarded.
func NewHub(lifecycle Lifecycle, presence Presence, tokens interfaces.TokenDirectory, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1000
	}
	return &Hub{
		events:    make(chan event, buffer),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		lifecycle: lifecycle,
		presence:  presence,
		tokens:    tokens,
		log:       logger.WithComponent("hub"),
	}
}

// Start launches the processing goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHubStopped
	}
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	h.log.Info("starting hub")
	go h.run(ctx)
	return nil
}

// Stop ends processing and waits for the event being handled to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	return nil
}

// Done is closed when the processing goroutine exits.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.log.Info("hub stopped")

	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// post blocks until the event is queued or the hub goes away. Dropping a
// disconnect or an expiry would break session invariants, so there is no
// non-blocking path.
func (h *Hub) post(ev event) error {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return ErrHubStopped
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Request queues a decoded inbound request from conn.
func (h *Hub) Request(conn interfaces.Connection, req types.Request) {
	if err := h.post(event{kind: kindRequest, conn: conn, req: req}); err != nil {
		h.log.WithError(err).WithField("event", req.Event()).Debug("request dropped")
	}
}

// Disconnected queues the teardown of conn. last reports whether it was the
// identity's final connection at unregister time.
func (h *Hub) Disconnected(conn interfaces.Connection, last bool) {
	if err := h.post(event{kind: kindDisconnect, conn: conn, last: last}); err != nil {
		h.log.WithError(err).WithField("identity", conn.Identity()).Debug("disconnect dropped")
	}
}

// Expire queues an expiry firing. It is the scheduler's fire callback.
func (h *Hub) Expire(sessionID string) {
	if err := h.post(event{kind: kindExpire, sessionID: sessionID}); err != nil {
		h.log.WithError(err).WithField("sessionId", sessionID).Debug("expiry dropped")
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case kindRequest:
		h.handleRequest(ev.conn, ev.req)
	case kindDisconnect:
		h.handleDisconnect(ev.conn, ev.last)
	case kindExpire:
		h.lifecycle.Expire(ev.sessionID)
	}
}

func (h *Hub) handleRequest(conn interfaces.Connection, req types.Request) {
	identity := conn.Identity()

	switch r := req.(type) {
	case types.RegisterDeviceToken:
		if h.tokens != nil {
			if err := h.tokens.Register(identity, r.DeviceToken); err != nil {
				h.replyError(conn, err)
				return
			}
		}
		h.reply(conn, types.EventDeviceTokenRegistered, struct{}{})

	case types.StartLiveLocation:
		res, err := h.lifecycle.Start(identity, r.Recipients, r.Duration)
		if err != nil {
			h.replyError(conn, err)
			return
		}
		h.reply(conn, types.EventSessionCreated, types.SessionCreatedPayload{
			SessionID:  res.SessionID,
			Recipients: res.Recipients,
		})

	case types.LocationUpdate:
		h.lifecycle.Update(r.SessionID, r.Latitude, r.Longitude, r.Timestamp, identity)

	case types.StopLiveLocation:
		h.lifecycle.Stop(r.SessionID, identity)

	case types.JoinLiveLocation:
		if err := h.lifecycle.Join(r.SessionID, identity); err != nil {
			h.replyError(conn, err)
			return
		}
		h.reply(conn, types.EventJoinedLiveLocation, types.SessionRefPayload{SessionID: r.SessionID})

	default:
		h.log.WithField("event", req.Event()).Warn("unhandled request type")
	}
}

// handleDisconnect ends the identity's shared sessions only when no other
// connection of the identity is live by the time the event is processed.
func (h *Hub) handleDisconnect(conn interfaces.Connection, last bool) {
	if !last {
		return
	}
	identity := conn.Identity()
	if h.presence != nil && h.presence.IsConnected(identity) {
		h.log.WithField("identity", identity).Debug("identity reconnected before cleanup")
		return
	}
	if n := h.lifecycle.OnDisconnect(identity); n > 0 {
		h.log.WithFields(logrus.Fields{"identity": identity, "sessions": n}).Info("ended sessions of disconnected sharer")
	}
}

func (h *Hub) reply(conn interfaces.Connection, event string, payload any) {
	if err := conn.Send(event, payload); err != nil && !errors.Is(err, interfaces.ErrConnectionClosed) {
		h.log.WithError(err).WithFields(logrus.Fields{
			"identity": conn.Identity(),
			"event":    event,
		}).Warn("reply not delivered")
	}
}

func (h *Hub) replyError(conn interfaces.Connection, err error) {
	h.reply(conn, types.EventError, types.ErrorPayload{Message: err.Error()})
}

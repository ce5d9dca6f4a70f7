package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Mobile clients send no Origin header; browsers are gated by the credential.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EventSink receives decoded requests and disconnects in arrival order.
type EventSink interface {
	Request(conn interfaces.Connection, req types.Request)
	Disconnected(conn interfaces.Connection, last bool)
}

// Limiter throttles inbound events per identity.
type Limiter interface {
	Allow(identity string) bool
}

// Handler authenticates upgrades and runs a read pump per connection.
// ARCHITECTURAL DISCOVERY: the handler never mutates session state itself;
// everything it reads off the wire is posted to the sink.
type Handler struct {
	registry *Registry
	verifier interfaces.Verifier
	sink     EventSink
	limiter  Limiter
	cfg      Config
	log      *logrus.Entry
}

// NewHandler wires the gate. limiter may be nil to disable throttling.
func NewHandler(registry *Registry, verifier interfaces.Verifier, sink EventSink, limiter Limiter, cfg Config) *Handler {
	return &Handler{
		registry: registry,
		verifier: verifier,
		sink:     sink,
		limiter:  limiter,
		cfg:      cfg.withDefaults(),
		log:      logger.WithComponent("websocket"),
	}
}

// credential reads the bearer header first, then the token query parameter.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// HandleWebSocket rejects unauthenticated handshakes with 401 before upgrading.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := credential(r)
	if token == "" {
		http.Error(w, fmt.Sprintf("%s: missing token", types.ErrAuth), http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		if !errors.Is(err, types.ErrAuth) {
			err = fmt.Errorf("%w: %v", types.ErrAuth, err)
		}
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Info("handshake rejected")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}

	conn := NewConnection(ws, identity, h.cfg)
	if err := h.registry.Register(conn); err != nil {
		h.log.WithError(err).Error("failed to register connection")
		_ = conn.Close()
		return
	}
	conn.log.Info("connected")

	go h.readPump(conn)
}

// readPump decodes frames until the peer goes away, then unregisters the
// connection before reporting the disconnect.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		last := h.registry.Unregister(conn)
		_ = conn.Close()
		conn.log.WithField("last", last).Info("disconnected")
		h.sink.Disconnected(conn, last)
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.log.WithError(err).Warn("read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(conn, data)
	}
}

func (h *Handler) dispatch(conn *Connection, frame []byte) {
	if h.limiter != nil && !h.limiter.Allow(conn.Identity()) {
		_ = conn.Send(types.EventError, types.ErrorPayload{Message: "rate limit exceeded"})
		return
	}

	req, err := types.DecodeRequest(frame)
	if err != nil {
		if errors.Is(err, types.ErrUnknownEvent) {
			conn.log.WithError(err).Debug("ignoring frame")
			return
		}
		_ = conn.Send(types.EventError, types.ErrorPayload{Message: err.Error()})
		return
	}

	h.sink.Request(conn, req)
}

package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

// Config tunes per-connection behaviour.
type Config struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration // must exceed PingInterval
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// DefaultConfig returns the settings used when the caller leaves fields zero.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendBuffer:     100,
		MaxMessageSize: 64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Connection implements interfaces.Connection over a gorilla socket.
// ARCHITECTURAL DISCOVERY: all writes go through a single writer goroutine, so
// Send never touches the socket and never blocks the hub.
type Connection struct {
	conn      *websocket.Conn
	id        string
	identity  string
	cfg       Config
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	dropped   atomic.Int64
	log       *logrus.Entry
}

// NewConnection wraps an upgraded socket owned by identity and starts its writer.
func NewConnection(conn *websocket.Conn, identity string, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		conn:     conn,
		id:       id,
		identity: identity,
		cfg:      cfg,
		sendCh:   make(chan []byte, cfg.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		log: logger.WithComponent("websocket").WithFields(logrus.Fields{
			"identity": identity,
			"connId":   id,
		}),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Identity() string { return c.identity }

// Dropped counts events discarded because the queue was full.
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop drains the outbound queue in FIFO order and keeps the peer alive
// with pings. The queue is never closed; the loop exits on cancellation.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals an envelope and enqueues it without blocking.
func (c *Connection) Send(event string, data any) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	frame, err := json.Marshal(types.OutboundEvent{Event: event, Data: data})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		c.dropped.Add(1)
		c.log.WithField("event", event).Warn("outbound queue full, dropping event")
		return interfaces.ErrQueueFull
	}
}

// Close cancels the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/internal/notify"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

// Config bounds what a start request may ask for.
type Config struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration // zero means unbounded
	MaxRecipients   int           // zero means unbounded
	DispatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultDuration: time.Hour,
		MaxDuration:     24 * time.Hour,
		MaxRecipients:   50,
		DispatchTimeout: 10 * time.Second,
	}
}

// Dependencies are the collaborators the manager drives.
type Dependencies struct {
	Store       *Store
	Scheduler   interfaces.ExpiryScheduler
	Broadcaster interfaces.Broadcaster
	Tokens      interfaces.TokenDirectory // optional
	Dispatcher  interfaces.Dispatcher     // optional
}

// StartResult is returned to the sharer as live-location-session-created.
type StartResult struct {
	SessionID  string
	Recipients int
	Offline    int
}

// Stats is a point-in-time view for monitoring.
type Stats struct {
	Active     int   `json:"active_sessions"`
	Started    int64 `json:"sessions_started"`
	Stopped    int64 `json:"sessions_stopped"`
	Expired    int64 `json:"sessions_expired"`
	Abandoned  int64 `json:"sessions_abandoned"`
	Updates    int64 `json:"updates_delivered"`
	Dispatches int64 `json:"push_batches"`
}

// Manager implements the live-location session lifecycle.
// ARCHITECTURAL DISCOVERY: every mutating method is called from the hub
// goroutine, one event at a time. Termination goes through Store.Deactivate,
// whose check-and-clear decides which path owns the ended broadcast.
type Manager struct {
	cfg   Config
	store *Store
	sched interfaces.ExpiryScheduler
	bc    interfaces.Broadcaster
	dir   interfaces.TokenDirectory
	disp  interfaces.Dispatcher

	now   func() time.Time
	newID func() string

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	inflight       sync.WaitGroup

	started, stopped, expired, abandoned, updates, dispatches atomic.Int64

	log *logrus.Entry
}

func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Store == nil || deps.Scheduler == nil || deps.Broadcaster == nil {
		return nil, fmt.Errorf("session manager requires a store, a scheduler and a broadcaster")
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = DefaultConfig().DefaultDuration
	}
	if cfg.MaxDuration > 0 && cfg.DefaultDuration > cfg.MaxDuration {
		return nil, fmt.Errorf("default duration %s exceeds max duration %s", cfg.DefaultDuration, cfg.MaxDuration)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg,
		store:          deps.Store,
		sched:          deps.Scheduler,
		bc:             deps.Broadcaster,
		dir:            deps.Tokens,
		disp:           deps.Dispatcher,
		now:            time.Now,
		newID:          uuid.NewString,
		dispatchCtx:    ctx,
		cancelDispatch: cancel,
		log:            logger.WithComponent("session"),
	}, nil
}

// Start creates a session, arms its expiry and tells every recipient. Offline
// recipients with a device token are batched into one asynchronous push.
func (m *Manager) Start(sharerID string, recipientIDs []string, duration time.Duration) (StartResult, error) {
	if !types.IsValidIdentity(sharerID) {
		return StartResult{}, ErrInvalidSharer
	}

	recipients := distinctRecipients(sharerID, recipientIDs)
	if len(recipients) == 0 {
		return StartResult{}, ErrNoRecipients
	}
	if m.cfg.MaxRecipients > 0 && len(recipients) > m.cfg.MaxRecipients {
		return StartResult{}, fmt.Errorf("%w (max %d)", ErrTooManyRecipients, m.cfg.MaxRecipients)
	}

	if duration == 0 {
		duration = m.cfg.DefaultDuration
	}
	if duration < 0 || (m.cfg.MaxDuration > 0 && duration > m.cfg.MaxDuration) {
		return StartResult{}, ErrInvalidDuration
	}

	sess := &types.Session{
		ID:           m.newID(),
		SharerID:     sharerID,
		RecipientIDs: recipients,
		Joined:       make(map[string]struct{}),
		StartTime:    m.now(),
		Duration:     duration,
	}
	if err := m.store.Insert(sess); err != nil {
		return StartResult{}, err
	}
	m.sched.Schedule(sess.ID, duration)
	m.started.Add(1)

	payload := types.LiveLocationStartedPayload{
		SessionID: sess.ID,
		SharerID:  sharerID,
		Duration:  duration.Milliseconds(),
	}

	var offlineTokens []string
	offline := 0
	for _, r := range recipients {
		if m.bc.Reachable(r) {
			m.bc.Deliver([]string{r}, types.EventLiveLocationStarted, payload)
			continue
		}
		offline++
		if m.dir == nil {
			continue
		}
		if token, ok := m.dir.Lookup(r); ok {
			offlineTokens = append(offlineTokens, token)
		}
	}
	m.dispatch(sharerID, sess.ID, offlineTokens)

	m.log.WithFields(logrus.Fields{
		"sessionId":  sess.ID,
		"sharer":     sharerID,
		"recipients": len(recipients),
		"offline":    offline,
		"duration":   duration,
	}).Info("session started")

	return StartResult{SessionID: sess.ID, Recipients: len(recipients), Offline: offline}, nil
}

// dispatch hands the push batch to its own goroutine; Start never waits for it.
func (m *Manager) dispatch(sharerID, sessionID string, tokens []string) {
	if len(tokens) == 0 || m.disp == nil {
		return
	}
	n := notify.LiveLocationRequest(sharerID, sessionID)
	m.dispatches.Add(1)
	m.inflight.Add(1)

	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(m.dispatchCtx, m.cfg.DispatchTimeout)
		defer cancel()

		if err := m.disp.SendMany(ctx, tokens, n.Title, n.Body, n.Data); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"sessionId": sessionID,
				"devices":   len(tokens),
			}).Warn("offline notification failed")
		}
	}()
}

// Update relays a position to the delivery group. Unknown or ended sessions
// and requesters outside the group are ignored without reply.
func (m *Manager) Update(sessionID string, lat, lng float64, timestamp json.RawMessage, requester string) bool {
	sess, ok := m.store.Get(sessionID)
	if !ok {
		return false
	}
	if !sess.IsMember(requester) {
		m.log.WithFields(logrus.Fields{"sessionId": sessionID, "requester": requester}).Debug("update from non-member ignored")
		return false
	}

	m.bc.Deliver(sess.Members(), types.EventLocationUpdated, types.LocationUpdatedPayload{
		SessionID: sess.ID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: timestamp,
		SharerID:  sess.SharerID,
	})
	m.updates.Add(1)
	return true
}

// Stop ends the session when requester is its sharer. Anything else is a
// silent no-op.
func (m *Manager) Stop(sessionID, requester string) bool {
	sess, ok := m.store.Get(sessionID)
	if !ok || sess.SharerID != requester {
		return false
	}
	if !m.terminate(sessionID, "stopped") {
		return false
	}
	m.stopped.Add(1)
	return true
}

// Join adds requester to the delivery group. The recipient list is unchanged.
func (m *Manager) Join(sessionID, requester string) error {
	if _, ok := m.store.AddJoined(sessionID, requester); !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
	}
	m.log.WithFields(logrus.Fields{"sessionId": sessionID, "identity": requester}).Info("joined session")
	return nil
}

// Expire is the scheduler's entry point. A session already ended by another
// path makes this a no-op.
func (m *Manager) Expire(sessionID string) bool {
	if !m.terminate(sessionID, "expired") {
		return false
	}
	m.expired.Add(1)
	return true
}

// OnDisconnect ends every session shared by identity. Sessions where identity
// is only a recipient or joiner are left alone.
func (m *Manager) OnDisconnect(identity string) int {
	ended := 0
	for _, id := range m.store.BySharer(identity) {
		if m.terminate(id, "sharer disconnected") {
			ended++
		}
	}
	m.abandoned.Add(int64(ended))
	return ended
}

// terminate is the single exit from Active. The store's check-and-clear makes
// the first caller the only one that cancels the timer and broadcasts.
func (m *Manager) terminate(sessionID, reason string) bool {
	sess, ok := m.store.Deactivate(sessionID)
	if !ok {
		return false
	}
	m.sched.Cancel(sessionID)

	delivered := m.bc.Deliver(sess.Members(), types.EventLiveLocationEnded, types.SessionRefPayload{SessionID: sessionID})

	m.log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"sharer":    sess.SharerID,
		"reason":    reason,
		"delivered": delivered,
	}).Info("session ended")
	return true
}

// Get returns a snapshot of an active session.
func (m *Manager) Get(sessionID string) (types.Session, bool) {
	return m.store.Get(sessionID)
}

// ActiveSessions returns snapshots of every active session.
func (m *Manager) ActiveSessions() []types.Session {
	return m.store.List()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Active:     m.store.Len(),
		Started:    m.started.Load(),
		Stopped:    m.stopped.Load(),
		Expired:    m.expired.Load(),
		Abandoned:  m.abandoned.Load(),
		Updates:    m.updates.Load(),
		Dispatches: m.dispatches.Load(),
	}
}

// Drain waits for in-flight pushes. With a non-nil ctx that ends first, the
// remaining pushes are cancelled.
func (m *Manager) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.cancelDispatch()
		<-done
	}
}

// distinctRecipients trims, drops empties and duplicates, and removes the
// sharer, keeping first-seen order.
func distinctRecipients(sharerID string, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == sharerID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

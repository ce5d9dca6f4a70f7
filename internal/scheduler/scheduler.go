package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
)

// FireFunc receives the id of a session whose deadline elapsed. It runs on the
// timer goroutine and must hand the work off rather than touch session state.
type FireFunc func(sessionID string)

type entry struct {
	timer *time.Timer
}

// Scheduler keeps at most one pending deadline per session id.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	fire    FireFunc
	closed  bool
	log     *logrus.Entry
}

func New(fire FireFunc) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		fire:    fire,
		log:     logger.WithComponent("scheduler"),
	}
}

// Schedule arms a deadline for sessionID, replacing any pending one.
func (s *Scheduler) Schedule(sessionID string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.entries[sessionID]; ok {
		prev.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(after, func() { s.expire(sessionID, e) })
	s.entries[sessionID] = e
}

// expire drops the entry and forwards the firing, unless the entry was
// cancelled or replaced after the timer had already started running.
func (s *Scheduler) expire(sessionID string, e *entry) {
	s.mu.Lock()
	current, ok := s.entries[sessionID]
	if !ok || current != e {
		s.mu.Unlock()
		s.log.WithField("sessionId", sessionID).Debug("stale expiry ignored")
		return
	}
	delete(s.entries, sessionID)
	s.mu.Unlock()

	s.fire(sessionID)
}

// Cancel stops the pending deadline. It reports whether one existed.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, sessionID)
	return true
}

// Pending returns the number of armed deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every deadline. Later Schedule calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.closed = true
}

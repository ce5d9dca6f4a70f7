package session

import (
	"sort"
	"sync"

	"livelocation/pkg/types"
)

// Store holds active sessions keyed by id. Sessions leave the store the moment
// they are deactivated, so every entry it holds is live.
// TECHNICAL DISCOVERY: mutations come from the hub goroutine only; the lock
// exists so the HTTP API can read snapshots concurrently.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	bySharer map[string]map[string]struct{} // sharer -> session ids
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*types.Session),
		bySharer: make(map[string]map[string]struct{}),
	}
}

// Insert adds an active session. Ids are never reused.
func (s *Store) Insert(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrDuplicateSession
	}
	if sess.Joined == nil {
		sess.Joined = make(map[string]struct{})
	}
	sess.Active = true
	s.sessions[sess.ID] = sess

	ids, ok := s.bySharer[sess.SharerID]
	if !ok {
		ids = make(map[string]struct{})
		s.bySharer[sess.SharerID] = ids
	}
	ids[sess.ID] = struct{}{}
	return nil
}

// Get returns a copy of the active session.
func (s *Store) Get(id string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return types.Session{}, false
	}
	return sess.Clone(), true
}

// Deactivate clears the active flag and removes the session in one step. Only
// the first caller for an id gets ok == true; that caller owns the
// termination broadcast.
func (s *Store) Deactivate(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return types.Session{}, false
	}
	sess.Active = false
	delete(s.sessions, id)

	if ids, ok := s.bySharer[sess.SharerID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.bySharer, sess.SharerID)
		}
	}
	return sess.Clone(), true
}

// AddJoined puts identity in the delivery group of an active session without
// touching its recipients.
func (s *Store) AddJoined(id, identity string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return types.Session{}, false
	}
	sess.Joined[identity] = struct{}{}
	return sess.Clone(), true
}

// BySharer returns the ids of active sessions started by identity, sorted.
func (s *Store) BySharer(identity string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.bySharer[identity]))
	for id := range s.bySharer[identity] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of every active session ordered by start time.
func (s *Store) List() []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

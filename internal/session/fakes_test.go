package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type delivery struct {
	identities []string
	event      string
	payload    any
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	reachable  map[string]bool
	deliveries []delivery
}

func newFakeBroadcaster(online ...string) *fakeBroadcaster {
	b := &fakeBroadcaster{reachable: make(map[string]bool)}
	for _, id := range online {
		b.reachable[id] = true
	}
	return b
}

func (b *fakeBroadcaster) Deliver(identities []string, event string, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, delivery{append([]string(nil), identities...), event, payload})
	n := 0
	for _, id := range identities {
		if b.reachable[id] {
			n++
		}
	}
	return n
}

func (b *fakeBroadcaster) Reachable(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable[identity]
}

func (b *fakeBroadcaster) byEvent(event string) []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery
	for _, d := range b.deliveries {
		if d.event == event {
			out = append(out, d)
		}
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]time.Duration
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]time.Duration)}
}

func (s *fakeScheduler) Schedule(id string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[id] = after
}

func (s *fakeScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	_, ok := s.scheduled[id]
	delete(s.scheduled, id)
	return ok
}

func (s *fakeScheduler) pending(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.scheduled[id]
	return d, ok
}

type fakeDirectory map[string]string

func (d fakeDirectory) Register(identity, token string) error { d[identity] = token; return nil }
func (d fakeDirectory) Lookup(identity string) (string, bool) {
	t, ok := d[identity]
	return t, ok
}

type pushCall struct {
	tokens []string
	title  string
	body   string
	data   map[string]string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []pushCall
	err   error
	block chan struct{}
}

func (d *fakeDispatcher) SendMany(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, pushCall{tokens, title, body, data})
	return d.err
}

func (d *fakeDispatcher) recorded() []pushCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pushCall(nil), d.calls...)
}

var errPushDown = errors.New("push gateway unavailable")

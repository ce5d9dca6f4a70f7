package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livelocation/internal/scheduler"
	"livelocation/pkg/types"
)

type fixture struct {
	m     *Manager
	store *Store
	bc    *fakeBroadcaster
	sched *fakeScheduler
	dir   fakeDirectory
	disp  *fakeDispatcher
}

func newFixture(t *testing.T, online ...string) *fixture {
	t.Helper()
	f := &fixture{
		store: NewStore(),
		bc:    newFakeBroadcaster(online...),
		sched: newFakeScheduler(),
		dir:   fakeDirectory{},
		disp:  &fakeDispatcher{},
	}
	m, err := NewManager(DefaultConfig(), Dependencies{
		Store:       f.store,
		Scheduler:   f.sched,
		Broadcaster: f.bc,
		Tokens:      f.dir,
		Dispatcher:  f.disp,
	})
	require.NoError(t, err)

	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("session-%d", seq)
	}
	f.m = m
	return f
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(DefaultConfig(), Dependencies{})
	assert.Error(t, err)

	_, err = NewManager(Config{DefaultDuration: 2 * time.Hour, MaxDuration: time.Hour}, Dependencies{
		Store: NewStore(), Scheduler: newFakeScheduler(), Broadcaster: newFakeBroadcaster(),
	})
	assert.Error(t, err)
}

func TestStart_OnlineAndOfflineRecipients(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.dir["C"] = "token-c"

	res, err := f.m.Start("A", []string{"B", "C", "B"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "session-1", res.SessionID)
	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 1, res.Offline)

	started := f.bc.byEvent(types.EventLiveLocationStarted)
	require.Len(t, started, 1)
	assert.Equal(t, []string{"B"}, started[0].identities)
	assert.Equal(t, types.LiveLocationStartedPayload{SessionID: "session-1", SharerID: "A", Duration: 1000}, started[0].payload)

	f.m.Drain(context.Background())
	calls := f.disp.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"token-c"}, calls[0].tokens)
	assert.Equal(t, "Live Location Request", calls[0].title)
	assert.Equal(t, "A wants to share their live location with you", calls[0].body)
	assert.Equal(t, "session-1", calls[0].data["sessionId"])

	d, ok := f.sched.pending("session-1")
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	sess, ok := f.m.Get("session-1")
	require.True(t, ok)
	assert.True(t, sess.Active)
	assert.Equal(t, []string{"B", "C"}, sess.RecipientIDs)
}

func TestStart_UniqueIDs(t *testing.T) {
	f := newFixture(t)
	f.m.newID = uuidLike()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		res, err := f.m.Start("A", []string{"B"}, time.Minute)
		require.NoError(t, err)
		require.False(t, seen[res.SessionID], "duplicate id %s", res.SessionID)
		seen[res.SessionID] = true
	}
	assert.Equal(t, 20, f.store.Len())
}

func uuidLike() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%08d-uuid", n)
	}
}

func TestStart_Validation(t *testing.T) {
	cases := []struct {
		name       string
		recipients []string
		duration   time.Duration
	}{
		{"empty recipients", nil, time.Second},
		{"blank recipients", []string{" ", ""}, time.Second},
		{"only the sharer", []string{"A"}, time.Second},
		{"negative duration", []string{"B"}, -time.Second},
		{"duration above max", []string{"B"}, 25 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "A", "B")
			_, err := f.m.Start("A", tc.recipients, tc.duration)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidRequest)
			assert.Equal(t, 0, f.store.Len())
			assert.Empty(t, f.bc.deliveries)
		})
	}
}

func TestStart_TooManyRecipients(t *testing.T) {
	f := newFixture(t)
	f.m.cfg.MaxRecipients = 2

	_, err := f.m.Start("A", []string{"B", "C", "D"}, time.Minute)
	assert.ErrorIs(t, err, ErrTooManyRecipients)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestStart_DefaultDuration(t *testing.T) {
	f := newFixture(t)

	res, err := f.m.Start("A", []string{"B"}, 0)
	require.NoError(t, err)

	d, _ := f.sched.pending(res.SessionID)
	assert.Equal(t, time.Hour, d)
}

func TestStart_DispatchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.dir["B"] = "token-b"
	f.disp.err = errPushDown

	res, err := f.m.Start("A", []string{"B", "C"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)

	f.m.Drain(context.Background())
	assert.Len(t, f.disp.recorded(), 1)
}

func TestStart_DoesNotWaitForDispatch(t *testing.T) {
	f := newFixture(t)
	f.dir["B"] = "token-b"
	f.disp.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		_, _ = f.m.Start("A", []string{"B"}, time.Minute)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start blocked on the dispatcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.m.Drain(ctx)
	assert.Empty(t, f.disp.recorded(), "cancelled push must not be recorded")
}

func TestStop_OnlySharer(t *testing.T) {
	f := newFixture(t, "A", "B")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)

	assert.False(t, f.m.Stop(res.SessionID, "B"))
	assert.Empty(t, f.bc.byEvent(types.EventLiveLocationEnded))
	_, active := f.m.Get(res.SessionID)
	assert.True(t, active)

	assert.True(t, f.m.Stop(res.SessionID, "A"))
	ended := f.bc.byEvent(types.EventLiveLocationEnded)
	require.Len(t, ended, 1)
	assert.ElementsMatch(t, []string{"A", "B"}, ended[0].identities)
	assert.Equal(t, types.SessionRefPayload{SessionID: res.SessionID}, ended[0].payload)
	assert.Contains(t, f.sched.cancelled, res.SessionID)

	_, active = f.m.Get(res.SessionID)
	assert.False(t, active)
}

func TestTermination_AtMostOnce(t *testing.T) {
	f := newFixture(t, "A", "B")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)

	assert.True(t, f.m.Stop(res.SessionID, "A"))
	assert.False(t, f.m.Expire(res.SessionID))
	assert.Equal(t, 0, f.m.OnDisconnect("A"))
	assert.False(t, f.m.Stop(res.SessionID, "A"))

	assert.Len(t, f.bc.byEvent(types.EventLiveLocationEnded), 1)
	stats := f.m.Stats()
	assert.Equal(t, int64(1), stats.Stopped)
	assert.Equal(t, int64(0), stats.Expired)
	assert.Equal(t, 0, stats.Active)
}

func TestExpire_EndsWithoutIdentityCheck(t *testing.T) {
	f := newFixture(t, "A", "B")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)

	assert.True(t, f.m.Expire(res.SessionID))
	assert.False(t, f.m.Expire(res.SessionID))
	assert.False(t, f.m.Expire("never-existed"))
	assert.Len(t, f.bc.byEvent(types.EventLiveLocationEnded), 1)
}

func TestUpdate_AfterEndIsDropped(t *testing.T) {
	f := newFixture(t, "A", "B")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)
	ts := json.RawMessage(`1700000000000`)

	assert.True(t, f.m.Update(res.SessionID, 1, 2, ts, "A"))
	f.m.Expire(res.SessionID)
	assert.False(t, f.m.Update(res.SessionID, 3, 4, ts, "A"))
	assert.False(t, f.m.Update("unknown", 3, 4, ts, "A"))

	updates := f.bc.byEvent(types.EventLocationUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, types.LocationUpdatedPayload{
		SessionID: res.SessionID,
		Latitude:  1,
		Longitude: 2,
		Timestamp: ts,
		SharerID:  "A",
	}, updates[0].payload)
}

func TestUpdate_NonMemberIgnored(t *testing.T) {
	f := newFixture(t, "A", "B", "Z")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)

	assert.False(t, f.m.Update(res.SessionID, 1, 2, json.RawMessage(`1`), "Z"))
	assert.Empty(t, f.bc.byEvent(types.EventLocationUpdated))
}

func TestJoin_DeliveryGroupOnly(t *testing.T) {
	f := newFixture(t, "A", "B", "D")
	res, _ := f.m.Start("A", []string{"B"}, time.Minute)

	require.NoError(t, f.m.Join(res.SessionID, "D"))

	sess, _ := f.m.Get(res.SessionID)
	assert.Equal(t, []string{"B"}, sess.RecipientIDs, "join must not change recipients")
	assert.True(t, sess.IsMember("D"))

	f.m.Update(res.SessionID, 1, 2, json.RawMessage(`1`), "A")
	updates := f.bc.byEvent(types.EventLocationUpdated)
	require.Len(t, updates, 1)
	assert.ElementsMatch(t, []string{"A", "B", "D"}, updates[0].identities)

	started := f.bc.byEvent(types.EventLiveLocationStarted)
	for _, d := range started {
		assert.NotContains(t, d.identities, "D", "joiners do not receive live-location-started")
	}
}

func TestJoin_UnknownOrEnded(t *testing.T) {
	f := newFixture(t, "A", "B")
	err := f.m.Join("missing", "B")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	assert.Contains(t, err.Error(), "SessionNotFound")

	res, _ := f.m.Start("A", []string{"B"}, time.Minute)
	f.m.Stop(res.SessionID, "A")
	before := len(f.bc.deliveries)

	assert.ErrorIs(t, f.m.Join(res.SessionID, "B"), types.ErrSessionNotFound)
	assert.Len(t, f.bc.deliveries, before, "a failed join broadcasts nothing")
}

func TestOnDisconnect_EndsOnlySharedSessions(t *testing.T) {
	f := newFixture(t, "A", "B")
	first, _ := f.m.Start("A", []string{"B"}, time.Minute)
	second, _ := f.m.Start("A", []string{"C"}, time.Minute)
	others, _ := f.m.Start("B", []string{"A"}, time.Minute)

	assert.Equal(t, 2, f.m.OnDisconnect("A"))

	_, ok := f.m.Get(first.SessionID)
	assert.False(t, ok)
	_, ok = f.m.Get(second.SessionID)
	assert.False(t, ok)
	_, ok = f.m.Get(others.SessionID)
	assert.True(t, ok, "sessions where A is only a recipient survive")

	assert.Len(t, f.bc.byEvent(types.EventLiveLocationEnded), 2)
	assert.ElementsMatch(t, []string{first.SessionID, second.SessionID}, f.sched.cancelled)
	assert.Equal(t, int64(2), f.m.Stats().Abandoned)
}

func TestExpiry_WithRealScheduler(t *testing.T) {
	store := NewStore()
	bc := newFakeBroadcaster("A", "B")

	var m *Manager
	expired := make(chan string, 4)
	sched := scheduler.New(func(id string) {
		m.Expire(id)
		expired <- id
	})
	defer sched.Close()

	m, err := NewManager(DefaultConfig(), Dependencies{Store: store, Scheduler: sched, Broadcaster: bc})
	require.NoError(t, err)

	stopped, _ := m.Start("A", []string{"B"}, 30*time.Millisecond)
	natural, _ := m.Start("A", []string{"B"}, 30*time.Millisecond)
	require.True(t, m.Stop(stopped.SessionID, "A"))

	select {
	case id := <-expired:
		assert.Equal(t, natural.SessionID, id)
	case <-time.After(time.Second):
		t.Fatal("expiry did not fire")
	}

	select {
	case id := <-expired:
		t.Fatalf("cancelled session %s fired", id)
	case <-time.After(80 * time.Millisecond):
	}

	assert.Len(t, bc.byEvent(types.EventLiveLocationEnded), 2)
	assert.Equal(t, 0, sched.Pending())
	assert.Equal(t, 0, store.Len())
}

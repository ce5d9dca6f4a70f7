package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livelocation/internal/router"
	"livelocation/internal/scheduler"
	"livelocation/internal/session"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

type frame struct {
	event   string
	payload any
}

type mockConnection struct {
	id       string
	identity string
	mu       sync.Mutex
	frames   []frame
}

func (m *mockConnection) Send(event string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame{event, data})
	return nil
}
func (m *mockConnection) Close() error     { return nil }
func (m *mockConnection) Identity() string { return m.identity }
func (m *mockConnection) ID() string       { return m.id }

func (m *mockConnection) events(name string) []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []frame
	for _, f := range m.frames {
		if f.event == name {
			out = append(out, f)
		}
	}
	return out
}

// mockRegistry is a resolver and presence source over a mutable map.
type mockRegistry struct {
	mu    sync.Mutex
	conns map[string][]interfaces.Connection
}

func (r *mockRegistry) add(c *mockConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.identity] = append(r.conns[c.identity], c)
}

func (r *mockRegistry) remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, identity)
}

func (r *mockRegistry) Connections(identity string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Connection(nil), r.conns[identity]...)
}

func (r *mockRegistry) IsConnected(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[identity]) > 0
}

type mockDirectory struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (d *mockDirectory) Register(identity, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[identity] = token
	return nil
}

func (d *mockDirectory) Lookup(identity string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tokens[identity]
	return t, ok
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls [][]string
}

func (d *mockDispatcher) SendMany(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, tokens)
	return nil
}

func (d *mockDispatcher) recorded() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.calls...)
}

type hubFixture struct {
	hub      *Hub
	registry *mockRegistry
	manager  *session.Manager
	sched    *scheduler.Scheduler
	dir      *mockDirectory
	disp     *mockDispatcher
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{
		registry: &mockRegistry{conns: make(map[string][]interfaces.Connection)},
		dir:      &mockDirectory{tokens: make(map[string]string)},
		disp:     &mockDispatcher{},
	}

	rt, err := router.NewRouter(f.registry)
	require.NoError(t, err)

	var h *Hub
	f.sched = scheduler.New(func(id string) { h.Expire(id) })

	f.manager, err = session.NewManager(session.DefaultConfig(), session.Dependencies{
		Store:       session.NewStore(),
		Scheduler:   f.sched,
		Broadcaster: rt,
		Tokens:      f.dir,
		Dispatcher:  f.disp,
	})
	require.NoError(t, err)

	h = NewHub(f.manager, f.registry, f.dir, 16)
	require.NoError(t, h.Start(context.Background()))
	f.hub = h

	t.Cleanup(func() {
		_ = h.Stop()
		f.sched.Close()
	})
	return f
}

func (f *hubFixture) connect(identity string) *mockConnection {
	c := &mockConnection{id: identity + "-conn", identity: identity}
	f.registry.add(c)
	return c
}

// sync waits until every event queued so far has been handled.
func (f *hubFixture) sync(t *testing.T) {
	t.Helper()
	probe := &mockConnection{id: "probe", identity: "probe"}
	f.hub.Request(probe, types.JoinLiveLocation{SessionID: "probe"})
	require.Eventually(t, func() bool { return len(probe.events(types.EventError)) == 1 }, time.Second, time.Millisecond)
}

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub(nil, nil, nil, 0)

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)
	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubStopped)

	select {
	case <-h.Done():
	default:
		t.Error("Done should be closed after Stop")
	}

	// posting after stop must not block
	h.Expire("s1")
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	h := NewHub(nil, nil, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop on context cancel")
	}
}

func TestHub_StartScenario(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect("A")
	b := f.connect("B")
	f.dir.tokens["C"] = "token-c"

	f.hub.Request(a, types.StartLiveLocation{Recipients: []string{"B", "C"}, Duration: 100 * time.Millisecond})
	f.sync(t)

	created := a.events(types.EventSessionCreated)
	require.Len(t, created, 1)
	payload := created[0].payload.(types.SessionCreatedPayload)
	assert.Equal(t, 2, payload.Recipients)
	assert.NotEmpty(t, payload.SessionID)

	started := b.events(types.EventLiveLocationStarted)
	require.Len(t, started, 1)
	assert.Equal(t, types.LiveLocationStartedPayload{SessionID: payload.SessionID, SharerID: "A", Duration: 100}, started[0].payload)

	require.Eventually(t, func() bool { return len(f.disp.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"token-c"}, f.disp.recorded()[0])

	require.Eventually(t, func() bool {
		return len(a.events(types.EventLiveLocationEnded)) == 1 && len(b.events(types.EventLiveLocationEnded)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sched.Pending())
}

func TestHub_InvalidStartReportsError(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect("A")

	f.hub.Request(a, types.StartLiveLocation{Recipients: []string{"A"}})
	f.sync(t)

	errs := a.events(types.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].payload.(types.ErrorPayload).Message, "InvalidRequest")
	assert.Empty(t, f.manager.ActiveSessions())
}

func TestHub_SharerDisconnectEndsSession(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect("A")
	b := f.connect("B")

	f.hub.Request(a, types.StartLiveLocation{Recipients: []string{"B"}, Duration: 80 * time.Millisecond})
	f.sync(t)

	f.registry.remove("A")
	f.hub.Disconnected(a, true)
	f.sync(t)

	assert.Len(t, b.events(types.EventLiveLocationEnded), 1)
	assert.Equal(t, 0, f.sched.Pending(), "expiry must be cancelled")

	time.Sleep(120 * time.Millisecond)
	assert.Len(t, b.events(types.EventLiveLocationEnded), 1, "no second termination")
}

func TestHub_DisconnectIgnoredWhenIdentityStillOnline(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect("A")
	b := f.connect("B")

	f.hub.Request(a, types.StartLiveLocation{Recipients: []string{"B"}, Duration: time.Minute})
	f.sync(t)

	// not last
	f.hub.Disconnected(a, false)
	// last at unregister time, but the identity reconnected before processing
	f.hub.Disconnected(a, true)
	f.sync(t)

	assert.Empty(t, b.events(types.EventLiveLocationEnded))
	assert.Len(t, f.manager.ActiveSessions(), 1)
}

func TestHub_UpdateStopJoin(t *testing.T) {
	f := newHubFixture(t)
	a := f.connect("A")
	b := f.connect("B")
	d := f.connect("D")

	f.hub.Request(a, types.StartLiveLocation{Recipients: []string{"B"}, Duration: time.Minute})
	f.sync(t)
	id := a.events(types.EventSessionCreated)[0].payload.(types.SessionCreatedPayload).SessionID

	f.hub.Request(d, types.JoinLiveLocation{SessionID: id})
	f.hub.Request(a, types.LocationUpdate{SessionID: id, Latitude: 1, Longitude: 2, Timestamp: json.RawMessage(`"t1"`)})
	f.hub.Request(b, types.StopLiveLocation{SessionID: id})
	f.hub.Request(a, types.LocationUpdate{SessionID: id, Latitude: 3, Longitude: 4, Timestamp: json.RawMessage(`"t2"`)})
	f.hub.Request(a, types.StopLiveLocation{SessionID: id})
	f.hub.Request(a, types.LocationUpdate{SessionID: id, Latitude: 5, Longitude: 6, Timestamp: json.RawMessage(`"t3"`)})
	f.sync(t)

	assert.Len(t, d.events(types.EventJoinedLiveLocation), 1)
	assert.Empty(t, b.events(types.EventJoinedLiveLocation), "join confirmation goes to the requester only")

	for _, c := range []*mockConnection{a, b, d} {
		updates := c.events(types.EventLocationUpdated)
		require.Len(t, updates, 2, c.identity)
		assert.Equal(t, 1.0, updates[0].payload.(types.LocationUpdatedPayload).Latitude)
		assert.Equal(t, 3.0, updates[1].payload.(types.LocationUpdatedPayload).Latitude)
		assert.Len(t, c.events(types.EventLiveLocationEnded), 1, c.identity)
	}

	f.hub.Request(d, types.JoinLiveLocation{SessionID: id})
	f.sync(t)
	errs := d.events(types.EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].payload.(types.ErrorPayload).Message, "SessionNotFound")
}

func TestHub_RegisterDeviceToken(t *testing.T) {
	f := newHubFixture(t)
	c := f.connect("C")

	f.hub.Request(c, types.RegisterDeviceToken{DeviceToken: "first"})
	f.hub.Request(c, types.RegisterDeviceToken{DeviceToken: "second"})
	f.sync(t)

	token, ok := f.dir.Lookup("C")
	require.True(t, ok)
	assert.Equal(t, "second", token)
	assert.Len(t, c.events(types.EventDeviceTokenRegistered), 2)
}

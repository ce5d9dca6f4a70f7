package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"livelocation/internal/app"
	"livelocation/internal/auth"
	"livelocation/internal/config"
	"livelocation/pkg/types"
)

const testSecret = "integration-secret"

// pushRecord is one SendMany call observed by recordingDispatcher.
type pushRecord struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []pushRecord
}

func (d *recordingDispatcher) SendMany(_ context.Context, tokens []string, title, body string, data map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, pushRecord{Tokens: append([]string(nil), tokens...), Title: title, Body: body, Data: data})
	return nil
}

func (d *recordingDispatcher) Calls() []pushRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pushRecord(nil), d.calls...)
}

// testServer is a running application bound to a loopback port.
type testServer struct {
	BaseURL    string
	Dispatcher *recordingDispatcher
	issuer     *auth.JWTVerifier
}

func startServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	dispatcher := &recordingDispatcher{}
	application, err := app.NewApplication(context.Background(), cfg, app.WithDispatcher(dispatcher))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	issuer, err := auth.NewJWTVerifier(testSecret, cfg.Auth.Issuer)
	require.NoError(t, err)

	return &testServer{
		BaseURL:    "http://" + ln.Addr().String(),
		Dispatcher: dispatcher,
		issuer:     issuer,
	}
}

func (s *testServer) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := s.issuer.Issue(identity, identity, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) wsURL(token string) string {
	u, _ := url.Parse(s.BaseURL)
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// connectedIdentities reads the registry gauge from /health.
func (s *testServer) connectedIdentities(t *testing.T) int {
	t.Helper()
	resp, err := http.Get(s.BaseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Connections map[string]int `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Connections["connected_identities"]
}

// TestClient is a WebSocket client that collects inbound envelopes.
type TestClient struct {
	Identity string

	conn     *websocket.Conn
	messages chan types.Envelope
	done     chan struct{}
	mu       sync.Mutex
}

func (s *testServer) connect(t *testing.T, identity string) *TestClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(s.token(t, identity)), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &TestClient{
		Identity: identity,
		conn:     conn,
		messages: make(chan types.Envelope, 100),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case c.messages <- env:
		default:
		}
	}
}

func (c *TestClient) Send(t *testing.T, event string, data any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// Expect waits for the next envelope with the given event, skipping others,
// and decodes its data into out when out is non-nil.
func (c *TestClient) Expect(t *testing.T, event string, out any) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-c.messages:
			if env.Event != event {
				continue
			}
			if out != nil {
				require.NoError(t, json.Unmarshal(env.Data, out))
			}
			return
		case <-c.done:
			t.Fatalf("%s: connection closed while waiting for %s", c.Identity, event)
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", c.Identity, event)
		}
	}
}

// ExpectNone asserts no envelope with event arrives within wait.
func (c *TestClient) ExpectNone(t *testing.T, event string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case env := <-c.messages:
			if env.Event == event {
				t.Fatalf("%s: unexpected %s: %s", c.Identity, event, string(env.Data))
			}
		case <-timeout:
			return
		}
	}
}

func (c *TestClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	<-c.done
	return err
}

func jsonDecode(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

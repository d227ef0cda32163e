package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sync-core/internal/protocol"
)

type fakeSocket struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) feed(t *testing.T, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.in <- data
}

func (s *fakeSocket) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, w := range s.writes {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(w, &head) == nil {
			types = append(types, head.Type)
		}
	}
	return types
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]string
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]string)}
}

func (m *memSessionStore) SessionID(ctx context.Context, connKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connKey], nil
}

func (m *memSessionStore) SaveSessionID(ctx context.Context, connKey, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[connKey] = sessionID
	return nil
}

func (m *memSessionStore) DeleteSession(ctx context.Context, connKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, connKey)
	return nil
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no token")
	}
	return string(s), nil
}

func testConfig(sock *fakeSocket) Config {
	return Config{
		BrokerID:    "tradovate",
		AccountID:   "123",
		Credentials: staticToken("token"),
		URL:         "ws://gateway.test/sync",

		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Hour, // keep heartbeat out of most tests
		PongWait:          time.Hour,
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      5 * time.Millisecond,
		MaxReconnects:     3,

		Dialer: func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
			return sock, nil
		},
	}
}

// feedHandshake walks a socket through every server-driven phase up to the
// initial data sync.
func feedHandshake(t *testing.T, sock *fakeSocket) {
	t.Helper()
	sock.feed(t, map[string]any{"type": "connection_test"})
	sock.feed(t, map[string]any{"type": "connection_established"})
	sock.feed(t, map[string]any{"type": "connection_state", "state": "authenticated"})
	sock.feed(t, map[string]any{"type": "connection_state", "state": "subscription_verified"})
	sock.feed(t, map[string]any{"type": "session_info", "session_id": "sess-9"})
	sock.feed(t, map[string]any{"type": "connection_state", "state": "broker_connected"})
	sock.feed(t, map[string]any{
		"type": "user_data",
		"positions": []map[string]any{
			{"id": 55, "contractId": "C1", "symbol": "MNQ", "netPos": 2, "netPrice": 100},
		},
	})
}

func TestConnectCompletesHandshake(t *testing.T) {
	sock := newFakeSocket()
	store := newMemSessionStore()

	var mu sync.Mutex
	var states []State
	var forwarded []string

	conn := New(testConfig(sock), store,
		nil,
		func(env protocol.Envelope) {
			mu.Lock()
			forwarded = append(forwarded, env.Type)
			mu.Unlock()
		},
		func(s State, err error) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	)

	feedHandshake(t, sock)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if got := conn.State(); got != StateReady {
		t.Fatalf("state=%v, expected READY", got)
	}

	mu.Lock()
	defer mu.Unlock()

	want := []State{StateConnecting, StateValidatingUser, StateCheckingSubscription, StateCheckingBrokerAccess, StateConnected, StateReady}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, expected %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("state[%d]=%v, expected %v", i, states[i], s)
		}
	}

	// user_data is forwarded to the application before READY flips.
	if len(forwarded) != 1 || forwarded[0] != protocol.TypeUserData {
		t.Fatalf("forwarded=%v, expected [user_data]", forwarded)
	}

	// The pre-handshake liveness check got its echo.
	types := sock.sentTypes()
	if len(types) == 0 || types[0] != protocol.TypeConnectionTestResp {
		t.Fatalf("sent=%v, expected connection_test_response first", types)
	}

	// The resumption token was persisted.
	if sid, _ := store.SessionID(context.Background(), "tradovate:123"); sid != "sess-9" {
		t.Fatalf("stored session id %q, expected sess-9", sid)
	}

	_ = conn.Disconnect()
}

func TestConnectAuthRejectionIsFatal(t *testing.T) {
	sock := newFakeSocket()
	dials := 0

	cfg := testConfig(sock)
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		dials++
		return sock, nil
	}

	conn := New(cfg, nil, nil, nil, nil)

	sock.feed(t, map[string]any{"type": "connection_state", "state": "auth_failed", "error": "bad token"})

	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Connect error=%v, expected ErrAuthentication", err)
	}
	if dials != 1 {
		t.Fatalf("dials=%d, expected 1 (auth failures must not be retried)", dials)
	}
	if got := conn.State(); got != StateError {
		t.Fatalf("state=%v, expected ERROR", got)
	}
}

func TestConnectRetriesServerRejection(t *testing.T) {
	var socks []*fakeSocket

	cfg := testConfig(nil)
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		sock := newFakeSocket()
		socks = append(socks, sock)
		if len(socks) == 1 {
			sock.feed(t, map[string]any{"type": "connection_state", "state": "broker_unavailable", "error": "upstream down"})
		} else {
			feedHandshake(t, sock)
		}
		return sock, nil
	}

	conn := New(cfg, nil, nil, nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if len(socks) != 2 {
		t.Fatalf("dials=%d, expected 2", len(socks))
	}
	_ = conn.Disconnect()
}

func TestDialURLCarriesIdentity(t *testing.T) {
	sock := newFakeSocket()
	store := newMemSessionStore()
	_ = store.SaveSessionID(context.Background(), "tradovate:123", "resume-1")

	var dialed string
	cfg := testConfig(sock)
	cfg.Environment = "demo"
	cfg.DeviceID = "dev-42"
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		dialed = urlStr
		if got := header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization=%q, expected bearer token", got)
		}
		return sock, nil
	}

	conn := New(cfg, store, nil, nil, nil)
	feedHandshake(t, sock)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Disconnect()

	u, err := url.Parse(dialed)
	if err != nil {
		t.Fatalf("parse dialed url: %v", err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"account_id":  "123",
		"environment": "demo",
		"device_id":   "dev-42",
		"session_id":  "resume-1",
	} {
		if got := q.Get(key); got != want {
			t.Fatalf("query %s=%q, expected %q", key, got, want)
		}
	}
}

func TestSendQueuesDuringHandshake(t *testing.T) {
	sock := newFakeSocket()
	conn := New(testConfig(sock), nil, nil, nil, nil)

	// No socket at all: the send fails outright.
	if err := conn.Send(map[string]any{"type": "subscribe"}); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Send before dial: err=%v, expected ErrSocketClosed", err)
	}

	done := make(chan error, 1)
	go func() { done <- conn.Connect(context.Background()) }()

	// Walk partway through the handshake, queue a message, then finish.
	sock.feed(t, map[string]any{"type": "connection_established"})
	waitForState(t, conn, StateValidatingUser)

	if err := conn.Send(protocol.SubscribeMsg("MNQ", "quote")); err != nil {
		t.Fatalf("Send during handshake: %v", err)
	}

	sock.feed(t, map[string]any{"type": "connection_state", "state": "broker_connected"})
	sock.feed(t, map[string]any{"type": "connection_ready"})

	if err := <-done; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Disconnect()

	// The queued subscribe was flushed on READY.
	deadline := time.After(time.Second)
	for {
		if contains(sock.sentTypes(), protocol.TypeSubscribe) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sent=%v, expected queued subscribe to flush", sock.sentTypes())
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Direct write path once READY.
	if err := conn.Send(protocol.PingMsg()); err != nil {
		t.Fatalf("Send when ready: %v", err)
	}
}

func TestSendQueueDropsOldestAtCapacity(t *testing.T) {
	sock := newFakeSocket()
	cfg := testConfig(sock)
	cfg.PendingLimit = 2
	conn := New(cfg, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- conn.Connect(context.Background()) }()

	sock.feed(t, map[string]any{"type": "connection_established"})
	waitForState(t, conn, StateValidatingUser)

	for i := 0; i < 3; i++ {
		if err := conn.Send(map[string]any{"type": fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	sock.feed(t, map[string]any{"type": "connection_ready"})
	if err := <-done; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Disconnect()

	deadline := time.After(time.Second)
	for {
		types := sock.sentTypes()
		if contains(types, "m2") {
			if contains(types, "m0") {
				t.Fatalf("sent=%v, oldest queued message should have been dropped", types)
			}
			if !contains(types, "m1") {
				t.Fatalf("sent=%v, expected m1 to survive", types)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("sent=%v, expected flushed queue", sock.sentTypes())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	sock := newFakeSocket()
	conn := New(testConfig(sock), nil, nil, nil, nil)

	feedHandshake(t, sock)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if got := conn.State(); got != StateDisconnected {
		t.Fatalf("state=%v, expected DISCONNECTED", got)
	}
	if err := conn.Send(protocol.PingMsg()); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Send after disconnect: err=%v, expected ErrSocketClosed", err)
	}
}

func TestReconnectAfterSocketDrop(t *testing.T) {
	var mu sync.Mutex
	var socks []*fakeSocket

	cfg := testConfig(nil)
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		sock := newFakeSocket()
		mu.Lock()
		socks = append(socks, sock)
		mu.Unlock()
		feedHandshake(t, sock)
		return sock, nil
	}

	conn := New(cfg, nil, nil, nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	// Kill the live socket; the connection must dial again and recover.
	mu.Lock()
	first := socks[0]
	mu.Unlock()
	_ = first.Close()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(socks) >= 2 && conn.State() == StateReady
	}, "reconnect to READY")

	_ = conn.Disconnect()
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0

	cfg := testConfig(nil)
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		sock := newFakeSocket()
		feedHandshake(t, sock)
		return sock, nil
	}

	conn := New(cfg, nil, nil, nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	_ = conn.Disconnect()

	// Give any stray reconnect goroutine a chance to run.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("dials=%d, expected no reconnect after manual disconnect", dials)
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"auth", ErrAuthentication, false},
		{"wrapped auth", fmt.Errorf("handshake: %w", ErrAuthentication), false},
		{"manual disconnect", ErrDisconnected, false},
		{"reconnect budget", ErrMaxReconnects, false},
		{"server rejection", &ServerRejection{Phase: "broker_unavailable", Message: "down"}, true},
		{"fatal rejection", &ServerRejection{Phase: "banned", Fatal: true}, false},
		{"plain error", errors.New("read: EOF"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Fatalf("IsRetriable(%v)=%v, expected %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		status string
		want   State
		ok     bool
	}{
		{"authenticated", StateCheckingSubscription, true},
		{"subscription_verified", StateCheckingBrokerAccess, true},
		{"broker_connected", StateConnected, true},
		{"ready", StateReady, true},
		{"something_else", StateDisconnected, false},
	}
	for _, tt := range tests {
		got, ok := phaseFor(tt.status)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("phaseFor(%q)=(%v,%v), expected (%v,%v)", tt.status, got, ok, tt.want, tt.ok)
		}
	}
}

func waitForState(t *testing.T, conn *Conn, want State) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return conn.State() == want }, "state "+want.String())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want || strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func TestMissedPongClosesSocketAndReconnects(t *testing.T) {
	var mu sync.Mutex
	var socks []*fakeSocket

	cfg := testConfig(nil)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PongWait = 20 * time.Millisecond
	cfg.Dialer = func(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
		sock := newFakeSocket()
		mu.Lock()
		socks = append(socks, sock)
		mu.Unlock()
		feedHandshake(t, sock)
		return sock, nil
	}

	var stateMu sync.Mutex
	var causes []error
	conn := New(cfg, nil, nil, nil, func(s State, err error) {
		if err == nil {
			return
		}
		stateMu.Lock()
		causes = append(causes, err)
		stateMu.Unlock()
	})
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Disconnect()

	// The first socket swallows every ping: the missed pong must close it.
	mu.Lock()
	first := socks[0]
	mu.Unlock()
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatalf("socket not closed after missed pong")
	}
	if !contains(first.sentTypes(), "ping") {
		t.Fatalf("no ping observed before the close, writes=%v", first.sentTypes())
	}

	// The drop reason is distinguishable from a plain network error.
	waitFor(t, time.Second, func() bool {
		stateMu.Lock()
		defer stateMu.Unlock()
		for _, err := range causes {
			if errors.Is(err, ErrPongTimeout) {
				return true
			}
		}
		return false
	}, "pong timeout as the disconnect cause")

	// And reconnection is scheduled.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(socks) >= 2
	}, "redial after heartbeat loss")
}

func TestPongCancelsHeartbeatTimer(t *testing.T) {
	sock := newFakeSocket()
	cfg := testConfig(sock)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PongWait = 30 * time.Millisecond

	feedHandshake(t, sock)
	conn := New(cfg, nil, nil, nil, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer conn.Disconnect()

	// Answer pings for a few heartbeat cycles; the socket must stay open.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if contains(sock.sentTypes(), "ping") {
			sock.feed(t, map[string]any{"type": "pong"})
		}
		select {
		case <-sock.closed:
			t.Fatalf("socket closed despite answered pings")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if conn.State() != StateReady {
		t.Fatalf("state=%v, expected READY throughout", conn.State())
	}
}

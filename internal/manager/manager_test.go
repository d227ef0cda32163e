package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sync-core/internal/cache"
	"sync-core/internal/connection"
	"sync-core/internal/events"
	"sync-core/internal/model"
	"sync-core/internal/protocol"
	"sync-core/pkg/config"
)

type fakeSocket struct {
	in chan []byte

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 64), closed: make(chan struct{})}
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

func (s *fakeSocket) feed(frame map[string]any) {
	data, _ := json.Marshal(frame)
	s.in <- data
}

// completeHandshake scripts a gateway that accepts the connection outright.
func completeHandshake(sock *fakeSocket) {
	sock.feed(map[string]any{"type": "connection_state", "state": "broker_connected"})
	sock.feed(map[string]any{"type": "connection_ready"})
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

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

func testManagerConfig() *config.Config {
	return &config.Config{
		GatewayURL: "ws://gateway.test/sync",
		Brokers: []config.BrokerEndpoint{
			{
				ID:           "topstepx",
				Environments: map[string]string{"demo": "ws://gateway.test/topstepx/demo"},
				Shared:       true,
			},
		},

		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: time.Hour,
		PongWait:          time.Hour,
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      5 * time.Millisecond,
		MaxReconnects:     2,

		RateWindow:     time.Minute,
		RateDefault:    1000,
		RateMarketData: 1000,
		RateOrders:     1000,

		CachePersistInterval: time.Hour,
		RequestTimeout:       time.Second,
	}
}

type testHarness struct {
	mgr *Manager
	bus *events.Bus

	mu        sync.Mutex
	socks     []*fakeSocket
	urls      []string
	dialDelay time.Duration
	dials     int32
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testManagerConfig()
	}
	bus := events.NewBus()
	h := &testHarness{bus: bus}

	h.mgr = New(cfg, bus, cache.New(cache.DefaultTTL()), nil, staticToken("token"), "dev-1", nil)
	h.mgr.dialer = func(ctx context.Context, urlStr string, header http.Header) (connection.Socket, error) {
		atomic.AddInt32(&h.dials, 1)
		h.mu.Lock()
		delay := h.dialDelay
		h.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		sock := newFakeSocket()
		h.mu.Lock()
		h.socks = append(h.socks, sock)
		h.urls = append(h.urls, urlStr)
		h.mu.Unlock()
		completeHandshake(sock)
		return sock, nil
	}

	t.Cleanup(func() {
		h.mgr.Stop()
		bus.Close()
	})
	return h
}

func (h *testHarness) sock(i int) *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.socks[i]
}

func (h *testHarness) dialCount() int {
	return int(atomic.LoadInt32(&h.dials))
}

func (h *testHarness) setDialDelay(d time.Duration) {
	h.mu.Lock()
	h.dialDelay = d
	h.mu.Unlock()
}

func (h *testHarness) dialedURL(i int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.urls[i]
}

func TestConnectDeduplicatesConcurrentRequests(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.mgr.Connect(context.Background(), "tradovate", "123", Options{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if got := h.dialCount(); got != 1 {
		t.Fatalf("dials=%d, expected concurrent connects to share one handshake", got)
	}

	state, ok := h.mgr.ConnectionState("tradovate", "123")
	if !ok || state != connection.StateReady {
		t.Fatalf("state=(%v,%v), expected READY", state, ok)
	}
}

func TestConnectWithoutStoreSucceeds(t *testing.T) {
	// The registry runs storeless in tests and when persistence is disabled;
	// connecting must not touch a session store that is not there.
	h := newHarness(t, nil)

	if err := h.mgr.Connect(context.Background(), "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect without a store: %v", err)
	}

	u, err := url.Parse(h.dialedURL(0))
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	if got := u.Query().Get("session_id"); got != "" {
		t.Fatalf("session_id=%q in dial url, expected no resumption parameter", got)
	}
}

func TestSharedConnectJoinsInFlightHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.setDialDelay(100 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, acct := range []string{"a1", "a2"} {
		wg.Add(1)
		go func(i int, acct string) {
			defer wg.Done()
			errs[i] = h.mgr.Connect(context.Background(), "topstepx", acct, Options{Environment: "demo"})
		}(i, acct)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	// The account that arrived mid-dial must join the handshake, not open
	// a second socket for the same (broker, environment).
	if got := h.dialCount(); got != 1 {
		t.Fatalf("dials=%d, expected the in-flight handshake to be shared", got)
	}
	stats := h.mgr.Stats()
	if stats.Connections != 2 || stats.SharedSockets != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestConnectSeparatePairsGetSeparateSockets(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.mgr.Connect(context.Background(), "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect 123: %v", err)
	}
	if err := h.mgr.Connect(context.Background(), "tradovate", "456", Options{}); err != nil {
		t.Fatalf("Connect 456: %v", err)
	}
	if got := h.dialCount(); got != 2 {
		t.Fatalf("dials=%d, expected one socket per account", got)
	}

	stats := h.mgr.Stats()
	if stats.Connections != 2 || stats.ByBroker["tradovate"] != 2 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestSharedBrokerReusesSocketAcrossAccounts(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.mgr.Connect(context.Background(), "topstepx", "a1", Options{Environment: "demo"}); err != nil {
		t.Fatalf("Connect a1: %v", err)
	}
	if err := h.mgr.Connect(context.Background(), "topstepx", "a2", Options{Environment: "demo"}); err != nil {
		t.Fatalf("Connect a2: %v", err)
	}

	if got := h.dialCount(); got != 1 {
		t.Fatalf("dials=%d, expected shared socket reuse", got)
	}

	// Both accounts are registered, one underlying socket.
	stats := h.mgr.Stats()
	if stats.Connections != 2 || stats.SharedSockets != 1 {
		t.Fatalf("stats=%+v", stats)
	}

	// First disconnect keeps the shared socket alive for the other account.
	if err := h.mgr.Disconnect("topstepx", "a1"); err != nil {
		t.Fatalf("Disconnect a1: %v", err)
	}
	if state, ok := h.mgr.ConnectionState("topstepx", "a2"); !ok || state != connection.StateReady {
		t.Fatalf("a2 state=(%v,%v) after a1 disconnect", state, ok)
	}

	// Last account out closes the socket.
	if err := h.mgr.Disconnect("topstepx", "a2"); err != nil {
		t.Fatalf("Disconnect a2: %v", err)
	}
	select {
	case <-h.sock(0).closed:
	case <-time.After(time.Second):
		t.Fatalf("shared socket not closed after last account disconnected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.mgr.Connect(context.Background(), "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.mgr.Disconnect("tradovate", "123"); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := h.mgr.Disconnect("tradovate", "123"); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, ok := h.mgr.ConnectionState("tradovate", "123"); ok {
		t.Fatalf("connection still registered after disconnect")
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	h := newHarness(t, nil)

	err := h.mgr.SendMessage(context.Background(), "tradovate", "999", protocol.PingMsg(), CategoryDefault)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, expected ErrNotConnected", err)
	}
}

func TestSendMessageDelaysInsteadOfDropping(t *testing.T) {
	cfg := testManagerConfig()
	// Two messages per 100ms window: the third send must wait, not fail.
	cfg.RateWindow = 100 * time.Millisecond
	cfg.RateOrders = 2
	h := newHarness(t, cfg)

	if err := h.mgr.Connect(context.Background(), "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := h.mgr.SendMessage(context.Background(), "tradovate", "123", protocol.PingMsg(), CategoryOrders); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("three sends finished in %v, expected the limiter to delay the burst", elapsed)
	}

	// Every message made it onto the wire.
	if got := countType(h.sock(0).sentTypes(), "ping"); got != 3 {
		t.Fatalf("pings on wire=%d, expected 3 (backpressure must not drop)", got)
	}
}

func TestSubscribeForwardsUpstreamOncePerSymbol(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.mgr.Connect(ctx, "tradovate", "a1", Options{}); err != nil {
		t.Fatalf("Connect a1: %v", err)
	}
	if err := h.mgr.Connect(ctx, "tradovate", "a2", Options{}); err != nil {
		t.Fatalf("Connect a2: %v", err)
	}

	if err := h.mgr.Subscribe(ctx, "tradovate", "a1", "MNQ", "quote"); err != nil {
		t.Fatalf("Subscribe a1: %v", err)
	}
	if err := h.mgr.Subscribe(ctx, "tradovate", "a2", "MNQ", "quote"); err != nil {
		t.Fatalf("Subscribe a2: %v", err)
	}

	upstream := countType(h.sock(0).sentTypes(), "subscribe") + countType(h.sock(1).sentTypes(), "subscribe")
	if upstream != 1 {
		t.Fatalf("upstream subscribes=%d, expected interest tracking to forward once", upstream)
	}

	// Dropping one interested party forwards nothing; dropping the last does.
	if err := h.mgr.Unsubscribe(ctx, "tradovate", "a1", "MNQ", "quote"); err != nil {
		t.Fatalf("Unsubscribe a1: %v", err)
	}
	if got := countType(h.sock(0).sentTypes(), "unsubscribe") + countType(h.sock(1).sentTypes(), "unsubscribe"); got != 0 {
		t.Fatalf("unsubscribes=%d after first removal, expected 0", got)
	}
	if err := h.mgr.Unsubscribe(ctx, "tradovate", "a2", "MNQ", "quote"); err != nil {
		t.Fatalf("Unsubscribe a2: %v", err)
	}
	if got := countType(h.sock(0).sentTypes(), "unsubscribe") + countType(h.sock(1).sentTypes(), "unsubscribe"); got != 1 {
		t.Fatalf("unsubscribes=%d after last removal, expected 1", got)
	}
}

func TestSubscribeReplaysCachedQuote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.mgr.Connect(ctx, "tradovate", "a1", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stream, unsub := h.bus.SubscribeAll(16)
	defer unsub()

	// Seed the cache the way a live frame would.
	h.mgr.cache.Set(cache.MarketData, "MNQ", model.MarketData{Symbol: "MNQ", Last: 100.25})

	if err := h.mgr.Subscribe(ctx, "tradovate", "a1", "MNQ", "quote"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case env := <-stream:
			if env.Topic != events.EventMarketData {
				continue
			}
			md := env.Payload.(model.MarketData)
			if md.Symbol != "MNQ" || md.Last != 100.25 {
				t.Fatalf("replayed quote %+v", md)
			}
			return
		case <-deadline:
			t.Fatalf("cached quote was not replayed to the new subscriber")
		}
	}
}

func TestDispatchMarketDataUpdatesCacheAndBus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.mgr.Connect(ctx, "tradovate", "a1", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stream, unsub := h.bus.Subscribe(events.EventMarketData, 16)
	defer unsub()

	h.sock(0).feed(map[string]any{
		"type": "market_data", "symbol": "MNQ", "bid": 99.5, "ask": 100.5, "last": 100,
	})

	select {
	case env := <-stream:
		md := env.Payload.(model.MarketData)
		if md.Symbol != "MNQ" || md.Bid != 99.5 || md.Last != 100 {
			t.Fatalf("published %+v", md)
		}
	case <-time.After(time.Second):
		t.Fatalf("market data frame not republished")
	}

	if md, ok := h.mgr.GetMarketData("MNQ"); !ok || md.Last != 100 {
		t.Fatalf("cache: (%+v,%v)", md, ok)
	}
}

func TestDispatchUserDataPopulatesTrackerAndCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.mgr.Connect(ctx, "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.sock(0).feed(map[string]any{
		"type": "user_data",
		"accounts": []map[string]any{
			{"id": "123", "name": "Main", "balance": 5000},
		},
		"positions": []map[string]any{
			{"id": 55, "symbol": "MNQ", "netPos": 2, "netPrice": 100},
		},
	})

	waitFor(t, time.Second, func() bool {
		return len(h.mgr.GetPositions("tradovate", "123")) == 1
	}, "initial positions applied")

	positions := h.mgr.GetPositions("tradovate", "123")
	p := positions[0]
	if p.PositionID != "55" || p.Side != model.SideLong || p.Quantity != 2 || p.AvgPrice != 100 {
		t.Fatalf("position %+v", p)
	}

	if acct, ok := h.mgr.GetAccountData("123"); !ok || acct.Balance != 5000 || acct.BrokerID != "tradovate" {
		t.Fatalf("account: (%+v,%v)", acct, ok)
	}
}

func TestDispatchPositionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.mgr.Connect(ctx, "tradovate", "123", Options{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sock := h.sock(0)
	sock.feed(map[string]any{"type": "user_data", "positions": []map[string]any{}})

	sock.feed(map[string]any{
		"type":     "position_opened",
		"position": map[string]any{"id": 55, "symbol": "MNQ", "netPos": 2, "netPrice": 100},
	})
	waitFor(t, time.Second, func() bool {
		return len(h.mgr.GetPositions("tradovate", "123")) == 1
	}, "position opened")

	sock.feed(map[string]any{
		"type":     "position_closed",
		"position": map[string]any{"id": 55, "symbol": "MNQ", "netPos": 0},
	})
	waitFor(t, time.Second, func() bool {
		return len(h.mgr.GetPositions("tradovate", "123")) == 0
	}, "position closed")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.mgr.Stop()
	h.mgr.Stop()

	if err := h.mgr.Connect(context.Background(), "tradovate", "123", Options{}); err == nil {
		t.Fatalf("Connect after Stop should fail")
	}
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

// Package manager owns every connection: creation and teardown, deduplication
// of concurrent connect requests, the shared-connection pool, outbound rate
// limiting, the layered read cache with its persistence cycle, and the fan-out
// of inbound data onto the event bus and the reconciliation trackers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sync-core/internal/cache"
	"sync-core/internal/connection"
	"sync-core/internal/events"
	"sync-core/internal/model"
	"sync-core/internal/monitor"
	"sync-core/internal/orders"
	"sync-core/internal/positions"
	"sync-core/internal/protocol"
	"sync-core/pkg/config"
	"sync-core/pkg/creds"
	"sync-core/pkg/db"
)

// ErrNotConnected is returned when a send targets an unknown connection.
var ErrNotConnected = errors.New("no connection for broker/account")

type connKey struct {
	brokerID  string
	accountID string
}

type sharedKey struct {
	brokerID    string
	environment string
}

// entry is one registered connection. Several connKeys may alias the same
// entry when the shared-connection optimization applies.
type entry struct {
	conn *connection.Conn
	done chan struct{} // closed once the initial connect settles
	err  error

	shared    bool
	sharedKey sharedKey
	accounts  map[string]struct{} // accountIDs referencing this socket
}

// Options tunes one connect request.
type Options struct {
	Environment string
}

// Manager is the connection registry. Construct with New, start with Start,
// tear down with Stop; it holds no global state.
type Manager struct {
	cfg      *config.Config
	bus      *events.Bus
	cache    *cache.Layered
	store    *db.Store
	creds    creds.Provider
	deviceID string
	logger   *slog.Logger

	limits  *limiterSet
	subs    *router
	orders  *orders.Tracker
	metrics *monitor.SystemMetrics

	// dialer overrides the websocket dialer; nil uses the default. Tests
	// inject fakes here.
	dialer connection.Dialer

	mu       sync.Mutex
	conns    map[connKey]*entry
	shared   map[sharedKey]connKey
	trackers map[connKey]*positions.Tracker
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New wires the manager. deviceID may be empty when machine identification
// is unavailable.
func New(cfg *config.Config, bus *events.Bus, c *cache.Layered, store *db.Store, provider creds.Provider, deviceID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		cache:    c,
		store:    store,
		creds:    provider,
		deviceID: deviceID,
		logger:   logger,
		limits:   newLimiterSet(cfg.RateWindow, cfg.RateDefault, cfg.RateMarketData, cfg.RateOrders),
		subs:     newRouter(),
		metrics:  monitor.NewSystemMetrics(),
		conns:    make(map[connKey]*entry),
		shared:   make(map[sharedKey]connKey),
		trackers: make(map[connKey]*positions.Tracker),
		stopCh:   make(chan struct{}),
	}
	m.orders = orders.NewTracker(orders.DefaultConfig(), m.sendForOrders, bus, c, logger)
	return m
}

// Start rehydrates the cache from the store and begins the persistence loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		rows, err := m.store.LoadCache(ctx)
		if err != nil {
			return fmt.Errorf("rehydrate cache: %w", err)
		}
		persisted := make([]cache.PersistedEntry, 0, len(rows))
		for _, r := range rows {
			persisted = append(persisted, cache.PersistedEntry{
				Category:  cache.Category(r.Category),
				Key:       r.Key,
				Value:     r.Value,
				UpdatedAt: r.UpdatedAt,
			})
		}
		if err := m.cache.Restore(persisted); err != nil {
			m.logger.Warn("cache restore failed, starting cold", "err", err)
		} else {
			m.logger.Info("cache rehydrated", "entries", m.cache.Len())
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CachePersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.persistCache()
			}
		}
	}()
	return nil
}

// Stop persists the cache one last time and closes every connection. Safe to
// call once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.DisconnectAll()
	m.persistCache()
}

// Connect establishes (or joins) the connection for a broker/account pair.
// Concurrent calls for the same pair share one handshake and observe the
// same resolution.
func (m *Manager) Connect(ctx context.Context, brokerID, accountID string, opts Options) error {
	if m.cfg.SharedFor(brokerID) && opts.Environment != "" {
		return m.ConnectShared(ctx, brokerID, opts.Environment, accountID)
	}
	return m.connect(ctx, brokerID, accountID, opts.Environment, false)
}

// ConnectShared reuses a healthy socket for (broker, environment) across
// accounts, falling back to a fresh connection when none exists.
func (m *Manager) ConnectShared(ctx context.Context, brokerID, environment, accountID string) error {
	sk := sharedKey{brokerID: brokerID, environment: environment}
	ck := connKey{brokerID: brokerID, accountID: accountID}

	m.mu.Lock()
	if owner, ok := m.shared[sk]; ok {
		if e, live := m.conns[owner]; live && !settledUnhealthy(e) {
			e.accounts[accountID] = struct{}{}
			m.conns[ck] = e
			m.ensureTrackerLocked(ck)
			m.mu.Unlock()
			return m.await(ctx, e)
		}
		// Settled and unusable; rebuild below.
		delete(m.shared, sk)
	}
	m.mu.Unlock()

	return m.connect(ctx, brokerID, accountID, environment, true)
}

func (m *Manager) connect(ctx context.Context, brokerID, accountID, environment string, shared bool) error {
	ck := connKey{brokerID: brokerID, accountID: accountID}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("manager is stopped")
	}
	if e, ok := m.conns[ck]; ok {
		m.mu.Unlock()
		return m.await(ctx, e)
	}
	if shared {
		// Double-checked: another account may have registered the shared
		// socket between ConnectShared's lookup and this lock.
		sk := sharedKey{brokerID: brokerID, environment: environment}
		if owner, ok := m.shared[sk]; ok {
			if e, live := m.conns[owner]; live && !settledUnhealthy(e) {
				e.accounts[accountID] = struct{}{}
				m.conns[ck] = e
				m.ensureTrackerLocked(ck)
				m.mu.Unlock()
				return m.await(ctx, e)
			}
			delete(m.shared, sk)
		}
	}

	urlStr, err := m.cfg.EndpointFor(brokerID, environment)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	e := &entry{
		done:     make(chan struct{}),
		shared:   shared,
		accounts: map[string]struct{}{accountID: {}},
	}
	if shared {
		e.sharedKey = sharedKey{brokerID: brokerID, environment: environment}
		m.shared[e.sharedKey] = ck
	}

	sessionKey := brokerID + ":" + accountID
	if shared {
		sessionKey = brokerID + ":" + environment
	}
	// A plain m.store here would wrap a nil pointer in a non-nil interface
	// and defeat the connection's nil check.
	var sessions connection.SessionStore
	if m.store != nil {
		sessions = m.store
	}
	e.conn = connection.New(connection.Config{
		BrokerID:          brokerID,
		AccountID:         accountID,
		Environment:       environment,
		URL:               urlStr,
		SessionKey:        sessionKey,
		Credentials:       m.creds,
		DeviceID:          m.deviceID,
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		PongWait:          m.cfg.PongWait,
		ReconnectBase:     m.cfg.ReconnectBase,
		ReconnectCap:      m.cfg.ReconnectCap,
		MaxReconnects:     m.cfg.MaxReconnects,
		Dialer:            m.dialer,
	}, sessions, m.logger,
		func(env protocol.Envelope) { m.dispatch(brokerID, accountID, env) },
		func(s connection.State, err error) { m.publishState(brokerID, accountID, s, err) },
	)
	m.conns[ck] = e
	m.ensureTrackerLocked(ck)
	m.mu.Unlock()

	timer := monitor.NewTimer(m.metrics.HandshakeLatency)
	connErr := e.conn.Connect(ctx)
	timer.Stop()
	if connErr != nil {
		m.metrics.IncrementErrors()
	}

	m.mu.Lock()
	e.err = connErr
	close(e.done)
	if connErr != nil {
		m.removeEntryLocked(ck, e)
	}
	m.mu.Unlock()
	return connErr
}

// await joins an in-flight or settled connect.
func (m *Manager) await(ctx context.Context, e *entry) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the logical connection for one account. A socket shared
// by several accounts stays open until its last account disconnects.
func (m *Manager) Disconnect(brokerID, accountID string) error {
	ck := connKey{brokerID: brokerID, accountID: accountID}

	m.mu.Lock()
	e, ok := m.conns[ck]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, ck)
	if t, has := m.trackers[ck]; has {
		t.Stop()
		delete(m.trackers, ck)
	}
	closeSocket := true
	if e.shared {
		delete(e.accounts, accountID)
		if len(e.accounts) > 0 {
			closeSocket = false
		} else {
			delete(m.shared, e.sharedKey)
		}
	}
	m.mu.Unlock()

	orphans := m.subs.dropConn(ck)
	if closeSocket {
		// The socket is going away; the gateway drops its subscriptions with it.
		return e.conn.Disconnect()
	}
	for _, orphan := range orphans {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.limits.wait(ctx, CategoryMarketData); err == nil {
			_ = e.conn.Send(protocol.UnsubscribeMsg(orphan.symbol, orphan.subType))
		}
		cancel()
	}
	return nil
}

// DisconnectAll tears down every connection; each underlying socket is
// closed exactly once.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	seen := make(map[*entry]struct{})
	var toClose []*entry
	for ck, e := range m.conns {
		if t, has := m.trackers[ck]; has {
			t.Stop()
		}
		if _, dup := seen[e]; !dup {
			seen[e] = struct{}{}
			toClose = append(toClose, e)
		}
	}
	m.conns = make(map[connKey]*entry)
	m.trackers = make(map[connKey]*positions.Tracker)
	m.shared = make(map[sharedKey]connKey)
	m.mu.Unlock()

	for _, e := range toClose {
		_ = e.conn.Disconnect()
	}
}

// SendMessage rate-limits by category, then delegates to the connection.
// Backpressure delays the caller; it never drops or fails the message.
func (m *Manager) SendMessage(ctx context.Context, brokerID, accountID string, msg any, cat Category) error {
	if err := m.limits.wait(ctx, cat); err != nil {
		return err
	}
	m.mu.Lock()
	e, ok := m.conns[connKey{brokerID: brokerID, accountID: accountID}]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	if err := e.conn.Send(msg); err != nil {
		return err
	}
	m.metrics.IncrementSent()
	return nil
}

// Subscribe registers interest in a symbol. The upstream subscribe is sent
// only for the first interested connection; any cached quote is republished
// immediately so the new subscriber does not wait for the next tick.
func (m *Manager) Subscribe(ctx context.Context, brokerID, accountID, symbol, subType string) error {
	ck := connKey{brokerID: brokerID, accountID: accountID}
	first := m.subs.add(symbol, subType, ck)

	if v, ok := m.cache.Get(cache.MarketData, symbol); ok {
		if md, isMD := v.(model.MarketData); isMD {
			m.bus.Publish(events.EventMarketData, md)
		}
	}
	if !first {
		return nil
	}
	if err := m.SendMessage(ctx, brokerID, accountID, protocol.SubscribeMsg(symbol, subType), CategoryMarketData); err != nil {
		m.subs.remove(symbol, subType, ck)
		return err
	}
	return nil
}

// Unsubscribe removes interest, forwarding the upstream unsubscribe only
// once no connection remains interested.
func (m *Manager) Unsubscribe(ctx context.Context, brokerID, accountID, symbol, subType string) error {
	ck := connKey{brokerID: brokerID, accountID: accountID}
	if !m.subs.remove(symbol, subType, ck) {
		return nil
	}
	return m.SendMessage(ctx, brokerID, accountID, protocol.UnsubscribeMsg(symbol, subType), CategoryMarketData)
}

// PlaceOrder submits an order through the orders category limiter and waits
// for the gateway acknowledgment.
func (m *Manager) PlaceOrder(ctx context.Context, brokerID, accountID string, orderData map[string]any) (model.Order, error) {
	return m.orders.PlaceOrder(ctx, brokerID, accountID, orderData)
}

// CancelOrder requests a cancellation and waits for the terminal update.
func (m *Manager) CancelOrder(ctx context.Context, brokerID, accountID, orderID string) (model.Order, error) {
	return m.orders.CancelOrder(ctx, brokerID, accountID, orderID)
}

// ConnectionState reports the lifecycle state for one account's connection.
func (m *Manager) ConnectionState(brokerID, accountID string) (connection.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[connKey{brokerID: brokerID, accountID: accountID}]
	if !ok {
		return connection.StateDisconnected, false
	}
	return e.conn.State(), true
}

// --- query accessors (live reads; TTL only governs persistence) ---

// GetPositions returns the active set for an account.
func (m *Manager) GetPositions(brokerID, accountID string) []model.Position {
	m.mu.Lock()
	t, ok := m.trackers[connKey{brokerID: brokerID, accountID: accountID}]
	m.mu.Unlock()
	if ok {
		return t.Active()
	}
	// No live tracker (e.g. before connect); fall back to the rehydrated cache.
	var out []model.Position
	for key, v := range m.cache.All(cache.Positions) {
		if !strings.HasPrefix(key, brokerID+"/"+accountID+"/") {
			continue
		}
		if p, isPos := v.(model.Position); isPos {
			out = append(out, p)
		}
	}
	return out
}

// GetMarketData returns the cached quote for a symbol.
func (m *Manager) GetMarketData(symbol string) (model.MarketData, bool) {
	v, ok := m.cache.Get(cache.MarketData, symbol)
	if !ok {
		return model.MarketData{}, false
	}
	md, isMD := v.(model.MarketData)
	return md, isMD
}

// GetAccountData returns the cached snapshot for an account.
func (m *Manager) GetAccountData(accountID string) (model.AccountSnapshot, bool) {
	v, ok := m.cache.Get(cache.Accounts, accountID)
	if !ok {
		return model.AccountSnapshot{}, false
	}
	a, isAcct := v.(model.AccountSnapshot)
	return a, isAcct
}

// GetOrders returns the cached orders for an account.
func (m *Manager) GetOrders(accountID string) []model.Order {
	var out []model.Order
	for key, v := range m.cache.All(cache.Orders) {
		if !strings.HasPrefix(key, accountID+"/") {
			continue
		}
		if o, isOrd := v.(model.Order); isOrd {
			out = append(out, o)
		}
	}
	return out
}

// Stats describes the registry for monitoring.
type Stats struct {
	Connections   int            `json:"connections"`
	SharedSockets int            `json:"shared_sockets"`
	Unhealthy     int            `json:"unhealthy"`
	ByBroker      map[string]int `json:"by_broker"`
	CacheEntries  int            `json:"cache_entries"`
}

// Snapshot of current registry statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Connections:   len(m.conns),
		SharedSockets: len(m.shared),
		ByBroker:      make(map[string]int),
	}
	seen := make(map[*entry]struct{})
	for ck, e := range m.conns {
		s.ByBroker[ck.brokerID]++
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		if unhealthy(e.conn.State()) {
			s.Unhealthy++
		}
	}
	s.CacheEntries = m.cache.Len()
	return s
}

// --- internals ---

func unhealthy(s connection.State) bool {
	return s == connection.StateError || s == connection.StateDisconnected
}

// settledUnhealthy reports whether an entry's initial connect has resolved
// and left the socket unusable. An in-flight handshake reports DISCONNECTED
// until the dial returns, so it must be joined, not rebuilt.
func settledUnhealthy(e *entry) bool {
	select {
	case <-e.done:
	default:
		return false
	}
	return e.err != nil || unhealthy(e.conn.State())
}

// removeEntryLocked purges a failed entry, including any aliases other
// accounts registered against it while the handshake was in flight.
func (m *Manager) removeEntryLocked(ck connKey, e *entry) {
	for k, other := range m.conns {
		if other != e {
			continue
		}
		delete(m.conns, k)
		if t, ok := m.trackers[k]; ok {
			t.Stop()
			delete(m.trackers, k)
		}
	}
	if t, ok := m.trackers[ck]; ok {
		t.Stop()
		delete(m.trackers, ck)
	}
	if e.shared {
		delete(m.shared, e.sharedKey)
	}
}

// ensureTrackerLocked creates the reconciliation tracker for an account.
func (m *Manager) ensureTrackerLocked(ck connKey) {
	if _, ok := m.trackers[ck]; ok {
		return
	}
	refresh := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.SendMessage(ctx, ck.brokerID, ck.accountID, protocol.GetPositionsMsg(ck.accountID), CategoryDefault)
	}
	ready := func() bool {
		st, ok := m.ConnectionState(ck.brokerID, ck.accountID)
		return ok && st == connection.StateReady
	}
	t := positions.NewTracker(ck.brokerID, ck.accountID, positions.DefaultConfig(), m.bus, m.cache, refresh, ready, m.logger)
	t.Start()
	m.trackers[ck] = t
}

func (m *Manager) trackerFor(brokerID, accountID string) *positions.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[connKey{brokerID: brokerID, accountID: accountID}]
}

func (m *Manager) sendForOrders(ctx context.Context, brokerID, accountID string, msg any) error {
	return m.SendMessage(ctx, brokerID, accountID, msg, CategoryOrders)
}

// Metrics exposes the runtime counters for the status endpoints.
func (m *Manager) Metrics() *monitor.SystemMetrics {
	return m.metrics
}

func (m *Manager) publishState(brokerID, accountID string, s connection.State, err error) {
	switch s {
	case connection.StateReconnecting:
		m.metrics.IncrementReconnects()
	case connection.StateError:
		m.metrics.IncrementErrors()
	}
	m.bus.Publish(events.EventConnectionState, events.ConnectionStatePayload{
		BrokerID:  brokerID,
		AccountID: accountID,
		State:     s.String(),
		Err:       err,
	})
	if s == connection.StateError && err != nil {
		m.bus.Publish(events.EventConnectionError, events.ConnectionStatePayload{
			BrokerID:  brokerID,
			AccountID: accountID,
			State:     s.String(),
			Err:       err,
		})
	}
}

func (m *Manager) persistCache() {
	if m.store == nil {
		return
	}
	persisted, err := m.cache.Snapshot()
	if err != nil {
		m.logger.Warn("cache snapshot failed", "err", err)
		return
	}
	rows := make([]db.CacheRow, 0, len(persisted))
	for _, p := range persisted {
		rows = append(rows, db.CacheRow{
			Category:  string(p.Category),
			Key:       p.Key,
			Value:     p.Value,
			UpdatedAt: p.UpdatedAt,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.ReplaceCache(ctx, rows); err != nil {
		m.logger.Warn("cache persistence failed", "err", err)
		return
	}
	m.logger.Debug("cache persisted", "entries", len(rows))
}

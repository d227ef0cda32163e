// Package positions is the reconciliation layer: it folds heterogeneous
// position events into one working set per account, throttles high-frequency
// update classes, retains closed positions for a short grace window and keeps
// the aggregate unrealized PnL current.
package positions

import (
	"log/slog"
	"sync"
	"time"

	"sync-core/internal/cache"
	"sync-core/internal/events"
	"sync-core/internal/model"
)

// Config tunes the reconciliation behavior for one account.
type Config struct {
	GraceWindow    time.Duration // closed-position retention for exit transitions
	PriceThrottle  time.Duration // coalescing delay for price updates
	PnLThrottle    time.Duration // coalescing delay for pnl updates
	StaleAfter     time.Duration // no successful update for this long => unhealthy
	HealthInterval time.Duration // watchdog cadence
	RefreshTimeout time.Duration // snapshot request correlation window
	RefreshRetries int           // recovery attempts before a hard error
	RefreshBackoff time.Duration // base delay between recovery attempts
}

// DefaultConfig returns the stock reconciliation tuning.
func DefaultConfig() Config {
	return Config{
		GraceWindow:    5 * time.Second,
		PriceThrottle:  250 * time.Millisecond,
		PnLThrottle:    500 * time.Millisecond,
		StaleAfter:     30 * time.Second,
		HealthInterval: 5 * time.Second,
		RefreshTimeout: 10 * time.Second,
		RefreshRetries: 3,
		RefreshBackoff: 2 * time.Second,
	}
}

// Refresher requests a fresh snapshot from the gateway.
type Refresher func() error

// ReadyCheck reports whether the underlying connection is READY.
type ReadyCheck func() bool

// Tracker reconciles one account's positions.
type Tracker struct {
	brokerID  string
	accountID string
	cfg       Config
	bus       *events.Bus
	cache     *cache.Layered
	refresh   Refresher
	ready     ReadyCheck
	logger    *slog.Logger

	mu          sync.Mutex
	working     map[string]model.Position // includes grace-window entries
	loading     bool                      // a load is in flight: snapshots merge
	lastUpdate  time.Time
	degraded    bool
	refreshing  bool
	snapshotCh  chan struct{} // signalled when a snapshot lands
	throttles   map[throttleKey]*pendingUpdate
	graceTimers map[string]*time.Timer
	stop        chan struct{}
	stopped     bool
}

// NewTracker creates the reconciliation state for one account. The first
// snapshot (user_data or position_snapshot) completes the initial load.
func NewTracker(brokerID, accountID string, cfg Config, bus *events.Bus, c *cache.Layered, refresh Refresher, ready ReadyCheck, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		brokerID:    brokerID,
		accountID:   accountID,
		cfg:         cfg,
		bus:         bus,
		cache:       c,
		refresh:     refresh,
		ready:       ready,
		logger:      logger.With("broker", brokerID, "account", accountID),
		working:     make(map[string]model.Position),
		loading:     true,
		lastUpdate:  time.Now(),
		throttles:   make(map[throttleKey]*pendingUpdate),
		graceTimers: make(map[string]*time.Timer),
		stop:        make(chan struct{}),
	}
}

// Start launches the health watchdog.
func (t *Tracker) Start() {
	go t.watchdog()
}

// Stop cancels every timer class owned by the tracker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
	for _, timer := range t.graceTimers {
		timer.Stop()
	}
	t.graceTimers = make(map[string]*time.Timer)
	for _, p := range t.throttles {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.throttles = make(map[throttleKey]*pendingUpdate)
}

// Active returns the positions currently open (grace-window entries excluded).
func (t *Tracker) Active() []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Position, 0, len(t.working))
	for _, p := range t.working {
		if !p.Closed {
			out = append(out, p)
		}
	}
	return out
}

// UnrealizedPnL returns the aggregate over the active set.
func (t *Tracker) UnrealizedPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateLocked()
}

// Degraded reports whether the layer is currently unhealthy.
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// ApplySnapshot replaces the working set, or merges into it while a load is
// in flight so the UI never flickers empty. Positions missing from a fresh
// snapshot are dropped immediately, no grace window.
func (t *Tracker) ApplySnapshot(ps []model.Position) {
	defer t.recoverHandler("snapshot")

	t.mu.Lock()
	merge := t.loading
	seen := make(map[string]bool, len(ps))
	var updates []model.Position
	for _, p := range ps {
		key := p.Key()
		if key == "" {
			continue
		}
		if p.Quantity == 0 {
			// A zero-quantity row in a snapshot is a close.
			t.removeLocked(key, false)
			continue
		}
		if prev, ok := t.working[key]; ok {
			t.cancelGraceLocked(key)
			p.Closed = false
			if !p.HasPnL && prev.HasPnL {
				// Fresh snapshots sometimes omit PnL; keep the cached value
				// rather than blanking the column.
				p.UnrealizedPnL = prev.UnrealizedPnL
				p.HasPnL = true
			}
		}
		t.working[key] = p
		t.cacheSetLocked(key, p)
		seen[key] = true
		updates = append(updates, p)
	}
	if !merge {
		for key, p := range t.working {
			if !seen[key] && !p.Closed {
				t.removeLocked(key, false)
			}
		}
	}
	t.loading = false
	t.markUpdateLocked()
	if t.snapshotCh != nil {
		close(t.snapshotCh)
		t.snapshotCh = nil
	}
	agg := t.aggregateLocked()
	count := t.activeCountLocked()
	t.mu.Unlock()

	for _, p := range updates {
		t.publish(events.PositionSnapshot, p)
	}
	t.publishPnL(agg, count)
}

// ApplyOpened inserts a freshly opened position flagged for "new" treatment.
func (t *Tracker) ApplyOpened(p model.Position) {
	defer t.recoverHandler("opened")

	key := p.Key()
	if key == "" {
		return
	}
	p.New = true
	t.mu.Lock()
	t.cancelGraceLocked(key)
	t.working[key] = p
	t.cacheSetLocked(key, p)
	t.markUpdateLocked()
	agg := t.aggregateLocked()
	count := t.activeCountLocked()
	t.mu.Unlock()

	t.publish(events.PositionOpened, p)
	t.publishPnL(agg, count)
}

// ApplyClosed removes the position from the active set immediately and
// retains it with a closed flag for the grace window.
func (t *Tracker) ApplyClosed(p model.Position) {
	defer t.recoverHandler("closed")

	key := p.Key()
	if key == "" {
		return
	}
	t.mu.Lock()
	cur, ok := t.working[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	cur.Closed = true
	cur.ClosedAt = time.Now()
	cur.New = false
	t.working[key] = cur
	t.cache.Delete(cache.Positions, t.cacheKey(key))
	t.scheduleGraceLocked(key)
	t.markUpdateLocked()
	agg := t.aggregateLocked()
	count := t.activeCountLocked()
	t.mu.Unlock()

	t.publish(events.PositionClosed, cur)
	t.publishPnL(agg, count)
}

// ApplyModified merges an updated position; a resulting zero quantity is
// treated as a close.
func (t *Tracker) ApplyModified(p model.Position) {
	defer t.recoverHandler("modified")

	key := p.Key()
	if key == "" {
		return
	}
	if p.Quantity == 0 {
		t.ApplyClosed(p)
		return
	}
	t.mu.Lock()
	if prev, ok := t.working[key]; ok && !p.HasPnL && prev.HasPnL {
		p.UnrealizedPnL = prev.UnrealizedPnL
		p.HasPnL = true
	}
	t.cancelGraceLocked(key)
	t.working[key] = p
	t.cacheSetLocked(key, p)
	t.markUpdateLocked()
	agg := t.aggregateLocked()
	count := t.activeCountLocked()
	t.mu.Unlock()

	t.publish(events.PositionModified, p)
	t.publishPnL(agg, count)
}

// ApplyPrice records a price tick for one position, throttled per position.
func (t *Tracker) ApplyPrice(key string, price float64) {
	defer t.recoverHandler("price")
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throttleLocked(throttleKey{key: key, class: classPrice}, t.cfg.PriceThrottle, price)
}

// ApplyPnL records an unrealized PnL tick for one position, throttled per
// position independently of price updates.
func (t *Tracker) ApplyPnL(key string, pnl float64) {
	defer t.recoverHandler("pnl")
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.throttleLocked(throttleKey{key: key, class: classPnL}, t.cfg.PnLThrottle, pnl)
}

// --- internal ---

// cacheKey scopes cache entries by broker as well as account, since the
// same account identifier can exist under two brokers.
func (t *Tracker) cacheKey(key string) string {
	return t.brokerID + "/" + t.accountID + "/" + key
}

func (t *Tracker) cacheSetLocked(key string, p model.Position) {
	t.cache.Set(cache.Positions, t.cacheKey(key), p)
}

// removeLocked drops a position with no grace window.
func (t *Tracker) removeLocked(key string, keepCache bool) {
	t.cancelGraceLocked(key)
	delete(t.working, key)
	if !keepCache {
		t.cache.Delete(cache.Positions, t.cacheKey(key))
	}
}

func (t *Tracker) scheduleGraceLocked(key string) {
	t.cancelGraceLocked(key)
	if t.stopped {
		return
	}
	t.graceTimers[key] = time.AfterFunc(t.cfg.GraceWindow, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.graceTimers, key)
		if p, ok := t.working[key]; ok && p.Closed {
			delete(t.working, key)
		}
	})
}

func (t *Tracker) cancelGraceLocked(key string) {
	if timer, ok := t.graceTimers[key]; ok {
		timer.Stop()
		delete(t.graceTimers, key)
	}
}

func (t *Tracker) markUpdateLocked() {
	t.lastUpdate = time.Now()
}

func (t *Tracker) aggregateLocked() float64 {
	var sum float64
	for _, p := range t.working {
		if !p.Closed {
			sum += p.UnrealizedPnL
		}
	}
	return sum
}

func (t *Tracker) activeCountLocked() int {
	n := 0
	for _, p := range t.working {
		if !p.Closed {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(kind events.PositionUpdateKind, p model.Position) {
	t.bus.Publish(events.EventPositionUpdate, events.PositionUpdatePayload{
		AccountID: t.accountID,
		Kind:      kind,
		Position:  p,
	})
}

func (t *Tracker) publishPnL(agg float64, count int) {
	t.bus.Publish(events.EventPositionsPnL, events.PositionsPnLPayload{
		AccountID:     t.accountID,
		UnrealizedPnL: agg,
		OpenCount:     count,
	})
}

// recoverHandler keeps one malformed message from halting the stream; the
// tracker flips to degraded instead.
func (t *Tracker) recoverHandler(handler string) {
	if r := recover(); r != nil {
		t.logger.Error("position handler failed", "handler", handler, "panic", r)
		t.setDegraded(true, "handler "+handler+" failed")
	}
}

func (t *Tracker) setDegraded(d bool, reason string) {
	t.mu.Lock()
	changed := t.degraded != d
	t.degraded = d
	t.mu.Unlock()
	if changed {
		t.bus.Publish(events.EventSyncDegraded, events.DegradedPayload{
			AccountID: t.accountID,
			Degraded:  d,
			Reason:    reason,
		})
	}
}

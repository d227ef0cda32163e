package positions

import (
	"time"

	"sync-core/internal/cache"
	"sync-core/internal/events"
)

const (
	classPrice = "price"
	classPnL   = "pnl"
)

// throttleKey scopes coalescing per position and per update class, so price
// bursts never starve pnl updates or the other way around.
type throttleKey struct {
	key   string
	class string
}

type pendingUpdate struct {
	val   float64
	has   bool
	timer *time.Timer
}

// throttleLocked applies the first value of a burst immediately and
// collapses everything inside the window to the latest value, which is
// applied when the window closes. Callers hold t.mu.
func (t *Tracker) throttleLocked(tk throttleKey, delay time.Duration, val float64) {
	if t.stopped {
		return
	}
	p, ok := t.throttles[tk]
	if !ok {
		p = &pendingUpdate{}
		t.throttles[tk] = p
	}
	if p.timer == nil {
		t.applyTickLocked(tk, val)
		p.timer = time.AfterFunc(delay, func() { t.flushThrottle(tk, delay) })
		return
	}
	p.val = val
	p.has = true
}

func (t *Tracker) flushThrottle(tk throttleKey, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.throttles[tk]
	if !ok {
		return
	}
	if !p.has {
		p.timer = nil
		return
	}
	p.has = false
	t.applyTickLocked(tk, p.val)
	p.timer = time.AfterFunc(delay, func() { t.flushThrottle(tk, delay) })
}

// applyTickLocked merges one throttled value into the working set and
// publishes the corresponding update.
func (t *Tracker) applyTickLocked(tk throttleKey, val float64) {
	pos, ok := t.working[tk.key]
	if !ok || pos.Closed {
		return
	}
	var kind events.PositionUpdateKind
	switch tk.class {
	case classPrice:
		pos.MarkPrice = val
		kind = events.PositionPrice
	case classPnL:
		pos.UnrealizedPnL = val
		pos.HasPnL = true
		kind = events.PositionPnL
	default:
		return
	}
	pos.UpdatedAt = time.Now()
	t.working[tk.key] = pos
	t.cache.Set(cache.Positions, t.cacheKey(tk.key), pos)
	t.markUpdateLocked()

	t.publish(kind, pos)
	if tk.class == classPnL {
		t.publishPnL(t.aggregateLocked(), t.activeCountLocked())
	}
}

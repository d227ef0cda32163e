package positions

import (
	"time"
)

// watchdog requests a fresh snapshot when updates stop arriving while the
// underlying connection still reports READY. Recovery runs on its own
// backoff schedule, independent of socket-level reconnection.
func (t *Tracker) watchdog() {
	ticker := time.NewTicker(t.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			stale := time.Since(t.lastUpdate) > t.cfg.StaleAfter
			busy := t.refreshing
			if stale && !busy {
				t.refreshing = true
			}
			t.mu.Unlock()

			if stale && !busy {
				if t.ready != nil && !t.ready() {
					// Socket-level reconnection owns this case.
					t.mu.Lock()
					t.refreshing = false
					t.mu.Unlock()
					continue
				}
				go t.recoverSnapshot()
			}
		}
	}
}

func (t *Tracker) recoverSnapshot() {
	defer func() {
		t.mu.Lock()
		t.refreshing = false
		t.mu.Unlock()
	}()

	t.setDegraded(true, "no position updates within staleness window")

	for attempt := 0; attempt < t.cfg.RefreshRetries; attempt++ {
		ch := make(chan struct{})
		t.mu.Lock()
		t.snapshotCh = ch
		t.loading = true
		t.mu.Unlock()

		if t.refresh != nil {
			if err := t.refresh(); err != nil {
				t.logger.Warn("snapshot request failed", "attempt", attempt+1, "err", err)
			}
		}

		select {
		case <-ch:
			t.setDegraded(false, "snapshot received")
			return
		case <-time.After(t.cfg.RefreshTimeout):
		case <-t.stop:
			return
		}

		delay := t.cfg.RefreshBackoff * (1 << attempt)
		t.logger.Warn("snapshot not received, backing off", "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-t.stop:
			return
		}
	}
	// Stays degraded; the watchdog schedules the next round once the
	// staleness window elapses again.
	t.logger.Error("position refresh exhausted retries", "retries", t.cfg.RefreshRetries)
}

// Package orders issues order commands over the sync layer and correlates
// the gateway's asynchronous responses back to the caller.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sync-core/internal/cache"
	"sync-core/internal/events"
	"sync-core/internal/model"
	"sync-core/internal/protocol"
)

var (
	// ErrRequestTimeout surfaces after the correlation window and every
	// retry elapsed without a gateway response.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrOrderRejected wraps an explicit gateway rejection.
	ErrOrderRejected = errors.New("order rejected")
)

// SendFunc transmits one message on the account's connection; the manager
// provides it with the orders rate limit already applied.
type SendFunc func(ctx context.Context, brokerID, accountID string, msg any) error

// Config tunes correlation timeouts and retries.
type Config struct {
	Timeout time.Duration // per-attempt response window
	Retries int           // attempts before ErrRequestTimeout
	Backoff time.Duration // base delay between attempts
}

// DefaultConfig returns the stock order tracking tuning.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, Retries: 3, Backoff: time.Second}
}

// Tracker routes order commands and settles them against order_update frames.
type Tracker struct {
	cfg    Config
	send   SendFunc
	bus    *events.Bus
	cache  *cache.Layered
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan model.Order // correlation key -> resolution
}

// NewTracker creates an order tracker.
func NewTracker(cfg Config, send SendFunc, bus *events.Bus, c *cache.Layered, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		send:    send,
		bus:     bus,
		cache:   c,
		logger:  logger,
		pending: make(map[string]chan model.Order),
	}
}

// PlaceOrder submits an order and waits for the gateway's first terminal or
// working acknowledgment. Timed-out attempts are retried with backoff under
// the same client order id, then surfaced as ErrRequestTimeout.
func (t *Tracker) PlaceOrder(ctx context.Context, brokerID, accountID string, orderData map[string]any) (model.Order, error) {
	clientID := uuid.NewString()
	orderData["clientOrderId"] = clientID
	orderData["accountId"] = accountID
	msg := protocol.OrderMsg(orderData)

	return t.roundTrip(ctx, clientID, func() error {
		return t.send(ctx, brokerID, accountID, msg)
	})
}

// CancelOrder requests cancellation and waits for the order to reach a
// terminal state.
func (t *Tracker) CancelOrder(ctx context.Context, brokerID, accountID, orderID string) (model.Order, error) {
	msg := protocol.CancelOrderMsg(orderID)
	return t.roundTrip(ctx, cancelKey(orderID), func() error {
		return t.send(ctx, brokerID, accountID, msg)
	})
}

func (t *Tracker) roundTrip(ctx context.Context, key string, transmit func() error) (model.Order, error) {
	for attempt := 0; attempt < t.cfg.Retries; attempt++ {
		ch := t.register(key)
		if err := transmit(); err != nil {
			t.unregister(key)
			return model.Order{}, err
		}

		select {
		case o := <-ch:
			if o.Status == model.OrderStatusRejected {
				return o, fmt.Errorf("%w: %s", ErrOrderRejected, o.Reason)
			}
			return o, nil
		case <-time.After(t.cfg.Timeout):
			t.unregister(key)
		case <-ctx.Done():
			t.unregister(key)
			return model.Order{}, ctx.Err()
		}

		if attempt+1 < t.cfg.Retries {
			delay := t.cfg.Backoff * (1 << attempt)
			t.logger.Warn("order request timed out, retrying", "key", key, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return model.Order{}, ctx.Err()
			}
		}
	}
	return model.Order{}, ErrRequestTimeout
}

// HandleOrderUpdate settles pending requests, refreshes the order cache and
// republishes the update on the bus. clientID is the echoed client order id,
// empty when the gateway omits it.
func (t *Tracker) HandleOrderUpdate(accountID string, o model.Order, clientID string) {
	if o.AccountID == "" {
		o.AccountID = accountID
	}
	if o.ID != "" {
		t.cache.Set(cache.Orders, accountID+"/"+o.ID, o)
	}

	t.mu.Lock()
	var chans []chan model.Order
	if clientID != "" {
		if ch, ok := t.pending[clientID]; ok {
			chans = append(chans, ch)
			delete(t.pending, clientID)
		}
	}
	if o.Status.Terminal() {
		if ch, ok := t.pending[cancelKey(o.ID)]; ok {
			chans = append(chans, ch)
			delete(t.pending, cancelKey(o.ID))
		}
	}
	t.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- o:
		default:
		}
	}
	t.bus.Publish(events.EventOrderUpdate, o)
}

func (t *Tracker) register(key string) chan model.Order {
	ch := make(chan model.Order, 1)
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()
	return ch
}

func (t *Tracker) unregister(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func cancelKey(orderID string) string { return "cancel:" + orderID }

package manager

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Category buckets outbound traffic for rate limiting.
type Category string

const (
	CategoryDefault    Category = "default"
	CategoryMarketData Category = "marketData"
	CategoryOrders     Category = "orders"
)

// limiterSet enforces N messages per rolling window per category. Callers
// are delayed until the window frees up, never dropped.
type limiterSet struct {
	limiters map[Category]*rate.Limiter
}

func newLimiterSet(window time.Duration, defaultN, marketN, ordersN int) *limiterSet {
	mk := func(n int) *rate.Limiter {
		if n <= 0 {
			return rate.NewLimiter(rate.Inf, 0)
		}
		return rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
	}
	return &limiterSet{limiters: map[Category]*rate.Limiter{
		CategoryDefault:    mk(defaultN),
		CategoryMarketData: mk(marketN),
		CategoryOrders:     mk(ordersN),
	}}
}

// wait blocks until the category grants a slot or the context is done.
// Unknown categories fall back to the default bucket.
func (ls *limiterSet) wait(ctx context.Context, cat Category) error {
	l, ok := ls.limiters[cat]
	if !ok {
		l = ls.limiters[CategoryDefault]
	}
	return l.Wait(ctx)
}

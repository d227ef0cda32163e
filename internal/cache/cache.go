// Package cache holds the layered read-side cache. Each category carries its
// own TTL class; expiry decides what survives a persistence cycle, live
// in-memory reads always see the latest value.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sync-core/internal/model"
)

// Category identifies one cache layer.
type Category string

const (
	Positions  Category = "positions"
	MarketData Category = "market_data"
	Accounts   Category = "accounts"
	Orders     Category = "orders"
)

// TTLConfig maps each category to its persistence-eligibility window.
type TTLConfig map[Category]time.Duration

// DefaultTTL returns the stock TTL classes.
func DefaultTTL() TTLConfig {
	return TTLConfig{
		Positions:  5 * time.Minute,
		MarketData: 30 * time.Second,
		Accounts:   5 * time.Minute,
		Orders:     5 * time.Minute,
	}
}

type entry struct {
	value     any
	updatedAt time.Time
}

// Layered is the category-keyed TTL cache.
type Layered struct {
	mu     sync.RWMutex
	layers map[Category]map[string]entry
	ttl    TTLConfig
}

// New creates a cache with the given TTL classes; nil falls back to defaults.
func New(ttl TTLConfig) *Layered {
	if ttl == nil {
		ttl = DefaultTTL()
	}
	return &Layered{
		layers: make(map[Category]map[string]entry),
		ttl:    ttl,
	}
}

// Set stores a value in a category.
func (c *Layered) Set(cat Category, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	layer, ok := c.layers[cat]
	if !ok {
		layer = make(map[string]entry)
		c.layers[cat] = layer
	}
	layer[key] = entry{value: value, updatedAt: time.Now()}
}

// Get returns the live value regardless of TTL.
func (c *Layered) Get(cat Category, key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.layers[cat][key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// All returns a copy of every live value in a category.
func (c *Layered) All(cat Category) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.layers[cat]))
	for k, e := range c.layers[cat] {
		out[k] = e.value
	}
	return out
}

// Delete removes one entry.
func (c *Layered) Delete(cat Category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers[cat], key)
}

// DeletePrefix removes every entry in a category whose key starts with prefix.
func (c *Layered) DeletePrefix(cat Category, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.layers[cat] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.layers[cat], k)
		}
	}
}

// Len returns the total entry count across categories.
func (c *Layered) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, layer := range c.layers {
		n += len(layer)
	}
	return n
}

// PersistedEntry is one row of a durable cache snapshot.
type PersistedEntry struct {
	Category  Category
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Snapshot serializes every non-expired entry. Expired entries stay readable
// in memory but are dropped from the snapshot.
func (c *Layered) Snapshot() ([]PersistedEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	var out []PersistedEntry
	for cat, layer := range c.layers {
		ttl, ok := c.ttl[cat]
		for key, e := range layer {
			if ok && now.Sub(e.updatedAt) > ttl {
				continue
			}
			raw, err := json.Marshal(e.value)
			if err != nil {
				return nil, fmt.Errorf("snapshot %s/%s: %w", cat, key, err)
			}
			out = append(out, PersistedEntry{
				Category:  cat,
				Key:       key,
				Value:     raw,
				UpdatedAt: e.updatedAt,
			})
		}
	}
	return out, nil
}

// Restore rehydrates the cache from persisted rows, decoding each value into
// its category's canonical type. Rows that expired while the process was
// down are skipped; unknown categories are ignored.
func (c *Layered) Restore(rows []PersistedEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, row := range rows {
		if ttl, ok := c.ttl[row.Category]; ok && now.Sub(row.UpdatedAt) > ttl {
			continue
		}
		value, err := decodeValue(row.Category, row.Value)
		if err != nil {
			return fmt.Errorf("restore %s/%s: %w", row.Category, row.Key, err)
		}
		if value == nil {
			continue
		}
		layer, ok := c.layers[row.Category]
		if !ok {
			layer = make(map[string]entry)
			c.layers[row.Category] = layer
		}
		layer[row.Key] = entry{value: value, updatedAt: row.UpdatedAt}
	}
	return nil
}

func decodeValue(cat Category, raw []byte) (any, error) {
	switch cat {
	case Positions:
		var v model.Position
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case MarketData:
		var v model.MarketData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case Accounts:
		var v model.AccountSnapshot
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case Orders:
		var v model.Order
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, nil
}

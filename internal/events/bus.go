// Package events provides the unified, typed event stream the rest of the
// application observes instead of touching connections directly.
package events

import (
	"sync"
)

// Envelope pairs a topic with its payload so wildcard subscribers can
// dispatch on the topic.
type Envelope struct {
	Topic   Event
	Payload any
}

// Bus is a lightweight pub/sub broker using channels. Publish never blocks;
// a slow subscriber loses messages rather than stalling the socket loops.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]chan Envelope
	all    []chan Envelope
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Envelope)}
}

// Subscribe registers a listener for one topic and returns the channel and
// an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[e] = append(b.subs[e], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[e] = removeChan(b.subs[e], ch)
	}
}

// SubscribeAll registers a listener for every topic.
func (b *Bus) SubscribeAll(buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeChan(b.all, ch)
	}
}

// Publish fans the payload out to topic and wildcard subscribers.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	env := Envelope{Topic: e, Payload: payload}
	for _, ch := range b.subs[e] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- env:
		default:
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
	b.subs = make(map[Event][]chan Envelope)
	b.all = nil
}

func removeChan(chans []chan Envelope, target chan Envelope) []chan Envelope {
	for i, c := range chans {
		if c == target {
			close(c)
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

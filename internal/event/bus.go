// Package event carries pipeline progress from the runner to live
// consumers: the WebSocket hub and, when configured, a Kafka mirror.
package event

import (
	"sync"
	"time"

	"ojforge/internal/model"
)

// DefaultBacklog is the per-subscriber buffer before the bus gives up on
// a consumer.
const DefaultBacklog = 100

// Subscriber is one bounded-backlog consumer. When its buffer overflows
// the bus drops it: Dropped() is closed and no further events arrive. The
// consumer reconnects by subscribing again.
type Subscriber struct {
	ch      chan model.ProgressEvent
	dropped chan struct{}
	once    sync.Once
}

// Events returns the subscriber's event stream.
func (s *Subscriber) Events() <-chan model.ProgressEvent { return s.ch }

// Dropped is closed when the bus has abandoned this subscriber.
func (s *Subscriber) Dropped() <-chan struct{} { return s.dropped }

func (s *Subscriber) markDropped() {
	s.once.Do(func() { close(s.dropped) })
}

// Bus is an in-process fan-out for progress events. Publish never blocks:
// a subscriber whose backlog is full is dropped instead. Events published
// from one goroutine arrive in order, which gives per-problem ordering
// since each problem is driven by a single runner goroutine.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	backlog int
	closed  bool
}

// NewBus creates a bus with the given per-subscriber backlog.
func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		subs:    make(map[*Subscriber]struct{}),
		backlog: backlog,
	}
}

// Subscribe registers a new consumer.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ch:      make(chan model.ProgressEvent, b.backlog),
		dropped: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.markDropped()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.markDropped()
}

// Publish delivers ev to every live subscriber. A zero timestamp is filled
// with the current time.
func (b *Bus) Publish(ev model.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var slow []*Subscriber
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.Unsubscribe(sub)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects future ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.markDropped()
	}
}

// Package gate implements the named counting gates that bound every
// expensive operation in the pipeline: problems in flight, per-user
// fairness, per-stage parallelism, LLM calls, local compile slots.
package gate

import (
	"container/list"
	"context"
	"sync"
)

// Gate is a resizable counting gate. Acquire blocks until a permit is free
// or ctx is cancelled; Resize rebases the limit without invalidating held
// permits.
type Gate struct {
	name string

	mu            sync.Mutex
	max           int
	inUse         int
	waiters       list.List // of chan struct{}
	totalAcquired uint64
}

func newGate(name string, max int) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{name: name, max: max}
}

// Name returns the gate's registered name.
func (g *Gate) Name() string { return g.name }

// Acquire blocks until a permit is available or ctx is cancelled. Waiters
// are served in FIFO order.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.max && g.waiters.Len() == 0 {
		g.inUse++
		g.totalAcquired++
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := g.waiters.PushBack(ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ready:
			// Granted and cancelled raced; hand the permit back.
			g.releaseLocked()
		default:
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.max && g.waiters.Len() == 0 {
		g.inUse++
		g.totalAcquired++
		return true
	}
	return false
}

// Release returns a permit and wakes the next waiter if capacity allows.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *Gate) releaseLocked() {
	if g.inUse > 0 {
		g.inUse--
	}
	g.grantLocked()
}

// grantLocked wakes queued waiters while capacity remains. A grant closes
// the waiter's channel under the mutex, so the cancel path in Acquire can
// observe it race-free.
func (g *Gate) grantLocked() {
	for g.inUse < g.max && g.waiters.Len() > 0 {
		elem := g.waiters.Front()
		g.waiters.Remove(elem)
		close(elem.Value.(chan struct{}))
		g.inUse++
		g.totalAcquired++
	}
}

// Resize rebases the limit. Held permits stay valid: shrinking below the
// current in-use count stops new grants until enough permits drain back.
// Growing wakes queued waiters immediately.
func (g *Gate) Resize(max int) {
	if max <= 0 {
		max = 1
	}
	g.mu.Lock()
	g.max = max
	g.grantLocked()
	g.mu.Unlock()
}

// Stats is a point-in-time snapshot of one gate.
type Stats struct {
	Name          string `json:"name"`
	Max           int    `json:"max"`
	InUse         int    `json:"in_use"`
	Waiting       int    `json:"waiting"`
	TotalAcquired uint64 `json:"total_acquired"`
}

// Stats returns the current counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Name:          g.name,
		Max:           g.max,
		InUse:         g.inUse,
		Waiting:       g.waiters.Len(),
		TotalAcquired: g.totalAcquired,
	}
}

// idle reports whether the gate holds no permits and has no waiters.
func (g *Gate) idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse == 0 && g.waiters.Len() == 0
}

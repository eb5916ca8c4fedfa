package cthread

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// semaphoreCapacity bounds the number of outstanding permits a Semaphore
// can ever hold; it only needs to exceed any realistic worker/fiber count.
const semaphoreCapacity = 1 << 20

// Semaphore is a counting semaphore with blocking Wait/Notify. It wraps
// golang.org/x/sync/semaphore.Weighted, using a permanent background
// context since nothing here ever times out — only Thread's startup
// rendezvous and, potentially, a derived scheduler's own gating use it.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore constructs a Semaphore initialised with count permits
// already available (count=0 means Wait blocks until a matching Notify).
// Weighted starts fully available rather than empty, so construction
// immediately drains it down to the requested count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{w: semaphore.NewWeighted(semaphoreCapacity)}
	if held := semaphoreCapacity - int64(count); held > 0 {
		_ = s.w.Acquire(context.Background(), held)
	}
	return s
}

// Wait blocks until a permit is available, then consumes it.
func (s *Semaphore) Wait() {
	_ = s.w.Acquire(context.Background(), 1)
}

// Notify makes one permit available, waking at most one blocked Wait.
func (s *Semaphore) Notify() {
	s.w.Release(1)
}

// Mutex is a scoped-lock-returning wrapper over sync.Mutex, for call sites
// that want an RAII-shaped guard (ported from sylar's ScopedLockImpl)
// rather than a bare Lock/defer Unlock pair. Most call sites in this
// module use sync.Mutex directly; see DESIGN.md for which.
type Mutex struct{ mu sync.Mutex }

// MutexGuard releases its Mutex's lock on Unlock; a second Unlock is a
// no-op, matching ScopedLockImpl's idempotent unlock.
type MutexGuard struct {
	mu     *sync.Mutex
	locked bool
}

// Lock acquires m and returns a guard that releases it.
func (m *Mutex) Lock() *MutexGuard {
	m.mu.Lock()
	return &MutexGuard{mu: &m.mu, locked: true}
}

// Unlock releases the guarded mutex, if still held.
func (g *MutexGuard) Unlock() {
	if g.locked {
		g.mu.Unlock()
		g.locked = false
	}
}

// RWMutex mirrors Mutex but for sync.RWMutex, with distinct reader/writer
// guard types.
type RWMutex struct{ mu sync.RWMutex }

type RLockGuard struct {
	mu     *sync.RWMutex
	locked bool
}

type WLockGuard struct {
	mu     *sync.RWMutex
	locked bool
}

func (m *RWMutex) RLock() *RLockGuard {
	m.mu.RLock()
	return &RLockGuard{mu: &m.mu, locked: true}
}

func (g *RLockGuard) Unlock() {
	if g.locked {
		g.mu.RUnlock()
		g.locked = false
	}
}

func (m *RWMutex) Lock() *WLockGuard {
	m.mu.Lock()
	return &WLockGuard{mu: &m.mu, locked: true}
}

func (g *WLockGuard) Unlock() {
	if g.locked {
		g.mu.Unlock()
		g.locked = false
	}
}

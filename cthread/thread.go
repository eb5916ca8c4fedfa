// Package cthread provides the scheduler's OS-thread substrate: a thin
// joinable thread wrapper, a counting semaphore, and scoped mutex/rwmutex
// guards. Go has no first-class OS thread handle, so Thread pins a
// dedicated goroutine to its OS thread for its entire lifetime via
// runtime.LockOSThread — the closest analogue to sylar's pthread wrapper.
package cthread

import (
	"errors"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/coreflow/fibersched/internal/grid"
	"github.com/coreflow/fibersched/obslog"
)

// ErrNilCallback is returned by Start when given a nil entry point.
var ErrNilCallback = errors.New("cthread: nil callback")

var nextSysID uint32

// Thread is a thin, joinable wrapper around a goroutine pinned to one OS
// thread for its lifetime. Construction blocks until the new thread has
// recorded its identity, exactly mirroring sylar's Thread constructor
// rendezvous: by the time Start returns, ID() is final and race-free.
type Thread struct {
	id   uint32
	name string
	done chan struct{}
}

// Start launches fn on a freshly pinned OS thread, blocking until the new
// thread has published its identity and is about to invoke fn.
func Start(fn func(), name string) (*Thread, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if len(name) > 15 {
		name = name[:15]
	}

	t := &Thread{
		name: name,
		done: make(chan struct{}),
	}
	sem := NewSemaphore(0)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		gid := grid.ID()
		t.id = atomic.AddUint32(&nextSysID, 1)
		grid.SetThreadID(gid, t.id)
		grid.SetThreadName(gid, t.name)
		setCurrentThread(gid, t)

		cb := fn
		sem.Notify()

		defer close(t.done)
		defer grid.Delete(gid)
		cb()
	}()

	sem.Wait()
	return t, nil
}

// Join blocks until the thread's callable has returned. done is closed
// exactly once by the thread itself, so a second (or concurrent) Join is
// naturally a no-op: receiving from a closed channel never blocks.
func (t *Thread) Join() {
	<-t.done
}

// ID returns the thread's diagnostic system id, final once Start returns.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the (possibly truncated) thread name.
func (t *Thread) Name() string { return t.name }

var (
	curMu RWMutex
	cur   = make(map[uint64]*Thread)
)

func setCurrentThread(gid uint64, t *Thread) {
	g := curMu.Lock()
	cur[gid] = t
	g.Unlock()
}

// Current returns the Thread wrapping the calling goroutine, or nil if the
// calling goroutine was not started via Start (e.g. the process's initial
// goroutine, also when it serves as a Scheduler's root thread).
func Current() *Thread {
	gid := grid.ID()
	g := curMu.RLock()
	defer g.Unlock()
	return cur[gid]
}

// CurrentName returns the calling goroutine's registered thread name, or
// "" if none has been set.
func CurrentName() string {
	return grid.ThreadName(grid.ID())
}

// SetCurrentName overrides the calling goroutine's registered name. It is
// the only way to name a goroutine that was never started via Start, such
// as the process's original goroutine acting as a with-caller Scheduler's
// root thread; the scheduler itself does not call it.
func SetCurrentName(name string) {
	if len(name) > 15 {
		name = name[:15]
	}
	grid.SetThreadName(grid.ID(), name)
}

// CurrentID returns the calling goroutine's diagnostic thread id, assigning
// one on first use (e.g. the process's original goroutine, adopted by a
// with-caller Scheduler).
func CurrentID() uint32 {
	gid := grid.ID()
	if id := grid.ThreadID(gid); id != 0 {
		return id
	}
	id := atomic.AddUint32(&nextSysID, 1)
	grid.SetThreadID(gid, id)
	obslog.L().Debugw("cthread: adopted non-Start goroutine", "thread_id", id, "goroutine", strconv.FormatUint(gid, 10))
	return id
}

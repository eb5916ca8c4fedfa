// Package fiber implements cooperative, stackful coroutines multiplexed
// onto goroutines. A Fiber owns a dedicated goroutine (parked between runs
// on a pair of handoff channels, the same ping/pong shape microbatch.Batcher
// uses for its submit/flush rendezvous) plus a six-state lifecycle: INIT,
// READY, EXEC, HOLD, TERM, EXCEPT.
//
// Go gives every goroutine its own growable stack already, so there is no
// manual stack allocator here — but the contract (one EXEC owner at a
// time, reset-in-place reuse, a bootstrap fiber per goroutine) is
// preserved exactly.
//
// A fiber's body runs on a goroutine distinct from the one that swaps into
// it, so "current fiber"/"scheduling fiber" can't simply live keyed by
// whichever real goroutine happens to be asking: the host goroutine's grid
// cell is mirrored into the fiber's own goroutine cell at every swap-in, so
// that calls made from inside the callback (Current, YieldToHold, ...) see
// the same logical thread-local state the host would.
package fiber

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coreflow/fibersched/config"
	"github.com/coreflow/fibersched/internal/assert"
	"github.com/coreflow/fibersched/internal/grid"
	"github.com/coreflow/fibersched/obslog"
)

// State is a Fiber's lifecycle state.
type State int

const (
	INIT State = iota
	READY
	EXEC
	HOLD
	TERM
	EXCEPT
)

func (s State) String() string {
	switch s {
	case INIT:
		return "INIT"
	case READY:
		return "READY"
	case EXEC:
		return "EXEC"
	case HOLD:
		return "HOLD"
	case TERM:
		return "TERM"
	case EXCEPT:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Errors returned by Fiber operations whose misuse is recoverable at the
// API boundary; anything else is an assert.Invariant panic.
var (
	ErrInvalidState = errors.New("fiber: invalid state for operation")
	ErrNoStack      = errors.New("fiber: reset on fiber with no stack")
	ErrNilCallback  = errors.New("fiber: nil callback")
)

var (
	nextFiberID uint64 // starts at 0, first non-bootstrap id is 1
	liveFibers  int64
)

// TotalFibers returns the number of constructed, not-yet-destroyed fibers,
// including bootstrap fibers.
func TotalFibers() uint64 {
	return uint64(atomic.LoadInt64(&liveFibers))
}

// Fiber is a unit of cooperative execution with its own goroutine and
// lifecycle state.
type Fiber struct {
	id        uint64
	stackSize uint32
	onCaller  bool
	bootstrap bool

	state atomic.Int32

	fn atomic.Pointer[func()]

	resume   chan struct{}
	yield    chan struct{}
	gidReady chan struct{}
	gid      atomic.Uint64
	started  atomic.Bool
	destroy  atomic.Bool
}

// Option configures Fiber construction.
type Option func(*Fiber)

// WithStackSize records a non-default stack size for diagnostics; Go
// grows goroutine stacks automatically, so this is advisory/observability
// only, but it still participates in the zero-means-default contract.
func WithStackSize(n uint32) Option {
	return func(f *Fiber) { f.stackSize = n }
}

// WithOnCaller marks the fiber as hosted on the caller thread, to be driven
// with Call/Back (which swap against the thread's bootstrap fiber) instead
// of SwapIn/SwapOut. The mark is only recorded: Call and Back do not check
// it and behave the same for every fiber.
func WithOnCaller() Option {
	return func(f *Fiber) { f.onCaller = true }
}

// New constructs a non-bootstrap Fiber wrapping fn. Stack size defaults to
// config.Global.FiberStackSize when zero.
func New(fn func(), opts ...Option) (*Fiber, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	f := &Fiber{
		id:       atomic.AddUint64(&nextFiberID, 1),
		resume:   make(chan struct{}),
		yield:    make(chan struct{}),
		gidReady: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.stackSize == 0 {
		f.stackSize = config.Global.FiberStackSize
	}
	f.fn.Store(&fn)
	f.state.Store(int32(INIT))
	atomic.AddInt64(&liveFibers, 1)
	return f, nil
}

// newBootstrap constructs the implicit fiber representing a goroutine's
// original execution: id 0, permanently EXEC, no stack, no callback.
func newBootstrap() *Fiber {
	f := &Fiber{bootstrap: true}
	f.state.Store(int32(EXEC))
	atomic.AddInt64(&liveFibers, 1)
	return f
}

// ID returns the fiber's monotonically increasing id; 0 for bootstrap
// fibers.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// MarkHold force-labels f HOLD. Only the scheduler calls this, on a fiber
// that returned from swap_in in some state other than READY/TERM/EXCEPT;
// a defensive label, kept even though YieldToHold already sets HOLD itself.
func (f *Fiber) MarkHold() {
	f.setState(HOLD)
}

// Reset re-initializes a TERM/EXCEPT/INIT fiber with a new callback,
// returning it to INIT. Reusing the Fiber amortizes its id/bookkeeping
// allocation across incarnations, the closest analogue to sylar reusing a
// stack allocation — the trampoline goroutine itself is still respawned
// per incarnation, since a goroutine that has already returned cannot be
// resumed.
func (f *Fiber) Reset(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	if f.bootstrap {
		return ErrNoStack
	}
	switch f.State() {
	case INIT, TERM, EXCEPT:
	default:
		return ErrInvalidState
	}
	if f.started.Load() {
		// The previous goroutine has already returned past its trampoline
		// (TERM/EXCEPT); it does not need to be told to stop, only
		// replaced.
		f.started.Store(false)
		f.resume = make(chan struct{})
		f.yield = make(chan struct{})
		f.gidReady = make(chan struct{})
		f.gid.Store(0)
	}
	f.fn.Store(&fn)
	f.setState(INIT)
	return nil
}

// Destroy releases a Fiber. Non-bootstrap fibers must be in
// {INIT, TERM, EXCEPT}; the bootstrap fiber must be EXEC, callback-less,
// and must be the calling goroutine's current fiber.
func (f *Fiber) Destroy() {
	if f.destroy.Swap(true) {
		return
	}
	gid := grid.ID()
	if f.bootstrap {
		assert.Invariant(f.State() == EXEC, "bootstrap fiber destroyed while not EXEC")
		if cur, _ := grid.CurrentFiber(gid).(*Fiber); cur == f {
			grid.SetCurrentFiber(gid, (*Fiber)(nil))
		}
	} else {
		s := f.State()
		assert.Invariant(s == INIT || s == TERM || s == EXCEPT,
			"fiber %d destroyed while %s", f.id, s)
	}
	atomic.AddInt64(&liveFibers, -1)
}

// current returns the calling goroutine's current fiber, materializing its
// bootstrap fiber as a side effect if it has none yet.
func current(gid uint64) *Fiber {
	if f, _ := grid.CurrentFiber(gid).(*Fiber); f != nil {
		return f
	}
	f := newBootstrap()
	grid.SetCurrentFiber(gid, f)
	return f
}

// Current returns the calling goroutine's currently executing fiber,
// creating its bootstrap fiber if this is the first fiber operation on
// this goroutine.
func Current() *Fiber {
	return current(grid.ID())
}

// CurrentID returns the id of the calling goroutine's current fiber
// without creating a bootstrap fiber as Current() would (0 means no fiber
// has ever run on this goroutine, or the bootstrap fiber itself).
func CurrentID() uint64 {
	if f, _ := grid.CurrentFiber(grid.ID()).(*Fiber); f != nil {
		return f.id
	}
	return 0
}

// ensureStarted launches f's trampoline goroutine exactly once per
// INIT/Reset incarnation, then blocks until that goroutine has recorded
// its own real goroutine id.
func (f *Fiber) ensureStarted() {
	if f.started.CompareAndSwap(false, true) {
		go f.trampoline()
	}
	<-f.gidReady
}

// trampoline is the body every non-bootstrap fiber's goroutine runs: wait
// to be resumed, run the callback to completion, report the terminal
// state. Each INIT/Reset incarnation gets a fresh trampoline goroutine, so
// this never loops back to wait a second time.
func (f *Fiber) trampoline() {
	gid := grid.ID()
	f.gid.Store(gid)
	close(f.gidReady)
	// This goroutine runs its incarnation exactly once and then exits for
	// good (Reset spawns a fresh one), so its grid cell must go with it —
	// otherwise every Reset of a long-lived, recycled callback-fiber
	// leaks one permanent map entry.
	defer grid.Delete(gid)

	<-f.resume
	fnPtr := f.fn.Load()
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, fatal := r.(*assert.Violation); fatal {
					// Not a user exception: the callback's goroutine
					// observed a broken core invariant. Re-panic so it
					// crashes the process instead of being relabeled as
					// an ordinary fiber exception.
					panic(r)
				}
				f.setState(EXCEPT)
				obslog.L().Errorw("fiber: callback panicked",
					"fiber_id", f.id, "panic", r)
			}
		}()
		(*fnPtr)()
		f.fn.Store(nil)
		f.setState(TERM)
	}()
	f.yield <- struct{}{}
}

// mirror copies the host goroutine's scheduling-fiber/current-scheduler/
// thread identity cells into f's own goroutine cell, so that code running
// inside f's callback sees the same logical thread-local state the host
// goroutine had at the moment of the swap.
func mirror(hostGID, fGID uint64) {
	grid.SetSchedulingFiber(fGID, grid.SchedulingFiber(hostGID))
	grid.SetCurrentScheduler(fGID, grid.CurrentScheduler(hostGID))
	grid.SetThreadID(fGID, grid.ThreadID(hostGID))
	grid.SetThreadName(fGID, grid.ThreadName(hostGID))
}

// SwapIn transfers control from the calling goroutine's scheduling fiber
// into f, blocking until f yields or completes. Precondition:
// f.State() is neither EXEC nor TERM.
func (f *Fiber) SwapIn() {
	st := f.State()
	assert.Invariant(st != EXEC && st != TERM, "fiber %d swap_in from state %s", f.id, st)

	hostGID := grid.ID()
	prev := current(hostGID)
	grid.SetCurrentFiber(hostGID, f)
	f.setState(EXEC)

	if f.bootstrap {
		// Bootstrap fibers have no trampoline goroutine to hand off to;
		// SwapIn on one is only meaningful as a no-op identity swap used
		// by call sites that don't special-case the bootstrap case.
		grid.SetCurrentFiber(hostGID, prev)
		return
	}

	f.ensureStarted()
	fGID := f.gid.Load()
	grid.SetCurrentFiber(fGID, f)
	mirror(hostGID, fGID)

	f.resume <- struct{}{}
	<-f.yield

	grid.SetCurrentFiber(hostGID, prev)
}

// SwapOut transfers control from f (called from within f's own goroutine)
// back to the calling goroutine's scheduling fiber. SwapOut does not
// itself change f's state — callers (YieldToReady, YieldToHold) set it
// first.
func (f *Fiber) SwapOut() {
	fGID := grid.ID()
	if sched, _ := grid.SchedulingFiber(fGID).(*Fiber); sched != nil {
		grid.SetCurrentFiber(fGID, sched)
	}
	f.yield <- struct{}{}
	<-f.resume
	grid.SetCurrentFiber(fGID, f)
}

// Call transfers control from the calling goroutine's bootstrap fiber
// into f, for with-caller fibers only — used when the bootstrap fiber
// rather than a worker's scheduling fiber is f's logical parent.
func (f *Fiber) Call() {
	hostGID := grid.ID()
	boot := current(hostGID)
	grid.SetCurrentFiber(hostGID, f)
	f.setState(EXEC)

	f.ensureStarted()
	fGID := f.gid.Load()
	grid.SetCurrentFiber(fGID, f)
	mirror(hostGID, fGID)

	f.resume <- struct{}{}
	<-f.yield
	grid.SetCurrentFiber(hostGID, boot)
}

// Back transfers control from f back to the calling goroutine's bootstrap
// fiber; the with-caller counterpart to Call.
func (f *Fiber) Back() {
	fGID := grid.ID()
	if boot, _ := grid.SchedulingFiber(fGID).(*Fiber); boot != nil {
		grid.SetCurrentFiber(fGID, boot)
	}
	f.yield <- struct{}{}
	<-f.resume
	grid.SetCurrentFiber(fGID, f)
}

// YieldToReady sets the current fiber's state to READY and swaps out.
func YieldToReady() {
	f := Current()
	assert.Invariant(f.State() == EXEC, "yield_to_ready from non-EXEC fiber %d", f.id)
	f.setState(READY)
	f.SwapOut()
}

// YieldToHold sets the current fiber's state to HOLD and swaps out. This
// reimplementation sets HOLD explicitly before swapping (see DESIGN.md,
// "Open Question") rather than leaving the label to the scheduler.
func YieldToHold() {
	f := Current()
	assert.Invariant(f.State() == EXEC, "yield_to_hold from non-EXEC fiber %d", f.id)
	f.setState(HOLD)
	f.SwapOut()
}

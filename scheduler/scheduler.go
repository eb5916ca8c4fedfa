// Package scheduler implements the N:M dispatch core: a pool of worker
// threads draining a shared task queue, each task either a plain callable
// or a fiber, with two construction modes that differ only in whether the
// constructing thread also hosts a scheduling loop.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coreflow/fibersched/cthread"
	"github.com/coreflow/fibersched/diag"
	"github.com/coreflow/fibersched/fiber"
	"github.com/coreflow/fibersched/internal/grid"
	"github.com/coreflow/fibersched/obslog"
)

// Sentinel errors for scheduler misuse.
var (
	ErrNotRootThread         = errors.New("scheduler: stop called from a thread other than the constructing one")
	ErrInsideSchedulingFiber = errors.New("scheduler: stop called from inside a scheduling fiber")
	ErrInvalidWorkerCount    = errors.New("scheduler: worker count must be >= 1")
)

// Scheduler owns a pool of worker threads, a shared task queue, and
// (optionally) a caller scheduling fiber hosted on the constructing
// thread.
type Scheduler struct {
	name string
	id   string

	mu    sync.Mutex
	queue []*task

	workerCount int
	useCaller   bool
	rootGID     uint64

	autoStop   atomic.Bool
	isStopping atomic.Bool
	started    atomic.Bool

	activeWorkers atomic.Int32
	idleWorkers   atomic.Int32

	threads     []*cthread.Thread
	callerFiber *fiber.Fiber

	workerIDsMu cthread.Mutex
	workerIDs   []uint32

	// Tickle wakes a potentially idle worker; the base implementation only
	// logs. Derived schedulers (e.g. an I/O-readiness variant) override it
	// to signal a wakeup source.
	Tickle func()
	// Idle is the body of every worker's idle fiber; the base
	// implementation cooperatively yields until stopping() holds.
	Idle func(stopping func() bool)
}

// New constructs a Scheduler with the given worker count, construction
// mode, and display name. When useCaller is true, the constructing
// goroutine is adopted as the Nth worker and its bootstrap fiber is
// materialized immediately; its scheduling loop is not entered until
// Stop.
func New(workers int, useCaller bool, name string) (*Scheduler, error) {
	if workers < 1 {
		return nil, ErrInvalidWorkerCount
	}
	if name == "" {
		name = "scheduler"
	}

	s := &Scheduler{
		name:        name,
		id:          diag.NewID(),
		workerCount: workers,
		useCaller:   useCaller,
		rootGID:     grid.ID(),
	}
	s.isStopping.Store(true) // born stopping, i.e. "not started"
	s.Tickle = s.defaultTickle
	s.Idle = s.defaultIdle

	if useCaller {
		fiber.Current() // materialize the root thread's bootstrap fiber
		cf, err := fiber.New(s.run, fiber.WithOnCaller())
		if err != nil {
			return nil, err
		}
		s.callerFiber = cf
		cthread.CurrentID() // fix the root thread's diagnostic id early
	}
	return s, nil
}

// Name returns the scheduler's display name.
func (s *Scheduler) Name() string { return s.name }

// WorkerIDs returns the diagnostic thread ids of every worker this
// scheduler has started (including the adopted root thread, when
// useCaller). Only meaningful after Start.
func (s *Scheduler) WorkerIDs() []uint32 {
	g := s.workerIDsMu.Lock()
	defer g.Unlock()
	out := make([]uint32, len(s.workerIDs))
	copy(out, s.workerIDs)
	return out
}

func (s *Scheduler) defaultTickle() {
	obslog.L().Debugw("scheduler: tickle", "scheduler", s.name, "id", diag.Short(s.id))
}

func (s *Scheduler) defaultIdle(stopping func() bool) {
	for !stopping() {
		fiber.YieldToHold()
	}
}

// stopping reports whether the scheduler has been told to stop, has
// drained its queue, and has no active worker mid-dispatch.
func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	return s.autoStop.Load() && s.isStopping.Load() && empty && s.activeWorkers.Load() == 0
}

// Schedule atomically appends a task to the shared queue, tickling a
// worker if the queue was empty prior to the append. task must be a
// *fiber.Fiber or a func(); threadID is NoAffinity (-1) for "any worker".
func (s *Scheduler) Schedule(item any, threadID int) error {
	t, err := newTask(item, threadID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	if wasEmpty {
		s.Tickle()
	}
	return nil
}

// ScheduleBatch is the batched form of Schedule: every item gets
// NoAffinity, and at most one Tickle is sent for the whole batch.
func (s *Scheduler) ScheduleBatch(items []any) error {
	tasks := make([]*task, 0, len(items))
	for _, it := range items {
		t, err := newTask(it, NoAffinity)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, tasks...)
	s.mu.Unlock()
	if wasEmpty && len(tasks) > 0 {
		s.Tickle()
	}
	return nil
}

// Start spawns the worker pool. Guarded by the scheduler mutex; calling
// Start on an already-started scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started.Load() {
		s.mu.Unlock()
		return nil
	}
	s.started.Store(true)
	s.autoStop.Store(false)
	s.isStopping.Store(false)
	n := s.workerCount
	if s.useCaller {
		n--
	}
	s.mu.Unlock()

	if s.useCaller {
		g := s.workerIDsMu.Lock()
		s.workerIDs = append(s.workerIDs, cthread.CurrentID())
		g.Unlock()
	}

	threads := make([]*cthread.Thread, 0, n)
	for i := 0; i < n; i++ {
		t, err := cthread.Start(s.run, fmt.Sprintf("%s-%d", s.name, i))
		if err != nil {
			return err
		}
		threads = append(threads, t)
		g := s.workerIDsMu.Lock()
		s.workerIDs = append(s.workerIDs, t.ID())
		g.Unlock()
	}

	s.mu.Lock()
	s.threads = threads
	s.mu.Unlock()
	return nil
}

// Stop signals every worker to drain and exit, then joins them. It must
// be called from the thread that constructed the Scheduler and, when
// useCaller is true, from that thread's bootstrap context (not from
// inside the caller scheduling fiber or any task fiber it hosts).
func (s *Scheduler) Stop() error {
	if grid.ID() != s.rootGID {
		return ErrNotRootThread
	}
	if s.useCaller {
		if cur := fiber.Current(); cur.ID() != 0 {
			return ErrInsideSchedulingFiber
		}
	}

	s.autoStop.Store(true)
	s.isStopping.Store(true)

	ticks := s.workerCount
	if s.useCaller {
		ticks++
	}
	for i := 0; i < ticks; i++ {
		s.Tickle()
	}

	if s.useCaller && !s.stopping() {
		s.callerFiber.Call()
	}

	s.mu.Lock()
	threads := s.threads
	s.threads = nil
	s.mu.Unlock()

	for _, t := range threads {
		t.Join()
	}
	return nil
}

// dequeue scans the queue from the head under the scheduler mutex,
// removing the first record this worker may run.
func (s *Scheduler) dequeue(myID uint32) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tickleMe := false
	for i, t := range s.queue {
		if t.threadID != NoAffinity && uint32(t.threadID) != myID {
			tickleMe = true
			continue
		}
		if t.f != nil && t.f.State() == fiber.EXEC {
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		if len(s.queue) > 0 {
			tickleMe = true
		}
		return t, tickleMe
	}
	if len(s.queue) > 0 {
		tickleMe = true
	}
	return nil, tickleMe
}

// run is the dispatch loop: executed by every worker thread, and by the
// caller scheduling fiber (in with-caller mode, only once Stop calls it).
func (s *Scheduler) run() {
	hostGID := grid.ID()
	grid.SetCurrentScheduler(hostGID, s)

	// Identity: on a plain worker goroutine, fiber.Current() materializes
	// (and returns) this worker's bootstrap fiber, which becomes the
	// scheduling fiber. When this run() invocation is instead the caller
	// scheduling fiber's own body (only possible in with-caller mode, only
	// entered from Stop via callerFiber.Call()), Current() returns the
	// caller fiber itself.
	cur := fiber.Current()
	if s.useCaller && cur == s.callerFiber {
		grid.SetSchedulingFiber(hostGID, s.callerFiber)
	} else {
		grid.SetSchedulingFiber(hostGID, cur)
	}

	myID := cthread.CurrentID()

	idleFiber, _ := fiber.New(func() {
		s.Idle(s.stopping)
	})

	var cbFiber *fiber.Fiber

	for {
		t, tickleMe := s.dequeue(myID)
		if tickleMe {
			s.Tickle()
		}

		if t != nil {
			s.dispatch(t, &cbFiber)
			continue
		}

		if idleFiber.State() == fiber.TERM {
			break
		}
		s.idleWorkers.Add(1)
		idleFiber.SwapIn()
		s.idleWorkers.Add(-1)
		if st := idleFiber.State(); st != fiber.TERM && st != fiber.EXCEPT && st != fiber.READY {
			idleFiber.MarkHold()
		}
	}
}

// dispatch swaps into a dequeued task's fiber (constructing or recycling
// the reusable callback-fiber for plain callables) and applies the
// post-run state transition.
func (s *Scheduler) dispatch(t *task, cbFiber **fiber.Fiber) {
	s.activeWorkers.Add(1)
	defer s.activeWorkers.Add(-1)

	var f *fiber.Fiber
	if t.f != nil {
		if t.f.State() == fiber.TERM || t.f.State() == fiber.EXCEPT {
			return
		}
		f = t.f
	} else {
		if *cbFiber == nil {
			nf, _ := fiber.New(t.cb)
			*cbFiber = nf
		} else if err := (*cbFiber).Reset(t.cb); err != nil {
			nf, _ := fiber.New(t.cb)
			*cbFiber = nf
		}
		f = *cbFiber
	}

	f.SwapIn()

	switch f.State() {
	case fiber.READY:
		_ = s.Schedule(f, NoAffinity)
	case fiber.TERM, fiber.EXCEPT:
		// dropped; nothing further to do.
	default:
		f.MarkHold()
	}
}

// CurrentScheduler returns the Scheduler owning the calling goroutine's
// dispatch loop, or nil if none.
func CurrentScheduler() *Scheduler {
	s, _ := grid.CurrentScheduler(grid.ID()).(*Scheduler)
	return s
}

// CurrentSchedulingFiber returns the calling goroutine's scheduling fiber
// (the bootstrap fiber for a pure worker, or the caller scheduling fiber
// on the root thread in with-caller mode), or nil if none.
func CurrentSchedulingFiber() *fiber.Fiber {
	f, _ := grid.SchedulingFiber(grid.ID()).(*fiber.Fiber)
	return f
}

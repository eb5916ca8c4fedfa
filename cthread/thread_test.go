package cthread_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreflow/fibersched/cthread"
)

func TestThread_ConstructorRendezvousIsRaceFree(t *testing.T) {
	var ran atomic.Bool
	th, err := cthread.Start(func() {
		ran.Store(true)
	}, "rendezvous")
	require.NoError(t, err)

	// By the time Start returns, ID() must already be final.
	require.NotZero(t, th.ID())
	th.Join()
	require.True(t, ran.Load())
}

func TestThread_JoinIsIdempotent(t *testing.T) {
	th, err := cthread.Start(func() {}, "idempotent")
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Join()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent Join calls did not all return")
	}
}

func TestThread_NameTruncatedTo15Chars(t *testing.T) {
	th, err := cthread.Start(func() {}, "a-name-that-is-much-longer-than-fifteen")
	require.NoError(t, err)
	th.Join()
	require.LessOrEqual(t, len(th.Name()), 15)
}

func TestThread_StartRejectsNilCallback(t *testing.T) {
	th, err := cthread.Start(nil, "nil-cb")
	require.Nil(t, th)
	require.ErrorIs(t, err, cthread.ErrNilCallback)
}

func TestSemaphore_WaitBlocksUntilNotify(t *testing.T) {
	sem := cthread.NewSemaphore(0)
	acquired := make(chan struct{})
	go func() {
		sem.Wait()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Wait returned before Notify")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Notify()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Notify")
	}
}

func TestSemaphore_InitialCountAvailableImmediately(t *testing.T) {
	sem := cthread.NewSemaphore(2)
	done := make(chan struct{})
	go func() {
		sem.Wait()
		sem.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("two Waits against a count-2 semaphore should not block")
	}
}

func TestMutex_GuardUnlockIsIdempotent(t *testing.T) {
	var m cthread.Mutex
	g := m.Lock()
	g.Unlock()
	require.NotPanics(t, g.Unlock)
}

func TestRWMutex_DistinctGuardTypes(t *testing.T) {
	var m cthread.RWMutex
	rg := m.RLock()
	rg.Unlock()

	wg := m.Lock()
	wg.Unlock()
}

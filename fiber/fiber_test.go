package fiber_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreflow/fibersched/fiber"
)

// Single-fiber swap: first SwapIn runs up to the internal YieldToHold;
// second SwapIn runs the remainder to TERM.
func TestFiber_SingleFiberSwap(t *testing.T) {
	fiber.Current() // materialize this goroutine's bootstrap fiber

	var log []string
	f, err := fiber.New(func() {
		log = append(log, "A")
		fiber.YieldToHold()
		log = append(log, "B")
	})
	require.NoError(t, err)
	require.Equal(t, fiber.INIT, f.State())

	f.SwapIn()
	require.Equal(t, []string{"A"}, log)
	require.Equal(t, fiber.HOLD, f.State())

	f.SwapIn()
	require.Equal(t, []string{"A", "B"}, log)
	require.Equal(t, fiber.TERM, f.State())
}

func TestFiber_ResetRunsCallbackExactlyOnce(t *testing.T) {
	fiber.Current()

	calls := 0
	f, err := fiber.New(func() { calls++ })
	require.NoError(t, err)

	f.SwapIn()
	require.Equal(t, 1, calls)
	require.Equal(t, fiber.TERM, f.State())

	require.NoError(t, f.Reset(func() { calls++ }))
	require.Equal(t, fiber.INIT, f.State())

	f.SwapIn()
	require.Equal(t, 2, calls)
	require.Equal(t, fiber.TERM, f.State())
}

func TestFiber_ResetRejectsNonTerminalState(t *testing.T) {
	fiber.Current()

	f, err := fiber.New(func() { fiber.YieldToHold() })
	require.NoError(t, err)
	f.SwapIn()
	require.Equal(t, fiber.HOLD, f.State())

	require.ErrorIs(t, f.Reset(func() {}), fiber.ErrInvalidState)
}

func TestFiber_PanicTransitionsToExcept(t *testing.T) {
	fiber.Current()

	f, err := fiber.New(func() { panic("boom") })
	require.NoError(t, err)

	require.NotPanics(t, func() { f.SwapIn() })
	require.Equal(t, fiber.EXCEPT, f.State())
}

func TestFiber_YieldToReadyLeavesFiberReady(t *testing.T) {
	fiber.Current()

	f, err := fiber.New(func() { fiber.YieldToReady() })
	require.NoError(t, err)

	f.SwapIn()
	require.Equal(t, fiber.READY, f.State())
}

// A goroutine that has never touched the fiber API reports id 0.
func TestFiber_CurrentIDZeroBeforeAnyFiberOp(t *testing.T) {
	done := make(chan uint64)
	go func() {
		done <- fiber.CurrentID()
	}()
	select {
	case id := <-done:
		require.Zero(t, id)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

// The live-fiber counter tracks construction and destruction, including
// bootstraps.
func TestFiber_TotalFibersTracksLifetime(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		before := fiber.TotalFibers()

		boot := fiber.Current()
		require.Equal(t, before+1, fiber.TotalFibers())

		f, err := fiber.New(func() {})
		require.NoError(t, err)
		require.Equal(t, before+2, fiber.TotalFibers())

		f.SwapIn()
		require.Equal(t, fiber.TERM, f.State())
		f.Destroy()
		require.Equal(t, before+1, fiber.TotalFibers())

		boot.Destroy()
		require.Equal(t, before, fiber.TotalFibers())
	}()
	<-done
}

func TestFiber_NewRejectsNilCallback(t *testing.T) {
	f, err := fiber.New(nil)
	require.Nil(t, f)
	require.ErrorIs(t, err, fiber.ErrNilCallback)
}

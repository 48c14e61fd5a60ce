package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFireBeforeWait(t *testing.T) {
	s := New()
	require.False(t, s.IsFired())
	s.Fire()
	require.True(t, s.IsFired())

	// A waiter arriving after the fire observes it immediately.
	require.NoError(t, Wait(s, New()))
}

func TestFireIsIdempotent(t *testing.T) {
	s := New()
	s.Fire()
	s.Fire()
	require.True(t, s.IsFired())
}

func TestWaitWakesAllConsumers(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, Wait(s, nil))
		}()
	}
	s.Fire()
	wg.Wait()
}

func TestWaitInterrupted(t *testing.T) {
	s := New()
	interrupt := New()

	errC := make(chan error, 1)
	go func() {
		errC <- Wait(s, interrupt)
	}()
	interrupt.Fire()
	require.ErrorIs(t, <-errC, ErrInterrupted)

	// An already-fired interrupt wins even when s is fired too.
	s.Fire()
	require.ErrorIs(t, Wait(s, interrupt), ErrInterrupted)
}

func TestFailureReason(t *testing.T) {
	f := NewFailure()
	require.False(t, f.IsFired())
	require.Panics(t, func() { f.Reason() })

	f.Fail("registrar unreachable")
	require.True(t, f.IsFired())
	require.Equal(t, "registrar unreachable", f.Reason())

	// Later failures do not overwrite the first reason.
	f.Fail("second reason")
	require.Equal(t, "registrar unreachable", f.Reason())
}

func TestOneWaiter(t *testing.T) {
	s := NewOneWaiter()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Fire()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	// Firing with nobody waiting leaves the state observable.
	s2 := NewOneWaiter()
	s2.Fire()
	s2.Wait()
}

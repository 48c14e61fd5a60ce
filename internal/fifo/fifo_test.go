package fifo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jisqyv/rethinkdb/internal/signal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Writes must apply in ticket issuance order even when the calls arrive in
// the opposite order.
func TestWritesApplyInTicketOrder(t *testing.T) {
	g := NewGate()
	t1 := g.NewWriteTicket()
	t2 := g.NewWriteTicket()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release, err := g.EnterWrite(t2, nil)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release()
	}()

	// Let the t2 call arrive first; it must still wait for t1.
	time.Sleep(10 * time.Millisecond)
	release, err := g.EnterWrite(t1, nil)
	require.NoError(t, err)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release()

	wg.Wait()
	require.Equal(t, []int{1, 2}, order)
}

func TestReadsRunConcurrently(t *testing.T) {
	g := NewGate()
	t1 := g.NewReadTicket()
	t2 := g.NewReadTicket()

	r1, err := g.EnterRead(t1, nil)
	require.NoError(t, err)
	// The second read is admitted while the first is still running.
	r2, err := g.EnterRead(t2, nil)
	require.NoError(t, err)
	r1()
	r2()
}

func TestReadWaitsForEarlierWrite(t *testing.T) {
	g := NewGate()
	w := g.NewWriteTicket()
	r := g.NewReadTicket()

	releaseW, err := g.EnterWrite(w, nil)
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		releaseR, err := g.EnterRead(r, nil)
		require.NoError(t, err)
		close(admitted)
		releaseR()
	}()

	select {
	case <-admitted:
		t.Fatal("read admitted while an earlier write was running")
	case <-time.After(20 * time.Millisecond):
	}

	releaseW()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("read not admitted after the write released")
	}
}

func TestWriteWaitsForEarlierRead(t *testing.T) {
	g := NewGate()
	r := g.NewReadTicket()
	w := g.NewWriteTicket()

	releaseR, err := g.EnterRead(r, nil)
	require.NoError(t, err)

	admitted := make(chan struct{})
	go func() {
		releaseW, err := g.EnterWrite(w, nil)
		require.NoError(t, err)
		close(admitted)
		releaseW()
	}()

	select {
	case <-admitted:
		t.Fatal("write admitted while an earlier read was running")
	case <-time.After(20 * time.Millisecond):
	}

	releaseR()
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("write not admitted after the read released")
	}
}

func TestEnterInterrupted(t *testing.T) {
	g := NewGate()
	w1 := g.NewWriteTicket()
	w2 := g.NewWriteTicket()
	w3 := g.NewWriteTicket()

	release, err := g.EnterWrite(w1, nil)
	require.NoError(t, err)

	interrupt := signal.New()
	errC := make(chan error, 1)
	go func() {
		_, err := g.EnterWrite(w2, interrupt)
		errC <- err
	}()
	time.Sleep(10 * time.Millisecond)
	interrupt.Fire()
	require.ErrorIs(t, <-errC, signal.ErrInterrupted)

	// The abandoned ticket must not block later tickets.
	release()
	release3, err := g.EnterWrite(w3, nil)
	require.NoError(t, err)
	release3()

	// An already-fired interrupt fails immediately.
	w4 := g.NewWriteTicket()
	_, err = g.EnterWrite(w4, signal.Fired())
	require.ErrorIs(t, err, signal.ErrInterrupted)
}

func TestAbandonedTicketUnblocksSuccessors(t *testing.T) {
	g := NewGate()
	w1 := g.NewWriteTicket()
	w2 := g.NewWriteTicket()

	w1.Abandon()
	release, err := g.EnterWrite(w2, nil)
	require.NoError(t, err)
	release()

	release, err = g.EnterWrite(g.NewWriteTicket(), nil)
	require.NoError(t, err)
	release()
	require.Panics(t, func() {
		_, _ = g.EnterWrite(w1, nil)
	})
}

func TestTicketReusePanics(t *testing.T) {
	g := NewGate()
	w := g.NewWriteTicket()
	release, err := g.EnterWrite(w, nil)
	require.NoError(t, err)
	release()
	require.Panics(t, func() {
		_, _ = g.EnterWrite(w, nil)
	})
}

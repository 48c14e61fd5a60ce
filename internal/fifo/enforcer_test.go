package fifo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jisqyv/rethinkdb/internal/signal"
)

func TestSinkReplaysWritesInStampOrder(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	s1 := src.StampWrite()
	s2 := src.StampWrite()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, sink.EnterWrite(s2, nil, func() {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		}))
	}()

	// s2 arrives first but must wait for s1.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sink.EnterWrite(s1, nil, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	wg.Wait()
	require.Equal(t, []int{1, 2}, order)
}

func TestSinkReadWaitsForEarlierWrite(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	w := src.StampWrite()
	r := src.StampRead()

	admitted := make(chan struct{})
	go func() {
		_ = sink.EnterRead(r, nil, func() { close(admitted) })
	}()

	select {
	case <-admitted:
		t.Fatal("read admitted before the write it was stamped after")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, sink.EnterWrite(w, nil, func() {}))
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("read not admitted after the write")
	}
}

func TestSinkAbandonedStampDoesNotBlockSuccessors(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	s1 := src.StampWrite()
	s2 := src.StampWrite()
	s3 := src.StampWrite()

	// s2 is interrupted while waiting for s1.
	interrupt := signal.New()
	errC := make(chan error, 1)
	go func() {
		errC <- sink.EnterWrite(s2, interrupt, func() { t.Error("abandoned write ran") })
	}()
	time.Sleep(10 * time.Millisecond)
	interrupt.Fire()
	require.ErrorIs(t, <-errC, signal.ErrInterrupted)

	require.NoError(t, sink.EnterWrite(s1, nil, func() {}))
	done := make(chan struct{})
	go func() {
		require.NoError(t, sink.EnterWrite(s3, nil, func() {}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write after an abandoned stamp never admitted")
	}
}

func TestSinkAlreadyFiredInterrupt(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	s1 := src.StampWrite()
	s2 := src.StampWrite()

	err := sink.EnterWrite(s2, signal.Fired(), func() { t.Error("interrupted write ran") })
	require.ErrorIs(t, err, signal.ErrInterrupted)
	require.NoError(t, sink.EnterWrite(s1, nil, func() {}))
}

func TestSinkInterleavedReadsAndWrites(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	w1 := src.StampWrite()
	r1 := src.StampRead()
	w2 := src.StampWrite()

	var mu sync.Mutex
	var order []string
	record := func(what string) func() {
		return func() {
			mu.Lock()
			order = append(order, what)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, sink.EnterWrite(w2, nil, record("w2")))
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, sink.EnterRead(r1, nil, record("r1")))
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sink.EnterWrite(w1, nil, record("w1")))
	wg.Wait()

	require.Equal(t, []string{"w1", "r1", "w2"}, order)
}

func TestSinkWaitWrites(t *testing.T) {
	src := NewSource()
	sink := NewSink()
	s1 := src.StampWrite()
	s2 := src.StampWrite()

	done := make(chan struct{})
	go func() {
		_ = sink.WaitWrites(2, nil)
		close(done)
	}()
	require.NoError(t, sink.EnterWrite(s1, nil, func() {}))
	select {
	case <-done:
		t.Fatal("wait returned before both writes were admitted")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, sink.EnterWrite(s2, nil, func() {}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}
}

func TestSinkWaitWritesInterrupted(t *testing.T) {
	require.ErrorIs(t, NewSink().WaitWrites(1, signal.Fired()), signal.ErrInterrupted)
}

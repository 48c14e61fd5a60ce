package fifo

import (
	"sync"

	"github.com/jisqyv/rethinkdb/internal/signal"
)

// WriteStamp and ReadStamp order operations shipped from one Source to one
// Sink over channels that do not themselves guarantee a total order. A write
// stamp captures how many writes and reads the source issued before it; a
// read stamp only counts writes, so reads never order among themselves.
type WriteStamp struct {
	Writes uint64
	Reads  uint64
}

// ReadStamp orders a read after every earlier write.
type ReadStamp struct {
	Writes uint64
}

// Source stamps operations in issue order.
type Source struct {
	mu     sync.Mutex
	writes uint64
	reads  uint64
}

// NewSource returns a fresh source.
func NewSource() *Source {
	return &Source{}
}

// StampWrite issues the next write stamp.
func (s *Source) StampWrite() WriteStamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := WriteStamp{Writes: s.writes, Reads: s.reads}
	s.writes++
	return st
}

// StampRead issues the next read stamp.
func (s *Source) StampRead() ReadStamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ReadStamp{Writes: s.writes}
	s.reads++
	return st
}

// IssuedWrites returns how many write stamps the source has handed out.
func (s *Source) IssuedWrites() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Sink replays stamped operations in stamp order regardless of arrival
// order. EnterWrite and EnterRead block until every operation stamped
// earlier has been admitted, run fn while the admission is held open, and
// advance the sink before returning. fn runs under the sink's lock, so it
// must only do bounded work such as issuing gate tickets.
//
// An interrupted wait abandons the operation; the sink remembers the stamp
// and advances past it when its turn comes, so later operations are not
// blocked forever.
type Sink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	writes uint64
	reads  uint64

	abandonedWrites map[WriteStamp]struct{}
	abandonedReads  map[uint64]int
}

// NewSink returns a sink that has seen no operations.
func NewSink() *Sink {
	k := &Sink{
		abandonedWrites: make(map[WriteStamp]struct{}),
		abandonedReads:  make(map[uint64]int),
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// EnterWrite blocks until st is next in order, runs fn, and advances.
func (k *Sink) EnterWrite(st WriteStamp, interrupt *signal.Signal, fn func()) error {
	stop := k.watchInterrupt(interrupt)
	defer stop()
	k.mu.Lock()
	defer k.mu.Unlock()
	for k.writes != st.Writes || k.reads != st.Reads {
		if interrupt != nil && interrupt.IsFired() {
			k.abandonedWrites[st] = struct{}{}
			k.advanceLocked()
			return signal.ErrInterrupted
		}
		k.cond.Wait()
	}
	if interrupt != nil && interrupt.IsFired() {
		k.abandonedWrites[st] = struct{}{}
		k.advanceLocked()
		return signal.ErrInterrupted
	}
	fn()
	k.writes++
	k.advanceLocked()
	return nil
}

// EnterRead blocks until every write stamped before st has been admitted,
// runs fn, and advances.
func (k *Sink) EnterRead(st ReadStamp, interrupt *signal.Signal, fn func()) error {
	stop := k.watchInterrupt(interrupt)
	defer stop()
	k.mu.Lock()
	defer k.mu.Unlock()
	for k.writes < st.Writes {
		if interrupt != nil && interrupt.IsFired() {
			k.abandonedReads[st.Writes]++
			k.advanceLocked()
			return signal.ErrInterrupted
		}
		k.cond.Wait()
	}
	if interrupt != nil && interrupt.IsFired() {
		k.abandonedReads[st.Writes]++
		k.advanceLocked()
		return signal.ErrInterrupted
	}
	fn()
	k.reads++
	k.advanceLocked()
	return nil
}

// WaitWrites blocks until the sink has admitted at least n writes. It is how
// a backfill learns that the operations stamped before some point have all
// reached the store.
func (k *Sink) WaitWrites(n uint64, interrupt *signal.Signal) error {
	stop := k.watchInterrupt(interrupt)
	defer stop()
	k.mu.Lock()
	defer k.mu.Unlock()
	for k.writes < n {
		if interrupt != nil && interrupt.IsFired() {
			return signal.ErrInterrupted
		}
		k.cond.Wait()
	}
	return nil
}

// advanceLocked consumes every abandoned stamp whose turn has come and wakes
// the waiters.
func (k *Sink) advanceLocked() {
	for changed := true; changed; {
		changed = false
		if _, ok := k.abandonedWrites[WriteStamp{Writes: k.writes, Reads: k.reads}]; ok {
			delete(k.abandonedWrites, WriteStamp{Writes: k.writes, Reads: k.reads})
			k.writes++
			changed = true
			continue
		}
		for w, n := range k.abandonedReads {
			if w <= k.writes {
				if n == 1 {
					delete(k.abandonedReads, w)
				} else {
					k.abandonedReads[w] = n - 1
				}
				k.reads++
				changed = true
				break
			}
		}
	}
	k.cond.Broadcast()
}

// watchInterrupt wakes the sink's waiters when interrupt fires, so blocked
// Enter calls can notice it. The returned stop function must be called when
// the wait is over.
func (k *Sink) watchInterrupt(interrupt *signal.Signal) func() {
	if interrupt == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-interrupt.Done():
			k.mu.Lock()
			k.cond.Broadcast()
			k.mu.Unlock()
		case <-stopped:
		}
	}()
	return func() {
		close(stopped)
		<-done
	}
}

// Package signal provides one-shot notification primitives used for blocking
// waits, cancellation, and failure propagation. A signal fires at most once;
// firing with no waiter simply records the state for later waiters to observe
// without blocking.
package signal

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// ErrInterrupted reports that an operation was abandoned because its
// cancellation signal fired. The operation is safe to retry as a whole.
var ErrInterrupted = errors.New("signal: interrupted")

// Signal is a one-shot, multi-consumer notification. The zero value is not
// usable; construct with New.
type Signal struct {
	fired atomic.Bool
	once  sync.Once
	done  chan struct{}
}

// New returns an unfired signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fired returns an already-fired signal, useful as an immediate interrupt.
func Fired() *Signal {
	s := New()
	s.Fire()
	return s
}

// Fire marks the signal fired and wakes every current and future waiter.
// Firing more than once is a no-op.
func (s *Signal) Fire() {
	s.once.Do(func() {
		s.fired.Store(true)
		close(s.done)
	})
}

// IsFired reports whether the signal has fired.
func (s *Signal) IsFired() bool {
	return s.fired.Load()
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until s fires, or fails with ErrInterrupted if interrupt fires
// first. A nil interrupt never interrupts.
func Wait(s, interrupt *Signal) error {
	if interrupt != nil && interrupt.IsFired() {
		return ErrInterrupted
	}
	if interrupt == nil {
		<-s.Done()
		return nil
	}
	select {
	case <-s.Done():
		return nil
	case <-interrupt.Done():
		return ErrInterrupted
	}
}

// Failure is a one-shot signal carrying the reason it fired. The reason is
// only valid to read after the signal has fired.
type Failure struct {
	sig    *Signal
	mu     sync.Mutex
	reason string
}

// NewFailure returns an unfired failure signal.
func NewFailure() *Failure {
	return &Failure{sig: New()}
}

// Signal exposes the underlying one-shot signal for waiting.
func (f *Failure) Signal() *Signal {
	return f.sig
}

// Fail records reason and fires the signal. Only the first call wins.
func (f *Failure) Fail(reason string) {
	f.mu.Lock()
	if !f.sig.IsFired() {
		f.reason = reason
	}
	f.mu.Unlock()
	f.sig.Fire()
}

// IsFired reports whether the failure has been signaled.
func (f *Failure) IsFired() bool {
	return f.sig.IsFired()
}

// Reason returns the recorded failure reason. Calling it before the signal
// fires is a programming error.
func (f *Failure) Reason() string {
	if !f.sig.IsFired() {
		panic("signal: Reason called before the failure signal fired")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// OneWaiter is the single-consumer signal variant: at most one goroutine may
// be blocked in Wait at a time. Firing with no waiter records the state.
type OneWaiter struct {
	sig     *Signal
	waiters atomic.Int32
}

// NewOneWaiter returns an unfired single-consumer signal.
func NewOneWaiter() *OneWaiter {
	return &OneWaiter{sig: New()}
}

// Fire marks the signal fired, waking the waiter if one is blocked.
func (s *OneWaiter) Fire() {
	s.sig.Fire()
}

// IsFired reports whether the signal has fired.
func (s *OneWaiter) IsFired() bool {
	return s.sig.IsFired()
}

// Wait blocks until the signal fires. A second concurrent waiter is a
// programming error.
func (s *OneWaiter) Wait() {
	if s.waiters.Inc() > 1 {
		panic("signal: OneWaiter has more than one concurrent waiter")
	}
	<-s.sig.Done()
	s.waiters.Dec()
}

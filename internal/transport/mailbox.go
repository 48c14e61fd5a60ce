package transport

import (
	"sync"

	"github.com/jisqyv/rethinkdb/internal/signal"
)

// Addr is a typed address: only values of type T can be sent to it.
type Addr[T any] struct {
	raw Address
}

// Raw exposes the untyped address, e.g. for publishing in metadata.
func (a Addr[T]) Raw() Address {
	return a.raw
}

// IsZero reports whether the address names no mailbox.
func (a Addr[T]) IsZero() bool {
	return a.raw.IsZero()
}

// AddrOf rebuilds a typed address from its raw form. The caller asserts the
// mailbox behind raw accepts T.
func AddrOf[T any](raw Address) Addr[T] {
	return Addr[T]{raw: raw}
}

// Mailbox delivers messages of type T, in order, to a handler running on the
// mailbox's own consumer goroutine.
type Mailbox[T any] struct {
	node *Node
	addr Address
	core *mailboxCore
	once sync.Once
}

// NewMailbox opens a mailbox on n. The handler runs one message at a time.
func NewMailbox[T any](n *Node, handler func(T)) *Mailbox[T] {
	addr, core := n.register(func(msg any) {
		handler(msg.(T))
	})
	return &Mailbox[T]{node: n, addr: addr, core: core}
}

// Addr returns the mailbox's typed address.
func (m *Mailbox[T]) Addr() Addr[T] {
	return Addr[T]{raw: m.addr}
}

// Close stops delivery. Messages already queued but not yet handled are
// dropped; in-flight handler calls complete first.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		m.node.unregister(m.addr.Box)
		m.core.close()
	})
}

// Send delivers msg to the mailbox behind addr. It never blocks on the
// receiver and never fails; undeliverable messages are dropped, matching the
// send-and-forget contract of registration teardown.
func Send[T any](from *Node, to Addr[T], msg T) {
	if to.IsZero() {
		return
	}
	from.deliver(to.raw, msg)
}

// ReplyBox is a throwaway mailbox capturing a single reply.
type ReplyBox[T any] struct {
	box   *Mailbox[T]
	ready *signal.Signal
	mu    sync.Mutex
	val   T
}

// NewReplyBox opens a reply mailbox on n.
func NewReplyBox[T any](n *Node) *ReplyBox[T] {
	r := &ReplyBox[T]{ready: signal.New()}
	r.box = NewMailbox(n, func(msg T) {
		r.mu.Lock()
		if !r.ready.IsFired() {
			r.val = msg
		}
		r.mu.Unlock()
		r.ready.Fire()
	})
	return r
}

// Addr returns the address replies should be sent to.
func (r *ReplyBox[T]) Addr() Addr[T] {
	return r.box.Addr()
}

// Ready returns the signal fired when the reply arrives. Callers that need
// to race the reply against other events select on it and then call Value.
func (r *ReplyBox[T]) Ready() *signal.Signal {
	return r.ready
}

// Value returns the captured reply. Only valid after Ready has fired.
func (r *ReplyBox[T]) Value() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val
}

// Await blocks for the reply, failing with signal.ErrInterrupted if the
// interrupt fires first. The box is closed either way; Await is one-shot.
func (r *ReplyBox[T]) Await(interrupt *signal.Signal) (T, error) {
	defer r.box.Close()
	if err := signal.Wait(r.ready, interrupt); err != nil {
		var zero T
		return zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val, nil
}

// Close releases the box without waiting for a reply.
func (r *ReplyBox[T]) Close() {
	r.box.Close()
}

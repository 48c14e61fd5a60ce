// Package fifo provides the ordering machinery that serializes access to a
// store view: per-view tickets admitted strictly in issuance order, and
// source/sink stamps that let a dispatcher replay operations in issue order
// across channels with no total order of their own.
package fifo

import (
	"sync"

	"github.com/jisqyv/rethinkdb/internal/signal"
)

type ticketState int

const (
	ticketPending ticketState = iota
	ticketRunning
	ticketDone
)

type ticket struct {
	gate     *Gate
	seq      uint64
	write    bool
	state    ticketState
	admitted bool
	admit    chan struct{}
}

// ReadTicket gates one read-class operation on a store view.
type ReadTicket struct {
	t *ticket
}

// Abandon retires a ticket that will never be consumed, so it stops blocking
// later tickets. Abandoning a consumed ticket is a programming error.
func (rt *ReadTicket) Abandon() {
	rt.t.abandon()
}

// WriteTicket gates one write-class operation on a store view.
type WriteTicket struct {
	t *ticket
}

// Abandon retires a ticket that will never be consumed.
func (wt *WriteTicket) Abandon() {
	wt.t.abandon()
}

func (t *ticket) abandon() {
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.state != ticketPending {
		panic("fifo: abandoning a consumed ticket")
	}
	g.retireLocked(t)
}

// Gate issues FIFO tickets for one store view and admits operations in ticket
// issuance order: a write runs only after every earlier ticket has released,
// a read runs only after every earlier write has released. Reads may run
// concurrently with each other. Ticket discipline is the sole concurrency
// contract of a view; the gate has no other locking visible to callers.
type Gate struct {
	mu      sync.Mutex
	nextSeq uint64
	live    []*ticket // pending and running tickets, ordered by seq
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{}
}

// NewReadTicket issues the next read ticket. Every issued ticket must be
// consumed by exactly one Enter call.
func (g *Gate) NewReadTicket() *ReadTicket {
	return &ReadTicket{t: g.issue(false)}
}

// NewWriteTicket issues the next write ticket.
func (g *Gate) NewWriteTicket() *WriteTicket {
	return &WriteTicket{t: g.issue(true)}
}

func (g *Gate) issue(write bool) *ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := &ticket{gate: g, seq: g.nextSeq, write: write, admit: make(chan struct{})}
	g.nextSeq++
	g.live = append(g.live, t)
	if g.canAdmitLocked(t) {
		t.admitted = true
		close(t.admit)
	}
	return t
}

// EnterRead blocks until the read ticket is admitted and returns the release
// function the caller must invoke when the operation finishes. Fails with
// signal.ErrInterrupted when interrupt fires first; the ticket is then
// abandoned and later tickets are not blocked by it. Re-using a ticket is a
// programming error.
func (g *Gate) EnterRead(rt *ReadTicket, interrupt *signal.Signal) (func(), error) {
	return g.enter(rt.t, interrupt)
}

// EnterWrite is EnterRead for write tickets.
func (g *Gate) EnterWrite(wt *WriteTicket, interrupt *signal.Signal) (func(), error) {
	return g.enter(wt.t, interrupt)
}

func (g *Gate) enter(t *ticket, interrupt *signal.Signal) (func(), error) {
	g.mu.Lock()
	if t.state != ticketPending {
		g.mu.Unlock()
		panic("fifo: ticket already consumed")
	}
	if interrupt != nil && interrupt.IsFired() {
		g.retireLocked(t)
		g.mu.Unlock()
		return nil, signal.ErrInterrupted
	}
	g.mu.Unlock()

	if interrupt != nil {
		select {
		case <-t.admit:
		case <-interrupt.Done():
			g.mu.Lock()
			if t.state == ticketPending {
				g.retireLocked(t)
			}
			g.mu.Unlock()
			return nil, signal.ErrInterrupted
		}
	} else {
		<-t.admit
	}

	g.mu.Lock()
	t.state = ticketRunning
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.retireLocked(t)
		g.mu.Unlock()
	}, nil
}

// canAdmitLocked reports whether every ticket that must precede t has
// released. Only live (unreleased) tickets can block.
func (g *Gate) canAdmitLocked(t *ticket) bool {
	for _, o := range g.live {
		if o.seq >= t.seq {
			break
		}
		if t.write || o.write {
			return false
		}
	}
	return true
}

func (g *Gate) retireLocked(t *ticket) {
	t.state = ticketDone
	for i, o := range g.live {
		if o == t {
			g.live = append(g.live[:i], g.live[i+1:]...)
			break
		}
	}
	for _, o := range g.live {
		if o.state == ticketPending && !o.admitted && g.canAdmitLocked(o) {
			o.admitted = true
			close(o.admit)
		}
	}
}

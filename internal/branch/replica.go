package branch

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/registry"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

// Replica serves one store view as a member of a branch. It registers its
// operation channels with the branch's dispatcher and applies whatever
// arrives on them in dispatch order: the sink replays operations in stamp
// order, and inside each admission the replica grabs its store tickets, so
// ticket order equals dispatch order no matter how the three mailboxes
// interleave.
type Replica struct {
	log    *zap.Logger
	node   *transport.Node
	view   store.View
	branch uuid.UUID
	sink   *fifo.Sink
	stop   *signal.Signal
	drain  *drainer
	ready  *signal.Signal

	writeBox     *transport.Mailbox[WriteEnvelope]
	writeReadBox *transport.Mailbox[WriteReadEnvelope]
	readBox      *transport.Mailbox[ReadEnvelope]
	registrant   *registry.Registrant[ReplicaChannels]
	once         sync.Once
}

// NewReplica attaches view to the branch behind handle. It fails with
// registry.ErrRegistrarLost when the branch is already gone. The view's
// metainfo is assumed to be stamped for the branch already, either by the
// coordinator (first replica) or by a backfill.
func NewReplica(node *transport.Node, logger *zap.Logger, view store.View,
	handle registry.Handle[ReplicaChannels], branchID uuid.UUID) (*Replica, error) {
	return newReplica(node, logger, view, handle, branchID, true)
}

// newReplica registers view with the branch. An unready replica receives and
// applies writes but is skipped for reads until its ready signal fires; Join
// fires it once the backfill has caught up.
func newReplica(node *transport.Node, logger *zap.Logger, view store.View,
	handle registry.Handle[ReplicaChannels], branchID uuid.UUID, ready bool) (*Replica, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replica{
		log:    logger,
		node:   node,
		view:   view,
		branch: branchID,
		sink:   fifo.NewSink(),
		stop:   signal.New(),
		drain:  newDrainer(),
		ready:  signal.New(),
	}
	if ready {
		r.ready.Fire()
	}
	r.writeBox = transport.NewMailbox(node, r.onWrite)
	r.writeReadBox = transport.NewMailbox(node, r.onWriteRead)
	r.readBox = transport.NewMailbox(node, r.onRead)

	channels := ReplicaChannels{
		Region:    view.Region(),
		Write:     r.writeBox.Addr(),
		WriteRead: r.writeReadBox.Addr(),
		Read:      r.readBox.Addr(),
		Readable:  r.ready,
	}
	registrant, err := registry.NewRegistrant(node, handle, channels)
	if err != nil {
		r.teardown()
		return nil, err
	}
	r.registrant = registrant
	return r, nil
}

// ID returns the replica's registration id with the dispatcher.
func (r *Replica) ID() uuid.UUID {
	return r.registrant.ID()
}

// Ready returns the signal fired once the replica serves reads.
func (r *Replica) Ready() *signal.Signal {
	return r.ready
}

// waitCaughtUp blocks until the replica has admitted at least writes write
// operations to its store.
func (r *Replica) waitCaughtUp(writes uint64, interrupt *signal.Signal) error {
	return r.sink.WaitWrites(writes, interrupt)
}

// Failed returns the signal fired when the branch's dispatcher is lost.
func (r *Replica) Failed() *signal.Signal {
	return r.registrant.Failed()
}

// FailedReason returns why the dispatcher was lost. Valid after Failed.
func (r *Replica) FailedReason() string {
	return r.registrant.FailedReason()
}

// View returns the replica's store view.
func (r *Replica) View() store.View {
	return r.view
}

// Close withdraws from the branch, stops accepting operations, and waits for
// in-flight ones to finish.
func (r *Replica) Close() {
	r.once.Do(func() {
		r.registrant.Close()
		r.teardown()
	})
}

func (r *Replica) teardown() {
	r.writeBox.Close()
	r.writeReadBox.Close()
	r.readBox.Close()
	r.stop.Fire()
	r.drain.drain()
}

// spawn runs op on its own goroutine under the drainer, so Close can wait
// for it while the mailbox goroutine keeps consuming.
func (r *Replica) spawn(op func()) {
	if !r.drain.acquire() {
		return
	}
	go func() {
		defer r.drain.release()
		op()
	}()
}

func (r *Replica) onWrite(env WriteEnvelope) {
	r.spawn(func() {
		_, err := r.applyWrite(env.Req, env.Timestamp, env.Stamp)
		ack := Ack{}
		if err != nil {
			ack.Err = err.Error()
		}
		transport.Send(r.node, env.Ack, ack)
	})
}

func (r *Replica) onWriteRead(env WriteReadEnvelope) {
	r.spawn(func() {
		resp, err := r.applyWrite(env.Req, env.Timestamp, env.Stamp)
		transport.Send(r.node, env.Reply, makeReply(resp, err))
	})
}

func (r *Replica) onRead(env ReadEnvelope) {
	r.spawn(func() {
		resp, err := r.applyRead(env.Req, env.Stamp)
		transport.Send(r.node, env.Reply, makeReply(resp, err))
	})
}

func (r *Replica) applyWrite(req store.WriteRequest, ts store.Timestamp, st fifo.WriteStamp) (store.WriteResponse, error) {
	var rt *fifo.ReadTicket
	var wt *fifo.WriteTicket
	if err := r.sink.EnterWrite(st, r.stop, func() {
		rt = r.view.NewReadTicket()
		wt = r.view.NewWriteTicket()
	}); err != nil {
		return nil, err
	}
	meta, err := r.view.Metainfo(rt, r.stop)
	if err != nil {
		wt.Abandon()
		return nil, err
	}
	updated := stampMetainfo(meta, Stamp{Branch: r.branch, Version: ts})
	return r.view.Write(meta, updated, req, ts, wt, r.stop)
}

func (r *Replica) applyRead(req store.ReadRequest, st fifo.ReadStamp) (store.ReadResponse, error) {
	var metaTicket, readTicket *fifo.ReadTicket
	if err := r.sink.EnterRead(st, r.stop, func() {
		metaTicket = r.view.NewReadTicket()
		readTicket = r.view.NewReadTicket()
	}); err != nil {
		return nil, err
	}
	meta, err := r.view.Metainfo(metaTicket, r.stop)
	if err != nil {
		readTicket.Abandon()
		return nil, err
	}
	return r.view.Read(meta, req, readTicket, r.stop)
}

func makeReply(resp any, err error) Reply {
	if err != nil {
		return Reply{Err: err.Error()}
	}
	return Reply{Response: resp}
}

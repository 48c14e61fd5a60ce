package branch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/registry"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

var (
	// ErrReplicaSetLost reports that the branch currently has no replicas at
	// all. The operation may be retried once a replica rejoins.
	ErrReplicaSetLost = errors.New("branch: replica set lost")
	// ErrInsufficientReplicas reports that replicas exist but none of them
	// can serve the operation's region.
	ErrInsufficientReplicas = errors.New("branch: insufficient replicas")
)

// member is one registered replica. Each member has its own stamp source:
// stamps are dense per member, so a replica that joins mid-stream still sees
// its first envelope stamped zero.
type member struct {
	channels ReplicaChannels
	gone     *signal.Signal
	source   *fifo.Source
}

func (m *member) ready() bool {
	return m.channels.Readable == nil || m.channels.Readable.IsFired()
}

// Dispatcher tracks the branch's replica set and fans operations out to it.
// Every write gets the branch's next timestamp; exactly one caught-up
// replica performs the write-then-read that produces the write's result, the
// others just apply and acknowledge. Reads only go to caught-up replicas.
type Dispatcher struct {
	log       *zap.Logger
	node      *transport.Node
	branch    uuid.UUID
	region    region.Region
	registrar *registry.Registrar[ReplicaChannels]

	mu       sync.Mutex
	cond     *sync.Cond
	ts       store.Timestamp
	replicas map[uuid.UUID]*member
	order    []uuid.UUID
	cursor   int
}

func newDispatcher(node *transport.Node, logger *zap.Logger, branchID uuid.UUID,
	r region.Region, initialTS store.Timestamp) *Dispatcher {
	d := &Dispatcher{
		log:      logger,
		node:     node,
		branch:   branchID,
		region:   r,
		ts:       initialTS,
		replicas: make(map[uuid.UUID]*member),
	}
	d.cond = sync.NewCond(&d.mu)
	d.registrar = registry.NewRegistrar(node, logger, d.onRegister, d.onDeregister)
	return d
}

func (d *Dispatcher) onRegister(id uuid.UUID, channels ReplicaChannels) {
	d.mu.Lock()
	d.replicas[id] = &member{channels: channels, gone: signal.New(), source: fifo.NewSource()}
	d.order = append(d.order, id)
	d.cond.Broadcast()
	d.mu.Unlock()
	d.log.Info("replica joined branch",
		zap.String("branch", d.branch.String()),
		zap.String("replica", id.String()),
		zap.Stringer("region", channels.Region))
}

func (d *Dispatcher) onDeregister(id uuid.UUID) {
	d.mu.Lock()
	m := d.replicas[id]
	delete(d.replicas, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	if m != nil {
		m.gone.Fire()
	}
	d.log.Info("replica left branch",
		zap.String("branch", d.branch.String()),
		zap.String("replica", id.String()))
}

// RegistrarHandle returns the card replicas register through.
func (d *Dispatcher) RegistrarHandle() registry.Handle[ReplicaChannels] {
	return d.registrar.Handle()
}

// ReplicaCount returns the current size of the replica set.
func (d *Dispatcher) ReplicaCount() int {
	return d.registrar.Len()
}

// LastTimestamp returns the latest timestamp handed to a write.
func (d *Dispatcher) LastTimestamp() store.Timestamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ts
}

// awaitMember blocks until the registrar has committed id's registration, so
// every write dispatched afterwards is guaranteed to reach it.
func (d *Dispatcher) awaitMember(id uuid.UUID, interrupt *signal.Signal) error {
	stop := d.watchInterrupt(interrupt)
	defer stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.replicas[id] == nil {
		if interrupt != nil && interrupt.IsFired() {
			return signal.ErrInterrupted
		}
		d.cond.Wait()
	}
	return nil
}

func (d *Dispatcher) watchInterrupt(interrupt *signal.Signal) func() {
	if interrupt == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-interrupt.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stopped:
		}
	}()
	return func() {
		close(stopped)
		<-done
	}
}

// writesSentTo returns how many writes have been stamped for member id.
func (d *Dispatcher) writesSentTo(id uuid.UUID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.replicas[id]
	if m == nil {
		return 0
	}
	return m.source.IssuedWrites()
}

// eligibleLocked returns the ids of replicas whose region covers r, in
// registration order. With readableOnly set, replicas still catching up are
// skipped.
func (d *Dispatcher) eligibleLocked(r region.Region, readableOnly bool) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range d.order {
		m := d.replicas[id]
		if !region.IsSuperset(m.channels.Region, r) {
			continue
		}
		if readableOnly && !m.ready() {
			continue
		}
		out = append(out, id)
	}
	return out
}

type ackWait struct {
	id   uuid.UUID
	box  *transport.ReplyBox[Ack]
	gone *signal.Signal
}

// preparedWrite is a write that has been stamped and shipped but whose
// replies have not been collected yet. Preparation happens under the
// dispatcher lock, so the caller controls where the write lands in stamp
// order; awaiting happens outside it.
type preparedWrite struct {
	writer     uuid.UUID
	writerGone *signal.Signal
	replyBox   *transport.ReplyBox[Reply]
	acks       []ackWait
}

func (d *Dispatcher) prepareWrite(req store.WriteRequest) (*preparedWrite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.replicas) == 0 {
		return nil, ErrReplicaSetLost
	}
	eligible := d.eligibleLocked(req.Region(), false)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no replica covers %v", ErrInsufficientReplicas, req.Region())
	}
	readable := d.eligibleLocked(req.Region(), true)
	if len(readable) == 0 {
		return nil, fmt.Errorf("%w: no caught-up replica covers %v", ErrInsufficientReplicas, req.Region())
	}
	d.ts++
	ts := d.ts
	writer := readable[d.cursor%len(readable)]
	d.cursor++

	p := &preparedWrite{
		writer:     writer,
		writerGone: d.replicas[writer].gone,
		replyBox:   transport.NewReplyBox[Reply](d.node),
	}
	// Sends happen under the lock so per-replica arrival order matches stamp
	// order.
	for _, id := range eligible {
		m := d.replicas[id]
		if id == writer {
			transport.Send(d.node, m.channels.WriteRead, WriteReadEnvelope{
				Req: req, Timestamp: ts, Stamp: m.source.StampWrite(), Reply: p.replyBox.Addr(),
			})
			continue
		}
		box := transport.NewReplyBox[Ack](d.node)
		p.acks = append(p.acks, ackWait{id: id, box: box, gone: m.gone})
		transport.Send(d.node, m.channels.Write, WriteEnvelope{
			Req: req, Timestamp: ts, Stamp: m.source.StampWrite(), Ack: box.Addr(),
		})
	}
	return p, nil
}

func (d *Dispatcher) awaitWrite(p *preparedWrite, interrupt *signal.Signal) (store.WriteResponse, error) {
	var g errgroup.Group
	var ackErrs struct {
		mu  sync.Mutex
		err error
	}
	for _, a := range p.acks {
		a := a
		g.Go(func() error {
			defer a.box.Close()
			select {
			case <-a.box.Ready().Done():
				if ack := a.box.Value(); ack.Err != "" {
					ackErrs.mu.Lock()
					ackErrs.err = multierr.Append(ackErrs.err,
						fmt.Errorf("branch: replica %s: %s", a.id, ack.Err))
					ackErrs.mu.Unlock()
				}
			case <-a.gone.Done():
				// A replica that left mid-write owes no acknowledgement.
			case <-interruptDone(interrupt):
			}
			return nil
		})
	}

	var resp store.WriteResponse
	var err error
	select {
	case <-p.replyBox.Ready().Done():
		reply := p.replyBox.Value()
		resp, err = reply.Response, reply.AsError()
	case <-p.writerGone.Done():
		err = fmt.Errorf("%w: writer %s lost mid-write", ErrReplicaSetLost, p.writer)
	case <-interruptDone(interrupt):
		err = signal.ErrInterrupted
	}
	p.replyBox.Close()
	_ = g.Wait()
	if err != nil {
		return nil, err
	}
	return resp, ackErrs.err
}

// Write fans req out to every eligible replica and returns the result of the
// write-then-read performed by one of them.
func (d *Dispatcher) Write(req store.WriteRequest, interrupt *signal.Signal) (store.WriteResponse, error) {
	p, err := d.prepareWrite(req)
	if err != nil {
		return nil, err
	}
	return d.awaitWrite(p, interrupt)
}

// preparedRead mirrors preparedWrite for reads.
type preparedRead struct {
	target   uuid.UUID
	gone     *signal.Signal
	replyBox *transport.ReplyBox[Reply]
}

func (d *Dispatcher) prepareRead(req store.ReadRequest) (*preparedRead, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.replicas) == 0 {
		return nil, ErrReplicaSetLost
	}
	readable := d.eligibleLocked(req.Region(), true)
	if len(readable) == 0 {
		return nil, fmt.Errorf("%w: no caught-up replica covers %v", ErrInsufficientReplicas, req.Region())
	}
	target := readable[d.cursor%len(readable)]
	d.cursor++
	m := d.replicas[target]
	p := &preparedRead{
		target:   target,
		gone:     m.gone,
		replyBox: transport.NewReplyBox[Reply](d.node),
	}
	transport.Send(d.node, m.channels.Read, ReadEnvelope{
		Req: req, Stamp: m.source.StampRead(), Reply: p.replyBox.Addr(),
	})
	return p, nil
}

func (d *Dispatcher) awaitRead(p *preparedRead, interrupt *signal.Signal) (store.ReadResponse, error) {
	defer p.replyBox.Close()
	select {
	case <-p.replyBox.Ready().Done():
		reply := p.replyBox.Value()
		return reply.Response, reply.AsError()
	case <-p.gone.Done():
		return nil, fmt.Errorf("%w: replica %s lost mid-read", ErrReplicaSetLost, p.target)
	case <-interruptDone(interrupt):
		return nil, signal.ErrInterrupted
	}
}

// Read routes req to one caught-up replica and returns its result.
func (d *Dispatcher) Read(req store.ReadRequest, interrupt *signal.Signal) (store.ReadResponse, error) {
	p, err := d.prepareRead(req)
	if err != nil {
		return nil, err
	}
	return d.awaitRead(p, interrupt)
}

// close tears the replica set down, failing every registrant with reason.
func (d *Dispatcher) close(reason string) {
	d.registrar.Close(reason)
}

// interruptDone returns a channel that never fires for a nil interrupt.
func interruptDone(interrupt *signal.Signal) <-chan struct{} {
	if interrupt == nil {
		return nil
	}
	return interrupt.Done()
}

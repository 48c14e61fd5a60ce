package branch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

// Coordinator owns one branch: it mints the branch id, adopts the initial
// store into it, runs the dispatcher, and fronts the branch to clients over
// a pair of mailboxes. Client-facing failures travel back as strings inside
// Reply; only interruption surfaces as a real error on the direct methods.
type Coordinator struct {
	log        *zap.Logger
	node       *transport.Node
	branch     uuid.UUID
	region     region.Region
	initialTS  store.Timestamp
	dispatcher *Dispatcher
	drain      *drainer
	stop       *signal.Signal

	readBox  *transport.Mailbox[ClientRead]
	writeBox *transport.Mailbox[ClientWrite]
	once     sync.Once

	// One ordering lane per client origin: operations are admitted to the
	// dispatcher in token order, so same-origin submissions are stamped in
	// the order they were issued no matter how their handlers race.
	ordMu  sync.Mutex
	orders map[uuid.UUID]*fifo.Sink
}

// NewCoordinator creates a branch over r seeded from initial, which becomes
// the branch's first replica and must cover exactly r. The initial store's
// metainfo is restamped for the new branch; its highest stamped version
// seeds the branch's timestamp sequence.
func NewCoordinator(node *transport.Node, logger *zap.Logger, r region.Region,
	initial store.View, interrupt *signal.Signal) (*Coordinator, *Replica, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interrupt != nil && interrupt.IsFired() {
		return nil, nil, signal.ErrInterrupted
	}
	if !region.Equal(initial.Region(), r) {
		panic(fmt.Sprintf("branch: initial store covers %v, branch covers %v", initial.Region(), r))
	}

	branchID := uuid.New()
	meta, err := initial.Metainfo(initial.NewReadTicket(), interrupt)
	if err != nil {
		return nil, nil, err
	}
	initialTS := maxVersion(meta)
	adopted := stampMetainfo(meta, Stamp{Branch: branchID, Version: initialTS})
	if err := initial.SetMetainfo(adopted, initial.NewWriteTicket(), interrupt); err != nil {
		return nil, nil, err
	}

	c := &Coordinator{
		log:        logger,
		node:       node,
		branch:     branchID,
		region:     r,
		initialTS:  initialTS,
		dispatcher: newDispatcher(node, logger, branchID, r, initialTS),
		drain:      newDrainer(),
		stop:       signal.New(),
		orders:     make(map[uuid.UUID]*fifo.Sink),
	}
	first, err := NewReplica(node, logger, initial, c.dispatcher.RegistrarHandle(), branchID)
	if err != nil {
		c.dispatcher.close("branch never started: " + err.Error())
		return nil, nil, err
	}
	// The branch is not open for business until the dispatcher has its first
	// replica; otherwise an immediate operation would see an empty set.
	if err := c.dispatcher.awaitMember(first.ID(), interrupt); err != nil {
		first.Close()
		c.dispatcher.close("branch never started: " + err.Error())
		return nil, nil, err
	}
	c.readBox = transport.NewMailbox(node, c.onClientRead)
	c.writeBox = transport.NewMailbox(node, c.onClientWrite)
	logger.Info("branch created",
		zap.String("branch", branchID.String()),
		zap.Stringer("region", r),
		zap.Uint64("initial_timestamp", uint64(initialTS)))
	return c, first, nil
}

// Branch returns the branch id.
func (c *Coordinator) Branch() uuid.UUID {
	return c.branch
}

// InitialTimestamp returns the version the branch's write sequence started
// from.
func (c *Coordinator) InitialTimestamp() store.Timestamp {
	return c.initialTS
}

// Region returns the branch's region.
func (c *Coordinator) Region() region.Region {
	return c.region
}

// Dispatcher exposes the branch's dispatcher, e.g. for replica counts.
func (c *Coordinator) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Diagnostics is a point-in-time sample of a branch's health.
type Diagnostics struct {
	Branch        uuid.UUID
	Region        region.Region
	ReplicaCount  int
	LastTimestamp store.Timestamp
}

// Diagnostics samples the branch for observability surfaces.
func (c *Coordinator) Diagnostics() Diagnostics {
	return Diagnostics{
		Branch:        c.branch,
		Region:        c.region,
		ReplicaCount:  c.dispatcher.ReplicaCount(),
		LastTimestamp: c.dispatcher.LastTimestamp(),
	}
}

// Card returns the coordinator's published metadata.
func (c *Coordinator) Card() Card {
	return Card{
		Branch:    c.branch,
		Region:    c.region,
		Read:      c.readBox.Addr(),
		Write:     c.writeBox.Addr(),
		Registrar: c.dispatcher.RegistrarHandle(),
	}
}

// Write performs req through the branch. Quorum failures come back as
// errors; so does interruption.
func (c *Coordinator) Write(req store.WriteRequest, interrupt *signal.Signal) (store.WriteResponse, error) {
	if !c.drain.acquire() {
		return nil, ErrReplicaSetLost
	}
	defer c.drain.release()
	return c.dispatcher.Write(req, interrupt)
}

// Read performs req through the branch.
func (c *Coordinator) Read(req store.ReadRequest, interrupt *signal.Signal) (store.ReadResponse, error) {
	if !c.drain.acquire() {
		return nil, ErrReplicaSetLost
	}
	defer c.drain.release()
	return c.dispatcher.Read(req, interrupt)
}

func (c *Coordinator) onClientWrite(env ClientWrite) {
	if !c.drain.acquire() {
		return
	}
	go func() {
		defer c.drain.release()
		resp, err := c.orderedWrite(env.Req, env.Token)
		transport.Send(c.node, env.Reply, makeReply(resp, err))
	}()
}

func (c *Coordinator) onClientRead(env ClientRead) {
	if !c.drain.acquire() {
		return
	}
	go func() {
		defer c.drain.release()
		resp, err := c.orderedRead(env.Req, env.Token)
		transport.Send(c.node, env.Reply, makeReply(resp, err))
	}()
}

// orderFor returns the ordering lane for one origin.
func (c *Coordinator) orderFor(origin uuid.UUID) *fifo.Sink {
	c.ordMu.Lock()
	defer c.ordMu.Unlock()
	sink := c.orders[origin]
	if sink == nil {
		sink = fifo.NewSink()
		c.orders[origin] = sink
	}
	return sink
}

// orderedWrite admits the write to the dispatcher in the origin's token
// order: preparation (stamping and fan-out) runs inside the sink admission,
// so two same-origin writes are stamped in submission order even though
// their handlers race. Awaiting the replies happens outside the lane, so
// one slow write does not serialize the origin's pipeline.
func (c *Coordinator) orderedWrite(req store.WriteRequest, tok fifo.WriteToken) (store.WriteResponse, error) {
	if tok.Origin == uuid.Nil {
		return c.dispatcher.Write(req, c.stop)
	}
	var p *preparedWrite
	var prepErr error
	if err := c.orderFor(tok.Origin).EnterWrite(tok.Stamp, c.stop, func() {
		p, prepErr = c.dispatcher.prepareWrite(req)
	}); err != nil {
		return nil, err
	}
	if prepErr != nil {
		return nil, prepErr
	}
	return c.dispatcher.awaitWrite(p, c.stop)
}

func (c *Coordinator) orderedRead(req store.ReadRequest, tok fifo.ReadToken) (store.ReadResponse, error) {
	if tok.Origin == uuid.Nil {
		return c.dispatcher.Read(req, c.stop)
	}
	var p *preparedRead
	var prepErr error
	if err := c.orderFor(tok.Origin).EnterRead(tok.Stamp, c.stop, func() {
		p, prepErr = c.dispatcher.prepareRead(req)
	}); err != nil {
		return nil, err
	}
	if prepErr != nil {
		return nil, prepErr
	}
	return c.dispatcher.awaitRead(p, c.stop)
}

// Close retires the branch: it stops taking client operations, interrupts
// the in-flight ones, waits for them to unwind, and then fails every
// replica's registration. Stop fires before the drain so a handler stuck
// waiting on a replica that never answers still comes back.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		c.writeBox.Close()
		c.readBox.Close()
		c.stop.Fire()
		c.drain.drain()
		c.dispatcher.close("branch coordinator shut down")
		c.log.Info("branch closed", zap.String("branch", c.branch.String()))
	})
}

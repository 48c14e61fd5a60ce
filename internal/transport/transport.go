// Package transport provides in-process, location-transparent mailboxes.
// Every mailbox has an opaque address reachable from any node attached to
// the same network. Delivery is reliable and preserves per-sender order;
// sending is fire-and-forget and never blocks the sender on the receiver's
// handler. Messages to unknown or closed addresses are dropped.
package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Address names a mailbox. It is opaque to callers and comparable; the zero
// value addresses nothing.
type Address struct {
	Node string
	Box  uint64
}

// IsZero reports whether the address names no mailbox.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Network connects nodes so that any of them can deliver to any mailbox.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Node)}
}

// NewNode attaches a named node to the network. Node names must be unique;
// reusing one is a programming error.
func (nw *Network) NewNode(name string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		name:    name,
		network: nw,
		log:     logger,
		boxes:   make(map[uint64]*mailboxCore),
	}
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if _, dup := nw.nodes[name]; dup {
		panic("transport: duplicate node name " + name)
	}
	nw.nodes[name] = n
	return n
}

func (nw *Network) node(name string) *Node {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	return nw.nodes[name]
}

func (nw *Network) detach(name string) {
	nw.mu.Lock()
	delete(nw.nodes, name)
	nw.mu.Unlock()
}

// Node hosts mailboxes for one process-like participant.
type Node struct {
	name    string
	network *Network
	log     *zap.Logger

	mu     sync.Mutex
	next   uint64
	boxes  map[uint64]*mailboxCore
	closed bool
}

// Name returns the node's network name.
func (n *Node) Name() string {
	return n.name
}

// Close detaches the node and closes all of its mailboxes.
func (n *Node) Close() {
	n.network.detach(n.name)
	n.mu.Lock()
	n.closed = true
	boxes := make([]*mailboxCore, 0, len(n.boxes))
	for _, b := range n.boxes {
		boxes = append(boxes, b)
	}
	n.boxes = make(map[uint64]*mailboxCore)
	n.mu.Unlock()
	for _, b := range boxes {
		b.close()
	}
}

func (n *Node) register(handler func(any)) (Address, *mailboxCore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		panic("transport: mailbox created on a closed node")
	}
	n.next++
	core := newMailboxCore(handler)
	n.boxes[n.next] = core
	return Address{Node: n.name, Box: n.next}, core
}

func (n *Node) unregister(box uint64) {
	n.mu.Lock()
	delete(n.boxes, box)
	n.mu.Unlock()
}

func (n *Node) deliver(addr Address, msg any) {
	target := n.network.node(addr.Node)
	if target == nil {
		n.log.Debug("message dropped, unknown node", zap.String("node", addr.Node))
		return
	}
	target.mu.Lock()
	core := target.boxes[addr.Box]
	target.mu.Unlock()
	if core == nil {
		n.log.Debug("message dropped, no such mailbox",
			zap.String("node", addr.Node), zap.Uint64("box", addr.Box))
		return
	}
	core.enqueue(msg)
}

// mailboxCore is the untyped queue behind a mailbox: unbounded FIFO with a
// single consumer goroutine running the handler.
type mailboxCore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	closed  bool
	stopped chan struct{}
}

func newMailboxCore(handler func(any)) *mailboxCore {
	c := &mailboxCore{stopped: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.run(handler)
	return c
}

func (c *mailboxCore) enqueue(msg any) {
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, msg)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

func (c *mailboxCore) run(handler func(any)) {
	defer close(c.stopped)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		handler(msg)
	}
}

func (c *mailboxCore) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.cond.Signal()
	c.mu.Unlock()
	<-c.stopped
}

// Package registry implements the registration protocol between a resource
// owner (the registrar) and its clients (registrants). A registrant announces
// itself with a freshly generated id and some business data, and withdraws by
// sending a deletion for the same id. All traffic is fire-and-forget: a
// registrant never learns whether its messages arrived, it only observes the
// registrar's failure signal.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

// ErrRegistrarLost reports that the registrar was already gone when the
// registrant was created. It is the only failure a registrant constructor can
// return; later losses surface through the failure signal instead.
var ErrRegistrarLost = errors.New("registry: registrar lost")

// message is the single wire shape of the protocol. Create and delete share
// one mailbox so that per-sender ordering covers them both.
type message[D any] struct {
	ID     uuid.UUID
	Create bool
	Data   D
}

// Handle is a registrar's business card: where to register, and a failure
// signal fired when the registrar goes away. Handles are small values meant
// to be copied into shared metadata.
type Handle[D any] struct {
	addr transport.Addr[message[D]]
	lost *signal.Failure
}

// Lost returns the registrar's failure signal.
func (h Handle[D]) Lost() *signal.Failure {
	return h.lost
}

// Registrar accepts registrations and tracks the live set. Callbacks run one
// at a time on the mailbox's consumer goroutine.
type Registrar[D any] struct {
	log      *zap.Logger
	onCreate func(id uuid.UUID, data D)
	onDelete func(id uuid.UUID)
	box      *transport.Mailbox[message[D]]
	lost     *signal.Failure

	mu      sync.Mutex
	records map[uuid.UUID]struct{}
}

// NewRegistrar opens a registrar on node. onCreate runs for every new
// registration, onDelete for every withdrawal, including the forced
// withdrawals at Close.
func NewRegistrar[D any](node *transport.Node, logger *zap.Logger,
	onCreate func(id uuid.UUID, data D), onDelete func(id uuid.UUID)) *Registrar[D] {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registrar[D]{
		log:      logger,
		onCreate: onCreate,
		onDelete: onDelete,
		lost:     signal.NewFailure(),
		records:  make(map[uuid.UUID]struct{}),
	}
	r.box = transport.NewMailbox(node, r.handle)
	return r
}

func (r *Registrar[D]) handle(msg message[D]) {
	if msg.Create {
		r.mu.Lock()
		if _, dup := r.records[msg.ID]; dup {
			r.mu.Unlock()
			r.log.Warn("duplicate registration ignored", zap.String("id", msg.ID.String()))
			return
		}
		r.records[msg.ID] = struct{}{}
		r.mu.Unlock()
		r.log.Debug("registration created", zap.String("id", msg.ID.String()))
		r.onCreate(msg.ID, msg.Data)
		return
	}
	r.mu.Lock()
	_, ok := r.records[msg.ID]
	delete(r.records, msg.ID)
	r.mu.Unlock()
	if !ok {
		// Deletions for unknown ids are normal: the registrant may have
		// raced the registrar's shutdown.
		return
	}
	r.log.Debug("registration deleted", zap.String("id", msg.ID.String()))
	r.onDelete(msg.ID)
}

// Handle returns the card registrants use to reach this registrar.
func (r *Registrar[D]) Handle() Handle[D] {
	return Handle[D]{addr: r.box.Addr(), lost: r.lost}
}

// Len returns the number of live registrations.
func (r *Registrar[D]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Close stops accepting traffic, fires the failure signal with reason, and
// force-withdraws every remaining registration through onDelete.
func (r *Registrar[D]) Close(reason string) {
	r.box.Close()
	r.lost.Fail(reason)
	r.mu.Lock()
	remaining := make([]uuid.UUID, 0, len(r.records))
	for id := range r.records {
		remaining = append(remaining, id)
	}
	r.records = make(map[uuid.UUID]struct{})
	r.mu.Unlock()
	for _, id := range remaining {
		r.onDelete(id)
	}
}

// Registrant is one live registration. Creating it sends the registration,
// closing it sends the withdrawal; neither can fail after construction.
type Registrant[D any] struct {
	node   *transport.Node
	handle Handle[D]
	id     uuid.UUID
	once   sync.Once
}

// NewRegistrant registers data with the registrar behind h. It fails with
// ErrRegistrarLost, without sending anything, when the registrar is already
// gone. A registrar lost after this point is reported via Failed only.
func NewRegistrant[D any](node *transport.Node, h Handle[D], data D) (*Registrant[D], error) {
	if h.lost.IsFired() {
		return nil, fmt.Errorf("%w: %s", ErrRegistrarLost, h.lost.Reason())
	}
	r := &Registrant[D]{node: node, handle: h, id: uuid.New()}
	transport.Send(node, h.addr, message[D]{ID: r.id, Create: true, Data: data})
	return r, nil
}

// ID returns the registration id generated at construction.
func (r *Registrant[D]) ID() uuid.UUID {
	return r.id
}

// Failed returns the signal fired when the registrar is lost.
func (r *Registrant[D]) Failed() *signal.Signal {
	return r.handle.lost.Signal()
}

// FailedReason returns why the registrar was lost. Valid only after Failed
// has fired.
func (r *Registrant[D]) FailedReason() string {
	return r.handle.lost.Reason()
}

// Close withdraws the registration. Idempotent, never fails; if the
// registrar is already gone the withdrawal is silently dropped.
func (r *Registrant[D]) Close() {
	r.once.Do(func() {
		transport.Send(r.node, r.handle.addr, message[D]{ID: r.id})
	})
}

// Package branch implements the write coordination of one branch of the
// keyspace: a coordinator owns the branch and fronts it to clients, a
// dispatcher fans operations out to the registered replicas, and replicas
// apply them to their stores in dispatch order. A branch is identified by a
// freshly generated uuid; every store that joins it gets its metainfo
// stamped with that uuid and the version of the last write it has seen.
package branch

import (
	"errors"

	"github.com/google/uuid"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/registry"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
	"github.com/jisqyv/rethinkdb/internal/transport"
)

// Reply carries an operation result back over a mailbox. Failures travel as
// strings because the reply crosses what is conceptually a process boundary.
type Reply struct {
	Response any
	Err      string
}

// AsError converts the reply's failure back into an error.
func (r Reply) AsError() error {
	if r.Err == "" {
		return nil
	}
	return errors.New(r.Err)
}

// Ack acknowledges a plain write on a replica.
type Ack struct {
	Err string
}

// WriteEnvelope ships one write to a replica that only needs to apply it.
type WriteEnvelope struct {
	Req       store.WriteRequest
	Timestamp store.Timestamp
	Stamp     fifo.WriteStamp
	Ack       transport.Addr[Ack]
}

// WriteReadEnvelope ships one write to the single replica that must also
// report the write's result.
type WriteReadEnvelope struct {
	Req       store.WriteRequest
	Timestamp store.Timestamp
	Stamp     fifo.WriteStamp
	Reply     transport.Addr[Reply]
}

// ReadEnvelope ships one read to a replica.
type ReadEnvelope struct {
	Req   store.ReadRequest
	Stamp fifo.ReadStamp
	Reply transport.Addr[Reply]
}

// ReplicaChannels is the business data a replica registers with the
// dispatcher: the region it serves, the three addresses operations are
// shipped to, and the signal that fires once the replica has caught up with
// the branch. Writes fan out to every covering replica immediately; reads
// and write results only come from replicas whose Readable has fired.
type ReplicaChannels struct {
	Region    region.Region
	Write     transport.Addr[WriteEnvelope]
	WriteRead transport.Addr[WriteReadEnvelope]
	Read      transport.Addr[ReadEnvelope]
	Readable  *signal.Signal
}

// ClientWrite and ClientRead are the coordinator's client-facing shapes. The
// token orders operations from one origin: the coordinator admits them to
// the dispatcher in token order, so two writes submitted in sequence are
// stamped in sequence even though their handlers race. A zero token opts
// out of ordering.
type ClientWrite struct {
	Req   store.WriteRequest
	Token fifo.WriteToken
	Reply transport.Addr[Reply]
}

type ClientRead struct {
	Req   store.ReadRequest
	Token fifo.ReadToken
	Reply transport.Addr[Reply]
}

// Card is the coordinator's published metadata: everything another node
// needs to send operations to the branch or join it as a replica.
type Card struct {
	Branch    uuid.UUID
	Region    region.Region
	Read      transport.Addr[ClientRead]
	Write     transport.Addr[ClientWrite]
	Registrar registry.Handle[ReplicaChannels]
}

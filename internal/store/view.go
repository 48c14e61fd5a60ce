// Package store defines the per-replica storage contract. A view covers
// exactly one region of the keyspace for its whole lifetime and is accessed
// under ticket discipline: every read or write class operation presents a
// fresh ticket from the view's gate, and conflicting operations are
// serialized strictly by ticket issuance order. Alongside the data proper, a
// view tracks metainfo: a region map of opaque replication bookkeeping blobs
// whose domain always equals the view's region.
package store

import (
	"fmt"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
)

// Timestamp is a per-branch version stamp. Writes carry strictly increasing
// timestamps allocated by the branch dispatcher.
type Timestamp uint64

// Metainfo maps sub-regions of a view to opaque bookkeeping blobs.
type Metainfo = region.Map[[]byte]

// ReadRequest is a protocol-defined read. The storage layer only needs the
// region the request touches.
type ReadRequest interface {
	Region() region.Region
}

// WriteRequest is a protocol-defined write.
type WriteRequest interface {
	Region() region.Region
}

// ReadResponse, WriteResponse and Chunk are protocol-defined payloads that
// this layer routes without interpreting.
type (
	ReadResponse  = any
	WriteResponse = any
	Chunk         = any
)

// View is the abstract per-replica store covering one fixed region.
//
// All operations may suspend the calling goroutine (on the ticket gate or on
// I/O) and are cooperatively cancellable: they fail with
// signal.ErrInterrupted when the interrupt signal fires first. Preconditions
// are contracts between trusted components; violations panic.
type View interface {
	// Region returns the covered region, immutable after construction.
	Region() region.Region

	// NewReadTicket obtains the next read-class ticket from the view's gate.
	NewReadTicket() *fifo.ReadTicket
	// NewWriteTicket obtains the next write-class ticket.
	NewWriteTicket() *fifo.WriteTicket

	// Metainfo returns the view's metainfo; its domain equals Region().
	Metainfo(ticket *fifo.ReadTicket, interrupt *signal.Signal) (Metainfo, error)

	// SetMetainfo replaces the metainfo under newMetainfo's domain, which
	// must be contained in Region().
	SetMetainfo(newMetainfo Metainfo, ticket *fifo.WriteTicket, interrupt *signal.Signal) error

	// Read executes req. Region() must contain expected's domain, which must
	// contain req's region.
	Read(expected Metainfo, req ReadRequest, ticket *fifo.ReadTicket, interrupt *signal.Signal) (ReadResponse, error)

	// Write executes req at ts and atomically transitions the metainfo from
	// expected to updated. expected and updated must share a domain that is
	// contained in Region() and contains req's region.
	Write(expected, updated Metainfo, req WriteRequest, ts Timestamp,
		ticket *fifo.WriteTicket, interrupt *signal.Signal) (WriteResponse, error)

	// SendBackfill walks everything changed since start (per-region version
	// stamps), calls shouldBackfill exactly once with the current metainfo,
	// and if it returns true streams chunks to sink. Returns shouldBackfill's
	// result. Chunks already emitted before an interruption stay emitted.
	SendBackfill(start region.Map[Timestamp], shouldBackfill func(Metainfo) bool, sink func(Chunk),
		ticket *fifo.ReadTicket, interrupt *signal.Signal) (bool, error)

	// ReceiveBackfill applies one chunk produced by SendBackfill. A chunk
	// older than the store's current record for the key is ignored, so a
	// backfill may run concurrently with newer writes. An interrupted call
	// leaves the view's state undefined but recoverable by restarting the
	// backfill from scratch.
	ReceiveBackfill(chunk Chunk, ticket *fifo.WriteTicket, interrupt *signal.Signal) error

	// ResetData deletes every key in subregion and installs newMetainfo.
	// Region() must contain both.
	ResetData(subregion region.Region, newMetainfo Metainfo,
		ticket *fifo.WriteTicket, interrupt *signal.Signal) error
}

// AssertSuperset panics unless outer contains inner. Used by view
// implementations to enforce the contract's region preconditions.
func AssertSuperset(outer, inner region.Region, what string) {
	if !region.IsSuperset(outer, inner) {
		panic(fmt.Sprintf("store: %s: %v does not contain %v", what, outer, inner))
	}
}

// AssertSameDomain panics unless a and b share a domain.
func AssertSameDomain(a, b Metainfo, what string) {
	if !region.Equal(a.Domain(), b.Domain()) {
		panic(fmt.Sprintf("store: %s: domains differ: %v vs %v", what, a.Domain(), b.Domain()))
	}
}

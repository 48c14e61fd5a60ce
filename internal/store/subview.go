package store

import (
	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
)

// Subview narrows a parent view to a sub-region without copying any data.
// Tickets come from the parent's gate, so operations through the subview and
// operations through the parent (or sibling subviews) share one FIFO order.
// Every operation asserts its arguments stay inside the narrowed region and
// then delegates; Metainfo results are masked down to it.
type Subview struct {
	parent View
	region region.Region
}

var _ View = (*Subview)(nil)

// NewSubview wraps parent restricted to r. r must be contained in the
// parent's region.
func NewSubview(parent View, r region.Region) *Subview {
	AssertSuperset(parent.Region(), r, "subview region")
	return &Subview{parent: parent, region: r}
}

func (s *Subview) Region() region.Region {
	return s.region
}

func (s *Subview) NewReadTicket() *fifo.ReadTicket {
	return s.parent.NewReadTicket()
}

func (s *Subview) NewWriteTicket() *fifo.WriteTicket {
	return s.parent.NewWriteTicket()
}

func (s *Subview) Metainfo(ticket *fifo.ReadTicket, interrupt *signal.Signal) (Metainfo, error) {
	m, err := s.parent.Metainfo(ticket, interrupt)
	if err != nil {
		return Metainfo{}, err
	}
	return m.Mask(s.region), nil
}

func (s *Subview) SetMetainfo(newMetainfo Metainfo, ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	AssertSuperset(s.region, newMetainfo.Domain(), "subview set metainfo")
	return s.parent.SetMetainfo(newMetainfo, ticket, interrupt)
}

func (s *Subview) Read(expected Metainfo, req ReadRequest, ticket *fifo.ReadTicket, interrupt *signal.Signal) (ReadResponse, error) {
	AssertSuperset(s.region, expected.Domain(), "subview read")
	return s.parent.Read(expected, req, ticket, interrupt)
}

func (s *Subview) Write(expected, updated Metainfo, req WriteRequest, ts Timestamp,
	ticket *fifo.WriteTicket, interrupt *signal.Signal) (WriteResponse, error) {
	AssertSuperset(s.region, expected.Domain(), "subview write")
	return s.parent.Write(expected, updated, req, ts, ticket, interrupt)
}

func (s *Subview) SendBackfill(start region.Map[Timestamp], shouldBackfill func(Metainfo) bool, sink func(Chunk),
	ticket *fifo.ReadTicket, interrupt *signal.Signal) (bool, error) {
	AssertSuperset(s.region, start.Domain(), "subview send backfill")
	// The parent sees the whole metainfo; the decision must be made on the
	// narrowed slice only.
	narrowed := func(m Metainfo) bool {
		return shouldBackfill(m.Mask(s.region))
	}
	return s.parent.SendBackfill(start, narrowed, sink, ticket, interrupt)
}

func (s *Subview) ReceiveBackfill(chunk Chunk, ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	return s.parent.ReceiveBackfill(chunk, ticket, interrupt)
}

func (s *Subview) ResetData(subregion region.Region, newMetainfo Metainfo,
	ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	AssertSuperset(s.region, subregion, "subview reset data")
	AssertSuperset(s.region, newMetainfo.Domain(), "subview reset data metainfo")
	return s.parent.ResetData(subregion, newMetainfo, ticket, interrupt)
}

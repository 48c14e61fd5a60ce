package fifo

import "github.com/google/uuid"

// WriteToken and ReadToken order the operations one client origin submits to
// a coordinator, the same way stamps order a dispatcher's operations at a
// replica. A token carries the origin's identity so the receiver can keep
// one ordering lane per origin.
type WriteToken struct {
	Origin uuid.UUID
	Stamp  WriteStamp
}

// ReadToken orders a read after the origin's earlier writes.
type ReadToken struct {
	Origin uuid.UUID
	Stamp  ReadStamp
}

// TokenSource issues tokens for one origin in submission order.
type TokenSource struct {
	origin uuid.UUID
	src    *Source
}

// NewTokenSource returns a source for a fresh origin.
func NewTokenSource() *TokenSource {
	return &TokenSource{origin: uuid.New(), src: NewSource()}
}

// Origin returns the origin id the source stamps tokens with.
func (ts *TokenSource) Origin() uuid.UUID {
	return ts.origin
}

// WriteToken issues the origin's next write token.
func (ts *TokenSource) WriteToken() WriteToken {
	return WriteToken{Origin: ts.origin, Stamp: ts.src.StampWrite()}
}

// ReadToken issues the origin's next read token.
func (ts *TokenSource) ReadToken() ReadToken {
	return ReadToken{Origin: ts.origin, Stamp: ts.src.StampRead()}
}

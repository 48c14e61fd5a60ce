// Package kvproto defines the key-value protocol carried through the branch
// machinery: the read and write request shapes, their responses, and the
// backfill chunk format. The branch and store layers treat these as opaque;
// only the concrete stores and the outer service interpret them.
package kvproto

import (
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/store"
)

// GetRequest reads the value of one key.
type GetRequest struct {
	Key []byte `json:"key"`
}

func (r GetRequest) Region() region.Region {
	return region.Point(r.Key)
}

// GetResponse carries the result of a GetRequest.
type GetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// PutRequest stores a value under one key.
type PutRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func (r PutRequest) Region() region.Region {
	return region.Point(r.Key)
}

// PutResponse acknowledges a PutRequest.
type PutResponse struct {
	Replaced bool `json:"replaced"`
}

// DeleteRequest removes one key.
type DeleteRequest struct {
	Key []byte `json:"key"`
}

func (r DeleteRequest) Region() region.Region {
	return region.Point(r.Key)
}

// DeleteResponse acknowledges a DeleteRequest.
type DeleteResponse struct {
	Existed bool `json:"existed"`
}

// BackfillChunk transfers the current state of one key from a backfill
// sender to a receiver. Deleted chunks carry no value.
type BackfillChunk struct {
	Key     []byte          `json:"key"`
	Value   []byte          `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Version store.Timestamp `json:"version"`
}

func (c BackfillChunk) Region() region.Region {
	return region.Point(c.Key)
}

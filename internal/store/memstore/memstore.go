// Package memstore implements the store view contract in memory for the
// key-value protocol. A btree holds the live records ordered by key; a
// skiplist holds the changelog ordered by version, which is what backfill
// walks. Deletions leave tombstones so that backfill can propagate them.
package memstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/huandu/skiplist"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/kvproto"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
)

const btreeDegree = 32

var _ store.View = (*Store)(nil)

type record struct {
	key     []byte
	value   []byte
	version store.Timestamp
	deleted bool
}

func recordLess(a, b *record) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Store is an in-memory view over one region.
type Store struct {
	reg  region.Region
	gate *fifo.Gate

	mu   sync.RWMutex
	tree *btree.BTreeG[*record]
	// changelog: version-prefixed key -> record key. Ordered by version, so
	// a backfill walks it from its start point forward.
	changes *skiplist.SkipList
	meta    store.Metainfo
}

// New returns an empty store covering r with the given initial metainfo.
// The metainfo domain must equal r.
func New(r region.Region, initial store.Metainfo) *Store {
	if !region.Equal(initial.Domain(), r) {
		panic(fmt.Sprintf("memstore: metainfo domain %v does not match region %v", initial.Domain(), r))
	}
	return &Store{
		reg:     r,
		gate:    fifo.NewGate(),
		tree:    btree.NewG(btreeDegree, recordLess),
		changes: skiplist.New(skiplist.Bytes),
		meta:    initial.Mask(r),
	}
}

func (s *Store) Region() region.Region {
	return s.reg
}

func (s *Store) NewReadTicket() *fifo.ReadTicket {
	return s.gate.NewReadTicket()
}

func (s *Store) NewWriteTicket() *fifo.WriteTicket {
	return s.gate.NewWriteTicket()
}

func (s *Store) Metainfo(ticket *fifo.ReadTicket, interrupt *signal.Signal) (store.Metainfo, error) {
	release, err := s.gate.EnterRead(ticket, interrupt)
	if err != nil {
		return store.Metainfo{}, err
	}
	defer release()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Mask(s.reg), nil
}

func (s *Store) SetMetainfo(newMetainfo store.Metainfo, ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	store.AssertSuperset(s.reg, newMetainfo.Domain(), "set metainfo")
	release, err := s.gate.EnterWrite(ticket, interrupt)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Update(newMetainfo)
	return nil
}

func (s *Store) Read(expected store.Metainfo, req store.ReadRequest,
	ticket *fifo.ReadTicket, interrupt *signal.Signal) (store.ReadResponse, error) {
	store.AssertSuperset(s.reg, expected.Domain(), "read metainfo")
	store.AssertSuperset(expected.Domain(), req.Region(), "read request")
	release, err := s.gate.EnterRead(ticket, interrupt)
	if err != nil {
		return nil, err
	}
	defer release()
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.assertMetainfoLocked(expected)

	switch r := req.(type) {
	case kvproto.GetRequest:
		rec, ok := s.tree.Get(&record{key: r.Key})
		if !ok || rec.deleted {
			return kvproto.GetResponse{}, nil
		}
		return kvproto.GetResponse{Value: append([]byte(nil), rec.value...), Found: true}, nil
	default:
		panic(fmt.Sprintf("memstore: unsupported read request %T", req))
	}
}

func (s *Store) Write(expected, updated store.Metainfo, req store.WriteRequest, ts store.Timestamp,
	ticket *fifo.WriteTicket, interrupt *signal.Signal) (store.WriteResponse, error) {
	store.AssertSameDomain(expected, updated, "write metainfo")
	store.AssertSuperset(s.reg, expected.Domain(), "write metainfo")
	store.AssertSuperset(expected.Domain(), req.Region(), "write request")
	release, err := s.gate.EnterWrite(ticket, interrupt)
	if err != nil {
		return nil, err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assertMetainfoLocked(expected)

	var resp store.WriteResponse
	switch r := req.(type) {
	case kvproto.PutRequest:
		replaced := s.applyLocked(r.Key, r.Value, false, ts)
		resp = kvproto.PutResponse{Replaced: replaced}
	case kvproto.DeleteRequest:
		existed := s.applyLocked(r.Key, nil, true, ts)
		resp = kvproto.DeleteResponse{Existed: existed}
	default:
		panic(fmt.Sprintf("memstore: unsupported write request %T", req))
	}
	s.meta.Update(updated)
	return resp, nil
}

func (s *Store) SendBackfill(start region.Map[store.Timestamp], shouldBackfill func(store.Metainfo) bool,
	sink func(store.Chunk), ticket *fifo.ReadTicket, interrupt *signal.Signal) (bool, error) {
	store.AssertSuperset(s.reg, start.Domain(), "send backfill")
	release, err := s.gate.EnterRead(ticket, interrupt)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !shouldBackfill(s.meta.Mask(s.reg)) {
		return false, nil
	}

	emitted := make(map[string]struct{})
	for elem := s.changes.Front(); elem != nil; elem = elem.Next() {
		if interrupt != nil && interrupt.IsFired() {
			return true, signal.ErrInterrupted
		}
		version, key := decodeChange(elem.Key().([]byte))
		threshold, ok := start.Lookup(key)
		if !ok || version <= threshold {
			continue
		}
		if _, dup := emitted[string(key)]; dup {
			continue
		}
		emitted[string(key)] = struct{}{}
		rec, ok := s.tree.Get(&record{key: key})
		if !ok {
			continue
		}
		sink(kvproto.BackfillChunk{
			Key:     append([]byte(nil), rec.key...),
			Value:   append([]byte(nil), rec.value...),
			Deleted: rec.deleted,
			Version: rec.version,
		})
	}
	return true, nil
}

func (s *Store) ReceiveBackfill(chunk store.Chunk, ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	c, ok := chunk.(kvproto.BackfillChunk)
	if !ok {
		panic(fmt.Sprintf("memstore: unsupported backfill chunk %T", chunk))
	}
	store.AssertSuperset(s.reg, c.Region(), "receive backfill")
	release, err := s.gate.EnterWrite(ticket, interrupt)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()
	// A chunk never clobbers a record a newer write has already produced, so
	// a backfill can run concurrently with live traffic.
	if prev, ok := s.tree.Get(&record{key: c.Key}); ok && prev.version > c.Version {
		return nil
	}
	s.applyLocked(c.Key, c.Value, c.Deleted, c.Version)
	return nil
}

func (s *Store) ResetData(subregion region.Region, newMetainfo store.Metainfo,
	ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	store.AssertSuperset(s.reg, subregion, "reset data")
	store.AssertSuperset(s.reg, newMetainfo.Domain(), "reset data metainfo")
	release, err := s.gate.EnterWrite(ticket, interrupt)
	if err != nil {
		return err
	}
	defer release()
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*record
	s.tree.Ascend(func(rec *record) bool {
		if subregion.ContainsKey(rec.key) {
			doomed = append(doomed, rec)
		}
		return true
	})
	for _, rec := range doomed {
		s.tree.Delete(rec)
	}
	for elem := s.changes.Front(); elem != nil; {
		next := elem.Next()
		if _, key := decodeChange(elem.Key().([]byte)); subregion.ContainsKey(key) {
			s.changes.Remove(elem.Key())
		}
		elem = next
	}
	s.meta.Update(newMetainfo)
	return nil
}

// applyLocked installs one mutation and records it in the changelog,
// retiring the key's previous changelog entry so the log holds one entry per
// live key. The returned bool reports whether a live record existed before.
func (s *Store) applyLocked(key, value []byte, deleted bool, ts store.Timestamp) bool {
	if !s.reg.ContainsKey(key) {
		panic(fmt.Sprintf("memstore: key %q outside region %v", key, s.reg))
	}
	prev, had := s.tree.Get(&record{key: key})
	existed := had && !prev.deleted
	if had {
		s.changes.Remove(encodeChange(prev.version, key))
	}
	s.tree.ReplaceOrInsert(&record{
		key:     append([]byte(nil), key...),
		value:   append([]byte(nil), value...),
		version: ts,
		deleted: deleted,
	})
	s.changes.Set(encodeChange(ts, key), append([]byte(nil), key...))
	return existed
}

// assertMetainfoLocked checks the caller's view of the metainfo against the
// store's. A mismatch means the branch machinery lost track of the replica's
// state, which is unrecoverable.
func (s *Store) assertMetainfoLocked(expected store.Metainfo) {
	current := s.meta.Mask(expected.Domain())
	if !region.EqualFunc(current, expected, bytes.Equal) {
		panic(fmt.Sprintf("memstore: metainfo mismatch under %v", expected.Domain()))
	}
}

func encodeChange(version store.Timestamp, key []byte) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf, uint64(version))
	copy(buf[8:], key)
	return buf
}

func decodeChange(change []byte) (store.Timestamp, []byte) {
	return store.Timestamp(binary.BigEndian.Uint64(change)), change[8:]
}

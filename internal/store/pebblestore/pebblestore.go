// Package pebblestore implements the store view contract on top of a pebble
// database, giving a replica durable data, metainfo and changelog. The three
// record kinds share one keyspace behind single-byte prefixes:
//
//	d<key>             live record, JSON encoded
//	c<version><key>    changelog entry, version big-endian
//	m                  metainfo snapshot, JSON encoded
//
// A file lock guards the directory against a second process opening it.
package pebblestore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"go.uber.org/multierr"

	"github.com/jisqyv/rethinkdb/internal/fifo"
	"github.com/jisqyv/rethinkdb/internal/kvproto"
	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
)

const fileLockName = "flock"

var (
	// ErrDirInUse reports that another process holds the store directory.
	ErrDirInUse = errors.New("pebblestore: directory is used by another process")

	prefixData   = []byte{'d'}
	prefixChange = []byte{'c'}
	keyMetainfo  = []byte{'m'}
)

var _ store.View = (*Store)(nil)

type diskRecord struct {
	Value   []byte          `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Version store.Timestamp `json:"version"`
}

type diskMetaEntry struct {
	Start []byte `json:"start"`
	End   []byte `json:"end,omitempty"`
	NoEnd bool   `json:"no_end,omitempty"`
	Blob  []byte `json:"blob,omitempty"`
}

// Store is a pebble-backed view over one region.
type Store struct {
	reg  region.Region
	gate *fifo.Gate
	lock *flock.Flock

	mu   sync.RWMutex
	db   *pebble.DB
	meta store.Metainfo
}

// Open opens (or creates) the store in dir. When the directory holds no
// metainfo yet, initial is installed; otherwise the persisted metainfo wins
// and its domain must equal r.
func Open(dir string, r region.Region, initial store.Metainfo) (*Store, error) {
	if !region.Equal(initial.Domain(), r) {
		panic(fmt.Sprintf("pebblestore: metainfo domain %v does not match region %v", initial.Domain(), r))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fileLock := flock.New(filepath.Join(dir, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, ErrDirInUse
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		err = multierr.Append(err, fileLock.Unlock())
		return nil, err
	}
	s := &Store{reg: r, gate: fifo.NewGate(), lock: fileLock, db: db}
	if err := s.loadMetainfo(initial); err != nil {
		err = multierr.Append(err, db.Close())
		err = multierr.Append(err, fileLock.Unlock())
		return nil, err
	}
	return s, nil
}

// Close flushes nothing special (every commit is synced) and releases the
// database and the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Append(s.db.Close(), s.lock.Unlock())
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
	updated := s.meta.Mask(s.reg)
	updated.Update(newMetainfo)
	if err := s.persistMetainfo(s.db, updated); err != nil {
		return err
	}
	s.meta = updated
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
		rec, found, err := s.getRecord(r.Key)
		if err != nil {
			return nil, err
		}
		if !found || rec.Deleted {
			return kvproto.GetResponse{}, nil
		}
		return kvproto.GetResponse{Value: rec.Value, Found: true}, nil
	default:
		panic(fmt.Sprintf("pebblestore: unsupported read request %T", req))
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

	newMeta := s.meta.Mask(s.reg)
	newMeta.Update(updated)

	var resp store.WriteResponse
	batch := s.db.NewBatch()
	switch r := req.(type) {
	case kvproto.PutRequest:
		prev, found, err := s.applyToBatch(batch, r.Key, r.Value, false, ts, newMeta)
		if err != nil {
			return nil, multierr.Append(err, batch.Close())
		}
		resp = kvproto.PutResponse{Replaced: found && !prev.Deleted}
	case kvproto.DeleteRequest:
		prev, found, err := s.applyToBatch(batch, r.Key, nil, true, ts, newMeta)
		if err != nil {
			return nil, multierr.Append(err, batch.Close())
		}
		resp = kvproto.DeleteResponse{Existed: found && !prev.Deleted}
	default:
		panic(fmt.Sprintf("pebblestore: unsupported write request %T", req))
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	s.meta = newMeta
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

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixChange,
		UpperBound: prefixEnd(prefixChange),
	})
	if err != nil {
		return true, err
	}
	defer iter.Close()

	emitted := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		if interrupt != nil && interrupt.IsFired() {
			return true, signal.ErrInterrupted
		}
		version, key := decodeChangeKey(iter.Key())
		threshold, ok := start.Lookup(key)
		if !ok || version <= threshold {
			continue
		}
		if _, dup := emitted[string(key)]; dup {
			continue
		}
		emitted[string(key)] = struct{}{}
		rec, found, err := s.getRecord(key)
		if err != nil {
			return true, err
		}
		if !found {
			continue
		}
		sink(kvproto.BackfillChunk{
			Key:     append([]byte(nil), key...),
			Value:   rec.Value,
			Deleted: rec.Deleted,
			Version: rec.Version,
		})
	}
	return true, iter.Error()
}

func (s *Store) ReceiveBackfill(chunk store.Chunk, ticket *fifo.WriteTicket, interrupt *signal.Signal) error {
	c, ok := chunk.(kvproto.BackfillChunk)
	if !ok {
		panic(fmt.Sprintf("pebblestore: unsupported backfill chunk %T", chunk))
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
	prev, found, err := s.getRecord(c.Key)
	if err != nil {
		return err
	}
	if found && prev.Version > c.Version {
		return nil
	}

	batch := s.db.NewBatch()
	if _, _, err := s.applyToBatch(batch, c.Key, c.Value, c.Deleted, c.Version, s.meta); err != nil {
		return multierr.Append(err, batch.Close())
	}
	return batch.Commit(pebble.Sync)
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

	updated := s.meta.Mask(s.reg)
	updated.Update(newMetainfo)

	batch := s.db.NewBatch()
	if err := batch.DeleteRange(dataKey(subregion.Start), dataRangeEnd(subregion), pebble.Sync); err != nil {
		return multierr.Append(err, batch.Close())
	}
	// Changelog entries are keyed by version, so doomed ones are found by
	// scanning rather than by a range delete.
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixChange,
		UpperBound: prefixEnd(prefixChange),
	})
	if err != nil {
		return multierr.Append(err, batch.Close())
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if _, key := decodeChangeKey(iter.Key()); subregion.ContainsKey(key) {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), pebble.Sync); err != nil {
				return multierr.Combine(err, iter.Close(), batch.Close())
			}
		}
	}
	if err := multierr.Append(iter.Error(), iter.Close()); err != nil {
		return multierr.Append(err, batch.Close())
	}
	if err := s.persistMetainfo(batch, updated); err != nil {
		return multierr.Append(err, batch.Close())
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	s.meta = updated
	return nil
}

// applyToBatch stages one mutation: the record itself, its changelog entry
// (retiring the key's previous one, so the log holds one entry per live
// key), and the metainfo blob. It returns the record the mutation replaced.
func (s *Store) applyToBatch(batch *pebble.Batch, key, value []byte, deleted bool,
	ts store.Timestamp, meta store.Metainfo) (diskRecord, bool, error) {
	if !s.reg.ContainsKey(key) {
		panic(fmt.Sprintf("pebblestore: key %q outside region %v", key, s.reg))
	}
	prev, found, err := s.getRecord(key)
	if err != nil {
		return diskRecord{}, false, err
	}
	if found {
		if err := batch.Delete(changeKey(prev.Version, key), pebble.Sync); err != nil {
			return diskRecord{}, false, err
		}
	}
	recBytes, err := json.Marshal(diskRecord{Value: value, Deleted: deleted, Version: ts})
	if err != nil {
		return diskRecord{}, false, err
	}
	if err := batch.Set(dataKey(key), recBytes, pebble.Sync); err != nil {
		return diskRecord{}, false, err
	}
	chunkBytes, err := kvproto.BackfillChunk{Key: key, Value: value, Deleted: deleted, Version: ts}.Marshal()
	if err != nil {
		return diskRecord{}, false, err
	}
	if err := batch.Set(changeKey(ts, key), chunkBytes, pebble.Sync); err != nil {
		return diskRecord{}, false, err
	}
	return prev, found, s.persistMetainfo(batch, meta)
}

func (s *Store) getRecord(key []byte) (diskRecord, bool, error) {
	raw, closer, err := s.db.Get(dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return diskRecord{}, false, nil
	}
	if err != nil {
		return diskRecord{}, false, err
	}
	defer closer.Close()
	var rec diskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return diskRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) loadMetainfo(initial store.Metainfo) error {
	raw, closer, err := s.db.Get(keyMetainfo)
	if errors.Is(err, pebble.ErrNotFound) {
		s.meta = initial.Mask(s.reg)
		return s.persistMetainfo(s.db, s.meta)
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	var entries []diskMetaEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	pairs := make([]region.Entry[[]byte], len(entries))
	for i, e := range entries {
		pairs[i] = region.Entry[[]byte]{
			Region: region.Region{Start: e.Start, End: e.End, NoEnd: e.NoEnd},
			Value:  e.Blob,
		}
	}
	meta := region.NewMap(pairs...)
	if !region.Equal(meta.Domain(), s.reg) {
		return fmt.Errorf("pebblestore: persisted metainfo domain %v does not match region %v",
			meta.Domain(), s.reg)
	}
	s.meta = meta
	return nil
}

// metaWriter is satisfied by both *pebble.DB and *pebble.Batch.
type metaWriter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

func (s *Store) persistMetainfo(w metaWriter, meta store.Metainfo) error {
	entries := meta.Entries()
	disk := make([]diskMetaEntry, len(entries))
	for i, e := range entries {
		disk[i] = diskMetaEntry{Start: e.Region.Start, End: e.Region.End, NoEnd: e.Region.NoEnd, Blob: e.Value}
	}
	raw, err := json.Marshal(disk)
	if err != nil {
		return err
	}
	return w.Set(keyMetainfo, raw, pebble.Sync)
}

func (s *Store) assertMetainfoLocked(expected store.Metainfo) {
	current := s.meta.Mask(expected.Domain())
	if !region.EqualFunc(current, expected, bytes.Equal) {
		panic(fmt.Sprintf("pebblestore: metainfo mismatch under %v", expected.Domain()))
	}
}

func dataKey(key []byte) []byte {
	out := make([]byte, 0, 1+len(key))
	return append(append(out, prefixData...), key...)
}

// dataRangeEnd returns the exclusive upper bound of the data keyspace slice
// covering r.
func dataRangeEnd(r region.Region) []byte {
	if r.NoEnd {
		return prefixEnd(prefixData)
	}
	return dataKey(r.End)
}

func changeKey(version store.Timestamp, key []byte) []byte {
	out := make([]byte, 1+8+len(key))
	out[0] = prefixChange[0]
	binary.BigEndian.PutUint64(out[1:], uint64(version))
	copy(out[9:], key)
	return out
}

func decodeChangeKey(raw []byte) (store.Timestamp, []byte) {
	return store.Timestamp(binary.BigEndian.Uint64(raw[1:9])), raw[9:]
}

func prefixEnd(prefix []byte) []byte {
	return []byte{prefix[0] + 1}
}

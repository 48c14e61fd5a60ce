package branch

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/store"
)

// Stamp is what this package keeps in store metainfo blobs: which branch a
// piece of the keyspace last belonged to, and how far along the branch's
// write sequence it is. A zero stamp marks data that belongs to no branch
// yet.
type Stamp struct {
	Branch  uuid.UUID       `json:"branch"`
	Version store.Timestamp `json:"version"`
}

// encodeStamp serialises a stamp into a metainfo blob.
func encodeStamp(s Stamp) []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		// A uuid and an integer always marshal.
		panic(err)
	}
	return raw
}

// decodeStamp parses a metainfo blob. Blobs written by other systems (or
// empty ones on a fresh store) decode as the zero stamp.
func decodeStamp(blob []byte) Stamp {
	var s Stamp
	if len(blob) == 0 {
		return Stamp{}
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return Stamp{}
	}
	return s
}

// stampMetainfo returns metainfo covering the domain of m with every blob
// replaced by the given stamp.
func stampMetainfo(m store.Metainfo, s Stamp) store.Metainfo {
	blob := encodeStamp(s)
	return region.Transform(m, func([]byte) []byte { return blob })
}

// startPoint derives a backfill start point from metainfo: the version
// stamped on each piece of the domain.
func startPoint(m store.Metainfo) region.Map[store.Timestamp] {
	return region.Transform(m, func(blob []byte) store.Timestamp {
		return decodeStamp(blob).Version
	})
}

// maxVersion returns the highest version stamped anywhere in m.
func maxVersion(m store.Metainfo) store.Timestamp {
	var max store.Timestamp
	for _, e := range m.Entries() {
		if v := decodeStamp(e.Value).Version; v > max {
			max = v
		}
	}
	return max
}

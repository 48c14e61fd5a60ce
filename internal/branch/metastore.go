package branch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jisqyv/rethinkdb/internal/region"
)

// BranchRecord is the durable description of a branch: enough to recognise
// stamped metainfo after a restart and to audit the branch history of a
// region.
type BranchRecord struct {
	ID        uuid.UUID `json:"id"`
	Start     []byte    `json:"start"`
	End       []byte    `json:"end,omitempty"`
	NoEnd     bool      `json:"no_end,omitempty"`
	InitialTS uint64    `json:"initial_ts"`
	CreatedAt time.Time `json:"created_at"`
}

// Region reconstructs the branch's region.
func (r BranchRecord) BranchRegion() region.Region {
	return region.Region{Start: r.Start, End: r.End, NoEnd: r.NoEnd}
}

// NewBranchRecord describes a freshly created coordinator.
func NewBranchRecord(c *Coordinator) BranchRecord {
	r := c.Region()
	return BranchRecord{
		ID:        c.Branch(),
		Start:     r.Start,
		End:       r.End,
		NoEnd:     r.NoEnd,
		InitialTS: uint64(c.InitialTimestamp()),
		CreatedAt: time.Now().UTC(),
	}
}

const (
	metastoreFileName = "branches.db"
	branchesBucketKey = "branches"
	branchesKeyPrefix = "branch/"
)

// Metastore persists branch records in a bbolt file.
type Metastore struct {
	db *bolt.DB
}

// OpenMetastore opens (or creates) the branch registry under dir.
func OpenMetastore(dir string) (*Metastore, error) {
	if dir == "" {
		return nil, fmt.Errorf("branch: metastore directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, metastoreFileName), 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(branchesBucketKey))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Metastore{db: db}, nil
}

// Put stores (or replaces) a branch record.
func (m *Metastore) Put(rec BranchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(branchesKeyPrefix + rec.ID.String())
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(branchesBucketKey))
		if bucket == nil {
			return fmt.Errorf("branch: bucket %s missing", branchesBucketKey)
		}
		return bucket.Put(key, data)
	})
}

// Get loads one branch record.
func (m *Metastore) Get(id uuid.UUID) (BranchRecord, bool, error) {
	var rec BranchRecord
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(branchesBucketKey))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(branchesKeyPrefix + id.String()))
		if len(data) == 0 {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// ForEach visits every stored branch record.
func (m *Metastore) ForEach(fn func(BranchRecord) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(branchesBucketKey))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec BranchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// Close releases the underlying file.
func (m *Metastore) Close() error {
	return m.db.Close()
}

package branch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jisqyv/rethinkdb/internal/region"
)

func TestMetastoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := OpenMetastore(dir)
	require.NoError(t, err)

	b := startBranch(t)
	rec := NewBranchRecord(b.coordinator)
	require.NoError(t, m.Put(rec))
	b.stop()

	got, found, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec.ID, got.ID)
	require.True(t, region.Equal(rec.BranchRegion(), got.BranchRegion()))

	_, found, err = m.Get(uuid.New())
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, m.Close())

	// Records survive a reopen.
	m, err = OpenMetastore(dir)
	require.NoError(t, err)
	var seen int
	require.NoError(t, m.ForEach(func(r BranchRecord) error {
		seen++
		require.Equal(t, rec.ID, r.ID)
		return nil
	}))
	require.Equal(t, 1, seen)
	require.NoError(t, m.Close())
}

package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapDomain(t *testing.T) {
	require.True(t, Map[int]{}.Domain().IsEmpty())

	m := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 1},
		Entry[int]{Region: span("m", "z"), Value: 2},
	)
	require.True(t, Equal(span("a", "z"), m.Domain()))
}

func TestMapMaskWithDomainIsIdentity(t *testing.T) {
	m := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 1},
		Entry[int]{Region: span("m", "z"), Value: 2},
	)
	require.True(t, MapsEqual(m, m.Mask(m.Domain())))
}

func TestMapMaskDisjoint(t *testing.T) {
	m := Single(span("a", "m"), 1)
	require.Zero(t, m.Mask(span("m", "z")).Len())
}

func TestMapUpdateOverlay(t *testing.T) {
	// Domain a..z; map1 = {[a,m)->1, [m,z)->2}; update {[f,k)->9} yields
	// {[a,f)->1, [f,k)->9, [k,m)->1, [m,z)->2}.
	m := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 1},
		Entry[int]{Region: span("m", "z"), Value: 2},
	)
	m.Update(Single(span("f", "k"), 9))

	require.True(t, Equal(span("a", "z"), m.Domain()))
	want := NewMap(
		Entry[int]{Region: span("a", "f"), Value: 1},
		Entry[int]{Region: span("f", "k"), Value: 9},
		Entry[int]{Region: span("k", "m"), Value: 1},
		Entry[int]{Region: span("m", "z"), Value: 2},
	)
	require.True(t, MapsEqual(want, m))

	v, ok := m.Lookup([]byte("g"))
	require.True(t, ok)
	require.Equal(t, 9, v)
	v, ok = m.Lookup([]byte("c"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Lookup([]byte("q"))
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestMapUpdateKeepsDomain(t *testing.T) {
	m := Single(span("a", "z"), 0)
	other := NewMap(
		Entry[int]{Region: span("c", "f"), Value: 1},
		Entry[int]{Region: span("f", "j"), Value: 2},
	)
	m.Update(other)
	require.True(t, Equal(span("a", "z"), m.Domain()))

	v, ok := m.Lookup([]byte("d"))
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = m.Lookup([]byte("g"))
	require.True(t, ok)
	require.Equal(t, 2, v)
	v, ok = m.Lookup([]byte("a"))
	require.True(t, ok)
	require.Equal(t, 0, v)
}

func TestMapUpdateOutsideDomainPanics(t *testing.T) {
	m := Single(span("a", "m"), 1)
	require.Panics(t, func() {
		m.Update(Single(span("f", "z"), 2))
	})
}

func TestMapSet(t *testing.T) {
	m := Single(span("a", "z"), 0)
	m.Set(span("f", "k"), 7)
	v, ok := m.Lookup([]byte("f"))
	require.True(t, ok)
	require.Equal(t, 7, v)
	v, ok = m.Lookup([]byte("k"))
	require.True(t, ok)
	require.Equal(t, 0, v)
}

func TestTransformPreservesRegions(t *testing.T) {
	m := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 1},
		Entry[int]{Region: span("m", "z"), Value: 2},
	)
	doubled := Transform(m, func(v int) int { return v * 2 })

	require.Equal(t, m.Len(), doubled.Len())
	for i, e := range doubled.Entries() {
		require.True(t, Equal(m.Entries()[i].Region, e.Region))
		require.Equal(t, m.Entries()[i].Value*2, e.Value)
	}
}

func TestMapsEqualInsensitiveToSplitting(t *testing.T) {
	whole := Single(span("a", "z"), 5)
	split := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 5},
		Entry[int]{Region: span("m", "z"), Value: 5},
	)
	require.True(t, MapsEqual(whole, split))
	require.True(t, MapsEqual(split, whole))
	require.True(t, MapsEqual(split, split))

	reordered := NewMap(
		Entry[int]{Region: span("m", "z"), Value: 5},
		Entry[int]{Region: span("a", "m"), Value: 5},
	)
	require.True(t, MapsEqual(whole, reordered))

	differentValue := NewMap(
		Entry[int]{Region: span("a", "m"), Value: 5},
		Entry[int]{Region: span("m", "z"), Value: 6},
	)
	require.False(t, MapsEqual(whole, differentValue))

	differentDomain := Single(span("a", "y"), 5)
	require.False(t, MapsEqual(whole, differentDomain))
}

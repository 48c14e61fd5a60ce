package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func span(start, end string) Region {
	return Span([]byte(start), []byte(end))
}

func TestIsEmpty(t *testing.T) {
	require.True(t, Empty().IsEmpty())
	require.True(t, span("m", "m").IsEmpty())
	require.True(t, span("m", "a").IsEmpty())
	require.False(t, span("a", "m").IsEmpty())
	require.False(t, All().IsEmpty())
	require.False(t, From([]byte("z")).IsEmpty())
}

func TestContainsKey(t *testing.T) {
	r := span("a", "m")
	require.True(t, r.ContainsKey([]byte("a")))
	require.True(t, r.ContainsKey([]byte("lzzz")))
	require.False(t, r.ContainsKey([]byte("m")))
	require.False(t, r.ContainsKey([]byte("0")))

	require.True(t, All().ContainsKey(nil))
	require.True(t, From([]byte("m")).ContainsKey([]byte("zzz")))
	require.False(t, Empty().ContainsKey([]byte("a")))
}

func TestIntersect(t *testing.T) {
	require.True(t, Equal(span("f", "m"), Intersect(span("a", "m"), span("f", "z"))))
	require.True(t, Intersect(span("a", "f"), span("f", "z")).IsEmpty())
	require.True(t, Intersect(span("a", "f"), Empty()).IsEmpty())
	require.True(t, Equal(span("a", "f"), Intersect(span("a", "f"), All())))
	require.True(t, Equal(From([]byte("m")), Intersect(From([]byte("a")), From([]byte("m")))))
}

func TestIsSuperset(t *testing.T) {
	require.True(t, IsSuperset(span("a", "z"), span("f", "m")))
	require.True(t, IsSuperset(span("a", "z"), span("a", "z")))
	require.True(t, IsSuperset(span("a", "z"), Empty()))
	require.True(t, IsSuperset(All(), From([]byte("q"))))
	require.False(t, IsSuperset(span("a", "z"), From([]byte("q"))))
	require.False(t, IsSuperset(span("f", "m"), span("a", "z")))
	require.False(t, IsSuperset(Empty(), span("a", "b")))
}

func TestJoin(t *testing.T) {
	joined, err := Join([]Region{span("m", "z"), span("a", "m")})
	require.NoError(t, err)
	require.True(t, Equal(span("a", "z"), joined))

	joined, err = Join([]Region{span("a", "m"), Empty(), From([]byte("m"))})
	require.NoError(t, err)
	require.True(t, Equal(From([]byte("a")), joined))

	joined, err = Join(nil)
	require.NoError(t, err)
	require.True(t, joined.IsEmpty())

	_, err = Join([]Region{span("a", "m"), span("f", "z")})
	require.ErrorIs(t, err, ErrBadJoin)

	_, err = Join([]Region{span("a", "f"), span("m", "z")})
	require.ErrorIs(t, err, ErrBadRegion)

	_, err = Join([]Region{From([]byte("a")), span("m", "z")})
	require.ErrorIs(t, err, ErrBadJoin)
}

func TestSubtractMany(t *testing.T) {
	frags := SubtractMany(span("a", "z"), []Region{span("f", "k")})
	require.Len(t, frags, 2)
	require.True(t, Equal(span("a", "f"), frags[0]))
	require.True(t, Equal(span("k", "z"), frags[1]))

	frags = SubtractMany(span("a", "z"), []Region{span("a", "z")})
	require.Empty(t, frags)

	frags = SubtractMany(span("a", "f"), []Region{span("m", "z")})
	require.Len(t, frags, 1)
	require.True(t, Equal(span("a", "f"), frags[0]))

	frags = SubtractMany(All(), []Region{span("f", "k")})
	require.Len(t, frags, 2)
	require.True(t, Equal(span("", "f"), frags[0]))
	require.True(t, Equal(From([]byte("k")), frags[1]))

	frags = SubtractMany(span("a", "z"), []Region{From([]byte("m"))})
	require.Len(t, frags, 1)
	require.True(t, Equal(span("a", "m"), frags[0]))
}

func TestRegionEqual(t *testing.T) {
	require.True(t, Equal(Empty(), span("q", "b")))
	require.True(t, Equal(span("a", "m"), span("a", "m")))
	require.False(t, Equal(span("a", "m"), span("a", "n")))
	require.False(t, Equal(span("a", "m"), From([]byte("a"))))
}

package region

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrBadRegion indicates a computed set of keys cannot be expressed as a
	// single Region.
	ErrBadRegion = errors.New("region: set cannot be expressed as a single region")
	// ErrBadJoin indicates Join was given overlapping regions.
	ErrBadJoin = errors.New("region: join requires non-overlapping regions")
)

// Region describes the half-open key interval [Start, End). NoEnd marks a
// region extending to the end of the keyspace, in which case End is ignored.
// The zero value is the empty region. Regions are values; callers must not
// mutate the key slices after construction.
type Region struct {
	Start []byte
	End   []byte
	NoEnd bool
}

// Empty returns the canonical empty region.
func Empty() Region {
	return Region{}
}

// Span returns the region covering [start, end).
func Span(start, end []byte) Region {
	return Region{Start: start, End: end}
}

// From returns the region covering [start, end-of-keyspace).
func From(start []byte) Region {
	return Region{Start: start, NoEnd: true}
}

// All returns the region covering the whole keyspace.
func All() Region {
	return Region{NoEnd: true}
}

// Point returns the smallest region containing exactly key.
func Point(key []byte) Region {
	end := make([]byte, len(key)+1)
	copy(end, key)
	return Region{Start: key, End: end}
}

// IsEmpty reports whether the region contains no keys.
func (r Region) IsEmpty() bool {
	return !r.NoEnd && bytes.Compare(r.Start, r.End) >= 0
}

// ContainsKey reports whether key falls inside the region.
func (r Region) ContainsKey(key []byte) bool {
	if r.IsEmpty() {
		return false
	}
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return r.NoEnd || bytes.Compare(key, r.End) < 0
}

// Equal reports whether two regions cover the same keys.
func Equal(a, b Region) bool {
	if a.IsEmpty() || b.IsEmpty() {
		return a.IsEmpty() && b.IsEmpty()
	}
	if !bytes.Equal(a.Start, b.Start) || a.NoEnd != b.NoEnd {
		return false
	}
	return a.NoEnd || bytes.Equal(a.End, b.End)
}

// Intersect returns the region covered by both a and b.
func Intersect(a, b Region) Region {
	if a.IsEmpty() || b.IsEmpty() {
		return Empty()
	}
	out := Region{Start: maxKey(a.Start, b.Start)}
	switch {
	case a.NoEnd && b.NoEnd:
		out.NoEnd = true
	case a.NoEnd:
		out.End = b.End
	case b.NoEnd:
		out.End = a.End
	default:
		out.End = minKey(a.End, b.End)
	}
	if out.IsEmpty() {
		return Empty()
	}
	return out
}

// Overlaps reports whether a and b share at least one key.
func Overlaps(a, b Region) bool {
	return !Intersect(a, b).IsEmpty()
}

// IsSuperset reports whether a covers every key of b.
func IsSuperset(a, b Region) bool {
	if b.IsEmpty() {
		return true
	}
	if a.IsEmpty() {
		return false
	}
	if bytes.Compare(a.Start, b.Start) > 0 {
		return false
	}
	if a.NoEnd {
		return true
	}
	if b.NoEnd {
		return false
	}
	return bytes.Compare(b.End, a.End) <= 0
}

// Join merges a set of pairwise disjoint regions into the single region
// covering their union. Empty members are ignored. Join fails with ErrBadJoin
// when two members overlap and with ErrBadRegion when the union leaves a gap
// and therefore cannot be expressed as one region.
func Join(regions []Region) (Region, error) {
	parts := make([]Region, 0, len(regions))
	for _, r := range regions {
		if !r.IsEmpty() {
			parts = append(parts, r)
		}
	}
	if len(parts) == 0 {
		return Empty(), nil
	}
	sort.Slice(parts, func(i, j int) bool {
		return bytes.Compare(parts[i].Start, parts[j].Start) < 0
	})
	for i := 1; i < len(parts); i++ {
		prev := parts[i-1]
		if prev.NoEnd {
			return Empty(), ErrBadJoin
		}
		switch bytes.Compare(parts[i].Start, prev.End) {
		case -1:
			return Empty(), ErrBadJoin
		case 1:
			return Empty(), ErrBadRegion
		}
	}
	last := parts[len(parts)-1]
	return Region{Start: parts[0].Start, End: last.End, NoEnd: last.NoEnd}, nil
}

// SubtractMany removes every region in subs from r and returns the remaining
// fragments ordered by start key. The result may be empty.
func SubtractMany(r Region, subs []Region) []Region {
	frags := []Region{r}
	if r.IsEmpty() {
		return nil
	}
	for _, sub := range subs {
		if sub.IsEmpty() {
			continue
		}
		next := make([]Region, 0, len(frags)+1)
		for _, frag := range frags {
			next = append(next, subtractOne(frag, sub)...)
		}
		frags = next
	}
	sort.Slice(frags, func(i, j int) bool {
		return bytes.Compare(frags[i].Start, frags[j].Start) < 0
	})
	return frags
}

func subtractOne(frag, sub Region) []Region {
	if !Overlaps(frag, sub) {
		return []Region{frag}
	}
	var out []Region
	if bytes.Compare(sub.Start, frag.Start) > 0 {
		left := Region{Start: frag.Start, End: sub.Start}
		if !left.IsEmpty() {
			out = append(out, left)
		}
	}
	if !sub.NoEnd {
		right := Region{Start: sub.End, End: frag.End, NoEnd: frag.NoEnd}
		if !right.IsEmpty() {
			out = append(out, right)
		}
	}
	return out
}

// String renders the region for logs and assertion messages.
func (r Region) String() string {
	if r.IsEmpty() {
		return "[empty)"
	}
	if r.NoEnd {
		return fmt.Sprintf("[%q, +inf)", r.Start)
	}
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

func maxKey(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func minKey(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}

package region

import "fmt"

// Entry is one (region, value) pair of a Map.
type Entry[V any] struct {
	Region Region
	Value  V
}

// Map associates pairwise disjoint regions with values. Its domain is the
// join of all member regions and is always expressible as a single Region.
// The zero value is the empty map with empty domain. Maps are value-like:
// Mask and Transform return fresh maps, only Update and Set mutate.
type Map[V any] struct {
	entries []Entry[V]
}

// NewMap builds a map from the given pairs. The regions must be pairwise
// disjoint and gap-free; violations are programming errors and panic.
func NewMap[V any](entries ...Entry[V]) Map[V] {
	m := Map[V]{entries: entries}
	m.Domain() // validates the disjointness invariant
	return m
}

// Single builds a one-pair map covering r.
func Single[V any](r Region, v V) Map[V] {
	if r.IsEmpty() {
		return Map[V]{}
	}
	return Map[V]{entries: []Entry[V]{{Region: r, Value: v}}}
}

// Domain returns the join of all member regions.
func (m Map[V]) Domain() Region {
	regions := make([]Region, len(m.entries))
	for i, e := range m.entries {
		regions[i] = e.Region
	}
	domain, err := Join(regions)
	if err != nil {
		panic(fmt.Sprintf("region: map invariant broken: %v", err))
	}
	return domain
}

// Len returns the number of pairs.
func (m Map[V]) Len() int {
	return len(m.entries)
}

// Entries returns the underlying pairs. Callers must treat the slice as
// read-only.
func (m Map[V]) Entries() []Entry[V] {
	return m.entries
}

// Lookup returns the value of the pair containing key.
func (m Map[V]) Lookup(key []byte) (V, bool) {
	for _, e := range m.entries {
		if e.Region.ContainsKey(key) {
			return e.Value, true
		}
	}
	var zero V
	return zero, false
}

// Mask restricts the map to its intersection with r, dropping pairs that end
// up empty. The receiver is not modified.
func (m Map[V]) Mask(r Region) Map[V] {
	masked := make([]Entry[V], 0, len(m.entries))
	for _, e := range m.entries {
		ixn := Intersect(e.Region, r)
		if !ixn.IsEmpty() {
			masked = append(masked, Entry[V]{Region: ixn, Value: e.Value})
		}
	}
	return Map[V]{entries: masked}
}

// Update overlays other onto m with last-writer-wins semantics: every key
// covered by other takes other's value, keys outside keep their old value,
// and the domain never changes. other's domain exceeding m's domain is a
// programming error and panics; callers must mask first.
func (m *Map[V]) Update(other Map[V]) {
	if !IsSuperset(m.Domain(), other.Domain()) {
		panic(fmt.Sprintf("region: update cannot expand the domain of a map: %v does not contain %v",
			m.Domain(), other.Domain()))
	}
	overlay := make([]Region, len(other.entries))
	for i, e := range other.entries {
		overlay[i] = e.Region
	}
	updated := make([]Entry[V], 0, len(m.entries)+len(other.entries))
	for _, e := range m.entries {
		for _, rest := range SubtractMany(e.Region, overlay) {
			updated = append(updated, Entry[V]{Region: rest, Value: e.Value})
		}
	}
	updated = append(updated, other.entries...)
	m.entries = updated
}

// Set assigns v to every key in r, leaving the rest of the map unchanged.
func (m *Map[V]) Set(r Region, v V) {
	m.Update(Single(r, v))
}

// Transform returns a new map with every value replaced by f(value). The
// region structure is carried over unchanged and m is not modified.
func Transform[V, W any](m Map[V], f func(V) W) Map[W] {
	entries := make([]Entry[W], len(m.entries))
	for i, e := range m.entries {
		entries[i] = Entry[W]{Region: e.Region, Value: f(e.Value)}
	}
	return Map[W]{entries: entries}
}

// EqualFunc reports whether two maps cover the same domain and agree, under
// eq, on the value at every key. Pair order and splitting do not matter: the
// comparison masks b by each of a's regions and cross-checks values.
func EqualFunc[V any](a, b Map[V], eq func(V, V) bool) bool {
	if !Equal(a.Domain(), b.Domain()) {
		return false
	}
	for _, e := range a.entries {
		for _, other := range b.Mask(e.Region).entries {
			if !eq(e.Value, other.Value) {
				return false
			}
		}
	}
	return true
}

// MapsEqual is EqualFunc for comparable value types.
func MapsEqual[V comparable](a, b Map[V]) bool {
	return EqualFunc(a, b, func(x, y V) bool { return x == y })
}

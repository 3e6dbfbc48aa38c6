package hierarchy

import "slices"

// IDSet is a set of region identifiers.
type IDSet map[uint32]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...uint32) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s IDSet) Add(id uint32) {
	s[id] = struct{}{}
}

// Remove deletes id from the set.
func (s IDSet) Remove(id uint32) {
	delete(s, id)
}

// Clone returns a shallow copy.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Union returns s ∪ other as a new set.
func (s IDSet) Union(other IDSet) IDSet {
	u := s.Clone()
	for id := range other {
		u[id] = struct{}{}
	}
	return u
}

// Difference returns s \ other as a new set.
func (s IDSet) Difference(other IDSet) IDSet {
	d := make(IDSet)
	for id := range s {
		if !other.Has(id) {
			d[id] = struct{}{}
		}
	}
	return d
}

// Equal reports whether both sets hold the same ids.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []uint32 {
	ids := make([]uint32, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

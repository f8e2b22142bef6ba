package cpu

import "math/bits"

// Set is a set of CPU IDs.
type Set uint64

// Add inserts id into the set.
func (s *Set) Add(id ID) {
	*s |= 1 << id
}

// Remove deletes id from the set.
func (s *Set) Remove(id ID) {
	*s &^= 1 << id
}

// Contains returns true if id is a member of the set.
func (s Set) Contains(id ID) bool {
	return s&(1<<id) != 0
}

// Count returns the number of CPUs in the set.
func (s Set) Count() int {
	return bits.OnesCount64(uint64(s))
}

// CPUs returns the members of the set in increasing order.
func (s Set) CPUs() []ID {
	ids := make([]ID, 0, s.Count())
	for rem := uint64(s); rem != 0; rem &= rem - 1 {
		ids = append(ids, ID(bits.TrailingZeros64(rem)))
	}
	return ids
}

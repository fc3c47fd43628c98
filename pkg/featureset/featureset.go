// Package featureset holds the integer-id set operations the partition tree is
// built from. Feature ids are plain ints; collections are unordered slices
// unless a function says otherwise.
package featureset

import "sort"

// Set is a hash set of feature ids.
type Set map[int]struct{}

// NewSet builds a set from ids. Duplicates collapse.
func NewSet(ids []int) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s Set) Contains(id int) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the members in ascending order.
func (s Set) Slice() []int {
	out := make([]int, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Intersect returns the ids present in both a and b, each exactly once, in
// unspecified order. The hash set is built from the smaller input and the
// larger one is scanned, so the cost is linear in the inputs with memory
// proportional to min(|a|, |b|).
func Intersect(a, b []int) []int {
	if len(a) == 0 || len(b) == 0 {
		return []int{}
	}

	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}

	lookup := NewSet(small)
	out := make([]int, 0, len(lookup))
	for _, id := range large {
		if _, ok := lookup[id]; ok {
			out = append(out, id)
			// Drop the id so duplicates in the larger input are emitted once
			delete(lookup, id)
		}
	}
	return out
}

// Union returns the distinct ids of all inputs in ascending order.
func Union(sets ...[]int) []int {
	total := 0
	for _, s := range sets {
		total += len(s)
	}
	merged := make(Set, total)
	for _, s := range sets {
		for _, id := range s {
			merged[id] = struct{}{}
		}
	}
	return merged.Slice()
}

// Difference returns the ids of a that are not in b, preserving a's order.
func Difference(a, b []int) []int {
	exclude := NewSet(b)
	out := make([]int, 0, len(a))
	for _, id := range a {
		if !exclude.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Disjoint reports whether no id appears in more than one of the inputs.
func Disjoint(sets ...[]int) bool {
	seen := make(map[int]int)
	for i, s := range sets {
		for _, id := range s {
			if owner, ok := seen[id]; ok && owner != i {
				return false
			}
			seen[id] = i
		}
	}
	return true
}

// Sorted returns an ascending, duplicate-free copy of ids.
func Sorted(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	sort.Ints(out)

	// Compact duplicates in place
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

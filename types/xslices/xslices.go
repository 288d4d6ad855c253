// Package xslices provide missing functionality to the slices and maps
// packages of the standard library.
package xslices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Keys returns the keys of a map in the form of a slice, in no particular
// order.
func Keys[K comparable, V any](m map[K]V) []K {
	s := make([]K, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	return s
}

// SortedKeys returns the keys of a map in the form of a sorted slice.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	s := Keys(m)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

// Last returns the last element of a slice. It panics on an empty slice, same
// as indexing out of bounds.
func Last[T any](s []T) T {
	return s[len(s)-1]
}

// Package sarray provides shared typed buffers for zero-copy message
// payloads.
//
// An Array is a view over contiguous backing storage. Slicing produces a new
// view of the same storage; Clone produces an independent copy. The garbage
// collector keeps the storage alive while any view or in-flight message
// references it, so the payload of a pending push or pull survives until
// every consumer is done with it.
//
// Mutation discipline: a view may be mutated only while its owner holds the
// sole reference. Once an Array has been handed to the store, the producer
// must treat it as frozen.
package sarray

// Array is a typed view over shared backing storage.
type Array[T any] struct {
	data []T
}

// New creates an Array of n zero values.
func New[T any](n int) Array[T] {
	return Array[T]{data: make([]T, n)}
}

// Wrap creates an Array sharing the given slice's storage.
func Wrap[T any](s []T) Array[T] {
	return Array[T]{data: s}
}

// Len returns the number of elements.
func (a Array[T]) Len() int { return len(a.data) }

// Empty reports whether the array has no elements.
func (a Array[T]) Empty() bool { return len(a.data) == 0 }

// Data exposes the underlying slice. Mutating it mutates every view sharing
// the storage.
func (a Array[T]) Data() []T { return a.data }

// At returns the i-th element.
func (a Array[T]) At(i int) T { return a.data[i] }

// Set assigns the i-th element.
func (a Array[T]) Set(i int, v T) { a.data[i] = v }

// Slice returns a view of the half-open range [begin, end) sharing the same
// backing storage.
func (a Array[T]) Slice(begin, end int) Array[T] {
	return Array[T]{data: a.data[begin:end]}
}

// Clone returns a copy with independent storage.
func (a Array[T]) Clone() Array[T] {
	c := make([]T, len(a.data))
	copy(c, a.data)
	return Array[T]{data: c}
}

// CopyFrom replaces the array contents with a copy of s.
func (a *Array[T]) CopyFrom(s []T) {
	a.data = make([]T, len(s))
	copy(a.data, s)
}

// Resize grows or shrinks the array to n elements. Growing allocates new
// storage when the current capacity is insufficient; existing elements are
// preserved.
func (a *Array[T]) Resize(n int) {
	switch {
	case n <= len(a.data):
		a.data = a.data[:n]
	case n <= cap(a.data):
		tail := a.data[len(a.data):n]
		var zero T
		for i := range tail {
			tail[i] = zero
		}
		a.data = a.data[:n]
	default:
		grown := make([]T, n)
		copy(grown, a.data)
		a.data = grown
	}
}

// Zero resets every element to the zero value in place.
func (a Array[T]) Zero() {
	var zero T
	for i := range a.data {
		a.data[i] = zero
	}
}

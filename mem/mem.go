// Package mem provides growth-only storage whose elements never move.
package mem

// BucketSize is the number of elements per bucket of a BucketSlice. Positional identifiers derived from an element's
// bucket and offset (such as correlation IDs) rely on this value being fixed.
const BucketSize = 64

// BucketSlice is like a slice, but grows one bucket at a time, instead of growing exponentially. Existing buckets are
// never reallocated, which means that pointers returned by Grow, Append and Ptr remain valid for the lifetime of the
// slice, even as it grows. Reset reuses buckets and thus invalidates the contents, not the addresses.
type BucketSlice[T any] struct {
	n       int
	buckets [][]T
}

// Grow grows the slice by one and returns a pointer to the new element, without overwriting it.
func (l *BucketSlice[T]) Grow() *T {
	a, _ := l.index(l.n)
	if a >= len(l.buckets) {
		l.buckets = append(l.buckets, make([]T, 0, BucketSize))
	}
	l.buckets[a] = l.buckets[a][:len(l.buckets[a])+1]
	ptr := &l.buckets[a][len(l.buckets[a])-1]
	l.n++
	return ptr
}

// Append appends v to the slice and returns a pointer to the new element.
func (l *BucketSlice[T]) Append(v T) *T {
	ptr := l.Grow()
	*ptr = v
	return ptr
}

func (l *BucketSlice[T]) index(i int) (int, int) {
	// Doing the division on uint instead of int compiles this function to a shift and an AND (for power of 2
	// bucket sizes), versus a whole bunch of instructions for int.
	return int(uint(i) / BucketSize), int(uint(i) % BucketSize)
}

func (l *BucketSlice[T]) Ptr(i int) *T {
	a, b := l.index(i)
	return &l.buckets[a][b]
}

func (l *BucketSlice[T]) Get(i int) T {
	a, b := l.index(i)
	return l.buckets[a][b]
}

func (l *BucketSlice[T]) Len() int {
	return l.n
}

// Reset truncates the slice to zero elements. The zeroed buckets are kept for reuse so that stale values don't keep
// garbage alive.
func (l *BucketSlice[T]) Reset() {
	for i := range l.buckets {
		clear(l.buckets[i])
		l.buckets[i] = l.buckets[i][:0]
	}
	l.n = 0
}

// GrowLen increases the slice's length by n elements.
func GrowLen[S ~[]E, E any](s S, n int) S {
	return append(s, make([]E, n)...)
}

func EnsureLen[S ~[]E, E any](s S, n int) S {
	if len(s) >= n {
		return s
	}
	return GrowLen(s, n-len(s))
}

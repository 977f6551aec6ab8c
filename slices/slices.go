// Package slices contains helpers for using slices as explicit stacks, for walking trees without recursion.
package slices

// Pop removes the last element of s. It returns false if s is empty.
func Pop[E any, S ~[]E](s S) (E, S, bool) {
	if len(s) == 0 {
		return *new(E), s, false
	}
	e := s[len(s)-1]
	s = s[:len(s)-1]
	return e, s, true
}

// PushReversed appends elems to s in reverse order, so that popping from s yields them in their original order.
func PushReversed[E any, S ~[]E](s S, elems ...E) S {
	for i := len(elems) - 1; i >= 0; i-- {
		s = append(s, elems[i])
	}
	return s
}

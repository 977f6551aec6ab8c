package container

import "fmt"

// Option is a value that may be absent. The zero value is absent.
type Option[T any] struct {
	v   T
	set bool
}

func (opt Option[T]) String() string {
	if !opt.set {
		return "none"
	}
	return fmt.Sprintf("%v", opt.v)
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func Some[T any](v T) Option[T] {
	return Option[T]{v: v, set: true}
}

func (opt Option[T]) Get() (T, bool) {
	return opt.v, opt.set
}

func (opt Option[T]) Set() bool {
	return opt.set
}

// Store sets the value in place. It is used to fill in values that are computed after the Option has been stored
// somewhere else.
func (opt *Option[T]) Store(v T) {
	opt.v = v
	opt.set = true
}

// Reset makes the value absent.
func (opt *Option[T]) Reset() {
	*opt = Option[T]{}
}

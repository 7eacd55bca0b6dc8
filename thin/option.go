package thin

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Option holds either a value (Some) or nothing (None). The zero Option is None.
type Option[T any] struct {
	value T
	ok    bool
}

func Some[T any](value T) Option[T] {
	return Option[T]{value: value, ok: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (o Option[T]) IsSome() bool { return o.ok }

func (o Option[T]) IsNone() bool { return !o.ok }

// Get returns the value and whether it is present
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Unwrap returns the value, panicking if there is none
func (o Option[T]) Unwrap() T {
	if !o.ok {
		panic(errors.AssertionFailedf("unwrapped an empty Option"))
	}
	return o.value
}

// UnwrapOr returns the value, or fallback if there is none
func (o Option[T]) UnwrapOr(fallback T) T {
	if !o.ok {
		return fallback
	}
	return o.value
}

func (o Option[T]) String() string {
	if !o.ok {
		return "None"
	}
	return fmt.Sprintf("Some(%v)", o.value)
}

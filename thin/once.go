package thin

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/alloc"
)

// ErrRepeatedInvocation is the panic value, wrapped, when a single-shot callable created by
// FromOnce is called a second time
var ErrRepeatedInvocation = errors.New("single-shot callable invoked more than once")

// Unit is the result type of callables that produce nothing
type Unit = struct{}

// FnMut is a callable that can be invoked any number of times and may change its own state
// between invocations
type FnMut[In, Out any] interface {
	CallMut(arg In) Out
}

// Call invokes the callable owned by d
func Call[In, Out any, A alloc.Allocator](d Dyn[FnMut[In, Out], A], arg In) Out {
	return d.Deref().CallMut(arg)
}

// Action adapts a function without arguments or results to the shape the constructors in this
// package accept
func Action(f func()) func(Unit) Unit {
	return func(Unit) Unit {
		f()
		return Unit{}
	}
}

type onceState uint8

const (
	onceHolding onceState = iota
	onceSpent
)

type funcMut[In, Out any] struct {
	f func(In) Out
}

func (c *funcMut[In, Out]) CallMut(arg In) Out {
	return c.f(arg)
}

// onceUnchecked releases its function on the first call and does not guard against a second
type onceUnchecked[In, Out any] struct {
	f func(In) Out
}

func (c *onceUnchecked[In, Out]) CallMut(arg In) Out {
	f := c.f
	c.f = nil
	return f(arg)
}

type oncePanicking[In, Out any] struct {
	state onceState
	f     func(In) Out
}

func (c *oncePanicking[In, Out]) CallMut(arg In) Out {
	if c.state == onceSpent {
		panic(errors.WithStack(ErrRepeatedInvocation))
	}

	c.state = onceSpent
	f := c.f
	c.f = nil
	return f(arg)
}

type onceChecked[In, Out any] struct {
	state onceState
	f     func(In) Out
}

func (c *onceChecked[In, Out]) CallMut(arg In) Option[Out] {
	if c.state == onceSpent {
		return None[Out]()
	}

	c.state = onceSpent
	f := c.f
	c.f = nil
	return Some(f(arg))
}

// NewFunc moves an ordinary function into a Dyn callable on the Go heap
func NewFunc[In, Out any](f func(In) Out) Dyn[FnMut[In, Out], alloc.Global] {
	return NewDyn[FnMut[In, Out]](funcMut[In, Out]{f: f})
}

// FromOnceUnchecked makes a callable from f that must only be called once. The function is
// released by the first call, and calling again panics with a nil function dereference.
func FromOnceUnchecked[In, Out any](f func(In) Out) Dyn[FnMut[In, Out], alloc.Global] {
	d, err := TryFromOnceUncheckedIn(f, alloc.Global{})
	return mustCallable(d, err)
}

// TryFromOnceUncheckedIn behaves like FromOnceUnchecked, allocating from a. The callable
// holds a Go function, so a must be able to serve layouts that contain pointers.
func TryFromOnceUncheckedIn[In, Out any, A alloc.Allocator](f func(In) Out, a A) (Dyn[FnMut[In, Out], A], error) {
	return TryNewDynIn[FnMut[In, Out]](onceUnchecked[In, Out]{f: f}, a)
}

// FromOnce makes a callable from f that panics with an error wrapping ErrRepeatedInvocation
// when it is called a second time
func FromOnce[In, Out any](f func(In) Out) Dyn[FnMut[In, Out], alloc.Global] {
	d, err := TryFromOnceIn(f, alloc.Global{})
	return mustCallable(d, err)
}

// TryFromOnceIn behaves like FromOnce, allocating from a
func TryFromOnceIn[In, Out any, A alloc.Allocator](f func(In) Out, a A) (Dyn[FnMut[In, Out], A], error) {
	return TryNewDynIn[FnMut[In, Out]](oncePanicking[In, Out]{f: f}, a)
}

// FromOnceChecked makes a callable from f that reports whether it ran: the first call returns
// Some of f's result and every later call returns None without calling f
func FromOnceChecked[In, Out any](f func(In) Out) Dyn[FnMut[In, Option[Out]], alloc.Global] {
	d, err := TryFromOnceCheckedIn(f, alloc.Global{})
	return mustCallable(d, err)
}

// TryFromOnceCheckedIn behaves like FromOnceChecked, allocating from a
func TryFromOnceCheckedIn[In, Out any, A alloc.Allocator](f func(In) Out, a A) (Dyn[FnMut[In, Option[Out]], A], error) {
	return TryNewDynIn[FnMut[In, Option[Out]]](onceChecked[In, Out]{f: f}, a)
}

func mustCallable[In, Out any](d Dyn[FnMut[In, Out], alloc.Global], err error) Dyn[FnMut[In, Out], alloc.Global] {
	if err != nil {
		panic(err)
	}
	return d
}

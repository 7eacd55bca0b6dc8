package thin

import (
	"unsafe"

	"github.com/vkngwrapper/thinbox/alloc"
	"github.com/vkngwrapper/thinbox/layout"
)

// Box owns a single value of type T in a block obtained from an allocator of type A. With
// alloc.Global the Box is one machine word.
//
// A Box must be closed exactly once. Copying a Box copies the address, not the value: only
// one of the copies may be closed, and none of them may be used afterward.
type Box[T any, A alloc.Allocator] struct {
	alloc A
	ptr   unsafe.Pointer
}

var emptyDesc = layout.New[struct{}]()

// New moves value into a new Box on the Go heap. It panics if the block cannot be allocated.
func New[T any](value T) Box[T, alloc.Global] {
	return NewIn(value, alloc.Global{})
}

// TryNew moves value into a new Box on the Go heap
func TryNew[T any](value T) (Box[T, alloc.Global], error) {
	return TryNewIn(value, alloc.Global{})
}

// NewIn moves value into a new Box allocated from a. It panics with an error marked
// alloc.ErrAllocationFailed if the block cannot be allocated.
func NewIn[T any, A alloc.Allocator](value T, a A) Box[T, A] {
	b, err := TryNewIn(value, a)
	if err != nil {
		panic(err)
	}
	return b
}

// TryNewIn moves value into a new Box allocated from a. Any failure is marked with
// alloc.ErrAllocationFailed.
func TryNewIn[T any, A alloc.Allocator](value T, a A) (Box[T, A], error) {
	ptr, err := allocBlock(a, fixedBlockLayout, emptyDesc, layout.New[T]())
	if err != nil {
		return Box[T, A]{}, err
	}

	writeDesc(ptr, struct{}{})
	*(*T)(ptr) = value
	return Box[T, A]{ptr: ptr, alloc: a}, nil
}

// NewDefault returns a Box holding the zero value of T
func NewDefault[T any]() Box[T, alloc.Global] {
	var zero T
	return New(zero)
}

// FromRaw rebuilds a Box from an address returned by IntoRaw. The address must have come from
// a Box[T, alloc.Global] and must not be used again afterward.
func FromRaw[T any](ptr unsafe.Pointer) Box[T, alloc.Global] {
	return Box[T, alloc.Global]{ptr: ptr}
}

// FromRawIn rebuilds a Box from an address and allocator returned by IntoRawWithAlloc
func FromRawIn[T any, A alloc.Allocator](ptr unsafe.Pointer, a A) Box[T, A] {
	return Box[T, A]{ptr: ptr, alloc: a}
}

// Deref returns a pointer to the value inside the block. It is valid until the Box is closed.
func (b Box[T, A]) Deref() *T {
	mustHandle(b.ptr, "Box")
	return (*T)(b.ptr)
}

// Metadata returns the descriptor stored in front of the value, which for a Box is empty
func (b Box[T, A]) Metadata() struct{} {
	mustHandle(b.ptr, "Box")
	return readDesc[struct{}](b.ptr)
}

func (b Box[T, A]) Allocator() A { return b.alloc }

// Addr returns the address of the value, or zero for an empty Box
func (b Box[T, A]) Addr() uintptr { return uintptr(b.ptr) }

// Valid reports whether the Box owns a block
func (b Box[T, A]) Valid() bool { return b.ptr != nil }

// IntoRaw gives up ownership of the block without releasing it and empties the Box
func (b *Box[T, A]) IntoRaw() unsafe.Pointer {
	ptr, _ := b.IntoRawWithAlloc()
	return ptr
}

// IntoRawWithAlloc gives up ownership of the block without releasing it and empties the Box
func (b *Box[T, A]) IntoRawWithAlloc() (unsafe.Pointer, A) {
	ptr := b.ptr
	b.ptr = nil
	return ptr, b.alloc
}

// IntoInner moves the value out, releases the block and empties the Box. Drop is not called,
// since the value lives on.
func (b *Box[T, A]) IntoInner() T {
	value, _ := b.IntoInnerWithAlloc()
	return value
}

// IntoInnerWithAlloc behaves like IntoInner and also returns the allocator
func (b *Box[T, A]) IntoInnerWithAlloc() (T, A) {
	p := b.Deref()
	value := *p

	var zero T
	*p = zero
	releaseBlock(b.alloc, b.ptr, fixedBlockLayout, emptyDesc, layout.New[T]())
	b.ptr = nil

	return value, b.alloc
}

// Close drops the value, releases the block and empties the Box. Closing an empty Box does
// nothing.
func (b *Box[T, A]) Close() {
	if b.ptr == nil {
		return
	}

	p := (*T)(b.ptr)
	dropValue(p)

	var zero T
	*p = zero
	releaseBlock(b.alloc, b.ptr, fixedBlockLayout, emptyDesc, layout.New[T]())
	b.ptr = nil
}

// Clone copies the value into a new Box from the same allocator, using Cloner when *T
// implements it. It panics if the block cannot be allocated.
func (b Box[T, A]) Clone() Box[T, A] {
	return NewIn(cloneValue(b.Deref()), b.alloc)
}

// TryClone behaves like Clone but returns allocation failures
func (b Box[T, A]) TryClone() (Box[T, A], error) {
	return TryNewIn(cloneValue(b.Deref()), b.alloc)
}

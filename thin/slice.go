package thin

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/alloc"
	"github.com/vkngwrapper/thinbox/layout"
)

var uintptrDesc = layout.New[uintptr]()

// Slice owns a run of elements whose count is stored in front of the first element, so the
// handle itself holds only the address of that element.
//
// When E holds Go pointers the block is allocated with a GC shape composed through reflect, and
// reflect retains the composed array and struct types for every distinct length for the life of
// the process. Pointer-free elements retain nothing.
type Slice[E any, A alloc.Allocator] struct {
	alloc A
	ptr   unsafe.Pointer
}

// NewSlice copies values into a new Slice on the Go heap. It panics if the block cannot be
// allocated.
func NewSlice[E any](values []E) Slice[E, alloc.Global] {
	return NewSliceIn(values, alloc.Global{})
}

// TryNewSlice copies values into a new Slice on the Go heap
func TryNewSlice[E any](values []E) (Slice[E, alloc.Global], error) {
	return TryNewSliceIn(values, alloc.Global{})
}

// NewSliceIn copies values into a new Slice allocated from a. It panics with an error marked
// alloc.ErrAllocationFailed if the block cannot be allocated.
func NewSliceIn[E any, A alloc.Allocator](values []E, a A) Slice[E, A] {
	s, err := TryNewSliceIn(values, a)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewSliceIn copies values into a new Slice allocated from a. Any failure, including an
// element count whose total size overflows, is marked with alloc.ErrAllocationFailed.
func TryNewSliceIn[E any, A alloc.Allocator](values []E, a A) (Slice[E, A], error) {
	n := uintptr(len(values))
	elems, err := layout.Array(layout.New[E](), n)
	if err != nil {
		return Slice[E, A]{}, errors.Mark(errors.Wrapf(err, "laying out %d elements", n), alloc.ErrAllocationFailed)
	}

	ptr, err := allocBlock(a, blockLayout, uintptrDesc, elems)
	if err != nil {
		return Slice[E, A]{}, err
	}

	writeDesc(ptr, n)
	copy(unsafe.Slice((*E)(ptr), n), values)
	return Slice[E, A]{ptr: ptr, alloc: a}, nil
}

// CollectSlice drains seq into a new Slice on the Go heap
func CollectSlice[E any](seq func(yield func(E) bool)) Slice[E, alloc.Global] {
	var values []E
	seq(func(value E) bool {
		values = append(values, value)
		return true
	})
	return NewSlice(values)
}

// FromRawSlice rebuilds a Slice from an address returned by IntoRaw
func FromRawSlice[E any](ptr unsafe.Pointer) Slice[E, alloc.Global] {
	return Slice[E, alloc.Global]{ptr: ptr}
}

// FromRawSliceIn rebuilds a Slice from an address and allocator returned by IntoRawWithAlloc
func FromRawSliceIn[E any, A alloc.Allocator](ptr unsafe.Pointer, a A) Slice[E, A] {
	return Slice[E, A]{ptr: ptr, alloc: a}
}

// Deref returns a slice over the elements inside the block. It is valid until the Slice is
// closed. Its capacity equals its length, so appending to it copies the elements elsewhere.
func (s Slice[E, A]) Deref() []E {
	mustHandle(s.ptr, "Slice")
	return unsafe.Slice((*E)(s.ptr), readDesc[uintptr](s.ptr))
}

// Metadata returns the element count stored in front of the elements
func (s Slice[E, A]) Metadata() uintptr {
	mustHandle(s.ptr, "Slice")
	return readDesc[uintptr](s.ptr)
}

func (s Slice[E, A]) Len() int {
	return int(s.Metadata())
}

func (s Slice[E, A]) Allocator() A { return s.alloc }

// Addr returns the address of the first element, or zero for an empty handle
func (s Slice[E, A]) Addr() uintptr { return uintptr(s.ptr) }

// Valid reports whether the Slice owns a block
func (s Slice[E, A]) Valid() bool { return s.ptr != nil }

// All yields each index and element in order
func (s Slice[E, A]) All() func(yield func(int, E) bool) {
	return func(yield func(int, E) bool) {
		for i, value := range s.Deref() {
			if !yield(i, value) {
				return
			}
		}
	}
}

// Backward yields each index and element in reverse order
func (s Slice[E, A]) Backward() func(yield func(int, E) bool) {
	return func(yield func(int, E) bool) {
		values := s.Deref()
		for i := len(values) - 1; i >= 0; i-- {
			if !yield(i, values[i]) {
				return
			}
		}
	}
}

// Values yields each element in order
func (s Slice[E, A]) Values() func(yield func(E) bool) {
	return func(yield func(E) bool) {
		for _, value := range s.Deref() {
			if !yield(value) {
				return
			}
		}
	}
}

// IntoRaw gives up ownership of the block without releasing it and empties the Slice
func (s *Slice[E, A]) IntoRaw() unsafe.Pointer {
	ptr, _ := s.IntoRawWithAlloc()
	return ptr
}

// IntoRawWithAlloc gives up ownership of the block without releasing it and empties the Slice
func (s *Slice[E, A]) IntoRawWithAlloc() (unsafe.Pointer, A) {
	ptr := s.ptr
	s.ptr = nil
	return ptr, s.alloc
}

// IntoInner copies the elements out into a Go slice, releases the block and empties the
// Slice. Drop is not called on the elements.
func (s *Slice[E, A]) IntoInner() []E {
	values := s.Deref()
	result := make([]E, len(values))
	copy(result, values)

	s.release(values)
	return result
}

// Close drops every element, releases the block and empties the Slice. Closing an empty Slice
// does nothing.
func (s *Slice[E, A]) Close() {
	if s.ptr == nil {
		return
	}

	values := s.Deref()
	for i := range values {
		dropValue(&values[i])
	}

	s.release(values)
}

func (s *Slice[E, A]) release(values []E) {
	clear(values)

	elems, err := layout.Array(layout.New[E](), uintptr(len(values)))
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "recomputing the layout of a live slice"))
	}

	releaseBlock(s.alloc, s.ptr, blockLayout, uintptrDesc, elems)
	s.ptr = nil
}

// Clone copies the elements into a new Slice from the same allocator, using Cloner on each
// element whose pointer implements it. It panics if the block cannot be allocated.
func (s Slice[E, A]) Clone() Slice[E, A] {
	c, err := s.TryClone()
	if err != nil {
		panic(err)
	}
	return c
}

// TryClone behaves like Clone but returns allocation failures
func (s Slice[E, A]) TryClone() (Slice[E, A], error) {
	values := s.Deref()
	cloned := make([]E, len(values))
	for i := range values {
		cloned[i] = cloneValue(&values[i])
	}
	return TryNewSliceIn(cloned, s.alloc)
}

package alloc

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/layout"
)

// Global allocates from the Go heap. Blocks are reclaimed by the garbage collector once nothing
// refers to them, so Deallocate does nothing. Global is zero-sized: a handle that uses it is a
// single machine word.
type Global struct{}

var _ Allocator = Global{}

func (Global) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	size := max(l.Size(), 1)

	if l.HasPointers() {
		ptr := reflect.New(l.Shape()).UnsafePointer()
		if uintptr(ptr)%l.Align() != 0 {
			return nil, errors.Wrapf(ErrUnsupportedLayout, "heap memory for %s is not sufficiently aligned", l)
		}
		return ptr, nil
	}

	// Over-allocate pointer-free words and slide forward to the requested alignment
	wordSize := unsafe.Sizeof(uint64(0))
	padding := uintptr(0)
	if l.Align() > wordSize {
		padding = l.Align() - wordSize
	}
	words := (size + padding + wordSize - 1) / wordSize

	buffer := make([]uint64, words)
	ptr := unsafe.Pointer(&buffer[0])
	return unsafe.Add(ptr, layout.Padding(uintptr(ptr), l.Align())), nil
}

func (Global) Deallocate(ptr unsafe.Pointer, l layout.Layout) {}

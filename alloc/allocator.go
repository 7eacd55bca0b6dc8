// Package alloc defines the capability thin handles allocate their blocks through, along with
// several implementations of it.
package alloc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/layout"
)

//go:generate mockgen -source allocator.go -destination ./mocks/allocator.go -package mocks

var (
	// ErrAllocationFailed marks every failure to obtain memory for a handle, whatever the cause
	ErrAllocationFailed = errors.New("memory allocation failed")
	// ErrOutOfMemory is returned by allocators that have hit a configured or physical limit
	ErrOutOfMemory = errors.New("allocator is out of memory")
	// ErrUnsupportedLayout is returned by allocators that cannot provide memory with the
	// requested properties, such as pointer-bearing memory outside the Go heap
	ErrUnsupportedLayout = errors.New("allocator cannot serve the requested layout")
	// ErrLeakDetected is returned when an allocator is checked or destroyed while blocks are
	// still outstanding
	ErrLeakDetected = errors.New("allocations were not released")
)

// Allocator hands out blocks of memory described by a layout.Layout.
//
// Allocate returns the address of a block at least l.Size() bytes long and aligned to
// l.Align(). If l carries a shape, the block must be scanned by the garbage collector according
// to that shape. Deallocate must be called with exactly the layout the block was allocated
// with; implementations may panic when it is not.
type Allocator interface {
	Allocate(l layout.Layout) (unsafe.Pointer, error)
	Deallocate(ptr unsafe.Pointer, l layout.Layout)
}

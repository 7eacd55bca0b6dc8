package thin

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/alloc"
	"github.com/vkngwrapper/thinbox/layout"
)

// A block is laid out as [padding][descriptor][value]. The descriptor always ends exactly where
// the value begins, so it can be found at a fixed negative offset from the value address no
// matter how the two alignments relate.

type blockInfo struct {
	layout layout.Layout
	offset uintptr
}

// blockCache memoizes fixedBlockLayout. It must only see layouts derived from a single Go type,
// never slice layouts, which vary with the length.
var blockCache sync.Map

// blockLayoutFunc computes the layout of a block holding a descriptor and a value, and the
// offset of the value within it
type blockLayoutFunc func(desc, value layout.Layout) (layout.Layout, uintptr, error)

// blockLayout is a pure function of its inputs, which lets teardown recompute the exact layout a
// block was allocated with from the live descriptor
func blockLayout(desc, value layout.Layout) (layout.Layout, uintptr, error) {
	// A zero-size value still occupies a byte, so the value address stays inside the block
	if value.Size() == 0 {
		var err error
		value, err = layout.FromSizeAlign(1, value.Align())
		if err != nil {
			return layout.Layout{}, 0, err
		}
	}

	header, err := desc.AlignTo(value.Align())
	if err != nil {
		return layout.Layout{}, 0, err
	}

	block, offset, err := header.PadToAlign().Extend(value)
	if err != nil {
		return layout.Layout{}, 0, err
	}

	if offset < desc.Size() {
		return layout.Layout{}, 0, errors.AssertionFailedf("value offset %d does not leave room for a %d byte descriptor", offset, desc.Size())
	}

	return block, offset, nil
}

// fixedBlockLayout is blockLayout for value layouts derived from a single Go type
func fixedBlockLayout(desc, value layout.Layout) (layout.Layout, uintptr, error) {
	key := [2]layout.Layout{desc, value}
	if cached, ok := blockCache.Load(key); ok {
		info := cached.(blockInfo)
		return info.layout, info.offset, nil
	}

	block, offset, err := blockLayout(desc, value)
	if err != nil {
		return layout.Layout{}, 0, err
	}

	blockCache.Store(key, blockInfo{layout: block, offset: offset})
	return block, offset, nil
}

// allocBlock allocates a block for desc and value and returns the address of the value
func allocBlock[A alloc.Allocator](a A, plan blockLayoutFunc, desc, value layout.Layout) (unsafe.Pointer, error) {
	block, offset, err := plan(desc, value)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "computing block layout"), alloc.ErrAllocationFailed)
	}

	base, err := a.Allocate(block)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "allocating %s", block), alloc.ErrAllocationFailed)
	}
	if base == nil {
		return nil, errors.Mark(errors.Newf("allocator returned no memory for %s", block), alloc.ErrAllocationFailed)
	}

	return unsafe.Add(base, offset), nil
}

// releaseBlock returns the block whose value lives at ptr to the allocator. The value must
// already have been torn down.
func releaseBlock[A alloc.Allocator](a A, ptr unsafe.Pointer, plan blockLayoutFunc, desc, value layout.Layout) {
	block, offset, err := plan(desc, value)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "recomputing the layout of a live block"))
	}

	a.Deallocate(unsafe.Add(ptr, -int(offset)), block)
}

func descAddr[D any](ptr unsafe.Pointer) *D {
	var d D
	return (*D)(unsafe.Add(ptr, -int(unsafe.Sizeof(d))))
}

func writeDesc[D any](ptr unsafe.Pointer, d D) {
	*descAddr[D](ptr) = d
}

func readDesc[D any](ptr unsafe.Pointer) D {
	return *descAddr[D](ptr)
}

// Dropper is implemented by values that need to release resources when the handle that owns
// them is closed. Drop is called on a pointer to the value inside the block, exactly once,
// immediately before the block is released.
type Dropper interface {
	Drop()
}

// Cloner is implemented by values that need more than a shallow copy when the handle that owns
// them is cloned
type Cloner[T any] interface {
	Clone() T
}

func cloneValue[T any](p *T) T {
	if c, ok := any(p).(Cloner[T]); ok {
		return c.Clone()
	}
	return *p
}

func dropValue[T any](p *T) {
	if d, ok := any(p).(Dropper); ok {
		d.Drop()
	}
}

func mustHandle(ptr unsafe.Pointer, kind string) {
	if ptr == nil {
		panic(errors.AssertionFailedf("use of an empty %s", kind))
	}
}

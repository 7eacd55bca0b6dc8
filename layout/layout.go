// Package layout computes the size, alignment and garbage-collector shape of memory regions
// that are assembled at runtime, such as a descriptor placed in front of a value.
package layout

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/thinbox/memutils"
)

// ErrLayoutOverflow is returned when a computed size would exceed math.MaxInt
var ErrLayoutOverflow = errors.New("layout size overflows the address space")

// Layout describes a region of memory: its size, its required alignment, and, when the region
// holds Go pointers, a reflect.Type whose pointer map matches the region byte for byte.
//
// The zero Layout is a zero-size region with an alignment of one.
type Layout struct {
	size  uintptr
	align uintptr
	shape reflect.Type
}

// New returns the layout of T
func New[T any]() Layout {
	return Of(reflect.TypeOf((*T)(nil)).Elem())
}

// Of returns the layout of the provided type
func Of(t reflect.Type) Layout {
	l := Layout{size: t.Size(), align: uintptr(t.Align())}
	if HasPointers(t) {
		l.shape = t
	}
	return l
}

// FromSizeAlign builds a pointer-free layout. align must be a power of two, and size rounded up
// to align must not exceed math.MaxInt.
func FromSizeAlign(size, align uintptr) (Layout, error) {
	err := memutils.CheckPow2(align, "align")
	if err != nil {
		return Layout{}, err
	}

	_, ok := memutils.AlignUpChecked(size, align)
	if !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "size %d with alignment %d", size, align)
	}

	return Layout{size: size, align: align}, nil
}

// Padding returns the number of bytes needed after offset to reach the next multiple of align
func Padding(offset, align uintptr) uintptr {
	return memutils.AlignUp(offset, align) - offset
}

func (l Layout) Size() uintptr { return l.size }

func (l Layout) Align() uintptr {
	if l.align == 0 {
		return 1
	}
	return l.align
}

// Shape returns the type describing the pointers in this region, or nil if it has none
func (l Layout) Shape() reflect.Type { return l.shape }

// HasPointers reports whether the region must be scanned by the garbage collector
func (l Layout) HasPointers() bool { return l.shape != nil }

func (l Layout) Equal(other Layout) bool {
	return l.size == other.size && l.Align() == other.Align() && l.shape == other.shape
}

func (l Layout) String() string {
	return fmt.Sprintf("Layout{size: %d, align: %d, pointers: %t}", l.size, l.Align(), l.HasPointers())
}

// bytesShape returns the type used to stand in for this region inside a composed shape
func (l Layout) bytesShape() reflect.Type {
	if l.shape != nil {
		return l.shape
	}
	return reflect.ArrayOf(int(l.size), reflect.TypeOf(byte(0)))
}

// AlignTo raises the alignment of the layout to at least align
func (l Layout) AlignTo(align uintptr) (Layout, error) {
	err := memutils.CheckPow2(align, "align")
	if err != nil {
		return Layout{}, err
	}

	newAlign := max(l.Align(), align)
	_, ok := memutils.AlignUpChecked(l.size, newAlign)
	if !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "size %d with alignment %d", l.size, newAlign)
	}

	l.align = newAlign
	return l, nil
}

// PadToAlign rounds the size of the layout up to a multiple of its alignment
func (l Layout) PadToAlign() Layout {
	padded := memutils.AlignUp(l.size, l.Align())
	if padded == l.size {
		return l
	}

	if l.shape != nil {
		l.shape = reflect.StructOf([]reflect.StructField{
			{Name: "Head", Type: l.shape},
			{Name: "Pad", Type: reflect.ArrayOf(int(padded-l.size), reflect.TypeOf(byte(0)))},
		})
		padded = l.shape.Size()
	}

	l.size = padded
	return l
}

// Extend appends next to the end of this layout, inserting whatever padding next's alignment
// requires. It returns the combined layout and the offset at which next begins.
func (l Layout) Extend(next Layout) (Layout, uintptr, error) {
	offset, ok := memutils.AlignUpChecked(l.size, next.Align())
	if !ok {
		return Layout{}, 0, errors.Wrapf(ErrLayoutOverflow, "extending %s with %s", l, next)
	}

	size, ok := memutils.AddChecked(offset, next.size)
	if !ok {
		return Layout{}, 0, errors.Wrapf(ErrLayoutOverflow, "extending %s with %s", l, next)
	}

	combined := Layout{size: size, align: max(l.Align(), next.Align())}
	if _, ok = memutils.AlignUpChecked(size, combined.align); !ok {
		return Layout{}, 0, errors.Wrapf(ErrLayoutOverflow, "extending %s with %s", l, next)
	}

	if l.shape != nil || next.shape != nil {
		fields := []reflect.StructField{{Name: "Head", Type: l.bytesShape()}}
		if offset > l.size {
			fields = append(fields, reflect.StructField{
				Name: "Pad",
				Type: reflect.ArrayOf(int(offset-l.size), reflect.TypeOf(byte(0))),
			})
		}
		if next.size > 0 {
			fields = append(fields, reflect.StructField{Name: "Tail", Type: next.bytesShape()})
		}

		combined.shape = reflect.StructOf(fields)
		if combined.shape.Field(len(fields)-1).Offset+fields[len(fields)-1].Type.Size() != size {
			return Layout{}, 0, errors.AssertionFailedf("composed shape %s does not match computed size %d", combined.shape, size)
		}
		combined.size = combined.shape.Size()
	}

	return combined, offset, nil
}

// Array returns the layout of n consecutive elements. For elements with pointers the shape is a
// reflect.ArrayOf type, which reflect keeps for the life of the process.
func Array(elem Layout, n uintptr) (Layout, error) {
	stride := memutils.AlignUp(elem.size, elem.Align())
	size, ok := memutils.MulChecked(stride, n)
	if !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "%d elements of %s", n, elem)
	}

	if _, ok = memutils.AlignUpChecked(size, elem.Align()); !ok {
		return Layout{}, errors.Wrapf(ErrLayoutOverflow, "%d elements of %s", n, elem)
	}

	result := Layout{size: size, align: elem.Align()}
	if elem.shape != nil && n > 0 {
		result.shape = reflect.ArrayOf(int(n), elem.PadToAlign().shape)
		result.size = result.shape.Size()
	}

	return result, nil
}

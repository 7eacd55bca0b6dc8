package layout_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/memutils"
)

type pointerFree struct {
	A uint64
	B [4]uint16
}

type pointerful struct {
	Count int32
	Name  string
}

func TestLayoutOf(t *testing.T) {
	l := layout.New[pointerFree]()
	require.Equal(t, uintptr(16), l.Size())
	require.Equal(t, uintptr(8), l.Align())
	require.False(t, l.HasPointers())
	require.Nil(t, l.Shape())

	l = layout.New[pointerful]()
	require.True(t, l.HasPointers())
	require.Equal(t, reflect.TypeOf(pointerful{}), l.Shape())

	l = layout.New[struct{}]()
	require.Equal(t, uintptr(0), l.Size())
	require.Equal(t, uintptr(1), l.Align())
}

func TestHasPointers(t *testing.T) {
	require.False(t, layout.HasPointers(reflect.TypeOf(0)))
	require.False(t, layout.HasPointers(reflect.TypeOf([3]float64{})))
	require.False(t, layout.HasPointers(reflect.TypeOf([0]*int{})))
	require.True(t, layout.HasPointers(reflect.TypeOf([1]*int{})))
	require.True(t, layout.HasPointers(reflect.TypeOf("")))
	require.True(t, layout.HasPointers(reflect.TypeOf([]byte{})))
	require.True(t, layout.HasPointers(reflect.TypeOf((*error)(nil)).Elem()))
	require.True(t, layout.HasPointers(reflect.TypeOf(struct {
		A int
		B map[int]int
	}{})))
}

func TestFromSizeAlign(t *testing.T) {
	l, err := layout.FromSizeAlign(10, 64)
	require.NoError(t, err)
	require.Equal(t, uintptr(10), l.Size())
	require.Equal(t, uintptr(64), l.Align())

	_, err = layout.FromSizeAlign(10, 3)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = layout.FromSizeAlign(^uintptr(0)-2, 8)
	require.True(t, errors.Is(err, layout.ErrLayoutOverflow))
}

func TestExtendPadding(t *testing.T) {
	desc := layout.New[uint8]()
	value := layout.New[uint64]()

	combined, offset, err := desc.Extend(value)
	require.NoError(t, err)
	require.Equal(t, uintptr(8), offset)
	require.Equal(t, uintptr(16), combined.Size())
	require.Equal(t, uintptr(8), combined.Align())
	require.False(t, combined.HasPointers())

	require.Equal(t, uintptr(7), layout.Padding(1, 8))
	require.Equal(t, uintptr(0), layout.Padding(16, 8))
}

func TestExtendShape(t *testing.T) {
	desc := layout.New[uintptr]()
	value := layout.New[pointerful]()

	combined, offset, err := desc.Extend(value)
	require.NoError(t, err)
	require.Equal(t, uintptr(8), offset)
	require.True(t, combined.HasPointers())
	require.Equal(t, combined.Shape().Size(), combined.Size())

	tail, ok := combined.Shape().FieldByName("Tail")
	require.True(t, ok)
	require.Equal(t, offset, tail.Offset)
	require.Equal(t, reflect.TypeOf(pointerful{}), tail.Type)

	again, _, err := desc.Extend(value)
	require.NoError(t, err)
	require.True(t, combined.Equal(again))
}

func TestExtendOverflow(t *testing.T) {
	huge, err := layout.FromSizeAlign(math.MaxInt-4, 1)
	require.NoError(t, err)

	_, _, err = huge.Extend(layout.New[uint64]())
	require.ErrorIs(t, err, layout.ErrLayoutOverflow)
}

func TestAlignToAndPad(t *testing.T) {
	l := layout.New[[3]byte]()
	l, err := l.AlignTo(16)
	require.NoError(t, err)
	require.Equal(t, uintptr(3), l.Size())
	require.Equal(t, uintptr(16), l.Align())

	l = l.PadToAlign()
	require.Equal(t, uintptr(16), l.Size())

	_, err = l.AlignTo(5)
	require.Error(t, err)
}

func TestArray(t *testing.T) {
	l, err := layout.Array(layout.New[uint32](), 5)
	require.NoError(t, err)
	require.Equal(t, uintptr(20), l.Size())
	require.Equal(t, uintptr(4), l.Align())

	l, err = layout.Array(layout.New[*int](), 3)
	require.NoError(t, err)
	require.Equal(t, reflect.TypeOf([3]*int{}), l.Shape())

	l, err = layout.Array(layout.New[*int](), 0)
	require.NoError(t, err)
	require.Equal(t, uintptr(0), l.Size())
	require.False(t, l.HasPointers())

	_, err = layout.Array(layout.New[uint64](), ^uintptr(0)/4)
	require.ErrorIs(t, err, layout.ErrLayoutOverflow)
}

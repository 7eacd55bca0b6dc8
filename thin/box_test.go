package thin_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/alloc"
	mock_alloc "github.com/vkngwrapper/thinbox/alloc/mocks"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/thin"
	"go.uber.org/mock/gomock"
)

type droppable struct {
	name    string
	dropped *int
}

func (d *droppable) Drop() {
	*d.dropped++
}

type cloneCounter struct {
	Value  int
	clones *int
}

func (c *cloneCounter) Clone() cloneCounter {
	*c.clones++
	return cloneCounter{Value: c.Value + 100, clones: c.clones}
}

type pixel struct {
	R, G, B, A uint8
}

func TestBoxRoundTrip(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})

	b := thin.NewIn(pixel{R: 1, G: 2, B: 3, A: 4}, tracker)
	require.True(t, b.Valid())
	require.Equal(t, pixel{R: 1, G: 2, B: 3, A: 4}, *b.Deref())
	require.Equal(t, struct{}{}, b.Metadata())
	require.Same(t, tracker, b.Allocator())
	require.Equal(t, 1, tracker.Outstanding())

	b.Deref().G = 20
	require.Equal(t, uint8(20), b.Deref().G)
	require.Equal(t, uintptr(unsafe.Pointer(b.Deref())), b.Addr())

	value := b.IntoInner()
	require.Equal(t, pixel{R: 1, G: 20, B: 3, A: 4}, value)
	require.False(t, b.Valid())
	require.Equal(t, 0, tracker.Outstanding())
	require.NoError(t, tracker.CheckLeaks())
}

func TestHandlesAreOneWord(t *testing.T) {
	word := unsafe.Sizeof(uintptr(0))
	require.Equal(t, word, unsafe.Sizeof(thin.Box[pixel, alloc.Global]{}))
	require.Equal(t, word, unsafe.Sizeof(thin.Box[struct{}, alloc.Global]{}))
	require.Equal(t, word, unsafe.Sizeof(thin.Slice[string, alloc.Global]{}))
	require.Equal(t, word, unsafe.Sizeof(thin.Dyn[shape, alloc.Global]{}))
	require.Equal(t, word, unsafe.Sizeof(thin.FromOnceChecked(func(int) int { return 0 })))
	require.Equal(t, 2*word, unsafe.Sizeof(thin.Box[pixel, *alloc.Tracking]{}))
}

func TestBoxCloseDropsOnce(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})
	dropped := 0

	b := thin.NewIn(droppable{name: "first", dropped: &dropped}, tracker)
	require.Equal(t, "first", b.Deref().name)

	b.Close()
	require.Equal(t, 1, dropped)
	require.False(t, b.Valid())
	require.Equal(t, 0, tracker.Outstanding())

	b.Close()
	require.Equal(t, 1, dropped)
}

func TestBoxIntoInnerSkipsDrop(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})
	dropped := 0

	b := thin.NewIn(droppable{name: "moved", dropped: &dropped}, tracker)
	value, a := b.IntoInnerWithAlloc()
	require.Equal(t, "moved", value.name)
	require.Same(t, tracker, a)
	require.Zero(t, dropped)
	require.Equal(t, 0, tracker.Outstanding())
}

func TestBoxRawRoundTrip(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})
	dropped := 0

	b := thin.NewIn(droppable{name: "raw", dropped: &dropped}, tracker)
	addr := b.Addr()

	ptr, a := b.IntoRawWithAlloc()
	require.False(t, b.Valid())
	require.Equal(t, addr, uintptr(ptr))
	require.Equal(t, 1, tracker.Outstanding())

	restored := thin.FromRawIn[droppable](ptr, a)
	require.Equal(t, "raw", restored.Deref().name)

	restored.Close()
	require.Equal(t, 1, dropped)
	require.Equal(t, 0, tracker.Outstanding())
}

func TestBoxGlobalRawRoundTrip(t *testing.T) {
	b := thin.New("hello")
	ptr := b.IntoRaw()

	restored := thin.FromRaw[string](ptr)
	require.Equal(t, "hello", *restored.Deref())
	require.Equal(t, "hello", restored.IntoInner())
}

func TestBoxHoldsPointers(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})

	type record struct {
		Name   string
		Tags   []string
		Lookup map[string]int
	}

	b := thin.NewIn(record{
		Name:   "record",
		Tags:   []string{"a", "b"},
		Lookup: map[string]int{"a": 1},
	}, tracker)
	defer b.Close()

	runtime.GC()

	require.Equal(t, "record", b.Deref().Name)
	require.Equal(t, []string{"a", "b"}, b.Deref().Tags)
	require.Equal(t, 1, b.Deref().Lookup["a"])
}

func TestBoxZeroSize(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})

	first := thin.NewIn(struct{}{}, tracker)
	second := thin.NewIn(struct{}{}, tracker)
	require.NotEqual(t, first.Addr(), second.Addr())
	require.Equal(t, 2, tracker.Outstanding())

	first.Close()
	second.Close()
	require.Equal(t, 0, tracker.Outstanding())
}

func TestBoxInPool(t *testing.T) {
	pool, err := alloc.NewPool(nil, alloc.PoolCreateOptions{BlockSize: 4096})
	require.NoError(t, err)

	boxes := make([]thin.Box[pixel, *alloc.Pool], 0, 16)
	for i := 0; i < 16; i++ {
		boxes = append(boxes, thin.NewIn(pixel{R: uint8(i)}, pool))
	}
	require.Equal(t, 1, pool.BlockCount())

	for i := range boxes {
		require.Equal(t, uint8(i), boxes[i].Deref().R)
		boxes[i].Close()
	}

	require.NoError(t, pool.Validate())
	require.NoError(t, pool.Destroy())
}

func TestBoxPointersRejectedOffHeap(t *testing.T) {
	offHeap := alloc.NewOffHeap(nil, alloc.OffHeapCreateOptions{})
	defer func() { require.NoError(t, offHeap.Destroy()) }()

	_, err := thin.TryNewIn("a string holds a pointer", offHeap)
	require.Error(t, err)
	require.True(t, errors.Is(err, alloc.ErrAllocationFailed))
	require.True(t, errors.Is(err, alloc.ErrUnsupportedLayout))

	b, err := thin.TryNewIn([4]uint64{1, 2, 3, 4}, offHeap)
	require.NoError(t, err)
	require.Equal(t, [4]uint64{1, 2, 3, 4}, *b.Deref())
	b.Close()
}

func failAllocation(err error) func(layout.Layout) (unsafe.Pointer, error) {
	return func(layout.Layout) (unsafe.Pointer, error) {
		return nil, err
	}
}

func TestBoxAllocationFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	allocator := mock_alloc.NewMockAllocator(ctrl)

	allocator.EXPECT().Allocate(gomock.Any()).DoAndReturn(failAllocation(errors.New("no memory today")))

	b, err := thin.TryNewIn(uint64(7), allocator)
	require.Error(t, err)
	require.True(t, errors.Is(err, alloc.ErrAllocationFailed))
	require.False(t, b.Valid())

	allocator.EXPECT().Allocate(gomock.Any()).DoAndReturn(failAllocation(errors.New("still none")))
	require.Panics(t, func() {
		thin.NewIn(uint64(7), allocator)
	})

	allocator.EXPECT().Allocate(gomock.Any()).DoAndReturn(failAllocation(nil))
	_, err = thin.TryNewIn(uint64(7), allocator)
	require.True(t, errors.Is(err, alloc.ErrAllocationFailed))
}

func TestBoxDeallocatesWithAllocationLayout(t *testing.T) {
	ctrl := gomock.NewController(t)
	allocator := mock_alloc.NewMockAllocator(ctrl)

	var allocated layout.Layout
	var base unsafe.Pointer

	allocator.EXPECT().Allocate(gomock.Any()).DoAndReturn(func(l layout.Layout) (unsafe.Pointer, error) {
		allocated = l
		ptr, err := alloc.Global{}.Allocate(l)
		base = ptr
		return ptr, err
	})
	allocator.EXPECT().Deallocate(gomock.Any(), gomock.Any()).Do(func(ptr unsafe.Pointer, l layout.Layout) {
		require.Equal(t, base, ptr)
		require.True(t, l.Equal(allocated))
	})

	b := thin.NewIn([3]uint16{1, 2, 3}, allocator)
	require.GreaterOrEqual(t, int(allocated.Size()), int(unsafe.Sizeof([3]uint16{})))
	require.Equal(t, uintptr(2), allocated.Align())
	b.Close()
}

func TestBoxClone(t *testing.T) {
	tracker := alloc.NewTracking(nil, alloc.TrackingCreateOptions{})
	clones := 0

	original := thin.NewIn(cloneCounter{Value: 1, clones: &clones}, tracker)
	copied := original.Clone()
	require.Equal(t, 1, clones)
	require.Equal(t, 101, copied.Deref().Value)
	require.NotEqual(t, original.Addr(), copied.Addr())

	plain := thin.NewIn(pixel{R: 9}, tracker)
	plainCopy, err := plain.TryClone()
	require.NoError(t, err)
	plainCopy.Deref().R = 10
	require.Equal(t, uint8(9), plain.Deref().R)

	require.Equal(t, 4, tracker.Outstanding())
	original.Close()
	copied.Close()
	plain.Close()
	plainCopy.Close()
	require.NoError(t, tracker.CheckLeaks())
}

func TestBoxDefault(t *testing.T) {
	b := thin.NewDefault[pixel]()
	require.Equal(t, pixel{}, *b.Deref())
	b.Close()
}

func TestEmptyBoxPanics(t *testing.T) {
	var b thin.Box[int, alloc.Global]
	require.False(t, b.Valid())
	require.Zero(t, b.Addr())
	require.Panics(t, func() { b.Deref() })
	require.Panics(t, func() { b.IntoInner() })
	require.NotPanics(t, func() { b.Close() })
}

package alloc_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/alloc"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/memutils"
)

func TestOffHeapAllocateAndFree(t *testing.T) {
	offHeap := alloc.NewOffHeap(nil, alloc.OffHeapCreateOptions{Flags: alloc.OffHeapCreateZeroMemory})

	l := layout.New[[8]uint32]()
	ptr, err := offHeap.Allocate(l)
	require.NoError(t, err)

	values := unsafe.Slice((*uint32)(ptr), 8)
	require.Equal(t, make([]uint32, 8), values)
	for i := range values {
		values[i] = uint32(i * i)
	}
	require.Equal(t, uint32(49), values[7])

	var stats memutils.Statistics
	offHeap.Statistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 32, stats.AllocationBytes)

	offHeap.Deallocate(ptr, l)
	offHeap.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	require.NoError(t, offHeap.Destroy())
}

func TestOffHeapOverAligned(t *testing.T) {
	offHeap := alloc.NewOffHeap(nil, alloc.OffHeapCreateOptions{})

	l, err := layout.FromSizeAlign(100, 256)
	require.NoError(t, err)

	ptr, err := offHeap.Allocate(l)
	require.NoError(t, err)
	require.Zero(t, uintptr(ptr)%256)

	offHeap.Deallocate(ptr, l)
	require.NoError(t, offHeap.Destroy())
}

func TestOffHeapRejectsPointers(t *testing.T) {
	offHeap := alloc.NewOffHeap(nil, alloc.OffHeapCreateOptions{})
	defer func() {
		require.NoError(t, offHeap.Destroy())
	}()

	_, err := offHeap.Allocate(layout.New[string]())
	require.ErrorIs(t, err, alloc.ErrUnsupportedLayout)
}

func TestOffHeapLeakAndMismatch(t *testing.T) {
	offHeap := alloc.NewOffHeap(nil, alloc.OffHeapCreateOptions{Flags: alloc.OffHeapCreateExternallySynchronized})

	ptr, err := offHeap.Allocate(layout.New[uint64]())
	require.NoError(t, err)

	require.Panics(t, func() {
		offHeap.Deallocate(ptr, layout.New[uint16]())
	})

	require.ErrorIs(t, offHeap.Destroy(), alloc.ErrLeakDetected)
}

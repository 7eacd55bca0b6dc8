package alloc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/thinbox/internal/utils"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/memutils"
	"golang.org/x/exp/slog"
	"modernc.org/memory"
)

// offHeapNaturalAlignment is the alignment every block returned by modernc.org/memory already
// has: two machine words
const offHeapNaturalAlignment = 2 * unsafe.Sizeof(uintptr(0))

// OffHeapCreateOptions contains optional settings when creating an OffHeap allocator
type OffHeapCreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags OffHeapCreateFlags
}

type offHeapBlock struct {
	raw    []byte
	layout layout.Layout
}

// OffHeap allocates memory mapped outside of the Go heap. The garbage collector never scans or
// reclaims it, so only pointer-free layouts are accepted and every block must be deallocated
// explicitly. Destroy returns all remaining memory to the operating system.
type OffHeap struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex
	flags  OffHeapCreateFlags

	allocator memory.Allocator
	blocks    *swiss.Map[uintptr, offHeapBlock]
	stats     memutils.Statistics
}

var _ Allocator = &OffHeap{}

// NewOffHeap creates an OffHeap allocator. If logger is nil, slog.Default() is used.
func NewOffHeap(logger *slog.Logger, options OffHeapCreateOptions) *OffHeap {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("OffHeap::NewOffHeap", slog.String("Flags", options.Flags.String()))

	return &OffHeap{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&OffHeapCreateExternallySynchronized == 0,
		},
		flags:  options.Flags,
		blocks: swiss.NewMap[uintptr, offHeapBlock](16),
	}
}

func (o *OffHeap) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	if l.HasPointers() {
		return nil, errors.Wrapf(ErrUnsupportedLayout, "off-heap memory cannot hold Go pointers: %s", l)
	}

	size := max(l.Size(), 1)
	if l.Align() > offHeapNaturalAlignment {
		size += l.Align() - offHeapNaturalAlignment
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	var raw []byte
	var err error
	if o.flags&OffHeapCreateZeroMemory != 0 {
		raw, err = o.allocator.Calloc(int(size))
	} else {
		raw, err = o.allocator.Malloc(int(size))
	}
	if err != nil {
		o.logger.Debug("    OffHeap::Allocate FAILED", slog.Int("Size", int(size)))
		return nil, errors.Mark(errors.Wrapf(err, "allocating %d off-heap bytes", size), ErrOutOfMemory)
	}

	base := unsafe.Pointer(&raw[0])
	ptr := unsafe.Add(base, layout.Padding(uintptr(base), l.Align()))

	o.blocks.Put(uintptr(ptr), offHeapBlock{raw: raw, layout: l})
	o.stats.AddBlockAllocation(len(raw))

	return ptr, nil
}

func (o *OffHeap) Deallocate(ptr unsafe.Pointer, l layout.Layout) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	block, ok := o.blocks.Get(uintptr(ptr))
	if !ok {
		panic(errors.AssertionFailedf("deallocating %#x which was not allocated from this allocator", uintptr(ptr)))
	}
	if !block.layout.Equal(l) {
		panic(errors.AssertionFailedf("deallocating %#x with %s, but it was allocated with %s", uintptr(ptr), l, block.layout))
	}

	o.blocks.Delete(uintptr(ptr))
	o.stats.RemoveBlockAllocation(len(block.raw))

	err := o.allocator.Free(block.raw)
	if err != nil {
		o.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free off-heap block",
			slog.String("address", fmt.Sprintf("%#x", uintptr(ptr))),
			slog.Any("error", err))
	}
}

// Statistics populates stats with the live blocks of this allocator, including the bytes spent
// on alignment
func (o *OffHeap) Statistics(stats *memutils.Statistics) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	stats.Clear()
	stats.AddStatistics(&o.stats)
}

// Destroy returns all memory to the operating system. Blocks still live are logged and an error
// wrapping ErrLeakDetected is returned; their memory is released regardless, so handles that
// still refer to it must not be used.
func (o *OffHeap) Destroy() error {
	o.logger.Debug("OffHeap::Destroy")

	o.mutex.Lock()
	defer o.mutex.Unlock()

	leaked := o.blocks.Count()
	if leaked > 0 {
		o.blocks.Iter(func(address uintptr, block offHeapBlock) bool {
			o.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
				slog.String("address", fmt.Sprintf("%#x", address)),
				slog.Int("size", int(block.layout.Size())),
			)
			return false
		})
	}

	o.blocks = swiss.NewMap[uintptr, offHeapBlock](16)
	o.stats.Clear()
	err := o.allocator.Close()
	if err != nil {
		return errors.Wrap(err, "releasing off-heap memory")
	}

	if leaked > 0 {
		return errors.Wrapf(ErrLeakDetected, "%d off-heap blocks outstanding", leaked)
	}
	return nil
}

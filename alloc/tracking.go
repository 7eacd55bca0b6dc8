package alloc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/thinbox/internal/utils"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/memutils"
	"golang.org/x/exp/slog"
)

// TrackingCreateOptions contains optional settings when creating a Tracking allocator
type TrackingCreateOptions struct {
	// Flags indicates specific tracking behaviors to activate or deactivate
	Flags TrackingCreateFlags
	// Inner is the allocator that actually provides memory. Global is used if it is nil.
	Inner Allocator
}

// Tracking wraps another Allocator and records every live block along with the layout it was
// allocated with. Deallocating a block it does not know about, or deallocating with a different
// layout than the block was allocated with, panics.
type Tracking struct {
	logger *slog.Logger
	flags  TrackingCreateFlags
	inner  Allocator

	mutex      utils.OptionalMutex
	live       *swiss.Map[uintptr, layout.Layout]
	stats      memutils.Statistics
	totalCount int
}

var _ Allocator = &Tracking{}

// NewTracking creates a Tracking allocator. If logger is nil, slog.Default() is used.
func NewTracking(logger *slog.Logger, options TrackingCreateOptions) *Tracking {
	if logger == nil {
		logger = slog.Default()
	}

	inner := options.Inner
	if inner == nil {
		inner = Global{}
	}

	logger.Debug("Tracking::NewTracking", slog.String("Flags", options.Flags.String()))

	return &Tracking{
		logger: logger,
		flags:  options.Flags,
		inner:  inner,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&TrackingCreateExternallySynchronized == 0,
		},
		live: swiss.NewMap[uintptr, layout.Layout](16),
	}
}

func (t *Tracking) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	ptr, err := t.inner.Allocate(l)
	if err != nil {
		return nil, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.live.Get(uintptr(ptr)); exists {
		panic(errors.AssertionFailedf("allocator returned block %#x which is already live", uintptr(ptr)))
	}

	t.live.Put(uintptr(ptr), l)
	t.stats.AddBlockAllocation(int(l.Size()))
	t.totalCount++

	if t.flags&TrackingCreateLogAllocations != 0 {
		t.logger.Debug("Tracking::Allocate", slog.String("Address", fmt.Sprintf("%#x", uintptr(ptr))), slog.String("Layout", l.String()))
	}

	return ptr, nil
}

func (t *Tracking) Deallocate(ptr unsafe.Pointer, l layout.Layout) {
	t.mutex.Lock()

	recorded, exists := t.live.Get(uintptr(ptr))
	if !exists {
		t.mutex.Unlock()
		panic(errors.AssertionFailedf("deallocating block %#x which is not live", uintptr(ptr)))
	}

	if !recorded.Equal(l) {
		t.mutex.Unlock()
		panic(errors.AssertionFailedf("deallocating block %#x with %s, but it was allocated with %s", uintptr(ptr), l, recorded))
	}

	t.live.Delete(uintptr(ptr))
	t.stats.RemoveBlockAllocation(int(l.Size()))

	if t.flags&TrackingCreateLogAllocations != 0 {
		t.logger.Debug("Tracking::Deallocate", slog.String("Address", fmt.Sprintf("%#x", uintptr(ptr))), slog.String("Layout", l.String()))
	}
	t.mutex.Unlock()

	t.inner.Deallocate(ptr, l)
}

// Outstanding returns the number of blocks that have been allocated and not yet deallocated
func (t *Tracking) Outstanding() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.live.Count()
}

// TotalAllocations returns the number of blocks ever allocated through this tracker
func (t *Tracking) TotalAllocations() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.totalCount
}

// LayoutOf returns the layout a live block was allocated with
func (t *Tracking) LayoutOf(ptr unsafe.Pointer) (layout.Layout, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.live.Get(uintptr(ptr))
}

// Statistics populates stats with the live blocks of this tracker. Every block counts as its
// own allocation.
func (t *Tracking) Statistics(stats *memutils.Statistics) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	stats.Clear()
	stats.AddStatistics(&t.stats)
}

// CheckLeaks returns an error wrapping ErrLeakDetected if any block is still live, and logs each
// of them at error level
func (t *Tracking) CheckLeaks() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.live.Count() == 0 {
		return nil
	}

	t.live.Iter(func(address uintptr, l layout.Layout) bool {
		t.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
			slog.String("address", fmt.Sprintf("%#x", address)),
			slog.Int("size", int(l.Size())),
			slog.Int("align", int(l.Align())),
			slog.Bool("pointers", l.HasPointers()),
		)
		return false
	})

	return errors.Wrapf(ErrLeakDetected, "%d blocks outstanding", t.live.Count())
}

// BuildStatsString returns a json document describing this tracker. If detailedMap is true, every
// live block is listed.
func (t *Tracking) BuildStatsString(detailedMap bool) string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Flags").String(t.flags.String())
	obj.Name("TotalAllocations").Int(t.totalCount)

	totalObj := obj.Name("Total").Object()
	t.stats.PrintJSON(&totalObj)
	totalObj.End()

	if detailedMap {
		blocks := obj.Name("Blocks").Array()
		t.live.Iter(func(address uintptr, l layout.Layout) bool {
			blockObj := blocks.Object()
			blockObj.Name("Address").String(fmt.Sprintf("%#x", address))
			blockObj.Name("Size").Int(int(l.Size()))
			blockObj.Name("Align").Int(int(l.Align()))
			blockObj.Name("Pointers").Bool(l.HasPointers())
			blockObj.End()
			return false
		})
		blocks.End()
	}

	obj.End()
	return string(writer.Bytes())
}

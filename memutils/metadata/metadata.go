package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/thinbox/memutils"
	"golang.org/x/exp/slog"
)

// BlockMetadata tracks suballocations inside a single contiguous block of memory. It never
// touches the block's bytes itself (except for corruption checks): it hands out offsets,
// and the consumer maps them onto the memory it owns.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the size in bytes of the
	// block being managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be
	// expensive. A correctly functioning implementation never returns an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic for whether an allocation of the provided size could
	// possibly fit. It may return false positives but never false negatives.
	MayHaveFreeBlock(size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region in
	// the block. It is slow and meant for diagnostics.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live region within the block
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the allocation was committed
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption verifies the corruption markers written after every live suballocation
	// in blockData, the memory this metadata manages. Markers only exist when memutils is
	// built with the debug_mem_utils tag, and the consumer is responsible for writing them
	// with memutils.WriteMagicValue after each allocation.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a place for an allocation of allocSize bytes aligned to
	// allocAlignment. It returns false without an error when the block has no room. The
	// returned request is committed with Alloc.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It returns an error if the request no longer fits the
	// block's current state.
	Alloc(request AllocationRequest, userData any) error

	// Free releases a live suballocation
	Free(allocHandle BlockAllocationHandle) error

	// DebugLogAllAllocations calls logFunc for every live suballocation
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))
}

// BlockMetadataBase holds the state shared by BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// blockJsonData writes the common block summary fields
func (m *BlockMetadataBase) blockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

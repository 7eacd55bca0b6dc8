package alloc

import "github.com/vkngwrapper/thinbox/internal/utils"

// TrackingCreateFlags indicate specific Tracking behaviors to activate or deactivate
type TrackingCreateFlags int32

var trackingCreateFlagsMapping = utils.NewFlagStringMapping[TrackingCreateFlags]()

func (f TrackingCreateFlags) Register(str string) {
	trackingCreateFlagsMapping.Register(f, str)
}
func (f TrackingCreateFlags) String() string {
	return trackingCreateFlagsMapping.FlagsToString(f)
}

const (
	// TrackingCreateExternallySynchronized ensures that the tracker will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time.
	TrackingCreateExternallySynchronized TrackingCreateFlags = 1 << iota
	// TrackingCreateLogAllocations logs every allocation and deallocation at debug level
	TrackingCreateLogAllocations
)

// PoolCreateFlags indicate specific Pool behaviors to activate or deactivate
type PoolCreateFlags int32

var poolCreateFlagsMapping = utils.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateExternallySynchronized ensures that the pool will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time, but performance
	// may improve because internal mutexes are not used.
	PoolCreateExternallySynchronized PoolCreateFlags = 1 << iota
	// PoolCreateKeepEmptyBlocks prevents the pool from releasing blocks that no longer hold any
	// allocations. Blocks are then only released by Destroy.
	PoolCreateKeepEmptyBlocks
)

// OffHeapCreateFlags indicate specific OffHeap behaviors to activate or deactivate
type OffHeapCreateFlags int32

var offHeapCreateFlagsMapping = utils.NewFlagStringMapping[OffHeapCreateFlags]()

func (f OffHeapCreateFlags) Register(str string) {
	offHeapCreateFlagsMapping.Register(f, str)
}
func (f OffHeapCreateFlags) String() string {
	return offHeapCreateFlagsMapping.FlagsToString(f)
}

const (
	// OffHeapCreateExternallySynchronized ensures that the allocator will not be synchronized
	// internally
	OffHeapCreateExternallySynchronized OffHeapCreateFlags = 1 << iota
	// OffHeapCreateZeroMemory zeroes every block before it is returned
	OffHeapCreateZeroMemory
)

func init() {
	TrackingCreateExternallySynchronized.Register("TrackingCreateExternallySynchronized")
	TrackingCreateLogAllocations.Register("TrackingCreateLogAllocations")

	PoolCreateExternallySynchronized.Register("PoolCreateExternallySynchronized")
	PoolCreateKeepEmptyBlocks.Register("PoolCreateKeepEmptyBlocks")

	OffHeapCreateExternallySynchronized.Register("OffHeapCreateExternallySynchronized")
	OffHeapCreateZeroMemory.Register("OffHeapCreateZeroMemory")
}

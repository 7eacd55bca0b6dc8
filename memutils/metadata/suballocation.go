package metadata

import "math"

// BlockAllocationHandle identifies a region inside a BlockMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

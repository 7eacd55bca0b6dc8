package metadata

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where
// the metadata intends to place an allocation. The consumer may prepare its memory and then
// commit the request with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the region the allocation will be carved from; after
	// Alloc it identifies the allocation itself
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size of the allocation in bytes, excluding any debug margin
	Size int
	// Offset is the aligned offset in bytes at which the allocation will begin
	Offset int
}

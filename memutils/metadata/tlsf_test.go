package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/memutils"
	"github.com/vkngwrapper/thinbox/memutils/metadata"
)

func allocTLSF(t *testing.T, tlsf *metadata.TLSFBlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.BlockAllocationHandle {
	success, req, err := tlsf.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = tlsf.Alloc(req, size)
	require.NoError(t, err)

	return req.BlockAllocationHandle
}

func detailedStats(tlsf *metadata.TLSFBlockMetadata) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	return stats
}

func TestTLSFBasicAlloc(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, detailedStats(tlsf))

	alloc1 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, detailedStats(tlsf))
	require.False(t, tlsf.IsEmpty())

	err := tlsf.Free(alloc1)
	require.NoError(t, err)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, detailedStats(tlsf))
	require.True(t, tlsf.IsEmpty())
}

func TestTLSFSameSize(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(10000)

	alloc1 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc3 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc4 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 4,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 9600,
		UnusedRangeSizeMax: 9600,
	}, detailedStats(tlsf))

	require.NoError(t, tlsf.Free(alloc1))
	require.NoError(t, tlsf.Free(alloc3))
	require.NoError(t, tlsf.Validate())
	require.Equal(t, 3, tlsf.FreeRegionsCount())

	require.NoError(t, tlsf.Free(alloc2))
	require.NoError(t, tlsf.Free(alloc4))
	require.NoError(t, tlsf.Validate())

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      10000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 10000,
		UnusedRangeSizeMax: 10000,
	}, detailedStats(tlsf))
	require.Equal(t, 1, tlsf.FreeRegionsCount())
}

func TestTLSFAlignment(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc1 := allocTLSF(t, tlsf, 10, 1, 0)
	alloc2 := allocTLSF(t, tlsf, 16, 64, 0)

	offset1, err := tlsf.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset1)

	offset2, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 64, offset2)

	require.NoError(t, tlsf.Validate())
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 26,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  10,
		AllocationSizeMax:  16,
		UnusedRangeSizeMin: 54,
		UnusedRangeSizeMax: 920,
	}, detailedStats(tlsf))
}

func TestTLSFInvalidRequest(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	_, _, err := tlsf.CreateAllocationRequest(10, 3, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, _, err = tlsf.CreateAllocationRequest(0, 1, 0)
	require.Error(t, err)

	success, _, err := tlsf.CreateAllocationRequest(1001, 1, 0)
	require.NoError(t, err)
	require.False(t, success)
}

func TestTLSFFreeSpaceHuntMinOffsetNullBlock(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1500)

	alloc1 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	allocTLSF(t, tlsf, 1000, 1, metadata.AllocationStrategyMinMemory)

	require.NoError(t, tlsf.Free(alloc1))

	alloc3 := allocTLSF(t, tlsf, 150, 1, metadata.AllocationStrategyMinOffset)
	offset3, err := tlsf.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 1100, offset3)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1500,
			AllocationCount: 2,
			AllocationBytes: 1150,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  150,
		AllocationSizeMax:  1000,
		UnusedRangeSizeMin: 100,
		UnusedRangeSizeMax: 250,
	}, detailedStats(tlsf))
}

func TestTLSFFreeSpaceHuntMinOffsetFreeBlock(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1500)

	alloc1 := allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)

	require.NoError(t, tlsf.Free(alloc1))

	alloc3 := allocTLSF(t, tlsf, 50, 1, metadata.AllocationStrategyMinOffset)
	offset3, err := tlsf.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 0, offset3)
	require.NoError(t, tlsf.Validate())
}

func TestTLSFMinOffsetAllocFail(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	allocTLSF(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      100,
			AllocationCount: 3,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   0,
		AllocationSizeMin:  20,
		AllocationSizeMax:  40,
		UnusedRangeSizeMin: math.MaxInt,
		UnusedRangeSizeMax: 0,
	}, detailedStats(tlsf))

	success, _, err := tlsf.CreateAllocationRequest(10, 1, metadata.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, tlsf.Free(alloc2))

	success, _, err = tlsf.CreateAllocationRequest(50, 1, metadata.AllocationStrategyMinOffset)
	require.NoError(t, err)
	require.False(t, success)

	alloc4 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinOffset)
	offset4, err := tlsf.AllocationOffset(alloc4)
	require.NoError(t, err)
	require.Equal(t, 40, offset4)
}

func TestTLSFMayHaveFreeBlock(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	require.False(t, tlsf.MayHaveFreeBlock(64))
	require.True(t, tlsf.MayHaveFreeBlock(60))

	alloc2 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	allocTLSF(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)
	require.False(t, tlsf.MayHaveFreeBlock(1))

	require.NoError(t, tlsf.Free(alloc2))
	require.True(t, tlsf.MayHaveFreeBlock(32))
	require.False(t, tlsf.MayHaveFreeBlock(41))
}

func TestTLSFAllocProperties(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	alloc1 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc3 := allocTLSF(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)

	offset1, err := tlsf.AllocationOffset(alloc1)
	require.NoError(t, err)
	require.Equal(t, 0, offset1)

	offset2, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 40, offset2)

	offset3, err := tlsf.AllocationOffset(alloc3)
	require.NoError(t, err)
	require.Equal(t, 80, offset3)

	userData, err := tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, 40, userData)

	err = tlsf.SetAllocationUserData(alloc1, 99)
	require.NoError(t, err)
	userData, err = tlsf.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, 99, userData)

	require.NoError(t, tlsf.Free(alloc2))
	_, err = tlsf.AllocationUserData(alloc2)
	require.Error(t, err)
	require.Error(t, tlsf.Free(alloc2))
}

func TestTLSFVisitAllRegions(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)

	alloc1 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocTLSF(t, tlsf, 40, 1, metadata.AllocationStrategyMinMemory)
	alloc3 := allocTLSF(t, tlsf, 20, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, tlsf.Free(alloc2))

	type region struct {
		handle metadata.BlockAllocationHandle
		offset int
		size   int
		free   bool
	}

	var regions []region
	err := tlsf.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{handle: handle, offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []region{
		{handle: alloc1, offset: 0, size: 40, free: false},
		{handle: alloc2, offset: 40, size: 40, free: true},
		{handle: alloc3, offset: 80, size: 20, free: false},
	}, regions)
}

func TestTLSFClear(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	allocTLSF(t, tlsf, 100, 1, metadata.AllocationStrategyMinMemory)
	alloc2 := allocTLSF(t, tlsf, 200, 1, metadata.AllocationStrategyMinMemory)
	allocTLSF(t, tlsf, 300, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, tlsf.Free(alloc2))

	tlsf.Clear()
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 0, tlsf.AllocationCount())
	require.Equal(t, 1000, tlsf.SumFreeSize())
	require.NoError(t, tlsf.Validate())

	alloc4 := allocTLSF(t, tlsf, 500, 1, metadata.AllocationStrategyMinTime)
	offset4, err := tlsf.AllocationOffset(alloc4)
	require.NoError(t, err)
	require.Equal(t, 0, offset4)
}

func TestTLSFBlockJsonData(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(100)
	allocTLSF(t, tlsf, 40, 1, 0)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	tlsf.BlockJsonData(&obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"TotalBytes":100,"UnusedBytes":60,"Allocations":1,"UnusedRanges":1}`, string(writer.Bytes()))
}

func TestAllocationStrategyString(t *testing.T) {
	require.Equal(t, "Balanced", metadata.AllocationStrategy(0).String())
	require.Equal(t, "MinTime", metadata.AllocationStrategyMinTime.String())
	require.Equal(t, "Mixed", (metadata.AllocationStrategyMinTime | metadata.AllocationStrategyMinMemory).String())
}

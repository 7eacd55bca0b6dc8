package alloc

import (
	"context"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/thinbox/internal/utils"
	"github.com/vkngwrapper/thinbox/layout"
	"github.com/vkngwrapper/thinbox/memutils"
	"github.com/vkngwrapper/thinbox/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// defaultPoolBlockSize is the value used as the BlockSize when none is provided via
	// PoolCreateOptions. It is equal to 1Mb.
	defaultPoolBlockSize int = 1024 * 1024
	// defaultPoolBlockAlignment is the alignment of each pool block when none is provided via
	// PoolCreateOptions. Requests with larger alignments get dedicated memory.
	defaultPoolBlockAlignment uintptr = 64
)

// ErrCorruptionDetectionDisabled is returned from Pool.CheckCorruption when the module was not
// built with the debug_mem_utils tag
var ErrCorruptionDetectionDisabled = errors.New("corruption detection is not enabled in this build")

// PoolCreateOptions contains optional settings when creating a Pool
type PoolCreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags PoolCreateFlags
	// BlockSize is the size in bytes of each block the pool suballocates from. Requests larger
	// than half a block receive dedicated memory from the BlockAllocator.
	BlockSize int
	// MaxBlockCount is the largest number of blocks the pool will hold at once. Zero means
	// unlimited.
	MaxBlockCount int
	// BlockAlignment is the alignment of each block. Requests with a larger alignment receive
	// dedicated memory from the BlockAllocator.
	BlockAlignment uintptr
	// Strategy selects how the pool's metadata chooses a free region
	Strategy metadata.AllocationStrategy
	// BlockAllocator provides the memory for blocks and dedicated allocations. Global is used if it
	// is nil.
	BlockAllocator Allocator
}

type poolBlock struct {
	id       int
	memory   unsafe.Pointer
	layout   layout.Layout
	metadata metadata.BlockMetadata
}

type poolAllocation struct {
	block  *poolBlock
	handle metadata.BlockAllocationHandle
	layout layout.Layout
	// dedicatedLayout is the layout dedicated memory was obtained with, for allocations that do
	// not live inside a block
	dedicatedLayout layout.Layout
}

// Pool suballocates pointer-free memory out of large blocks obtained from another Allocator,
// using TLSF metadata to place allocations. Blocks are created on demand. Layouts that carry
// Go pointers are rejected, since pool memory is not scanned according to any shape.
type Pool struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	flags          PoolCreateFlags
	blockSize      int
	maxBlockCount  int
	blockAlignment uintptr
	strategy       metadata.AllocationStrategy
	blockAllocator Allocator

	blocks         []*poolBlock
	nextBlockID    int
	allocations    *swiss.Map[uintptr, poolAllocation]
	dedicatedStats memutils.Statistics
}

var _ Allocator = &Pool{}

// NewPool creates a Pool. No memory is obtained until the first allocation. If logger is nil,
// slog.Default() is used.
func NewPool(logger *slog.Logger, options PoolCreateOptions) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("Pool::NewPool",
		slog.String("Flags", options.Flags.String()),
		slog.Int("BlockSize", options.BlockSize),
		slog.Int("MaxBlockCount", options.MaxBlockCount),
		slog.String("Strategy", options.Strategy.String()),
	)

	if options.BlockSize < 0 {
		return nil, errors.Newf("invalid block size %d", options.BlockSize)
	}
	if options.MaxBlockCount < 0 {
		return nil, errors.Newf("invalid max block count %d", options.MaxBlockCount)
	}

	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = defaultPoolBlockSize
	}

	blockAlignment := options.BlockAlignment
	if blockAlignment == 0 {
		blockAlignment = defaultPoolBlockAlignment
	}
	err := memutils.CheckPow2(blockAlignment, "BlockAlignment")
	if err != nil {
		return nil, err
	}

	blockAllocator := options.BlockAllocator
	if blockAllocator == nil {
		blockAllocator = Global{}
	}

	return &Pool{
		logger: logger,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&PoolCreateExternallySynchronized == 0,
		},
		flags:          options.Flags,
		blockSize:      blockSize,
		maxBlockCount:  options.MaxBlockCount,
		blockAlignment: blockAlignment,
		strategy:       options.Strategy,
		blockAllocator: blockAllocator,
		allocations:    swiss.NewMap[uintptr, poolAllocation](16),
	}, nil
}

func (p *Pool) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	if l.HasPointers() {
		return nil, errors.Wrapf(ErrUnsupportedLayout, "pool memory cannot hold Go pointers: %s", l)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	size := max(int(l.Size()), 1)
	if size > p.blockSize/2 || l.Align() > p.blockAlignment {
		return p.allocateDedicated(l, size)
	}

	for _, block := range p.blocks {
		ptr, err := p.allocateFromBlock(block, l, size)
		if err != nil {
			return nil, err
		}
		if ptr != nil {
			return ptr, nil
		}
	}

	if p.maxBlockCount > 0 && len(p.blocks) >= p.maxBlockCount {
		p.logger.Debug("    Pool::Allocate FAILED", slog.Int("BlockCount", len(p.blocks)))
		return nil, errors.Wrapf(ErrOutOfMemory, "pool has reached its limit of %d blocks", p.maxBlockCount)
	}

	block, err := p.createBlock()
	if err != nil {
		return nil, err
	}

	ptr, err := p.allocateFromBlock(block, l, size)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, errors.AssertionFailedf("allocation of %d bytes did not fit in a new block of %d bytes", size, p.blockSize)
	}

	return ptr, nil
}

func (p *Pool) allocateDedicated(l layout.Layout, size int) (unsafe.Pointer, error) {
	dedicatedLayout, err := layout.FromSizeAlign(uintptr(size), l.Align())
	if err != nil {
		return nil, err
	}

	ptr, err := p.blockAllocator.Allocate(dedicatedLayout)
	if err != nil {
		return nil, err
	}

	p.allocations.Put(uintptr(ptr), poolAllocation{
		handle:          metadata.NoAllocation,
		layout:          l,
		dedicatedLayout: dedicatedLayout,
	})
	p.dedicatedStats.AddBlockAllocation(size)
	p.logger.Debug("  Allocated as dedicated memory", slog.Int("Size", size))

	return ptr, nil
}

func (p *Pool) allocateFromBlock(block *poolBlock, l layout.Layout, size int) (unsafe.Pointer, error) {
	if !block.metadata.MayHaveFreeBlock(size) {
		return nil, nil
	}

	success, req, err := block.metadata.CreateAllocationRequest(size, uint(l.Align()), p.strategy)
	if err != nil || !success {
		return nil, err
	}

	err = block.metadata.Alloc(req, l)
	if err != nil {
		return nil, err
	}

	memutils.WriteMagicValue(block.memory, req.Offset+req.Size)

	ptr := unsafe.Add(block.memory, req.Offset)
	p.allocations.Put(uintptr(ptr), poolAllocation{
		block:  block,
		handle: req.BlockAllocationHandle,
		layout: l,
	})

	return ptr, nil
}

func (p *Pool) createBlock() (*poolBlock, error) {
	blockLayout, err := layout.FromSizeAlign(uintptr(p.blockSize), p.blockAlignment)
	if err != nil {
		return nil, err
	}

	memory, err := p.blockAllocator.Allocate(blockLayout)
	if err != nil {
		return nil, err
	}

	block := &poolBlock{
		id:       p.nextBlockID,
		memory:   memory,
		layout:   blockLayout,
		metadata: metadata.NewTLSFBlockMetadata(),
	}
	block.metadata.Init(p.blockSize)
	p.nextBlockID++
	p.blocks = append(p.blocks, block)

	p.logger.Debug("    Pool::createBlock", slog.Int("ID", block.id), slog.Int("Size", p.blockSize))

	return block, nil
}

func (p *Pool) Deallocate(ptr unsafe.Pointer, l layout.Layout) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	allocation, ok := p.allocations.Get(uintptr(ptr))
	if !ok {
		panic(errors.AssertionFailedf("deallocating %#x which was not allocated from this pool", uintptr(ptr)))
	}
	if !allocation.layout.Equal(l) {
		panic(errors.AssertionFailedf("deallocating %#x with %s, but it was allocated with %s", uintptr(ptr), l, allocation.layout))
	}

	if allocation.block == nil {
		p.allocations.Delete(uintptr(ptr))
		p.dedicatedStats.RemoveBlockAllocation(int(allocation.dedicatedLayout.Size()))
		p.blockAllocator.Deallocate(ptr, allocation.dedicatedLayout)
		return
	}

	block := allocation.block
	err := block.metadata.Free(allocation.handle)
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free pool allocation",
			slog.Int("block", block.id),
			slog.Any("error", err))
		return
	}
	p.allocations.Delete(uintptr(ptr))

	if block.metadata.IsEmpty() && p.flags&PoolCreateKeepEmptyBlocks == 0 && p.emptyBlockCount() > 1 {
		p.releaseBlock(block)
	}
}

func (p *Pool) emptyBlockCount() int {
	count := 0
	for _, block := range p.blocks {
		if block.metadata.IsEmpty() {
			count++
		}
	}
	return count
}

func (p *Pool) releaseBlock(block *poolBlock) {
	for i, candidate := range p.blocks {
		if candidate == block {
			p.blocks = append(p.blocks[:i], p.blocks[i+1:]...)
			break
		}
	}

	p.logger.Debug("    Pool::releaseBlock", slog.Int("ID", block.id))
	p.blockAllocator.Deallocate(block.memory, block.layout)
	block.memory = nil
	block.metadata = nil
}

// BlockCount returns the number of blocks the pool currently holds, not counting dedicated
// allocations
func (p *Pool) BlockCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.blocks)
}

// Statistics populates stats with the pool's blocks and allocations, including dedicated ones
func (p *Pool) Statistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats.Clear()
	for _, block := range p.blocks {
		block.metadata.AddStatistics(stats)
	}
	stats.AddStatistics(&p.dedicatedStats)
}

// DetailedStatistics populates stats with the pool's blocks, allocations and free ranges
func (p *Pool) DetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats.Clear()
	for _, block := range p.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
	stats.Statistics.AddStatistics(&p.dedicatedStats)
}

// PrintDetailedMap writes a json object describing every block and every region within it
func (p *Pool) PrintDetailedMap(writer *jwriter.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for _, block := range p.blocks {
		blockObj := objState.Name(strconv.Itoa(block.id)).Object()
		block.metadata.BlockJsonData(&blockObj)

		regions := blockObj.Name("Suballocations").Array()
		_ = block.metadata.VisitAllRegions(
			func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
				obj := regions.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)
				obj.Name("Size").Int(size)
				if free {
					obj.Name("Type").String("Free")
				} else if l, isLayout := userData.(layout.Layout); isLayout {
					obj.Name("Type").String("Allocation")
					obj.Name("Align").Int(int(l.Align()))
				} else {
					obj.Name("Type").String("Allocation")
					obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
				}
				return nil
			})
		regions.End()

		blockObj.End()
	}
}

// BuildStatsString returns a json document describing this pool. If detailedMap is true, every
// region of every block is listed.
func (p *Pool) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	p.DetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Flags").String(p.flags.String())
	obj.Name("Strategy").String(p.strategy.String())
	obj.Name("BlockSize").Int(p.blockSize)

	totalObj := obj.Name("Total").Object()
	stats.PrintJSON(&totalObj)
	totalObj.End()

	if detailedMap {
		obj.Name("DetailedMap")
		p.PrintDetailedMap(&writer)
	}

	obj.End()
	return string(writer.Bytes())
}

// CheckCorruption verifies the corruption markers written after every suballocation. It
// returns ErrCorruptionDetectionDisabled unless the module was built with the debug_mem_utils
// tag.
func (p *Pool) CheckCorruption() error {
	if memutils.DebugMargin == 0 {
		return ErrCorruptionDetectionDisabled
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, block := range p.blocks {
		err := block.metadata.CheckCorruption(block.memory)
		if err != nil {
			return errors.Wrapf(err, "pool block %d", block.id)
		}
	}

	return nil
}

// Validate performs internal consistency checks on every block of the pool
func (p *Pool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	liveInBlocks := 0
	for _, block := range p.blocks {
		err := block.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
			_, isLayout := userData.(layout.Layout)
			if free && isLayout {
				return errors.Errorf("a region at offset %d is marked as free but contains an allocation layout", offset)
			} else if !free && !isLayout {
				return errors.Errorf("a region at offset %d is marked as allocated but has no allocation layout", offset)
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "pool block %d", block.id)
		}

		err = block.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "pool block %d", block.id)
		}
		liveInBlocks += block.metadata.AllocationCount()
	}

	if liveInBlocks+p.dedicatedStats.AllocationCount != p.allocations.Count() {
		return errors.Errorf("pool tracks %d allocations, but its blocks and dedicated memory hold %d", p.allocations.Count(), liveInBlocks+p.dedicatedStats.AllocationCount)
	}

	return nil
}

// Destroy releases every block of the pool. If any allocation is still live, each one is logged,
// nothing is released, and an error wrapping ErrLeakDetected is returned.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.allocations.Count() > 0 {
		for _, block := range p.blocks {
			blockID := block.id
			block.metadata.DebugLogAllAllocations(p.logger, func(log *slog.Logger, offset int, size int, userData any) {
				log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.Int("block", blockID),
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
			})
		}

		p.allocations.Iter(func(address uintptr, allocation poolAllocation) bool {
			if allocation.block == nil {
				p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed dedicated allocation",
					slog.String("address", fmt.Sprintf("%#x", address)),
					slog.Int("size", int(allocation.dedicatedLayout.Size())),
				)
			}
			return false
		})

		return errors.Wrapf(ErrLeakDetected, "%d pool allocations outstanding", p.allocations.Count())
	}

	for _, block := range p.blocks {
		p.blockAllocator.Deallocate(block.memory, block.layout)
		block.memory = nil
		block.metadata = nil
	}
	p.blocks = nil

	return nil
}

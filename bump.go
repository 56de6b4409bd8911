package vkmem

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slog"
)

const defaultBumpBlockSize = 16 * 1024 * 1024

// BumpAllocatorOptions contains optional settings when creating a
// BumpAllocator. The zero value is valid.
type BumpAllocatorOptions struct {
	// BlockSize is the size of the pools the allocator creates. Requests
	// larger than BlockSize get a pool of exactly their own size. Defaults
	// to 16MB.
	BlockSize int
	// RequiredProperties are property flags every pool's memory type must
	// carry, in addition to per-request requirements. A staging allocator,
	// for instance, would require MemoryPropertyHostVisible.
	RequiredProperties vulkan.MemoryPropertyFlags
	// PreferredProperties are property flags that make a memory type a
	// better candidate without being mandatory.
	PreferredProperties vulkan.MemoryPropertyFlags
}

type bumpPool struct {
	pool      *MemoryPool
	cursor    int
	liveCount int
	liveBytes int
}

// BumpAllocator is the fastest and simplest placement strategy: each pool
// carries a cursor that only moves forward, and a freed range is not reused
// until every allocation in its pool has been freed, at which point the
// whole pool resets. Suited to per-frame staging and other workloads where
// allocations share a lifetime.
type BumpAllocator struct {
	allocatorBase

	blockSize           int
	requiredProperties  vulkan.MemoryPropertyFlags
	preferredProperties vulkan.MemoryPropertyFlags
	pools               []*bumpPool
}

var _ Allocator = (*BumpAllocator)(nil)

func NewBumpAllocator(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, options BumpAllocatorOptions) *BumpAllocator {
	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = defaultBumpBlockSize
	}
	if blockSize < 1 {
		panic(fmt.Sprintf("attempting to create a bump allocator with invalid block size %d", options.BlockSize))
	}

	return &BumpAllocator{
		allocatorBase: newAllocatorBase(logger, deviceMemory),

		blockSize:           blockSize,
		requiredProperties:  options.RequiredProperties,
		preferredProperties: options.PreferredProperties,
	}
}

func (a *BumpAllocator) Allocate(request AllocationRequest) (*Allocation, error) {
	a.logger.Debug("BumpAllocator::Allocate",
		slog.Int("size", request.Size),
		slog.Uint64("alignment", uint64(request.Alignment)),
	)

	request.normalize()

	err := a.checkSizeSupported(request.Size)
	if err != nil {
		return nil, err
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(
		request.MemoryTypeMask,
		request.RequiredProperties|a.requiredProperties,
		a.preferredProperties,
	)
	if err != nil {
		return nil, err
	}
	alignment := a.promoteAlignment(memoryTypeIndex, request.Alignment)

	for _, pool := range a.pools {
		if pool.pool.MemoryTypeIndex() != memoryTypeIndex {
			continue
		}

		offset := memutils.AlignUp(pool.cursor, alignment)
		if offset+request.Size <= pool.pool.Size() {
			return a.commitAllocation(pool, offset, request.Size), nil
		}
	}

	poolSize := a.blockSize
	if request.Size > poolSize {
		poolSize = request.Size
	}

	newPool, err := AllocatePool(a.logger, a.deviceMemory, memoryTypeIndex, poolSize)
	if err != nil {
		return nil, err
	}

	pool := &bumpPool{pool: newPool}
	a.pools = append(a.pools, pool)

	return a.commitAllocation(pool, 0, request.Size), nil
}

func (a *BumpAllocator) commitAllocation(pool *bumpPool, offset, size int) *Allocation {
	pool.cursor = offset + size
	pool.liveCount++
	pool.liveBytes += size
	a.deviceMemory.AddAllocation(pool.pool.HeapIndex(), size)

	return pool.pool.AllocateView(a, offset, size)
}

func (a *BumpAllocator) Free(allocation *Allocation) {
	a.logger.Debug("BumpAllocator::Free",
		slog.Int("offset", allocation.Offset()),
		slog.Int("size", allocation.Size()),
	)

	pool := a.mustOwnPool(allocation.Pool())

	pool.liveCount--
	if pool.liveCount < 0 {
		panic("bump allocator freed more allocations than it produced")
	}
	pool.liveBytes -= allocation.Size()
	a.deviceMemory.RemoveAllocation(pool.pool.HeapIndex(), allocation.Size())

	// The cursor can only rewind once the whole pool is quiescent
	if pool.liveCount == 0 {
		pool.cursor = 0
	}
}

func (a *BumpAllocator) Destroy() error {
	a.logger.Debug("BumpAllocator::Destroy")

	var leaked int
	for _, pool := range a.pools {
		if pool.liveCount > 0 {
			leaked += pool.liveCount
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] bump pool destroyed with live allocations",
				slog.Int("memoryTypeIndex", pool.pool.MemoryTypeIndex()),
				slog.Int("liveCount", pool.liveCount),
				slog.Int("usedBytes", pool.cursor),
			)
			a.deviceMemory.RemoveAllocations(pool.pool.HeapIndex(), pool.liveCount, pool.liveBytes)
		}

		pool.pool.Destroy()
	}
	a.pools = nil
	a.Poison()

	if leaked > 0 {
		return errors.Newf("%d allocations were not freed before the bump allocator was destroyed", leaked)
	}
	return nil
}

// AddStatistics sums this allocator's pool and allocation counts into the
// provided statistics object.
func (a *BumpAllocator) AddStatistics(stats *memutils.Statistics) {
	for _, pool := range a.pools {
		stats.BlockCount++
		stats.BlockBytes += pool.pool.Size()
		stats.AllocationCount += pool.liveCount
		stats.AllocationBytes += pool.liveBytes
	}
}

// BuildStatsString writes a JSON description of the allocator's pools for
// diagnostic dumps.
func (a *BumpAllocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Strategy").String("Bump")
	poolArray := obj.Name("Pools").Array()
	for _, pool := range a.pools {
		poolObj := poolArray.Object()
		poolObj.Name("MemoryTypeIndex").Int(pool.pool.MemoryTypeIndex())
		poolObj.Name("TotalBytes").Int(pool.pool.Size())
		poolObj.Name("UsedBytes").Int(pool.cursor)
		poolObj.Name("Allocations").Int(pool.liveCount)
		poolObj.End()
	}
	poolArray.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

func (a *BumpAllocator) mustOwnPool(memoryPool *MemoryPool) *bumpPool {
	for _, pool := range a.pools {
		if pool.pool == memoryPool {
			return pool
		}
	}

	panic("attempting to free an allocation that this bump allocator did not produce")
}

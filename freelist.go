package vkmem

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const defaultFreeListBlockSize = 64 * 1024 * 1024

// FreeListAllocatorOptions contains optional settings when creating a
// FreeListAllocator. The zero value is valid.
type FreeListAllocatorOptions struct {
	// BlockSize is the size of the pools the allocator creates. Requests
	// larger than BlockSize get a pool of exactly their own size. Defaults
	// to 64MB.
	BlockSize int
	// RequiredProperties are property flags every pool's memory type must
	// carry, in addition to per-request requirements.
	RequiredProperties vulkan.MemoryPropertyFlags
	// PreferredProperties are property flags that make a memory type a
	// better candidate without being mandatory.
	PreferredProperties vulkan.MemoryPropertyFlags
	// Strategy selects between first-fit placement (the default, also chosen
	// by AllocationStrategyMinTime) and best-fit placement
	// (AllocationStrategyMinMemory).
	Strategy AllocationStrategy
}

// freeSpan is an unoccupied contiguous range within a pool. Spans in a
// freeListPool are sorted by offset and never adjacent: coalescing on free
// keeps maximal spans.
type freeSpan struct {
	offset int
	size   int
}

type freeListPool struct {
	pool      *MemoryPool
	freeSpans []freeSpan
	liveSpans *swiss.Map[int, int]
}

var _ memutils.Validatable = (*freeListPool)(nil)

func (p *freeListPool) isEmpty() bool {
	return p.liveSpans.Count() == 0
}

// Validate checks the pool's span bookkeeping: free spans must be sorted,
// non-adjacent and in bounds, and together with the live spans they must
// account for every byte of the pool.
func (p *freeListPool) Validate() error {
	freeBytes := 0
	for i, span := range p.freeSpans {
		if span.size < 1 {
			return errors.Newf("free span at offset %d has size %d", span.offset, span.size)
		}
		if span.offset < 0 || span.offset+span.size > p.pool.Size() {
			return errors.Newf("free span [%d, %d) lies outside the pool", span.offset, span.offset+span.size)
		}
		if i > 0 {
			previous := p.freeSpans[i-1]
			if previous.offset+previous.size >= span.offset {
				return errors.Newf("free spans at offsets %d and %d overlap or are adjacent", previous.offset, span.offset)
			}
		}
		freeBytes += span.size
	}

	liveBytes := 0
	p.liveSpans.Iter(func(_, size int) bool {
		liveBytes += size
		return false
	})

	if freeBytes+liveBytes != p.pool.Size() {
		return errors.Newf("%d free bytes and %d live bytes do not account for the pool's %d bytes", freeBytes, liveBytes, p.pool.Size())
	}
	return nil
}

// FreeListAllocator is the general-purpose placement strategy: it tracks the
// free ranges of each pool in a sorted, coalesced list and serves requests of
// arbitrary sizes and lifetimes, reusing freed ranges immediately.
type FreeListAllocator struct {
	allocatorBase

	blockSize           int
	requiredProperties  vulkan.MemoryPropertyFlags
	preferredProperties vulkan.MemoryPropertyFlags
	strategy            AllocationStrategy
	pools               []*freeListPool
}

var _ Allocator = (*FreeListAllocator)(nil)

func NewFreeListAllocator(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, options FreeListAllocatorOptions) *FreeListAllocator {
	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = defaultFreeListBlockSize
	}
	if blockSize < 1 {
		panic("attempting to create a free-list allocator with a negative block size")
	}

	return &FreeListAllocator{
		allocatorBase: newAllocatorBase(logger, deviceMemory),

		blockSize:           blockSize,
		requiredProperties:  options.RequiredProperties,
		preferredProperties: options.PreferredProperties,
		strategy:            options.Strategy,
	}
}

func (a *FreeListAllocator) Allocate(request AllocationRequest) (*Allocation, error) {
	a.logger.Debug("FreeListAllocator::Allocate",
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

	// Debug builds reserve a margin behind every allocation and stamp it with
	// a marker so Free can detect overruns. DebugMargin is 0 in release builds.
	paddedSize := request.Size + memutils.DebugMargin

	bestPool, bestSpanIndex := a.findFit(memoryTypeIndex, paddedSize, alignment)
	if bestPool == nil {
		poolSize := a.blockSize
		if paddedSize > poolSize {
			poolSize = paddedSize
		}

		newPool, err := AllocatePool(a.logger, a.deviceMemory, memoryTypeIndex, poolSize)
		if err != nil {
			return nil, err
		}

		bestPool = &freeListPool{
			pool:      newPool,
			freeSpans: []freeSpan{{offset: 0, size: poolSize}},
			liveSpans: swiss.NewMap[int, int](64),
		}
		a.pools = append(a.pools, bestPool)
		bestSpanIndex = 0
	}

	offset := a.claimSpan(bestPool, bestSpanIndex, paddedSize, alignment)
	a.writeDebugMargin(bestPool, offset, request.Size)
	a.deviceMemory.AddAllocation(bestPool.pool.HeapIndex(), request.Size)
	memutils.DebugValidate(bestPool)

	return bestPool.pool.AllocateView(a, offset, request.Size), nil
}

// findFit scans every pool of the memory type for a span that can hold an
// aligned range of the requested size. Under first-fit the scan stops at the
// first candidate; under AllocationStrategyMinMemory it continues and keeps
// the smallest.
func (a *FreeListAllocator) findFit(memoryTypeIndex, size int, alignment uint) (*freeListPool, int) {
	bestFit := a.strategy&AllocationStrategyMinMemory != 0

	var bestPool *freeListPool
	bestSpanIndex := -1
	bestUsableSize := 0

	for _, pool := range a.pools {
		if pool.pool.MemoryTypeIndex() != memoryTypeIndex {
			continue
		}

		for spanIndex, span := range pool.freeSpans {
			alignedOffset := memutils.AlignUp(span.offset, alignment)
			usableSize := span.offset + span.size - alignedOffset
			if usableSize < size {
				continue
			}

			if !bestFit {
				return pool, spanIndex
			}
			// Best fit scores what remains after alignment padding, not the
			// span's raw size: a span whose start is already aligned can be
			// the tighter fit even when an unaligned span is nominally
			// smaller.
			if bestPool == nil || usableSize < bestUsableSize {
				bestPool = pool
				bestSpanIndex = spanIndex
				bestUsableSize = usableSize
			}
		}
	}

	return bestPool, bestSpanIndex
}

// claimSpan carves an aligned range of the requested size out of the span,
// leaving the leading alignment padding and the trailing remainder as free
// spans, and records the range as live. Returns the range's offset.
func (a *FreeListAllocator) claimSpan(pool *freeListPool, spanIndex, size int, alignment uint) int {
	span := pool.freeSpans[spanIndex]
	offset := memutils.AlignUp(span.offset, alignment)

	replacement := make([]freeSpan, 0, 2)
	if offset > span.offset {
		replacement = append(replacement, freeSpan{offset: span.offset, size: offset - span.offset})
	}
	if remainder := span.offset + span.size - offset - size; remainder > 0 {
		replacement = append(replacement, freeSpan{offset: offset + size, size: remainder})
	}

	pool.freeSpans = append(pool.freeSpans[:spanIndex], append(replacement, pool.freeSpans[spanIndex+1:]...)...)
	pool.liveSpans.Put(offset, size)

	return offset
}

// writeDebugMargin stamps the marker into the reserved bytes behind the
// allocation. Margins only exist in debug builds, and can only be inspected
// through a host mapping.
func (a *FreeListAllocator) writeDebugMargin(pool *freeListPool, offset, size int) {
	if memutils.DebugMargin == 0 || !a.deviceMemory.IsMemoryTypeHostVisible(pool.pool.MemoryTypeIndex()) {
		return
	}

	memutils.WriteMagicValue(pool.pool.MappedAddress(), offset+size)
}

func (a *FreeListAllocator) validateDebugMargin(pool *freeListPool, offset, size int) {
	if memutils.DebugMargin == 0 || !a.deviceMemory.IsMemoryTypeHostVisible(pool.pool.MemoryTypeIndex()) {
		return
	}

	if !memutils.ValidateMagicValue(pool.pool.MappedAddress(), offset+size) {
		panic("MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION")
	}
}

func (a *FreeListAllocator) Free(allocation *Allocation) {
	a.logger.Debug("FreeListAllocator::Free",
		slog.Int("offset", allocation.Offset()),
		slog.Int("size", allocation.Size()),
	)

	pool := a.mustOwnPool(allocation.Pool())

	paddedSize, ok := pool.liveSpans.Get(allocation.Offset())
	if !ok || paddedSize != allocation.Size()+memutils.DebugMargin {
		panic("attempting to free an allocation this free-list allocator has no record of")
	}
	a.validateDebugMargin(pool, allocation.Offset(), allocation.Size())

	pool.liveSpans.Delete(allocation.Offset())
	a.deviceMemory.RemoveAllocation(pool.pool.HeapIndex(), allocation.Size())

	a.returnSpan(pool, allocation.Offset(), paddedSize)
	memutils.DebugValidate(pool)

	if pool.isEmpty() {
		a.retireEmptyPools()
	}
}

// returnSpan reinserts the range into the sorted free list, merging it with
// an adjacent predecessor and successor so free spans stay maximal.
func (a *FreeListAllocator) returnSpan(pool *freeListPool, offset, size int) {
	insertAt, _ := slices.BinarySearchFunc(pool.freeSpans, offset, func(span freeSpan, target int) int {
		return span.offset - target
	})

	mergeBefore := insertAt > 0 &&
		pool.freeSpans[insertAt-1].offset+pool.freeSpans[insertAt-1].size == offset
	mergeAfter := insertAt < len(pool.freeSpans) &&
		offset+size == pool.freeSpans[insertAt].offset

	switch {
	case mergeBefore && mergeAfter:
		pool.freeSpans[insertAt-1].size += size + pool.freeSpans[insertAt].size
		pool.freeSpans = slices.Delete(pool.freeSpans, insertAt, insertAt+1)
	case mergeBefore:
		pool.freeSpans[insertAt-1].size += size
	case mergeAfter:
		pool.freeSpans[insertAt].offset = offset
		pool.freeSpans[insertAt].size += size
	default:
		pool.freeSpans = slices.Insert(pool.freeSpans, insertAt, freeSpan{offset: offset, size: size})
	}
}

// retireEmptyPools destroys empty pools beyond the first, so that a workload
// that oscillates around a pool boundary does not reallocate device memory on
// every swing.
func (a *FreeListAllocator) retireEmptyPools() {
	keptAnEmptyPool := false
	kept := a.pools[:0]

	for _, pool := range a.pools {
		if !pool.isEmpty() || !keptAnEmptyPool {
			if pool.isEmpty() {
				keptAnEmptyPool = true
			}
			kept = append(kept, pool)
			continue
		}

		pool.pool.Destroy()
	}

	a.pools = kept
}

func (a *FreeListAllocator) Destroy() error {
	a.logger.Debug("FreeListAllocator::Destroy")

	var leaked int
	for _, pool := range a.pools {
		if !pool.isEmpty() {
			leaked += pool.liveSpans.Count()
			a.logUnreleasedSpans(pool)
		}

		pool.pool.Destroy()
	}
	a.pools = nil
	a.Poison()

	if leaked > 0 {
		return errors.Newf("%d allocations were not freed before the free-list allocator was destroyed", leaked)
	}
	return nil
}

func (a *FreeListAllocator) logUnreleasedSpans(pool *freeListPool) {
	pool.liveSpans.Iter(func(offset, paddedSize int) bool {
		size := paddedSize - memutils.DebugMargin
		a.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] allocation still live at free-list allocator teardown",
			slog.Int("memoryTypeIndex", pool.pool.MemoryTypeIndex()),
			slog.Int("offset", offset),
			slog.Int("size", size),
		)
		a.deviceMemory.RemoveAllocation(pool.pool.HeapIndex(), size)
		return false
	})
}

// AddStatistics sums this allocator's pool and allocation counts into the
// provided statistics object.
func (a *FreeListAllocator) AddStatistics(stats *memutils.Statistics) {
	for _, pool := range a.pools {
		stats.BlockCount++
		stats.BlockBytes += pool.pool.Size()
		stats.AllocationCount += pool.liveSpans.Count()

		pool.liveSpans.Iter(func(_, paddedSize int) bool {
			stats.AllocationBytes += paddedSize - memutils.DebugMargin
			return false
		})
	}
}

// AddDetailedStatistics additionally records the free-range population, which
// is what fragmentation diagnoses want to see.
func (a *FreeListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, pool := range a.pools {
		stats.BlockCount++
		stats.BlockBytes += pool.pool.Size()

		for _, span := range pool.freeSpans {
			stats.AddUnusedRange(span.size)
		}
		pool.liveSpans.Iter(func(_, paddedSize int) bool {
			stats.AddAllocation(paddedSize - memutils.DebugMargin)
			return false
		})
	}
}

// BuildStatsString writes a JSON description of the allocator's pools and
// their free spans for diagnostic dumps.
func (a *FreeListAllocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Strategy").String("FreeList")
	poolArray := obj.Name("Pools").Array()
	for _, pool := range a.pools {
		poolObj := poolArray.Object()
		poolObj.Name("MemoryTypeIndex").Int(pool.pool.MemoryTypeIndex())
		poolObj.Name("TotalBytes").Int(pool.pool.Size())
		poolObj.Name("Allocations").Int(pool.liveSpans.Count())

		spanArray := poolObj.Name("FreeSpans").Array()
		for _, span := range pool.freeSpans {
			spanObj := spanArray.Object()
			spanObj.Name("Offset").Int(span.offset)
			spanObj.Name("Size").Int(span.size)
			spanObj.End()
		}
		spanArray.End()
		poolObj.End()
	}
	poolArray.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

func (a *FreeListAllocator) mustOwnPool(memoryPool *MemoryPool) *freeListPool {
	for _, pool := range a.pools {
		if pool.pool == memoryPool {
			return pool
		}
	}

	panic("attempting to free an allocation that this free-list allocator did not produce")
}

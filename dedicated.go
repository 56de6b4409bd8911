package vkmem

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slog"
)

// DedicatedAllocatorOptions contains optional settings when creating a
// DedicatedAllocator. The zero value is valid.
type DedicatedAllocatorOptions struct {
	// RequiredProperties are property flags every allocation's memory type
	// must carry, in addition to per-request requirements.
	RequiredProperties vulkan.MemoryPropertyFlags
	// PreferredProperties are property flags that make a memory type a
	// better candidate without being mandatory.
	PreferredProperties vulkan.MemoryPropertyFlags
}

// dedicatedEntry is one node of the allocator's registration list. Entries
// are linked so leaks can be walked in allocation order at teardown, and
// indexed by device-memory handle for O(1) Free.
type dedicatedEntry struct {
	pool *MemoryPool
	name string

	prev *dedicatedEntry
	next *dedicatedEntry
}

// DedicatedAllocator gives every allocation its own pool, sized exactly to
// the request. It spends a unit of the device's allocation-count quota per
// allocation, so it is meant for large, long-lived resources rather than
// bulk traffic.
type DedicatedAllocator struct {
	allocatorBase

	requiredProperties  vulkan.MemoryPropertyFlags
	preferredProperties vulkan.MemoryPropertyFlags

	head    *dedicatedEntry
	tail    *dedicatedEntry
	entries *swiss.Map[uint64, *dedicatedEntry]
}

var _ Allocator = (*DedicatedAllocator)(nil)

func NewDedicatedAllocator(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, options DedicatedAllocatorOptions) *DedicatedAllocator {
	return &DedicatedAllocator{
		allocatorBase: newAllocatorBase(logger, deviceMemory),

		requiredProperties:  options.RequiredProperties,
		preferredProperties: options.PreferredProperties,
		entries:             swiss.NewMap[uint64, *dedicatedEntry](64),
	}
}

func (a *DedicatedAllocator) Allocate(request AllocationRequest) (*Allocation, error) {
	a.logger.Debug("DedicatedAllocator::Allocate",
		slog.Int("size", request.Size),
		slog.String("name", request.Name),
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

	// Each pool starts at offset 0 of its own device allocation, which
	// satisfies any power-of-two alignment the request carries

	pool, err := AllocatePool(a.logger, a.deviceMemory, memoryTypeIndex, request.Size)
	if err != nil {
		return nil, err
	}

	a.register(&dedicatedEntry{pool: pool, name: request.Name})
	a.deviceMemory.AddAllocation(pool.HeapIndex(), request.Size)

	return pool.AllocateView(a, 0, request.Size), nil
}

func (a *DedicatedAllocator) register(entry *dedicatedEntry) {
	entry.prev = a.tail
	if a.tail != nil {
		a.tail.next = entry
	} else {
		a.head = entry
	}
	a.tail = entry

	a.entries.Put(entry.pool.Memory().Handle(), entry)
}

func (a *DedicatedAllocator) unlink(entry *dedicatedEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		a.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		a.tail = entry.prev
	}
	entry.prev = nil
	entry.next = nil

	a.entries.Delete(entry.pool.Memory().Handle())
}

func (a *DedicatedAllocator) Free(allocation *Allocation) {
	a.logger.Debug("DedicatedAllocator::Free",
		slog.Int("size", allocation.Size()),
	)

	pool := allocation.Pool()
	entry, ok := a.entries.Get(pool.Memory().Handle())
	if !ok || entry.pool != pool {
		panic("attempting to free an allocation that this dedicated allocator did not produce")
	}

	a.unlink(entry)
	a.deviceMemory.RemoveAllocation(pool.HeapIndex(), pool.Size())
	pool.Destroy()
}

func (a *DedicatedAllocator) Destroy() error {
	a.logger.Debug("DedicatedAllocator::Destroy")

	var leaked int
	for entry := a.head; entry != nil; entry = entry.next {
		leaked++
		a.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] dedicated allocation still live at allocator teardown",
			slog.String("name", entry.name),
			slog.Int("memoryTypeIndex", entry.pool.MemoryTypeIndex()),
			slog.Int("size", entry.pool.Size()),
		)

		a.deviceMemory.RemoveAllocation(entry.pool.HeapIndex(), entry.pool.Size())
		entry.pool.Destroy()
	}

	a.head = nil
	a.tail = nil
	a.entries = swiss.NewMap[uint64, *dedicatedEntry](0)
	a.Poison()

	if leaked > 0 {
		return errors.Newf("%d dedicated allocations were not freed before the allocator was destroyed", leaked)
	}
	return nil
}

// AddStatistics sums this allocator's allocation counts into the provided
// statistics object. Dedicated pools are fully occupied, so block and
// allocation figures coincide.
func (a *DedicatedAllocator) AddStatistics(stats *memutils.Statistics) {
	for entry := a.head; entry != nil; entry = entry.next {
		stats.BlockCount++
		stats.BlockBytes += entry.pool.Size()
		stats.AllocationCount++
		stats.AllocationBytes += entry.pool.Size()
	}
}

// AddDetailedStatistics records each dedicated allocation's size in the
// min/max tracking of the provided statistics object.
func (a *DedicatedAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for entry := a.head; entry != nil; entry = entry.next {
		stats.BlockCount++
		stats.BlockBytes += entry.pool.Size()
		stats.AddAllocation(entry.pool.Size())
	}
}

// BuildStatsString writes a JSON listing of the live dedicated allocations
// for diagnostic dumps.
func (a *DedicatedAllocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Strategy").String("Dedicated")
	allocArray := obj.Name("Allocations").Array()
	for entry := a.head; entry != nil; entry = entry.next {
		allocObj := allocArray.Object()
		if entry.name != "" {
			allocObj.Name("Name").String(entry.name)
		}
		allocObj.Name("MemoryTypeIndex").Int(entry.pool.MemoryTypeIndex())
		allocObj.Name("Size").Int(entry.pool.Size())
		allocObj.End()
	}
	allocArray.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

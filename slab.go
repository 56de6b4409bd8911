package vkmem

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slog"
)

const (
	defaultSlabSlotSize     = 4096
	defaultSlabSlotsPerPool = 1024
)

// SlabAllocatorOptions contains optional settings when creating a
// SlabAllocator. The zero value is valid.
type SlabAllocatorOptions struct {
	// SlotSize is the fixed size of every range this allocator produces.
	// Must be a power of two. Defaults to 4096.
	SlotSize int
	// SlotsPerPool is how many slots each pool is carved into. Defaults
	// to 1024.
	SlotsPerPool int
	// RequiredProperties are property flags every pool's memory type must
	// carry, in addition to per-request requirements.
	RequiredProperties vulkan.MemoryPropertyFlags
	// PreferredProperties are property flags that make a memory type a
	// better candidate without being mandatory.
	PreferredProperties vulkan.MemoryPropertyFlags
}

type slabSlot struct {
	pool   *MemoryPool
	offset int
}

// slabTypeState tracks one memory type's pools and recycled slots. Freed
// slots go to the back of the queue and new pools feed it from the front, so
// reuse is FIFO.
type slabTypeState struct {
	memoryTypeIndex int
	pools           []*MemoryPool
	freeSlots       *queue.Queue
	liveCount       int
}

// SlabAllocator serves fixed-size slots from pools carved into a uniform
// grid. Placement is O(1) in both directions and fragmentation is impossible,
// at the cost of rounding every request up to the slot size. Requests larger
// than one slot are refused with a RequestTooLarge error.
type SlabAllocator struct {
	allocatorBase

	slotSize            int
	slotsPerPool        int
	requiredProperties  vulkan.MemoryPropertyFlags
	preferredProperties vulkan.MemoryPropertyFlags
	states              []*slabTypeState
}

var _ Allocator = (*SlabAllocator)(nil)

func NewSlabAllocator(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, options SlabAllocatorOptions) *SlabAllocator {
	slotSize := options.SlotSize
	if slotSize == 0 {
		slotSize = defaultSlabSlotSize
	}
	if err := memutils.CheckPow2(uint(slotSize), "slab slot size"); err != nil {
		panic(err)
	}

	slotsPerPool := options.SlotsPerPool
	if slotsPerPool == 0 {
		slotsPerPool = defaultSlabSlotsPerPool
	}
	if slotsPerPool < 1 {
		panic(fmt.Sprintf("attempting to create a slab allocator with invalid slots-per-pool count %d", options.SlotsPerPool))
	}

	return &SlabAllocator{
		allocatorBase: newAllocatorBase(logger, deviceMemory),

		slotSize:            slotSize,
		slotsPerPool:        slotsPerPool,
		requiredProperties:  options.RequiredProperties,
		preferredProperties: options.PreferredProperties,
	}
}

// SlotSize returns the fixed size of every allocation this allocator
// produces.
func (a *SlabAllocator) SlotSize() int {
	return a.slotSize
}

func (a *SlabAllocator) Allocate(request AllocationRequest) (*Allocation, error) {
	a.logger.Debug("SlabAllocator::Allocate",
		slog.Int("size", request.Size),
		slog.Uint64("alignment", uint64(request.Alignment)),
	)

	request.normalize()

	if request.Size > a.slotSize {
		return nil, newAllocationError(AllocationErrorRequestTooLarge,
			errors.Newf("request of %d bytes exceeds the slab's slot size of %d bytes", request.Size, a.slotSize))
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(
		request.MemoryTypeMask,
		request.RequiredProperties|a.requiredProperties,
		a.preferredProperties,
	)
	if err != nil {
		return nil, err
	}

	// Slot offsets are all multiples of the slot size, so a power-of-two
	// alignment no larger than the slot size is always satisfied
	alignment := a.promoteAlignment(memoryTypeIndex, request.Alignment)
	if alignment > uint(a.slotSize) {
		return nil, newAllocationError(AllocationErrorRequestTooLarge,
			errors.Newf("required alignment of %d bytes exceeds the slab's slot size of %d bytes", alignment, a.slotSize))
	}

	state := a.stateForMemoryType(memoryTypeIndex)
	if state.freeSlots.Length() == 0 {
		err = a.growState(state)
		if err != nil {
			return nil, err
		}
	}

	slot := state.freeSlots.Remove().(slabSlot)
	state.liveCount++
	a.deviceMemory.AddAllocation(slot.pool.HeapIndex(), a.slotSize)

	return slot.pool.AllocateView(a, slot.offset, a.slotSize), nil
}

func (a *SlabAllocator) stateForMemoryType(memoryTypeIndex int) *slabTypeState {
	for _, state := range a.states {
		if state.memoryTypeIndex == memoryTypeIndex {
			return state
		}
	}

	state := &slabTypeState{
		memoryTypeIndex: memoryTypeIndex,
		freeSlots:       queue.New(),
	}
	a.states = append(a.states, state)
	return state
}

// growState allocates one more pool for the memory type and feeds its slots
// into the recycle queue.
func (a *SlabAllocator) growState(state *slabTypeState) error {
	pool, err := AllocatePool(a.logger, a.deviceMemory, state.memoryTypeIndex, a.slotSize*a.slotsPerPool)
	if err != nil {
		return err
	}

	state.pools = append(state.pools, pool)
	for slotIndex := 0; slotIndex < a.slotsPerPool; slotIndex++ {
		state.freeSlots.Add(slabSlot{pool: pool, offset: slotIndex * a.slotSize})
	}

	return nil
}

func (a *SlabAllocator) Free(allocation *Allocation) {
	a.logger.Debug("SlabAllocator::Free",
		slog.Int("offset", allocation.Offset()),
		slog.Int("size", allocation.Size()),
	)

	pool := allocation.Pool()
	state := a.mustOwnPool(pool)

	state.freeSlots.Add(slabSlot{pool: pool, offset: allocation.Offset()})
	state.liveCount--
	if state.liveCount < 0 {
		panic("slab allocator freed more slots than it produced")
	}
	a.deviceMemory.RemoveAllocation(pool.HeapIndex(), a.slotSize)
}

func (a *SlabAllocator) Destroy() error {
	a.logger.Debug("SlabAllocator::Destroy")

	var leaked int
	for _, state := range a.states {
		if state.liveCount > 0 {
			leaked += state.liveCount
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] slab slots still live at allocator teardown",
				slog.Int("memoryTypeIndex", state.memoryTypeIndex),
				slog.Int("liveSlots", state.liveCount),
			)
			heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(state.memoryTypeIndex)
			a.deviceMemory.RemoveAllocations(heapIndex, state.liveCount, state.liveCount*a.slotSize)
		}

		for _, pool := range state.pools {
			pool.Destroy()
		}
	}
	a.states = nil
	a.Poison()

	if leaked > 0 {
		return errors.Newf("%d slots were not freed before the slab allocator was destroyed", leaked)
	}
	return nil
}

// AddStatistics sums this allocator's pool and slot counts into the provided
// statistics object.
func (a *SlabAllocator) AddStatistics(stats *memutils.Statistics) {
	for _, state := range a.states {
		for _, pool := range state.pools {
			stats.BlockCount++
			stats.BlockBytes += pool.Size()
		}
		stats.AllocationCount += state.liveCount
		stats.AllocationBytes += state.liveCount * a.slotSize
	}
}

// BuildStatsString writes a JSON description of the allocator's slot economy
// for diagnostic dumps.
func (a *SlabAllocator) BuildStatsString() (string, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Strategy").String("Slab")
	obj.Name("SlotSize").Int(a.slotSize)
	typeArray := obj.Name("MemoryTypes").Array()
	for _, state := range a.states {
		typeObj := typeArray.Object()
		typeObj.Name("MemoryTypeIndex").Int(state.memoryTypeIndex)
		typeObj.Name("Pools").Int(len(state.pools))
		typeObj.Name("LiveSlots").Int(state.liveCount)
		typeObj.Name("FreeSlots").Int(state.freeSlots.Length())
		typeObj.End()
	}
	typeArray.End()
	obj.End()

	if err := writer.Error(); err != nil {
		return "", err
	}
	return string(writer.Bytes()), nil
}

func (a *SlabAllocator) mustOwnPool(memoryPool *MemoryPool) *slabTypeState {
	for _, state := range a.states {
		for _, pool := range state.pools {
			if pool == memoryPool {
				return state
			}
		}
	}

	panic("attempting to free an allocation that this slab allocator did not produce")
}

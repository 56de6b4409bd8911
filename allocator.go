package vkmem

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/refs"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slog"
)

// Allocator is the pluggable placement policy of the allocation layer.
// Given a request, it finds or creates pool capacity and returns a bounded
// Allocation; it must never return a range that overlaps another live
// allocation within the same pool.
//
// Free reclaims a range for reuse by the same allocator. It is invoked by
// Allocation.Free, which guarantees at most one call per live allocation;
// consumers should call Allocation.Free rather than Free directly.
//
// Allocator embeds refs.Target so that allocations can observe their
// producer's destruction: implementations embed refs.Reflexive and poison
// themselves in Destroy.
type Allocator interface {
	refs.Target

	Allocate(request AllocationRequest) (*Allocation, error)
	Free(allocation *Allocation)
	// Destroy tears the allocator down, releasing every pool it owns. If
	// live allocations remain, they are logged, the teardown still proceeds,
	// and an error describing the leak is returned.
	Destroy() error
}

// AllocationStrategy selects how a strategy that has a choice of free
// regions picks one.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest suitable free range to
	// minimize fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free range to
	// minimize allocation time
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}

// allocatorBase carries the pieces every concrete strategy shares: the
// reflexive record allocations weakly reference, the logger, and the device
// memory layer pools are drawn from.
type allocatorBase struct {
	refs.Reflexive

	logger       *slog.Logger
	deviceMemory *vulkan.DeviceMemoryProperties
}

func newAllocatorBase(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties) allocatorBase {
	if logger == nil {
		logger = slog.Default()
	}
	return allocatorBase{
		logger:       logger,
		deviceMemory: deviceMemory,
	}
}

// DeviceMemory exposes the device memory layer this allocator draws from.
func (b *allocatorBase) DeviceMemory() *vulkan.DeviceMemoryProperties {
	return b.deviceMemory
}

// checkSizeSupported returns a RequestTooLarge error when a single pool of
// the provided size cannot exist on this device.
func (b *allocatorBase) checkSizeSupported(size int) error {
	maxSize := b.deviceMemory.MaxSingleAllocationSize()
	if maxSize > 0 && size > maxSize {
		return newAllocationError(AllocationErrorRequestTooLarge,
			errors.Newf("request of %d bytes exceeds the device's maximum single allocation size of %d bytes", size, maxSize))
	}
	return nil
}

// findMemoryTypeIndex selects the cheapest memory type that is permitted by
// the mask and carries every required flag. Among the permitted types, ones
// missing preferred flags cost more; the first type with the lowest cost
// wins. Returns a MemoryTypeUnavailable error when no type qualifies.
func (b *allocatorBase) findMemoryTypeIndex(
	memoryTypeMask uint32,
	requiredFlags, preferredFlags vulkan.MemoryPropertyFlags,
) (int, error) {
	memoryTypeMask &= b.deviceMemory.GlobalMemoryTypeBits()

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memoryTypeIndex := 0; memoryTypeIndex < b.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		memoryTypeBit := uint32(1) << memoryTypeIndex
		if memoryTypeBit&memoryTypeMask == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := b.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags
		if requiredFlags&^flags != 0 {
			continue
		}

		cost := bits.OnesCount32(uint32(preferredFlags &^ flags))
		if cost < minCost {
			bestMemoryTypeIndex = memoryTypeIndex
			minCost = cost
		}
		if cost == 0 {
			break
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, newAllocationError(AllocationErrorMemoryTypeUnavailable,
			errors.Newf("no memory type matches mask %#08x with required flags %s", memoryTypeMask, requiredFlags.String()))
	}

	return bestMemoryTypeIndex, nil
}

// promoteAlignment raises the requested alignment to the memory type's
// minimum. Host-visible non-coherent memory requires nonCoherentAtomSize
// alignment so neighboring flush ranges cannot overlap.
func (b *allocatorBase) promoteAlignment(memoryTypeIndex int, alignment uint) uint {
	minAlignment := b.deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex)
	memutils.DebugCheckPow2(minAlignment, "memory type minimum alignment")
	if minAlignment > alignment {
		return minAlignment
	}
	return alignment
}

package vkmem

import (
	"testing"

	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"github.com/stretchr/testify/require"
)

func TestSlabPlacesOnSlotGrid(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 4,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	allocs := make([]*Allocation, 5)
	for i := range allocs {
		alloc, err := allocator.Allocate(NewAllocationRequest(100, 1))
		require.NoError(t, err)
		allocs[i] = alloc
		defer alloc.Free()

		// Every slot spans the full slot size regardless of the request
		require.Equal(t, 256, alloc.Size())
		require.Equal(t, (i%4)*256, alloc.Offset())
	}

	// Four slots per pool, so the fifth allocation forced a second pool
	require.Equal(t, 2, device.AllocateCount)
	require.Same(t, allocs[0].Pool(), allocs[3].Pool())
	require.NotSame(t, allocs[0].Pool(), allocs[4].Pool())
}

func TestSlabRecyclesFreedSlots(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 2,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(256, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(256, 1))
	require.NoError(t, err)
	defer second.Free()

	freedOffset := first.Offset()
	first.Free()

	recycled, err := allocator.Allocate(NewAllocationRequest(256, 1))
	require.NoError(t, err)
	defer recycled.Free()

	require.Equal(t, freedOffset, recycled.Offset())
	require.Equal(t, 1, device.AllocateCount)
}

func TestSlabRefusesOversizedRequests(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 4,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	_, err := allocator.Allocate(NewAllocationRequest(257, 1))
	require.True(t, IsAllocationErrorKind(err, AllocationErrorRequestTooLarge))

	// An alignment beyond the slot size cannot be served either
	_, err = allocator.Allocate(NewAllocationRequest(64, 512))
	require.True(t, IsAllocationErrorKind(err, AllocationErrorRequestTooLarge))
}

func TestSlabRefusesPromotedAlignmentBeyondSlotSize(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     32,
		SlotsPerPool: 4,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	// Host-visible non-coherent memory promotes the alignment to the 64-byte
	// flush atom, past the 32-byte slots
	request := NewAllocationRequest(16, 1)
	request.RequiredProperties = vulkan.MemoryPropertyHostVisible | vulkan.MemoryPropertyHostCached

	_, err := allocator.Allocate(request)
	require.True(t, IsAllocationErrorKind(err, AllocationErrorRequestTooLarge))

	// The same request fits on coherent memory, where nothing is promoted
	request.RequiredProperties = vulkan.MemoryPropertyHostVisible | vulkan.MemoryPropertyHostCoherent
	fits, err := allocator.Allocate(request)
	require.NoError(t, err)
	fits.Free()
}

func TestSlabTracksMemoryTypesIndependently(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 4,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	deviceLocal, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	defer deviceLocal.Free()

	hostRequest := NewAllocationRequest(64, 1)
	hostRequest.RequiredProperties = vulkan.MemoryPropertyHostVisible

	host, err := allocator.Allocate(hostRequest)
	require.NoError(t, err)
	defer host.Free()

	require.NotSame(t, deviceLocal.Pool(), host.Pool())
	require.Equal(t, mockDeviceLocalType, deviceLocal.Pool().MemoryTypeIndex())
	require.Equal(t, mockHostCoherentType, host.Pool().MemoryTypeIndex())

	// Both live in their own pool at slot 0
	require.Equal(t, 0, deviceLocal.Offset())
	require.Equal(t, 0, host.Offset())
}

func TestSlabValidatesSlotSize(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	require.Panics(t, func() {
		NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{SlotSize: 300})
	})
}

func TestSlabDestroyReportsLeaks(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 4,
	})

	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.Equal(t, 0, device.LiveAllocationCount())
	require.False(t, alloc.Valid())
}

func TestSlabStats(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewSlabAllocator(nil, deviceMemory, SlabAllocatorOptions{
		SlotSize:     256,
		SlotsPerPool: 4,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	defer first.Free()
	defer second.Free()

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)

	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1024, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 512, stats.AllocationBytes)
}

package vkmem

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"github.com/stretchr/testify/require"
)

func TestBumpAllocatorPlacesSequentially(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(256, 16))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(256, 16))
	require.NoError(t, err)
	defer first.Free()
	defer second.Free()

	require.Equal(t, 0, first.Offset())
	require.Equal(t, 256, second.Offset())
	require.Same(t, first.Pool(), second.Pool())
}

func TestBumpAllocatorHonorsAlignment(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(10, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(64, 128))
	require.NoError(t, err)
	defer first.Free()
	defer second.Free()

	require.Equal(t, 0, first.Offset())
	require.Equal(t, 128, second.Offset())
}

func TestBumpAllocatorResetsWhenDrained(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(1024, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(1024, 1))
	require.NoError(t, err)

	// A free with allocations still live must not rewind the cursor
	first.Free()
	third, err := allocator.Allocate(NewAllocationRequest(1024, 1))
	require.NoError(t, err)
	require.Equal(t, 2048, third.Offset())

	second.Free()
	third.Free()

	recycled, err := allocator.Allocate(NewAllocationRequest(1024, 1))
	require.NoError(t, err)
	require.Equal(t, 0, recycled.Offset())
	recycled.Free()
}

func TestBumpAllocatorGrowsAndOversizes(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 1024})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(1024, 1))
	require.NoError(t, err)
	defer first.Free()

	second, err := allocator.Allocate(NewAllocationRequest(512, 1))
	require.NoError(t, err)
	defer second.Free()
	require.NotSame(t, first.Pool(), second.Pool())
	require.Equal(t, 2, device.AllocateCount)

	// A request beyond the block size gets a pool of exactly its own size
	oversized, err := allocator.Allocate(NewAllocationRequest(3000, 1))
	require.NoError(t, err)
	defer oversized.Free()
	require.Equal(t, 3000, oversized.Pool().Size())
}

func TestBumpAllocatorSelectsMemoryType(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	request := NewAllocationRequest(64, 1)
	request.RequiredProperties = vulkan.MemoryPropertyHostVisible

	alloc, err := allocator.Allocate(request)
	require.NoError(t, err)
	defer alloc.Free()

	require.Equal(t, mockHostCoherentType, alloc.Pool().MemoryTypeIndex())
	require.NotEqualValues(t, 0, alloc.Properties()&vulkan.MemoryPropertyHostVisible)
}

func TestBumpAllocatorPrefersRequestedProperties(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{
		BlockSize:           4096,
		RequiredProperties:  vulkan.MemoryPropertyHostVisible,
		PreferredProperties: vulkan.MemoryPropertyHostCached,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	defer alloc.Free()

	require.Equal(t, mockHostNonCoherentType, alloc.Pool().MemoryTypeIndex())
}

func TestBumpAllocatorMemoryTypeUnavailable(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	request := NewAllocationRequest(64, 1)
	request.RequiredProperties = vulkan.MemoryPropertyDeviceLocal | vulkan.MemoryPropertyHostVisible

	_, err := allocator.Allocate(request)
	require.True(t, IsAllocationErrorKind(err, AllocationErrorMemoryTypeUnavailable))

	// A mask that bans every memory type fails the same way
	request = NewAllocationRequest(64, 1)
	request.MemoryTypeMask = 1 << 31

	_, err = allocator.Allocate(request)
	require.True(t, IsAllocationErrorKind(err, AllocationErrorMemoryTypeUnavailable))
}

func TestBumpAllocatorRequestTooLarge(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	_, err := allocator.Allocate(NewAllocationRequest(mockMaxSingleAllocation+1, 1))
	require.True(t, IsAllocationErrorKind(err, AllocationErrorRequestTooLarge))
}

func TestBumpAllocatorPropagatesDeviceExhaustion(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	device.FailNextAllocate = vulkan.ErrOutOfDeviceMemory

	_, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.True(t, IsAllocationErrorKind(err, AllocationErrorOutOfMemory))
}

func TestBumpAllocatorInvalidRequestPanics(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	require.Panics(t, func() {
		_, _ = allocator.Allocate(NewAllocationRequest(0, 1))
	})
	require.Panics(t, func() {
		_, _ = allocator.Allocate(NewAllocationRequest(64, 3))
	})
}

func TestBumpAllocatorDestroyReportsLeaks(t *testing.T) {
	device, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})

	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)

	// Teardown still releases the device memory despite the leak
	require.Equal(t, 0, device.LiveAllocationCount())
	require.False(t, alloc.Valid())
}

func TestBumpAllocatorStats(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(256, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(128, 1))
	require.NoError(t, err)
	defer first.Free()
	defer second.Free()

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)

	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 4096, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 384, stats.AllocationBytes)

	statsString, err := allocator.BuildStatsString()
	require.NoError(t, err)

	var parsed struct {
		Strategy string
		Pools    []struct {
			MemoryTypeIndex int
			TotalBytes      int
			UsedBytes       int
			Allocations     int
		}
	}
	require.NoError(t, json.Unmarshal([]byte(statsString), &parsed))
	require.Equal(t, "Bump", parsed.Strategy)
	require.Len(t, parsed.Pools, 1)
	require.Equal(t, 4096, parsed.Pools[0].TotalBytes)
	require.Equal(t, 384, parsed.Pools[0].UsedBytes)
	require.Equal(t, 2, parsed.Pools[0].Allocations)
}

func TestNormalizeDefaultsMaskAndAlignment(t *testing.T) {
	request := AllocationRequest{Size: 64}
	request.normalize()

	require.EqualValues(t, 1, request.Alignment)
	require.EqualValues(t, math.MaxUint32, request.MemoryTypeMask)
}

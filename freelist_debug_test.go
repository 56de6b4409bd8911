//go:build debug_mem_utils

package vkmem

import (
	"testing"
	"unsafe"

	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"github.com/stretchr/testify/require"
)

func TestFreeListReservesDebugMargins(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewFreeListAllocator(nil, deviceMemory, FreeListAllocatorOptions{
		BlockSize:          4096,
		RequiredProperties: vulkan.MemoryPropertyHostVisible | vulkan.MemoryPropertyHostCoherent,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	first, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	second, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	defer second.Free()

	// The marker bytes behind the first allocation keep the second from
	// starting at offset 64
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 64+memutils.DebugMargin, second.Offset())

	first.Free()

	// A freed range is reusable, marker bytes included
	reused, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	defer reused.Free()
	require.Equal(t, 0, reused.Offset())
}

func TestFreeListDetectsMarginCorruption(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewFreeListAllocator(nil, deviceMemory, FreeListAllocatorOptions{
		BlockSize:          4096,
		RequiredProperties: vulkan.MemoryPropertyHostVisible | vulkan.MemoryPropertyHostCoherent,
	})
	defer func() { _ = allocator.Destroy() }()

	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)

	// Scribble one byte past the end of the allocation, into its margin
	margin := unsafe.Slice((*byte)(alloc.MappedAddress()), alloc.Size()+memutils.DebugMargin)
	margin[alloc.Size()+3] ^= 0xFF

	require.PanicsWithValue(t, "MEMORY CORRUPTION DETECTED AFTER FREED ALLOCATION", func() {
		alloc.Free()
	})
}

func TestFreeListMarginsSkipUnmappableMemory(t *testing.T) {
	_, deviceMemory := newTestDeviceMemory(t)

	allocator := NewFreeListAllocator(nil, deviceMemory, FreeListAllocatorOptions{
		BlockSize:          4096,
		RequiredProperties: vulkan.MemoryPropertyDeviceLocal,
	})
	defer func() { require.NoError(t, allocator.Destroy()) }()

	// Device-local memory still reserves margins for spacing but cannot be
	// stamped or checked through a host mapping
	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		alloc.Free()
	})
}

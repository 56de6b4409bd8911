package vkmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"github.com/stretchr/testify/require"
)

func TestAllocationErrorCarriesKindAndCause(t *testing.T) {
	cause := errors.Wrap(vulkan.ErrOutOfDeviceMemory, "heap 0 exhausted")
	err := newAllocationError(AllocationErrorOutOfMemory, cause)

	require.Equal(t, AllocationErrorOutOfMemory, err.Kind())
	require.ErrorIs(t, err, vulkan.ErrOutOfDeviceMemory)
	require.Contains(t, err.Error(), "AllocationErrorOutOfMemory")
	require.Contains(t, err.Error(), "heap 0 exhausted")
}

func TestAsAllocationErrorUnwrapsWrappedErrors(t *testing.T) {
	inner := newAllocationError(AllocationErrorRequestTooLarge, nil)
	wrapped := errors.Wrap(inner, "while allocating a staging buffer")

	allocErr, ok := AsAllocationError(wrapped)
	require.True(t, ok)
	require.Equal(t, AllocationErrorRequestTooLarge, allocErr.Kind())

	require.True(t, IsAllocationErrorKind(wrapped, AllocationErrorRequestTooLarge))
	require.False(t, IsAllocationErrorKind(wrapped, AllocationErrorOutOfMemory))

	_, ok = AsAllocationError(errors.New("unrelated"))
	require.False(t, ok)
}

func TestCallbacksObserveCoarseAllocations(t *testing.T) {
	var allocated, freed int
	var lastUserData interface{}

	options := &MemoryCallbackOptions{
		Allocate: func(memoryTypeIndex int, memory vulkan.DeviceMemory, size int, userData interface{}) {
			allocated++
			lastUserData = userData
		},
		Free: func(memoryTypeIndex int, memory vulkan.DeviceMemory, size int, userData interface{}) {
			freed++
		},
		UserData: "renderer",
	}

	device := vulkan.NewMockDevice()
	deviceMemory, err := vulkan.NewDeviceMemoryProperties(device, device, WrapCallbacks(options), nil)
	require.NoError(t, err)

	allocator := NewBumpAllocator(nil, deviceMemory, BumpAllocatorOptions{BlockSize: 4096})

	alloc, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	require.Equal(t, 1, allocated)
	require.Equal(t, "renderer", lastUserData)

	// Suballocations within the pool do not re-trigger the device callback
	another, err := allocator.Allocate(NewAllocationRequest(64, 1))
	require.NoError(t, err)
	require.Equal(t, 1, allocated)

	alloc.Free()
	another.Free()
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 1, freed)
}

func TestWrapCallbacksNilOptions(t *testing.T) {
	require.Nil(t, WrapCallbacks(nil))
}

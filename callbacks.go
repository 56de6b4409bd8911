package vkmem

import "github.com/strawberry-graphics/vkmem/vulkan"

type AllocateDeviceMemoryCallback func(
	memoryTypeIndex int,
	memory vulkan.DeviceMemory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	memoryTypeIndex int,
	memory vulkan.DeviceMemory,
	size int,
	userData interface{},
)

// MemoryCallbackOptions names user hooks that fire on every coarse
// device-memory allocation and free. Pass the result of WrapCallbacks to
// vulkan.NewDeviceMemoryProperties to install them.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	callbacks *MemoryCallbackOptions
}

// WrapCallbacks adapts the options to the vulkan.MemoryCallbacks interface.
// A nil options pointer yields nil, which disables the hooks.
func WrapCallbacks(options *MemoryCallbackOptions) vulkan.MemoryCallbacks {
	if options == nil {
		return nil
	}
	return &memoryCallbacks{callbacks: options}
}

func (c *memoryCallbacks) Allocate(
	memoryTypeIndex int,
	memory vulkan.DeviceMemory,
	size int,
) {
	if c.callbacks.Allocate != nil {
		c.callbacks.Allocate(memoryTypeIndex, memory, size, c.callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryTypeIndex int,
	memory vulkan.DeviceMemory,
	size int,
) {
	if c.callbacks.Free != nil {
		c.callbacks.Free(memoryTypeIndex, memory, size, c.callbacks.UserData)
	}
}

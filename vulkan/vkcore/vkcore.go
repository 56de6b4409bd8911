// Package vkcore adapts real Vulkan handles from vkngwrapper/core onto the
// device abstraction consumed by the allocation layer. It is the only
// package in this module that touches the Vulkan driver; everything above it
// can be exercised against vulkan.MockDevice.
package vkcore

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

type deviceMemory struct {
	memory core1_0.DeviceMemory
}

func (m *deviceMemory) Handle() uint64 {
	return uint64(m.memory.Handle())
}

// Device implements vulkan.Device on top of a core1_0.Device.
type Device struct {
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
}

var _ vulkan.Device = (*Device)(nil)

// WrapDevice creates a vulkan.Device from a core1_0.Device. The allocation
// callbacks are optional and are passed through to every driver call that
// accepts them.
func WrapDevice(device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks) *Device {
	return &Device{
		device:              device,
		allocationCallbacks: allocationCallbacks,
	}
}

func (d *Device) AllocateMemory(allocationSize int, memoryTypeIndex int) (vulkan.DeviceMemory, error) {
	memory, res, err := d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  allocationSize,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, wrapResult(res, err)
	}

	return &deviceMemory{memory: memory}, nil
}

func (d *Device) FreeMemory(memory vulkan.DeviceMemory) {
	mem := mustUnwrap(memory)
	mem.memory.Free(d.allocationCallbacks)
}

func (d *Device) MapMemory(memory vulkan.DeviceMemory) (unsafe.Pointer, error) {
	mem := mustUnwrap(memory)

	ptr, res, err := mem.memory.Map(0, common.WholeSize, 0)
	if err != nil {
		return nil, wrapResult(res, err)
	}

	return ptr, nil
}

func (d *Device) UnmapMemory(memory vulkan.DeviceMemory) {
	mem := mustUnwrap(memory)
	mem.memory.Unmap()
}

func (d *Device) FlushMappedMemoryRanges(ranges []vulkan.MappedMemoryRange) error {
	coreRanges := make([]core1_0.MappedMemoryRange, len(ranges))
	for i, memRange := range ranges {
		coreRanges[i] = core1_0.MappedMemoryRange{
			Memory: mustUnwrap(memRange.Memory).memory,
			Offset: memRange.Offset,
			Size:   memRange.Size,
		}
	}

	res, err := d.device.FlushMappedMemoryRanges(coreRanges)
	if err != nil {
		return wrapResult(res, err)
	}

	return nil
}

// PhysicalDevice implements vulkan.PhysicalDevice on top of a
// core1_0.PhysicalDevice.
type PhysicalDevice struct {
	descriptor vulkan.PhysicalDeviceDescriptor
}

var _ vulkan.PhysicalDevice = (*PhysicalDevice)(nil)

// WrapPhysicalDevice builds a vulkan.PhysicalDevice descriptor from a
// core1_0.PhysicalDevice's reported memory topology and limits.
//
// Core 1.0 does not report a maximum single-allocation size; callers that
// know better (from maintenance3 or vendor documentation) may pass a
// positive maxSingleAllocationSize, otherwise pass 0 for no limit.
func WrapPhysicalDevice(physicalDevice core1_0.PhysicalDevice, maxSingleAllocationSize int) (*PhysicalDevice, error) {
	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	memoryProperties := physicalDevice.MemoryProperties()

	if maxSingleAllocationSize < 1 {
		maxSingleAllocationSize = math.MaxInt
	}

	descriptor := vulkan.PhysicalDeviceDescriptor{
		MaxMemoryAllocationCount: properties.Limits.MaxMemoryAllocationCount,
		MaxSingleAllocationSize:  maxSingleAllocationSize,
		NonCoherentAtomSize:      properties.Limits.NonCoherentAtomSize,
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		descriptor.MemoryTypes = append(descriptor.MemoryTypes, vulkan.MemoryType{
			PropertyFlags: translateMemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	for _, memoryHeap := range memoryProperties.MemoryHeaps {
		var flags vulkan.MemoryHeapFlags
		if memoryHeap.Flags&core1_0.MemoryHeapDeviceLocal != 0 {
			flags |= vulkan.MemoryHeapDeviceLocal
		}
		descriptor.MemoryHeaps = append(descriptor.MemoryHeaps, vulkan.MemoryHeap{
			Size:  memoryHeap.Size,
			Flags: flags,
		})
	}

	return &PhysicalDevice{descriptor: descriptor}, nil
}

func (p *PhysicalDevice) Descriptor() *vulkan.PhysicalDeviceDescriptor {
	return &p.descriptor
}

func translateMemoryPropertyFlags(flags core1_0.MemoryPropertyFlags) vulkan.MemoryPropertyFlags {
	var out vulkan.MemoryPropertyFlags

	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		out |= vulkan.MemoryPropertyDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		out |= vulkan.MemoryPropertyHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		out |= vulkan.MemoryPropertyHostCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		out |= vulkan.MemoryPropertyHostCached
	}
	if flags&core1_0.MemoryPropertyLazilyAllocated != 0 {
		out |= vulkan.MemoryPropertyLazilyAllocated
	}

	return out
}

func wrapResult(res common.VkResult, err error) error {
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return errors.WithSecondaryError(vulkan.ErrOutOfDeviceMemory, err)
	case core1_0.VKErrorOutOfHostMemory:
		return errors.WithSecondaryError(vulkan.ErrOutOfHostMemory, err)
	case core1_0.VKErrorTooManyObjects:
		return errors.WithSecondaryError(vulkan.ErrTooManyObjects, err)
	case core1_0.VKErrorMemoryMapFailed:
		return errors.WithSecondaryError(vulkan.ErrMemoryMapFailed, err)
	}

	return err
}

func mustUnwrap(memory vulkan.DeviceMemory) *deviceMemory {
	mem, ok := memory.(*deviceMemory)
	if !ok {
		panic("device memory handle was not created by this vkcore device")
	}
	return mem
}

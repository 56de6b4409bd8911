// Package vulkan defines the thin device abstraction that the allocation
// layer sits on top of: a Device hands out and reclaims coarse device-memory
// handles, and a PhysicalDevice describes the memory types and limits those
// handles are drawn from.
//
// The package also provides DeviceMemoryProperties, which layers memory-type
// queries and allocation-count/heap budgets over a Device, and MockDevice, a
// host-backed implementation for tests and for consumers testing their own
// code against this module.
package vulkan

import "unsafe"

// MaxMemoryHeaps is the maximum number of memory heaps a PhysicalDevice may report.
const MaxMemoryHeaps = 16

// DeviceMemory is an opaque handle to a single coarse device-memory
// allocation. Handles are compared by identity; the numeric value exists for
// logging and diagnostics only.
type DeviceMemory interface {
	Handle() uint64
}

// MappedMemoryRange identifies a byte range of a mapped DeviceMemory handle
// for flush operations.
type MappedMemoryRange struct {
	Memory DeviceMemory
	Offset int
	Size   int
}

// MemoryType describes a single device-reported memory type.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap describes a single device-reported memory heap.
type MemoryHeap struct {
	Size  int
	Flags MemoryHeapFlags
}

// PhysicalDeviceDescriptor carries the memory topology and limits of a
// physical device. It is immutable once built by a PhysicalDevice.
type PhysicalDeviceDescriptor struct {
	DeviceName  string
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	// MaxMemoryAllocationCount is the maximum number of device memory
	// allocations that may be live simultaneously
	MaxMemoryAllocationCount int
	// MaxSingleAllocationSize is the largest size a single device memory
	// allocation may have
	MaxSingleAllocationSize int
	// NonCoherentAtomSize is the alignment required for flush ranges on
	// host-visible, non-coherent memory types. Must be a power of two.
	NonCoherentAtomSize int
}

// PhysicalDevice is an opaque handle to a physical device, exposing only its
// memory descriptor. Adapters over real drivers implement this.
type PhysicalDevice interface {
	Descriptor() *PhysicalDeviceDescriptor
}

// Device is the raw allocate/free surface of a logical device. All methods
// are synchronous; memory allocation is treated as an atomic, non-interruptible
// operation. Implementations report failures using the sentinel errors in
// this package.
type Device interface {
	// AllocateMemory issues a single coarse device-memory allocation of the
	// provided size from the provided memory type.
	AllocateMemory(allocationSize int, memoryTypeIndex int) (DeviceMemory, error)
	// FreeMemory returns a handle's memory to the device. Freeing the same
	// handle twice is a programmer error and implementations may panic.
	FreeMemory(memory DeviceMemory)
	// MapMemory maps the full range of the provided handle into host address
	// space and returns the base address.
	MapMemory(memory DeviceMemory) (unsafe.Pointer, error)
	// UnmapMemory releases a mapping established by MapMemory.
	UnmapMemory(memory DeviceMemory)
	// FlushMappedMemoryRanges makes host writes to the provided ranges visible
	// to the device.
	FlushMappedMemoryRanges(ranges []MappedMemoryRange) error
}

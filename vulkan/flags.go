package vulkan

import (
	"github.com/strawberry-graphics/vkmem/memutils"
)

// MemoryPropertyFlags describes the properties of a device memory type.
type MemoryPropertyFlags uint32

const (
	// MemoryPropertyDeviceLocal indicates memory that lives on the device and is the most
	// efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped into host address space
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates memory whose host writes become visible to the
	// device without explicit flushes
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates memory that is cached on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that the device may commit lazily
	MemoryPropertyLazilyAllocated
)

var memoryPropertyFlagsMapping = memutils.NewFlagStringMapping[MemoryPropertyFlags]()

func init() {
	memoryPropertyFlagsMapping.Register(MemoryPropertyDeviceLocal, "MemoryPropertyDeviceLocal")
	memoryPropertyFlagsMapping.Register(MemoryPropertyHostVisible, "MemoryPropertyHostVisible")
	memoryPropertyFlagsMapping.Register(MemoryPropertyHostCoherent, "MemoryPropertyHostCoherent")
	memoryPropertyFlagsMapping.Register(MemoryPropertyHostCached, "MemoryPropertyHostCached")
	memoryPropertyFlagsMapping.Register(MemoryPropertyLazilyAllocated, "MemoryPropertyLazilyAllocated")
}

func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

// MemoryHeapFlags describes the properties of a device memory heap.
type MemoryHeapFlags uint32

const (
	// MemoryHeapDeviceLocal indicates a heap that corresponds to device-local memory
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

var memoryHeapFlagsMapping = memutils.NewFlagStringMapping[MemoryHeapFlags]()

func init() {
	memoryHeapFlagsMapping.Register(MemoryHeapDeviceLocal, "MemoryHeapDeviceLocal")
}

func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

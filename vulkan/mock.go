package vulkan

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// MockDeviceMemory is a host-backed DeviceMemory handle produced by MockDevice.
type MockDeviceMemory struct {
	handle          uint64
	memoryTypeIndex int
	data            []byte
	freed           bool
	mapped          bool
}

func (m *MockDeviceMemory) Handle() uint64 {
	return m.handle
}

// MockDevice is a Device and PhysicalDevice implementation backed by host
// memory. It tracks every allocate, free, map, and flush so tests can assert
// exactly-once resource handling, and can be told to refuse the next
// allocation to exercise out-of-memory paths.
type MockDevice struct {
	descriptor PhysicalDeviceDescriptor

	// FailNextAllocate, when non-nil, is returned from the next AllocateMemory
	// call and then cleared
	FailNextAllocate error

	AllocateCount int
	FreeCount     int
	MapCount      int
	UnmapCount    int
	FlushedRanges []MappedMemoryRange

	live       map[uint64]*MockDeviceMemory
	nextHandle uint64
}

var _ Device = (*MockDevice)(nil)
var _ PhysicalDevice = (*MockDevice)(nil)

// NewMockDevice creates a MockDevice with a conventional discrete-GPU memory
// topology: a device-local heap with a device-local type, and a host heap
// with a host-visible coherent type and a host-visible non-coherent cached
// type.
func NewMockDevice() *MockDevice {
	return NewMockDeviceWithDescriptor(PhysicalDeviceDescriptor{
		DeviceName: "mock device",
		MemoryTypes: []MemoryType{
			{PropertyFlags: MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: MemoryPropertyHostVisible | MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: MemoryPropertyHostVisible | MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []MemoryHeap{
			{Size: 256 * 1024 * 1024, Flags: MemoryHeapDeviceLocal},
			{Size: 256 * 1024 * 1024},
		},
		MaxMemoryAllocationCount: 4096,
		MaxSingleAllocationSize:  64 * 1024 * 1024,
		NonCoherentAtomSize:      64,
	})
}

// NewMockDeviceWithDescriptor creates a MockDevice reporting the provided
// memory topology.
func NewMockDeviceWithDescriptor(descriptor PhysicalDeviceDescriptor) *MockDevice {
	return &MockDevice{
		descriptor: descriptor,
		live:       make(map[uint64]*MockDeviceMemory),
	}
}

func (d *MockDevice) Descriptor() *PhysicalDeviceDescriptor {
	return &d.descriptor
}

// LiveAllocationCount returns the number of device memory handles that have
// been allocated but not yet freed.
func (d *MockDevice) LiveAllocationCount() int {
	return len(d.live)
}

func (d *MockDevice) AllocateMemory(allocationSize int, memoryTypeIndex int) (DeviceMemory, error) {
	if allocationSize < 1 {
		panic(fmt.Sprintf("attempting to allocate device memory of invalid size %d", allocationSize))
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.descriptor.MemoryTypes) {
		panic(fmt.Sprintf("attempting to allocate device memory from invalid memory type index %d", memoryTypeIndex))
	}

	if d.FailNextAllocate != nil {
		err := d.FailNextAllocate
		d.FailNextAllocate = nil
		return nil, err
	}

	d.nextHandle++
	mem := &MockDeviceMemory{
		handle:          d.nextHandle,
		memoryTypeIndex: memoryTypeIndex,
		data:            make([]byte, allocationSize),
	}
	d.live[mem.handle] = mem
	d.AllocateCount++

	return mem, nil
}

func (d *MockDevice) FreeMemory(memory DeviceMemory) {
	mem := d.mustResolve(memory)
	if mem.freed {
		panic(fmt.Sprintf("attempting to free device memory handle %d twice", mem.handle))
	}

	mem.freed = true
	delete(d.live, mem.handle)
	d.FreeCount++
}

func (d *MockDevice) MapMemory(memory DeviceMemory) (unsafe.Pointer, error) {
	mem := d.mustResolve(memory)
	if mem.freed {
		panic(fmt.Sprintf("attempting to map freed device memory handle %d", mem.handle))
	}
	if d.descriptor.MemoryTypes[mem.memoryTypeIndex].PropertyFlags&MemoryPropertyHostVisible == 0 {
		return nil, errors.Wrapf(ErrMemoryMapFailed, "memory type %d is not host-visible", mem.memoryTypeIndex)
	}

	mem.mapped = true
	d.MapCount++
	return unsafe.Pointer(&mem.data[0]), nil
}

func (d *MockDevice) UnmapMemory(memory DeviceMemory) {
	mem := d.mustResolve(memory)
	if !mem.mapped {
		panic(fmt.Sprintf("attempting to unmap device memory handle %d, which is not mapped", mem.handle))
	}

	mem.mapped = false
	d.UnmapCount++
}

func (d *MockDevice) FlushMappedMemoryRanges(ranges []MappedMemoryRange) error {
	for _, memRange := range ranges {
		mem := d.mustResolve(memRange.Memory)
		if mem.freed {
			panic(fmt.Sprintf("attempting to flush freed device memory handle %d", mem.handle))
		}
		if memRange.Offset+memRange.Size > len(mem.data) {
			return errors.Newf("flush range [%d, %d) exceeds the size of device memory handle %d", memRange.Offset, memRange.Offset+memRange.Size, mem.handle)
		}
	}

	d.FlushedRanges = append(d.FlushedRanges, ranges...)
	return nil
}

func (d *MockDevice) mustResolve(memory DeviceMemory) *MockDeviceMemory {
	mem, ok := memory.(*MockDeviceMemory)
	if !ok {
		panic("device memory handle was not created by this mock device")
	}
	return mem
}

package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/strawberry-graphics/vkmem/memutils"
)

// Budget describes how much of a memory heap is in use and how much the
// allocator believes it may still consume.
type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// MemoryCallbacks receives a notification for every coarse device-memory
// allocation and free that passes through a DeviceMemoryProperties.
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory DeviceMemory, size int)
	Free(memoryTypeIndex int, memory DeviceMemory, size int)
}

// DeviceMemoryProperties wraps a Device and its PhysicalDevice descriptor
// with memory-type queries and budget accounting. It enforces the device's
// limit on the number of live memory allocations as well as optional
// per-heap size limits, and funnels every coarse allocation and free through
// the optional MemoryCallbacks.
//
// The counters use atomics so that read-only budget queries remain safe
// while allocations are in flight; everything else follows the module's
// externally-synchronized threading model.
type DeviceMemoryProperties struct {
	// Number of coarse allocations that have been made from device memory
	blockCount [MaxMemoryHeaps]int32
	// Number of user allocations that have actually been doled out for use
	allocationCount [MaxMemoryHeaps]int32
	// Size of coarse allocations that have been made from device memory
	blockBytes [MaxMemoryHeaps]int64
	// Size of user allocations that have actually been doled out for use
	allocationBytes [MaxMemoryHeaps]int64

	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	device         Device
	physicalDevice PhysicalDevice
	descriptor     *PhysicalDeviceDescriptor
}

func NewDeviceMemoryProperties(
	device Device,
	physicalDevice PhysicalDevice,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	descriptor := physicalDevice.Descriptor()

	err := memutils.CheckPow2(descriptor.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(descriptor.MemoryHeaps)
	if heapCount > MaxMemoryHeaps {
		return nil, errors.Newf("physical device reports %d memory heaps, which exceeds the maximum of %d", heapCount, MaxMemoryHeaps)
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("heapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heaps")
	}

	return &DeviceMemoryProperties{
		memoryCallbacks: memoryCallbacks,
		heapLimits:      heapSizeLimits,

		device:         device,
		physicalDevice: physicalDevice,
		descriptor:     descriptor,
	}, nil
}

func (m *DeviceMemoryProperties) Device() Device {
	return m.device
}

func (m *DeviceMemoryProperties) Descriptor() *PhysicalDeviceDescriptor {
	return m.descriptor
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.descriptor.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.descriptor.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return m.descriptor.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) MemoryType {
	return m.descriptor.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) MemoryHeap {
	return m.descriptor.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.descriptor.MemoryTypes[memoryTypeIndex].PropertyFlags&MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.descriptor.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(MemoryPropertyHostVisible|MemoryPropertyHostCoherent) == MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment returns the minimum alignment suballocations in
// the provided memory type must have. Host-visible, non-coherent memory must
// be aligned to the device's nonCoherentAtomSize so that flush ranges of
// neighboring allocations cannot overlap.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		alignment := uint(m.descriptor.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

// GlobalMemoryTypeBits returns a mask with one bit set for every memory type
// the physical device reports.
func (m *DeviceMemoryProperties) GlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := 0; memoryTypeIndex < m.MemoryTypeCount(); memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) MaxSingleAllocationSize() int {
	return m.descriptor.MaxSingleAllocationSize
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(ErrOutOfDeviceMemory, "heap %d size limit of %d bytes would be exceeded", heapIndex, maxAllocatable)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory issues a coarse device allocation after verifying the
// allocation-count quota and any heap size limit. On failure, the budget
// bookkeeping is rolled back before the error is returned.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem DeviceMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.descriptor.MaxMemoryAllocationCount {
		return nil, errors.Wrapf(ErrTooManyObjects, "device maxMemoryAllocationCount is %d", m.descriptor.MaxMemoryAllocationCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	var heapLimit int
	if len(m.heapLimits) > 0 {
		heapLimit = m.heapLimits[heapIndex]
	}
	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		maxSize := heapLimit
		heapSize := m.descriptor.MemoryHeaps[heapIndex].Size
		if heapLimit > heapSize {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithBudget(heapIndex, size, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	mem, err = m.device.AllocateMemory(size, memoryTypeIndex)
	if err != nil {
		return nil, err
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, mem, size)
	}

	return mem, nil
}

// FreeDeviceMemory returns a coarse allocation to the device and unwinds the
// budget bookkeeping performed by AllocateDeviceMemory.
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryTypeIndex int, size int, memory DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory, size)
	}

	m.device.FreeMemory(memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// AddAllocation records a suballocation being doled out of a coarse block in
// the provided heap.
func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

// RemoveAllocation records a suballocation being returned.
func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// RemoveAllocations records several suballocations being returned at once,
// as happens when an allocator is torn down with live allocations.
func (m *DeviceMemoryProperties) RemoveAllocations(heapIndex int, count int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], int32(-count))
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocationCount returns the number of live coarse device allocations.
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// HeapBudgets fills the provided slice with budget data for consecutive
// heaps, starting at firstHeap.
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.descriptor.MemoryHeaps[heapIndex].Size * 8 / 10
	}
}

package vkmem

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/refs"
	"github.com/strawberry-graphics/vkmem/vulkan"
	"golang.org/x/exp/slog"
)

// MemoryPool owns one coarse block of device memory of a fixed size and
// memory type. It is the unit of device allocation-count economy: many
// Allocations are carved out of one pool so that the device's limit on live
// memory allocations is not exhausted.
//
// A pool is logically owned by the Allocator that created it. Allocations
// hold weak back-references to it through the refs package, so the pool can
// be destroyed without consulting its views; stale views observe the
// destruction instead of dereferencing freed state.
type MemoryPool struct {
	refs.Reflexive

	logger       *slog.Logger
	deviceMemory *vulkan.DeviceMemoryProperties

	memoryTypeIndex int
	memory          vulkan.DeviceMemory
	size            int

	// Lazily mapped on first MappedAddress call, cached until Destroy
	mappedAddress unsafe.Pointer
}

// AllocatePool issues a single coarse device-memory allocation of the
// provided size from the provided memory type. Exhaustion of device or host
// memory, heap budgets, or the device's allocation-count quota is reported
// as an AllocationError of kind AllocationErrorOutOfMemory; any other device
// failure is treated as an invariant violation and panics.
func AllocatePool(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	size int,
) (*MemoryPool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		panic(fmt.Sprintf("attempting to allocate a memory pool with invalid size %d", size))
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= deviceMemory.MemoryTypeCount() {
		panic(fmt.Sprintf("attempting to allocate a memory pool from invalid memory type index %d", memoryTypeIndex))
	}

	memory, err := deviceMemory.AllocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		if errors.Is(err, vulkan.ErrOutOfDeviceMemory) ||
			errors.Is(err, vulkan.ErrOutOfHostMemory) ||
			errors.Is(err, vulkan.ErrTooManyObjects) {
			return nil, newAllocationError(AllocationErrorOutOfMemory, err)
		}

		panic(err)
	}

	logger.Debug("MemoryPool::Allocate",
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size),
		slog.Uint64("memory", memory.Handle()),
	)

	return &MemoryPool{
		logger:       logger,
		deviceMemory: deviceMemory,

		memoryTypeIndex: memoryTypeIndex,
		memory:          memory,
		size:            size,
	}, nil
}

func (p *MemoryPool) MemoryTypeIndex() int {
	return p.memoryTypeIndex
}

func (p *MemoryPool) Size() int {
	return p.size
}

// Memory returns the raw device-memory handle backing this pool.
func (p *MemoryPool) Memory() vulkan.DeviceMemory {
	return p.memory
}

// HeapIndex returns the index of the memory heap this pool was drawn from.
func (p *MemoryPool) HeapIndex() int {
	return p.deviceMemory.MemoryTypeIndexToHeapIndex(p.memoryTypeIndex)
}

// Properties returns the property flags of this pool's memory type.
func (p *MemoryPool) Properties() vulkan.MemoryPropertyFlags {
	return p.deviceMemory.MemoryTypeProperties(p.memoryTypeIndex).PropertyFlags
}

// IsHostNonCoherent reports whether writes through this pool's mapping
// require an explicit flush to become device-visible.
func (p *MemoryPool) IsHostNonCoherent() bool {
	return p.deviceMemory.IsMemoryTypeHostNonCoherent(p.memoryTypeIndex)
}

// AllocateView mints an Allocation covering [offset, offset+size) of this
// pool, bound to the provided allocator. The caller must guarantee the range
// lies within the pool; violating that indicates a bug in the allocation
// strategy and panics.
func (p *MemoryPool) AllocateView(allocator Allocator, offset, size int) *Allocation {
	if offset < 0 || size < 1 || offset+size > p.size {
		panic(fmt.Sprintf("attempting to create an allocation view [%d, %d) outside the pool's %d bytes", offset, offset+size, p.size))
	}

	return &Allocation{
		allocator: refs.NewRef[Allocator](allocator),
		pool:      refs.NewRef(p),
		offset:    offset,
		size:      size,
	}
}

// MappedAddress returns the host address of the pool's memory, mapping it on
// first use. The mapping is cached for the pool's lifetime; partial or
// temporary mappings are not supported. The pool's memory type must be
// host-visible.
func (p *MemoryPool) MappedAddress() unsafe.Pointer {
	if p.mappedAddress == nil {
		if p.Properties()&vulkan.MemoryPropertyHostVisible == 0 {
			panic(fmt.Sprintf("attempting to map memory type %d, which is not host-visible", p.memoryTypeIndex))
		}

		mappedAddress, err := p.deviceMemory.Device().MapMemory(p.memory)
		if err != nil {
			panic(err)
		}
		p.mappedAddress = mappedAddress
	}

	return p.mappedAddress
}

// Overwrite copies the provided bytes into the pool's mapped region starting
// at offset 0 and, if the memory type is not host-coherent, flushes the
// written range. The byte count must not exceed the pool's size.
func (p *MemoryPool) Overwrite(data []byte) {
	if len(data) > p.size {
		panic(fmt.Sprintf("attempting to overwrite %d bytes in a pool of %d bytes", len(data), p.size))
	}
	if len(data) == 0 {
		return
	}

	dst := unsafe.Slice((*byte)(p.MappedAddress()), p.size)
	copy(dst, data)

	if p.IsHostNonCoherent() {
		p.flushRange(0, len(data))
	}
}

// Flush makes host writes across the pool's full range visible to the
// device. On host-coherent memory the flush is issued regardless; it is a
// cost concern there, not a correctness one.
func (p *MemoryPool) Flush() {
	p.flushRange(0, p.size)
}

// flushRange issues a device flush for [offset, offset+size), widened to the
// device's nonCoherentAtomSize and clamped to the pool.
func (p *MemoryPool) flushRange(offset, size int) {
	atomSize := uint(p.deviceMemory.Descriptor().NonCoherentAtomSize)
	if atomSize > 1 {
		end := memutils.AlignUp(offset+size, atomSize)
		if end > p.size {
			end = p.size
		}
		offset = memutils.AlignDown(offset, atomSize)
		size = end - offset
	}

	err := p.deviceMemory.Device().FlushMappedMemoryRanges([]vulkan.MappedMemoryRange{
		{
			Memory: p.memory,
			Offset: offset,
			Size:   size,
		},
	})
	if err != nil {
		panic(err)
	}
}

// Destroy releases the pool's device memory. The handle is released exactly
// once; destroying a pool twice panics. Allocations still referencing the
// pool observe the destruction through their back-references rather than
// dereferencing freed state.
func (p *MemoryPool) Destroy() {
	p.logger.Debug("MemoryPool::Destroy",
		slog.Int("memoryTypeIndex", p.memoryTypeIndex),
		slog.Int("size", p.size),
	)

	// Poison first: it panics on double destroy before any state is touched
	p.Poison()

	if p.mappedAddress != nil {
		p.deviceMemory.Device().UnmapMemory(p.memory)
		p.mappedAddress = nil
	}

	p.deviceMemory.FreeDeviceMemory(p.memoryTypeIndex, p.size, p.memory)
	p.memory = nil
}

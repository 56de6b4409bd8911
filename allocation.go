package vkmem

import (
	"fmt"
	"unsafe"

	"github.com/strawberry-graphics/vkmem/refs"
	"github.com/strawberry-graphics/vkmem/vulkan"
)

// Allocation is a bounded byte range inside exactly one MemoryPool, produced
// by exactly one Allocator. It holds weak back-references to both: it does
// not keep either alive, and every accessor checks liveness before
// dereferencing. The zero value is an empty allocation; it reports invalid
// and is safe to Free as a no-op.
type Allocation struct {
	allocator refs.Ref[Allocator]
	pool      refs.Ref[*MemoryPool]
	offset    int
	size      int
}

// Valid reports whether this allocation currently represents a live range:
// it was produced by an Allocator, has not been freed, and its producing
// allocator still exists.
func (a *Allocation) Valid() bool {
	return a.allocator.Alive()
}

func (a *Allocation) Offset() int {
	return a.offset
}

func (a *Allocation) Size() int {
	return a.size
}

// Allocator returns the Allocator that produced this allocation, or false if
// the allocation is empty or the allocator has been destroyed.
func (a *Allocation) Allocator() (Allocator, bool) {
	return a.allocator.Get()
}

// Pool returns the MemoryPool this allocation lives in. It panics if the
// pool has been destroyed or the allocation is empty: continuing past a
// stale pool reference would mean reading freed device state.
func (a *Allocation) Pool() *MemoryPool {
	return a.mustPool()
}

// Memory returns the device-memory handle backing this allocation's pool.
func (a *Allocation) Memory() vulkan.DeviceMemory {
	return a.mustPool().Memory()
}

// Properties returns the property flags of the backing pool's memory type.
func (a *Allocation) Properties() vulkan.MemoryPropertyFlags {
	return a.mustPool().Properties()
}

// MappedAddress returns the host address of this allocation's first byte.
// The backing pool's memory type must be host-visible.
func (a *Allocation) MappedAddress() unsafe.Pointer {
	return unsafe.Add(a.mustPool().MappedAddress(), a.offset)
}

// Overwrite copies the provided bytes into this allocation's range and, if
// the backing memory type is not host-coherent, flushes the written bytes.
// The byte count must not exceed the allocation's size.
func (a *Allocation) Overwrite(data []byte) {
	pool := a.mustPool()

	if len(data) > a.size {
		panic(fmt.Sprintf("attempting to overwrite %d bytes in an allocation of %d bytes", len(data), a.size))
	}
	if len(data) == 0 {
		return
	}

	dst := unsafe.Slice((*byte)(a.MappedAddress()), a.size)
	copy(dst, data)

	if pool.IsHostNonCoherent() {
		pool.flushRange(a.offset, len(data))
	}
}

// Flush makes host writes to exactly this allocation's range visible to the
// device. The flush covers [Offset, Offset+Size), not the whole pool.
func (a *Allocation) Flush() {
	a.mustPool().flushRange(a.offset, a.size)
}

// Free returns this allocation's range to the Allocator that produced it.
// The allocator is invoked at most once per allocation: after Free returns,
// the allocation is empty and further Free calls are no-ops. If the
// allocator or pool has already been destroyed there is nothing to reclaim
// and Free silently does nothing.
func (a *Allocation) Free() {
	allocator, allocatorAlive := a.allocator.Get()
	if allocatorAlive && a.pool.Alive() {
		allocator.Free(a)
	}

	a.neutralize()
}

// neutralize clears the back-references so the destroy path cannot run twice.
func (a *Allocation) neutralize() {
	a.allocator.Clear()
	a.pool.Clear()
	a.offset = 0
	a.size = 0
}

func (a *Allocation) mustPool() *MemoryPool {
	pool, ok := a.pool.Get()
	if !ok {
		panic("attempting to use an allocation whose memory pool no longer exists")
	}
	return pool
}

package vkmem

import (
	"fmt"
	"math"

	"github.com/strawberry-graphics/vkmem/memutils"
	"github.com/strawberry-graphics/vkmem/vulkan"
)

// AllocationRequest carries the parameters of a single allocation across the
// Allocator boundary. It is a pure value type; the device the request is
// served from is bound to the Allocator at construction.
type AllocationRequest struct {
	// Size is the requested size in bytes. Must be positive.
	Size int
	// Alignment is the minimum alignment of the returned range. Zero is
	// treated as 1. Must be a power of two. Strategies may raise the
	// alignment (never lower it), for instance to the device's
	// nonCoherentAtomSize on host-visible non-coherent memory.
	Alignment uint
	// MemoryTypeMask restricts which memory type indices may serve the
	// request, one bit per type index. Zero is treated as "any type".
	MemoryTypeMask uint32
	// RequiredProperties are property flags the chosen memory type must have,
	// in addition to whatever the serving strategy itself requires.
	RequiredProperties vulkan.MemoryPropertyFlags
	// Name optionally labels the allocation for leak reports and stats dumps.
	Name string
}

// NewAllocationRequest builds a request for the provided size and alignment
// that accepts any memory type.
func NewAllocationRequest(size int, alignment uint) AllocationRequest {
	return AllocationRequest{
		Size:           size,
		Alignment:      alignment,
		MemoryTypeMask: math.MaxUint32,
	}
}

// normalize applies the zero-value conventions and panics on the malformed
// cases that indicate caller bugs rather than environmental conditions.
func (r *AllocationRequest) normalize() {
	if r.Size < 1 {
		panic(fmt.Sprintf("attempting to allocate with invalid size %d", r.Size))
	}
	if r.Alignment == 0 {
		r.Alignment = 1
	}
	if err := memutils.CheckPow2(r.Alignment, "request alignment"); err != nil {
		panic(err)
	}
	if r.MemoryTypeMask == 0 {
		r.MemoryTypeMask = math.MaxUint32
	}
}

// Package vkmem is a two-tier device-memory allocation layer. It acquires
// coarse blocks of GPU-addressable memory (MemoryPool) from an underlying
// device and hands out safely-bounded sub-ranges of those blocks
// (Allocation) to consumers, avoiding both the cost and the device-imposed
// count limits of an allocation-per-object model.
//
// Placement policy is pluggable through the Allocator interface; the package
// ships bump, free-list, slab, and dedicated strategies. Allocations hold
// weak back-references to their pool and allocator, so destroying either
// while views into it remain live is detected rather than dereferenced.
//
// Nothing in this package locks internally on mutation paths: an Allocator
// or MemoryPool must be externally synchronized if shared across goroutines.
// Read-only accessors on an Allocation are safe to call concurrently.
package vkmem

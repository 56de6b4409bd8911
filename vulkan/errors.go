package vulkan

import "github.com/pkg/errors"

// Sentinel errors reported by Device implementations. Adapters over real
// device drivers map driver failure codes onto these so that consumers can
// branch without knowing which driver is underneath.
var (
	// ErrOutOfDeviceMemory indicates that the device has run out of memory, or
	// that a heap budget would be exceeded
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	// ErrOutOfHostMemory indicates that the driver could not allocate host-side
	// bookkeeping for the request
	ErrOutOfHostMemory = errors.New("out of host memory")
	// ErrTooManyObjects indicates that the device's limit on the number of live
	// memory allocations has been reached
	ErrTooManyObjects = errors.New("too many device memory allocations")
	// ErrMemoryMapFailed indicates that the driver failed to map device memory
	// into host address space
	ErrMemoryMapFailed = errors.New("device memory map failed")
)

package vkmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// AllocationErrorKind is the closed set of reasons an allocation can fail.
// Malformed requests (zero size, out-of-bounds views, oversized writes) are
// programmer errors and panic instead of producing one of these.
type AllocationErrorKind uint32

const (
	// AllocationErrorOutOfMemory indicates the device or host could not supply
	// the memory, or a budget or allocation-count quota would be exceeded
	AllocationErrorOutOfMemory AllocationErrorKind = iota
	// AllocationErrorMemoryTypeUnavailable indicates no memory type satisfies
	// both the request's type mask and the required property flags
	AllocationErrorMemoryTypeUnavailable
	// AllocationErrorRequestTooLarge indicates the request exceeds the largest
	// size a single device allocation may have
	AllocationErrorRequestTooLarge
)

var allocationErrorKindMapping = map[AllocationErrorKind]string{
	AllocationErrorOutOfMemory:           "AllocationErrorOutOfMemory",
	AllocationErrorMemoryTypeUnavailable: "AllocationErrorMemoryTypeUnavailable",
	AllocationErrorRequestTooLarge:       "AllocationErrorRequestTooLarge",
}

func (k AllocationErrorKind) String() string {
	return allocationErrorKindMapping[k]
}

// AllocationError is the typed failure returned from Allocator.Allocate and
// AllocatePool. Callers branch on Kind; the underlying device error, when
// there is one, is available through Unwrap.
type AllocationError struct {
	kind  AllocationErrorKind
	cause error
}

func newAllocationError(kind AllocationErrorKind, cause error) *AllocationError {
	return &AllocationError{
		kind:  kind,
		cause: cause,
	}
}

func (e *AllocationError) Kind() AllocationErrorKind {
	return e.kind
}

func (e *AllocationError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("allocation failed: %s", e.kind)
	}
	return fmt.Sprintf("allocation failed: %s: %s", e.kind, e.cause)
}

func (e *AllocationError) Unwrap() error {
	return e.cause
}

// AsAllocationError unwraps err to an AllocationError, if there is one in
// its chain.
func AsAllocationError(err error) (*AllocationError, bool) {
	var allocErr *AllocationError
	if errors.As(err, &allocErr) {
		return allocErr, true
	}
	return nil, false
}

// IsAllocationErrorKind reports whether err carries an AllocationError of
// the provided kind.
func IsAllocationErrorKind(err error, kind AllocationErrorKind) bool {
	allocErr, ok := AsAllocationError(err)
	return ok && allocErr.kind == kind
}

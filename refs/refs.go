// Package refs provides a reflexive weak-reference primitive for objects
// whose lifetimes are managed manually rather than by the garbage collector.
//
// A type becomes a weak-reference target by embedding Reflexive. Holders of
// a Ref consult a small shared record before every dereference; when the
// target is destroyed it poisons the record, and every outstanding Ref
// observes the target as absent from that point on. A Ref never extends the
// target's lifetime and never yields a pointer to a destroyed target.
package refs

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// record is the shared indirection cell between a target and every Ref into
// it. It deliberately holds no pointer back to the target: it is a liveness
// cell only, so it can outlive the target without pinning anything.
type record struct {
	poisoned atomic.Bool
}

// Reflexive makes the embedding type usable as a Ref target. The zero value
// is ready to use; the shared record is created on first demand.
type Reflexive struct {
	rec atomic.Pointer[record]
}

func (r *Reflexive) reflexiveRecord() *record {
	rec := r.rec.Load()
	if rec != nil {
		return rec
	}

	rec = &record{}
	if r.rec.CompareAndSwap(nil, rec) {
		return rec
	}
	return r.rec.Load()
}

// Poison marks the target as destroyed. Every Ref created for this target
// reports it as absent from this point on. Poisoning the same target twice
// panics, since it nearly always indicates a double destroy.
func (r *Reflexive) Poison() {
	rec := r.reflexiveRecord()
	if !rec.poisoned.CompareAndSwap(false, true) {
		panic(errors.New("attempting to destroy an object that has already been destroyed"))
	}
}

// Poisoned reports whether Poison has been called on this target.
func (r *Reflexive) Poisoned() bool {
	rec := r.rec.Load()
	return rec != nil && rec.poisoned.Load()
}

// Target is satisfied only by types that embed Reflexive.
type Target interface {
	reflexiveRecord() *record
}

// Ref is a non-owning reference to a Target. The zero value is an empty Ref
// whose Get always reports absent. A Ref is safe to copy; all copies share
// the same liveness record.
type Ref[T Target] struct {
	target T
	rec    *record
}

// NewRef creates a Ref to the provided target. The target must not be nil.
func NewRef[T Target](target T) Ref[T] {
	return Ref[T]{
		target: target,
		rec:    target.reflexiveRecord(),
	}
}

// Get returns the target and true if the target is still alive, or the zero
// value and false if the target has been destroyed or the Ref is empty.
func (r Ref[T]) Get() (T, bool) {
	if r.rec == nil || r.rec.poisoned.Load() {
		var empty T
		return empty, false
	}
	return r.target, true
}

// Alive reports whether the target is still alive.
func (r Ref[T]) Alive() bool {
	return r.rec != nil && !r.rec.poisoned.Load()
}

// Clear empties the Ref in place, dropping the target and its record. It is
// used to neutralize a handle once ownership of its referent has passed
// elsewhere.
func (r *Ref[T]) Clear() {
	var empty T
	r.target = empty
	r.rec = nil
}

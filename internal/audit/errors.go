package audit

import (
	"context"
	"errors"
)

var (
	// ErrImmutabilityViolation is returned when the store refuses to update
	// or delete a committed entry outside the retention path.
	ErrImmutabilityViolation = errors.New("immutability violation")

	// ErrChainConflict is returned by Store.Commit when the chain tail moved
	// between the writer's read and its commit. Retrying Append from
	// scratch is safe.
	ErrChainConflict = errors.New("chain conflict: tail digest changed before commit")

	// ErrStoreUnavailable marks a transient persistence failure.
	ErrStoreUnavailable = errors.New("audit store unavailable")

	ErrInvalidRequest = errors.New("invalid audit request")
	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidPolicy  = errors.New("invalid retention policy")

	// ErrExportTooLarge is returned when an export would exceed the row
	// ceiling. Callers should narrow the filter or split the date range.
	ErrExportTooLarge = errors.New("export exceeds row ceiling")

	// ErrAnchorNotFound is returned when a sub-range verification has no
	// starting digest and the entry before the range cannot be found.
	ErrAnchorNotFound = errors.New("verification anchor not found")

	ErrNotFound = errors.New("not found")
)

// ErrorClass groups errors by how a caller should react to them.
type ErrorClass int

const (
	ClassInternal ErrorClass = iota
	ClassInvalid
	ClassNotFound
	ClassConflict
	ClassUnavailable
	ClassImmutability
	ClassTooLarge
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInvalid:
		return "invalid"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassUnavailable:
		return "unavailable"
	case ClassImmutability:
		return "immutability"
	case ClassTooLarge:
		return "too_large"
	case ClassCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Classify maps an error returned by this package (or a Store) to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidFilter),
		errors.Is(err, ErrInvalidPolicy), errors.Is(err, ErrAnchorNotFound):
		return ClassInvalid
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrChainConflict):
		return ClassConflict
	case errors.Is(err, ErrStoreUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrImmutabilityViolation):
		return ClassImmutability
	case errors.Is(err, ErrExportTooLarge):
		return ClassTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	default:
		return ClassInternal
	}
}

// Retryable reports whether retrying the failed operation from scratch may
// succeed. The ledger never retries on its own.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassConflict, ClassUnavailable:
		return true
	default:
		return false
	}
}

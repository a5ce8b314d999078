package store

import "errors"

// Sentinel errors for lifecycle and registry operations. The invalid-state
// errors are deliberately distinct per source state so callers can tell
// "already in trash" from "being purged" from "permanently gone".
var (
	ErrNotFound = errors.New("document not found")

	ErrAlreadyInTrash = errors.New("document already in trash")
	ErrAlreadyPurging = errors.New("document is being permanently deleted")
	ErrAlreadyPurged  = errors.New("document permanently deleted")
	ErrNotInTrash     = errors.New("document not in trash")
	ErrNotPurging     = errors.New("document is not being purged")

	// ErrConflict reports that a transition's status guard failed at
	// commit time because another writer got there first. Always
	// retryable; never retried inside the store.
	ErrConflict = errors.New("concurrent modification, retry")

	ErrTrashEntryNotFound  = errors.New("trash entry not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrJobNotFound         = errors.New("cleanup job not found")
)

// IsInvalidState reports whether err is one of the state-precondition
// failures (as opposed to not-found or a retryable conflict).
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrAlreadyInTrash) ||
		errors.Is(err, ErrAlreadyPurging) ||
		errors.Is(err, ErrAlreadyPurged) ||
		errors.Is(err, ErrNotInTrash) ||
		errors.Is(err, ErrNotPurging)
}

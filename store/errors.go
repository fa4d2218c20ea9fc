package store

import "errors"

var (
	// ErrStorageCorrupt reports that a persisted namespace failed to
	// deserialize. The store wipes the namespace and continues empty.
	ErrStorageCorrupt = errors.New("storage corrupt")

	// ErrQuotaExceeded reports that the backing adapter refused a write for
	// lack of space. Returned by Save only after one eviction pass already
	// failed to make room.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

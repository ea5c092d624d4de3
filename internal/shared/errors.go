package shared

import "errors"

var (
	// ErrLocked indicates another runner holds the lock.
	ErrLocked = errors.New("resource locked by another runner")
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
)

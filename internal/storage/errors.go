package storage

import "errors"

// Sentinel errors for store operations. Callers classify failures with
// errors.Is; the store itself never retries.
var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses to a conflicting row that
	// an upsert cannot resolve.
	ErrConflict = errors.New("conflict")

	// ErrBackend wraps all database-level failures.
	ErrBackend = errors.New("store backend error")
)

// Package storage holds the sentinel errors shared by every ceremony
// repository backend (memory, bbolt, postgres).
package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write would violate a uniqueness
	// constraint, e.g. a second claim on the same persona in one session.
	ErrConflict = errors.New("unique constraint violation")
)

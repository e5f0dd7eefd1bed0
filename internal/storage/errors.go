package storage

import "errors"

// Journal errors. Every store returns these, wrapped or bare, so callers can
// branch with errors.Is regardless of the backend.
var (
	// ErrNotFound is returned when no record exists for a swap id.
	ErrNotFound = errors.New("swap journal: record not found")

	// ErrDuplicateKey is returned when a session, transition seq, bundle slot
	// or outcome is written twice. The journal never overwrites.
	ErrDuplicateKey = errors.New("swap journal: record already written")

	// ErrInvalidRecord is returned for nil records, records without a swap id,
	// bundle slots outside the schedule and rows that reference an unknown swap.
	ErrInvalidRecord = errors.New("swap journal: invalid record")
)

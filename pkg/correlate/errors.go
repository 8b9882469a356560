package correlate

import "errors"

// Sentinel errors for correlation state persistence.
var (
	// ErrStateNotFound means no state row exists for the (rule, entity) pair.
	ErrStateNotFound = errors.New("correlation state not found")

	// ErrStateConflict means an optimistic save lost to a concurrent writer
	// and the whole event should be re-applied against a fresh row.
	ErrStateConflict = errors.New("correlation state version conflict")
)

package search

import "errors"

var (
	// ErrQuerySyntax marks a query the store rejected as malformed. Permanent
	// for the rule as written; retrying cannot help.
	ErrQuerySyntax = errors.New("query rejected by store")

	// ErrStoreUnavailable marks transport failures, 5xx responses, throttling
	// and an open circuit breaker. Transient; callers back off and retry.
	ErrStoreUnavailable = errors.New("historical store unavailable")
)

// IsSyntax reports whether err is a permanent query-syntax failure.
func IsSyntax(err error) bool {
	return errors.Is(err, ErrQuerySyntax)
}

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

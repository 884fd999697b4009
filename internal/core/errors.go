package core

import "errors"

// Error categories shared by every layer. Callers wrap them with context and
// match with errors.Is.
var (
	// ErrValidation marks input rejected before any mutation. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown account, template, entry or budget.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict marks a template whose version changed between
	// read and write. The catch-up pass skips it until the next tick.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTransientStorage marks a storage failure that may succeed on retry.
	ErrTransientStorage = errors.New("transient storage error")
)

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrTransientStorage)
}

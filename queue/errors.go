package queue

import "errors"

// Sentinel errors for coordinator operations.
var (
	// ErrDuplicateJob indicates a job id that is already registered.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrUnknownJob indicates a completion report for a job id the broker never saw.
	// Only returned when strict completion is enabled.
	ErrUnknownJob = errors.New("unknown job id")

	// ErrJobNotActive indicates a transition attempted from the wrong state.
	ErrJobNotActive = errors.New("job is not active")

	// ErrJobNotFound indicates a lookup for an id that is not registered.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJob indicates a record that cannot be enqueued.
	ErrInvalidJob = errors.New("invalid job record")
)

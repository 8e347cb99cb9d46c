package domain

import "errors"

var (
	// ErrValidation marks malformed input rejected before any external call.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamUnavailable marks a telemetry or inference provider that
	// errored, timed out or could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStorageUnavailable marks a persistence failure on insert or query.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound marks a lookup by identifier with no match.
	ErrNotFound = errors.New("not found")
)

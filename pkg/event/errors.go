package event

import "errors"

// Sentinel errors for target validation. Callers should use errors.Is().
var (
	// ErrEmptyTarget indicates a target with no value.
	ErrEmptyTarget = errors.New("event: empty target value")

	// ErrBadTargetType indicates a target typed with a non-seedable
	// event type.
	ErrBadTargetType = errors.New("event: target type is not seedable")
)

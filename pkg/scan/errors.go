package scan

import "errors"

// Sentinel errors for scan lifecycle control. Use errors.Is().
var (
	// ErrHandler wraps a contained per-event module failure, including
	// panics and handler timeouts. Never terminal for the scan.
	ErrHandler = errors.New("scan: handler failure")

	// ErrBadState indicates a lifecycle call that the state machine
	// does not permit, such as starting a scan twice.
	ErrBadState = errors.New("scan: invalid state transition")
)

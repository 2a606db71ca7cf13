package store

import "errors"

// Sentinel errors shared by store implementations.
var (
	// ErrScanNotFound indicates the scan id is unknown to the store.
	ErrScanNotFound = errors.New("store: scan not found")

	// ErrEventNotFound indicates the event id is outside the scan's
	// sequence.
	ErrEventNotFound = errors.New("store: event not found")
)

package module

import "errors"

// Sentinel errors for the module lifecycle. Callers should use
// errors.Is() to classify failures.
var (
	// ErrConfig indicates an invalid or missing module option at Setup.
	// The module enters error state and is skipped for the scan.
	ErrConfig = errors.New("module: invalid configuration")

	// ErrNotRegistered indicates a module name unknown to the registry.
	ErrNotRegistered = errors.New("module: not registered")

	// ErrDuplicate indicates a second registration under the same name.
	ErrDuplicate = errors.New("module: already registered")
)

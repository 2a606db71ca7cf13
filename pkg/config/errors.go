package config

import "errors"

// ErrInvalid wraps every configuration parse or validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

package core

import "errors"

var (
	// ErrValidation marks malformed user input such as bad URLs or flag values.
	ErrValidation = errors.New("invalid input")
	// ErrMissingCapability marks a required external tool that is not available.
	ErrMissingCapability = errors.New("missing capability")
)

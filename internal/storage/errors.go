package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrTerminalState is returned when a review item is already approved or
	// rejected; those states accept no further transitions.
	ErrTerminalState = errors.New("storage: review item is in a terminal state")
)

package voltage

import "errors"

var (
	// ErrTimeout is returned by ring waits that expire before a slot changes
	// state. Callers publish a waiting status and retry.
	ErrTimeout = errors.New("ring wait timed out")

	// ErrClosed is returned once a ring has been shut down. Unlike ErrTimeout
	// this is terminal.
	ErrClosed = errors.New("ring closed")
)

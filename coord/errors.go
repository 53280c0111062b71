package coord

import "errors"

// Common store errors. Backends translate their native errors to these.
var (
	// ErrNoNode is returned when a path does not exist.
	ErrNoNode = errors.New("node does not exist")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrConnect is returned when a backend cannot reach its servers.
	ErrConnect = errors.New("connect to coordination store")
)

package registry

import "errors"

// Common registry errors.
var (
	// ErrDecode is returned when a registration payload cannot be decoded.
	ErrDecode = errors.New("decode registration")

	// ErrUnknownRPCType is returned for an RPC type tag outside the known set.
	ErrUnknownRPCType = errors.New("unknown rpc type")

	// ErrUnknownCategory is returned for a category other than metadata or uri.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrInvalidPath is returned when a node path does not fit the registration layout.
	ErrInvalidPath = errors.New("invalid registration path")
)

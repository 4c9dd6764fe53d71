// Package uncore models the shared part of the memory system: the
// last-level-cache arbiter, the memory controller and the bus between
// them.
package uncore

import "errors"

var (
	// ErrUnknownComponent is returned for an unknown memory controller or
	// arbitration policy.
	ErrUnknownComponent = errors.New("unknown uncore component")

	// ErrBadConfig is returned for malformed uncore parameters.
	ErrBadConfig = errors.New("bad uncore configuration")
)

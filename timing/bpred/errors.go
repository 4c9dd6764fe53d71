package bpred

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownComponent is returned when a configuration string names a
	// predictor type that does not exist.
	ErrUnknownComponent = errors.New("unknown predictor component")

	// ErrBadConfig is returned for malformed or inconsistent predictor
	// parameters.
	ErrBadConfig = errors.New("bad predictor configuration")

	// ErrProtocolViolation is the panic value (wrapped) raised when the
	// lookup/update/recover protocol is broken by the caller: a scratch
	// or record used after return, released twice, or really updated
	// twice.
	ErrProtocolViolation = errors.New("branch prediction protocol violation")

	// ErrPoolExhausted is the panic value (wrapped) raised when more
	// predictions are outstanding than the configured pool holds.
	ErrPoolExhausted = errors.New("state cache pool exhausted")
)

func violation(component, format string, args ...any) {
	panic(fmt.Errorf("%s: %s: %w", component, fmt.Sprintf(format, args...), ErrProtocolViolation))
}

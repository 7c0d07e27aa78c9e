// Package vxierr holds the VXI server's internal sentinel errors and the
// mapping to the numeric VXI-11 wire error codes clients actually see.
// Grounded on the teacher's services/hal/internal/halerr/errors.go
// (a flat var block of errors.New sentinels); the wire-code mapping adds
// what halerr's domain never needed, since the HAL's errcode.Code strings
// were never re-encoded onto a numbered wire format.
package vxierr

import "errors"

var (
	ErrParameter      = errors.New("parameter_error")
	ErrInvalidLink    = errors.New("invalid_link_identifier")
	ErrIO             = errors.New("io_error")
	ErrIOTimeout      = errors.New("io_timeout")
	ErrOutOfResources = errors.New("out_of_resources")
	ErrGarbageArgs    = errors.New("garbage_args")
)

// Wire-level VXI-11 error codes (DEVICE_ERROR enum in the VXI-11 spec).
const (
	WireNoError               uint32 = 0
	WireSyntaxError           uint32 = 2
	WireInvalidLinkIdentifier uint32 = 3
	WireIOError               uint32 = 4
	WireParameterError        uint32 = 8
	WireOutOfResources        uint32 = 9
	WireGarbageArgs           uint32 = 12
	WireIOTimeout             uint32 = 15
)

// ToWireCode maps an internal error to the numeric field VXI-11 replies
// carry in their `error` field. nil maps to WireNoError.
func ToWireCode(err error) uint32 {
	switch {
	case err == nil:
		return WireNoError
	case errors.Is(err, ErrParameter):
		return WireParameterError
	case errors.Is(err, ErrInvalidLink):
		return WireInvalidLinkIdentifier
	case errors.Is(err, ErrIO):
		return WireIOError
	case errors.Is(err, ErrIOTimeout):
		return WireIOTimeout
	case errors.Is(err, ErrOutOfResources):
		return WireOutOfResources
	case errors.Is(err, ErrGarbageArgs):
		return WireGarbageArgs
	default:
		return WireIOError
	}
}

// Package consts centralises the small numeric/string constants the VXI
// server's dispatcher and arbiter share, in the spirit of the teacher's
// services/hal/internal/consts/consts.go token-constant package.
package consts

// ONC-RPC program/version identifiers (spec.md §6).
const (
	ProgPortmap uint32 = 100000
	VersPortmap uint32 = 2
	ProcGetport uint32 = 3

	ProgDeviceCore uint32 = 0x0607AF
	VersDeviceCore uint32 = 1

	ProcCreateLink  uint32 = 10
	ProcDevWrite    uint32 = 11
	ProcDevRead     uint32 = 12
	ProcDestroyLink uint32 = 23
)

// DEV_WRITE / DEV_READ flag bits (VXI-11 §B.5).
const (
	FlagWaitLock byte = 1 << 0
	FlagEnd      byte = 1 << 3
	FlagTermChar byte = 1 << 7
)

// DEV_READ reason bits returned in the reply.
const (
	ReasonEnd uint32 = 4
)

// GPIB bus bounds.
const (
	MinPrimaryAddress = 0
	MaxPrimaryAddress = 30
	GatewayAddress    = 0 // N=0 routes to the gateway's own identity
)

// Defaults, overridden by GatewayConfig at runtime.
const (
	DefaultVXI11Port               = 9010
	DefaultPortmapPort             = 111
	DefaultMaxLinks                = 4
	DefaultMaxWriteRequestDataSize = 4096
	DefaultMaxReadResponseDataSize = 4096
)

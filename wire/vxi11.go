package wire

// Procedure-specific argument and result bodies for RPCBIND GETPORT and
// VXI-11 DEVICE_CORE, per spec.md §4.2 and §4.4. Field order follows the
// VXI-11 and RFC 1833 XDR definitions; struct tags are unnecessary since
// go-xdr encodes struct fields positionally.

// -----------------------------------------------------------------------------
// RPCBIND / Portmapper (program 100000, version 2)
// -----------------------------------------------------------------------------

type GetportArgs struct {
	Program  uint32
	Version  uint32
	Protocol uint32 // IPPROTO_TCP=6, IPPROTO_UDP=17
	Port     uint32 // ignored by callers, present for wire-shape fidelity
}

// GetportResult is a bare uint32 on the wire (the resolved port, or 0).
type GetportResult struct {
	Port uint32
}

// -----------------------------------------------------------------------------
// VXI-11 DEVICE_CORE (program 0x0607AF, version 1)
// -----------------------------------------------------------------------------

// Device_Link flags (spec.md §4.4).
const (
	FlagWaitLock uint32 = 1
	FlagEnd      uint32 = 8
	FlagTermChar uint32 = 128
)

type CreateLinkParms struct {
	ClientID    int32
	LockDevice  bool
	LockTimeout uint32
	Device      string
}

type CreateLinkResp struct {
	Error          uint32
	LinkID         int32
	AbortPort      uint32 // unsigned short on the wire; XDR pads to 4 bytes regardless
	MaxReceiveSize uint32
}

type DeviceWriteParms struct {
	Link        int32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       uint32
	Data        []byte
}

type DeviceWriteResp struct {
	Error uint32
	Size  uint32
}

type DeviceReadParms struct {
	Link        int32
	RequestSize uint32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       uint32
	TermChar    uint32 // low byte significant, per spec.md's four-byte-aligned XDR "char"
}

type DeviceReadResp struct {
	Error  uint32
	Reason uint32
	Data   []byte
}

type DeviceErrorResp struct {
	Error uint32
}

type DeviceLinkParms struct {
	Link int32
}

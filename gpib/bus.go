// Package gpib defines the narrow capability the VXI-11 core depends on to
// drive an IEEE-488 bus. The driver itself — addressing, the
// source/acceptor handshake, EOI drive — is out of scope; this package
// only names the port and ships an in-memory Fake for tests.
//
// Modelled on the Adaptor interface in the teacher's
// services/hal/internal/halcore/types.go (ID/Capabilities/Trigger/Collect),
// narrowed to the addressing + transfer verbs a GPIB controller exposes.
package gpib

import "context"

// Direction is the addressing direction for a GPIB transfer.
type Direction int

const (
	Unaddressed Direction = iota
	Listen
	Talk
)

func (d Direction) String() string {
	switch d {
	case Listen:
		return "listen"
	case Talk:
		return "talk"
	default:
		return "unaddress"
	}
}

// StopReason is why Receive stopped accepting bytes. It unions the five
// names spec.md's abstract port uses (EOI, ENDL, ENDCHAR, LIMIT, ERR) with
// the stop-reason enum in original_source/SW/src/vxi_server.h
// (SCPI_handler_read_stop_reasons); ENDL and ENDCHAR both carry the wire
// END bit, per the retained behaviour documented in SPEC_FULL.md.
type StopReason int

const (
	StopNone StopReason = iota
	StopEOI             // EOI asserted on the last byte
	StopEndLine         // configured end-of-string byte observed (ENDL)
	StopEndChar         // ENDCHAR: a distinct value, mapped to the wire like StopEndLine
	StopLimit           // request_size / buffer capacity reached
	StopTimeout         // bus handshake timed out
	StopError           // bus error (no listener, parity, etc.)
)

// Config is the current addressing + EOI/EOS mode, mirroring spec.md's
// BusState (§3) as seen from the port's side of the boundary.
type Config struct {
	CurrentPrimaryAddress int // 0xFF (-1 here) when unaddressed
	CurrentDirection      Direction
	EOIEnabled            bool
	EOSMode               bool
	EOSChar               byte
}

// Unaddressed sentinel for Config.CurrentPrimaryAddress.
const NoAddress = -1

// Bus is the capability the VXI-11 core depends on. One implementation
// drives real hardware (out of scope, not implemented here); Fake drives
// the test suite.
type Bus interface {
	// AddressDevice ensures the bus addressing matches (primary, direction).
	// secondary is accepted for interface parity with real GPIB controllers
	// but the gateway never uses secondary addressing (spec.md §4.4 treats
	// the interface number K in "gpibK,N" as ignored).
	AddressDevice(ctx context.Context, primary, secondary int, dir Direction) error

	// UnaddressDevice returns the bus to unaddressed.
	UnaddressDevice(ctx context.Context) error

	// SendData blocks until sent or error. assertEOIOnLast asserts EOI on
	// the final byte of data.
	SendData(ctx context.Context, data []byte, assertEOIOnLast bool) (sent int, err error)

	// ReceiveData blocks until a stop condition. It writes accepted bytes
	// into sink and returns why it stopped.
	ReceiveData(ctx context.Context, sink *FixedSink, honorEOI bool, detectEndByte bool, endByte byte, maxBytes int) (StopReason, error)

	// Config reports the current addressing + EOI/EOS mode.
	Config() Config
}

// FixedSink is a capacity-bounded byte sink, the gpib-side counterpart of
// wire.FixedBuffer — kept distinct so the wire codec and the bus port do
// not share a mutable buffer type across a package boundary.
type FixedSink struct {
	buf        []byte
	n          int
	overflowed bool
}

func NewFixedSink(buf []byte) *FixedSink {
	return &FixedSink{buf: buf}
}

// Write implements io.Writer-like semantics but never returns an error;
// bytes beyond capacity are dropped and Overflowed() becomes true,
// mirroring original_source's vxiBufStream._had_overflow tracking.
func (s *FixedSink) Write(p []byte) int {
	room := len(s.buf) - s.n
	if room <= 0 {
		if len(p) > 0 {
			s.overflowed = true
		}
		return 0
	}
	if len(p) > room {
		p = p[:room]
		s.overflowed = true
	}
	copy(s.buf[s.n:], p)
	s.n += len(p)
	return len(p)
}

func (s *FixedSink) Bytes() []byte    { return s.buf[:s.n] }
func (s *FixedSink) Len() int         { return s.n }
func (s *FixedSink) Overflowed() bool { return s.overflowed }
func (s *FixedSink) Reset()           { s.n = 0; s.overflowed = false }

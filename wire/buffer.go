// Package wire implements the ONC-RPC/XDR wire codec: record-marking
// framing over TCP, single-datagram framing over UDP, and marshal/unmarshal
// of VXI-11 DEVICE_CORE call and reply bodies.
package wire

import "github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/mathx"

// FixedBuffer is a single fixed-capacity byte buffer reused across
// requests, the Go-native counterpart of the two process-wide rx_buf/
// tx_buf buffers spec.md §3 describes. Folded from the teacher's
// x/shmring.Ring: this implementation keeps the capacity/availability
// bookkeeping discipline but drops the SPSC ring/wraparound machinery,
// since the single-threaded-per-connection request/response cycle here
// never needs concurrent producer/consumer access to the same buffer —
// see SPEC_FULL.md's Design Notes on "Shared fixed buffers".
type FixedBuffer struct {
	buf []byte
	n   int
}

// NewFixedBuffer allocates a buffer with the given capacity.
func NewFixedBuffer(capacity int) *FixedBuffer {
	return &FixedBuffer{buf: make([]byte, capacity)}
}

func (b *FixedBuffer) Cap() int { return len(b.buf) }

func (b *FixedBuffer) Len() int { return b.n }

func (b *FixedBuffer) Reset() { b.n = 0 }

// Bytes returns the filled prefix of the buffer.
func (b *FixedBuffer) Bytes() []byte { return b.buf[:b.n] }

// Append copies p into the buffer starting at the current length, clamped
// to capacity. It returns the number of bytes actually copied.
func (b *FixedBuffer) Append(p []byte) int {
	room := len(b.buf) - b.n
	take := mathx.Clamp(len(p), 0, room)
	copy(b.buf[b.n:b.n+take], p[:take])
	b.n += take
	return take
}

// Slice exposes the unfilled remainder for a reader to fill directly
// (e.g. io.ReadFull into b.Slice()[:want]), avoiding an intermediate copy.
func (b *FixedBuffer) Slice() []byte { return b.buf[b.n:] }

// Grow advances the fill pointer by n after a caller has written directly
// into Slice(); n is clamped to the available room.
func (b *FixedBuffer) Grow(n int) {
	room := len(b.buf) - b.n
	b.n += mathx.Clamp(n, 0, room)
}

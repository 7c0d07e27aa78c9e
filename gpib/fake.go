package gpib

import (
	"context"
	"sync"
	"time"
)

// Responder models one addressable instrument on the fake bus: it returns
// the bytes it would emit on the next talk operation, and records what it
// was sent on the last listen operation.
type Responder interface {
	// OnListen is called with the bytes written to this address while it
	// is addressed to listen, eoi true on the byte that carried EOI.
	OnListen(data []byte, eoi bool)
	// OnTalk returns the bytes to emit and whether EOI accompanies the
	// last one. Returning ok=false models "no listener" (StopError).
	OnTalk() (data []byte, eoi bool, ok bool)
}

// CannedResponder is a Responder that always answers with a fixed byte
// string (e.g. an *IDN? reply) and ignores what it is sent.
type CannedResponder struct {
	Reply []byte

	mu       sync.Mutex
	received []byte
}

func (c *CannedResponder) OnListen(data []byte, eoi bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received[:0:0], data...)
}

func (c *CannedResponder) OnTalk() ([]byte, bool, bool) {
	return c.Reply, true, true
}

func (c *CannedResponder) Received() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.received...)
}

// Fake is an in-memory GpibBus port for tests and cmd/vxi-selftest. The
// bus must be explicitly (re)addressed before a transfer (a transfer while
// unaddressed finds no responder), and it returns to Unaddressed only when
// UnaddressDevice is called; transfers leave the addressing unchanged.
type Fake struct {
	mu      sync.Mutex
	cfg     Config
	resp    map[int]Responder
	latency time.Duration // optional injected per-call latency, for timeout tests
}

func NewFake() *Fake {
	return &Fake{
		cfg:  Config{CurrentPrimaryAddress: NoAddress},
		resp: map[int]Responder{},
	}
}

// SetLatency injects an artificial delay before each transfer completes,
// used to exercise spec.md's IO_TIMEOUT path deterministically.
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Register attaches a Responder at a primary address (0-30).
func (f *Fake) Register(primary int, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp[primary] = r
}

func (f *Fake) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *Fake) AddressDevice(ctx context.Context, primary, secondary int, dir Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.CurrentPrimaryAddress == primary && f.cfg.CurrentDirection == dir {
		return nil
	}
	f.cfg.CurrentPrimaryAddress = primary
	f.cfg.CurrentDirection = dir
	return f.waitLocked(ctx)
}

func (f *Fake) UnaddressDevice(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.CurrentPrimaryAddress = NoAddress
	f.cfg.CurrentDirection = Unaddressed
	return f.waitLocked(ctx)
}

func (f *Fake) SendData(ctx context.Context, data []byte, assertEOIOnLast bool) (int, error) {
	f.mu.Lock()
	addr := f.cfg.CurrentPrimaryAddress
	r := f.resp[addr]
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	if r == nil {
		return 0, errNoListener
	}
	r.OnListen(data, assertEOIOnLast)
	return len(data), nil
}

func (f *Fake) ReceiveData(ctx context.Context, sink *FixedSink, honorEOI bool, detectEndByte bool, endByte byte, maxBytes int) (StopReason, error) {
	f.mu.Lock()
	addr := f.cfg.CurrentPrimaryAddress
	r := f.resp[addr]
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return StopTimeout, err
	}
	if r == nil {
		return StopError, errNoListener
	}
	data, eoi, ok := r.OnTalk()
	if !ok {
		return StopError, errNoListener
	}
	if len(data) > maxBytes {
		data = data[:maxBytes]
		sink.Write(data)
		return StopLimit, nil
	}
	for i, b := range data {
		if detectEndByte && b == endByte {
			sink.Write(data[:i+1])
			return StopEndLine, nil
		}
	}
	sink.Write(data)
	if honorEOI && eoi {
		return StopEOI, nil
	}
	return StopLimit, nil
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.latency
	f.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Fake) waitLocked(ctx context.Context) error {
	d := f.latency
	f.mu.Unlock()
	defer f.mu.Lock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errNoListener = fakeErr("no listener at addressed primary")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// Package connwatch debounces TCP disconnect notifications for the VXI
// server's diagnostics bus. Grounded on the teacher's
// services/hal/internal/gpioirq/irq_worker.go: a small buffered queue fed
// by a fast, non-blocking "ISR" callback, drained by one worker goroutine
// that applies a per-source debounce window before emitting the settled
// event. Here the "ISR" is go-tcpinfo's close callback instead of a GPIO
// edge interrupt, and the per-source key is a link slot instead of a pin.
//
// This package is diagnostics-only: the authoritative link teardown
// (link.Table.Free + arbiter.Arbiter.CancelLink) happens synchronously in
// the VXI server's per-connection goroutine when its blocking read
// returns an error, never here. A Worker only decides when to publish one
// debounced types.LinkEvent for a slot that has gone away.
package connwatch

import (
	"context"
	"net"
	"sync"
	"time"

	tcpinfo "github.com/simeonmiteff/go-tcpinfo"
)

const defaultDebounce = 250 * time.Millisecond

// DisconnectEvent is delivered once per settled disconnect.
type DisconnectEvent struct {
	Slot int
	TS   time.Time
}

type closeSignal struct {
	slot int
}

// Worker buffers raw close signals and debounces them per slot.
type Worker struct {
	rawQ     chan closeSignal
	outQ     chan DisconnectEvent
	debounce time.Duration

	mu   sync.Mutex
	last map[int]time.Time
}

// New builds a Worker with the given debounce window and queue depth;
// zero values fall back to sane defaults (250ms, 64 entries).
func New(debounce time.Duration, queueLen int) *Worker {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Worker{
		rawQ:     make(chan closeSignal, queueLen),
		outQ:     make(chan DisconnectEvent, queueLen),
		debounce: debounce,
		last:     make(map[int]time.Time),
	}
}

// Start runs the debounce loop until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-w.rawQ:
				w.handle(sig)
			}
		}
	}()
}

// Events is the debounced, settled disconnect stream.
func (w *Worker) Events() <-chan DisconnectEvent { return w.outQ }

// Wrap instruments conn with TCP_INFO-based close tracking where the
// platform supports it (tcpinfo.Supported()); on unsupported platforms it
// returns conn unwrapped — the VXI server's own read-error path still
// detects and handles disconnects either way, so this is purely additive
// observability.
func (w *Worker) Wrap(slot int, conn net.Conn) net.Conn {
	if !tcpinfo.Supported() {
		return conn
	}
	return tcpinfo.WrapConn(conn, func(_ *tcpinfo.Conn, state int) {
		if state == tcpinfo.Closed {
			w.signalClosed(slot)
		}
	})
}

func (w *Worker) signalClosed(slot int) {
	select {
	case w.rawQ <- closeSignal{slot: slot}:
	default:
		// queue full: a slow consumer already missed some churn; the
		// server's own teardown path is unaffected, only the diagnostic
		// trace is lossy here.
	}
}

func (w *Worker) handle(sig closeSignal) {
	now := time.Now()
	w.mu.Lock()
	last, seen := w.last[sig.slot]
	w.last[sig.slot] = now
	w.mu.Unlock()
	if seen && now.Sub(last) < w.debounce {
		return
	}
	select {
	case w.outQ <- DisconnectEvent{Slot: sig.slot, TS: now}:
	default:
	}
}

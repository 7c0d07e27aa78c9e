// Package arbiter serialises access to the single physical GPIB bus across
// concurrently connected VXI-11 links, per spec.md §4.5. One goroutine runs
// per VXI connection (services/vxi's concurrency model, see SPEC_FULL.md
// §5), so without a gatekeeper two links could interleave addressing and
// data-transfer calls against the same gpib.Bus. The arbiter grants the bus
// to at most one link at a time, in first-come-first-served order, and
// keeps it granted to a link mid multi-fragment write until the fragment
// carrying END arrives.
package arbiter

import (
	"context"
	"sync"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/gpib"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/timex"
)

// waiter is one ticket in the FIFO queue: release closes ch when it grants
// the bus to the ticket's slot; if ctx is cancelled first, acquire drops the
// ticket from the queue (in O(n)) and returns ctx.Err().
type waiter struct {
	slot int
	ch   chan struct{}
}

// Arbiter owns exclusive access to a gpib.Bus and the current addressing
// state that access implies.
type Arbiter struct {
	mu sync.Mutex

	bus      gpib.Bus
	heldBy   int // link slot currently holding the bus, or -1
	waiters  []waiter
	addrSlot int // slot the bus is currently addressed for, or -1
}

// New wraps a gpib.Bus with FIFO mutual exclusion.
func New(b gpib.Bus) *Arbiter {
	return &Arbiter{bus: b, heldBy: -1, addrSlot: -1}
}

// acquire blocks until slot holds the bus or ctx is done. Re-entrant for a
// slot that already holds it (continuing a multi-fragment write).
func (a *Arbiter) acquire(ctx context.Context, slot int) error {
	a.mu.Lock()
	if a.heldBy == slot {
		a.mu.Unlock()
		return nil
	}
	if a.heldBy == -1 && len(a.waiters) == 0 {
		a.heldBy = slot
		a.mu.Unlock()
		return nil
	}
	w := waiter{slot: slot, ch: make(chan struct{})}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		for i, q := range a.waiters {
			if q.ch == w.ch {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
		return ctx.Err()
	}
}

// release hands the bus to the next waiter, or clears heldBy if the queue
// is empty. keepHeld re-grants it to the same slot atomically — used
// between fragments of one DEV_WRITE so no other link can interleave.
func (a *Arbiter) release(slot int, keepHeld bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heldBy != slot {
		return
	}
	if keepHeld {
		return
	}
	if len(a.waiters) == 0 {
		a.heldBy = -1
		return
	}
	next := a.waiters[0]
	a.waiters = a.waiters[1:]
	a.heldBy = next.slot
	close(next.ch)
}

func (a *Arbiter) ensureAddressed(ctx context.Context, slot, primary int, dir gpib.Direction) error {
	a.mu.Lock()
	needAddr := a.addrSlot != slot || a.bus.Config().CurrentDirection != dir
	a.mu.Unlock()
	if !needAddr {
		return nil
	}
	if err := a.bus.AddressDevice(ctx, primary, gpib.NoAddress, dir); err != nil {
		return err
	}
	a.mu.Lock()
	a.addrSlot = slot
	a.mu.Unlock()
	return nil
}

// Write sends data for slot, addressing the device as LISTEN if needed,
// and leaves the bus held by slot across fragments until isEnd. It is the
// arbiter-level counterpart of DEV_WRITE's possible multi-call sequence
// (spec.md §4.4, "multi-fragment write atomicity").
func (a *Arbiter) Write(ctx context.Context, links *link.Table, conn *bus.Connection, slot, primary int, data []byte, isEnd bool) (int, error) {
	if err := a.acquire(ctx, slot); err != nil {
		return 0, err
	}
	defer a.release(slot, !isEnd)

	if err := a.ensureAddressed(ctx, slot, primary, gpib.Listen); err != nil {
		return 0, err
	}
	links.SetPendingMultiFragment(slot, !isEnd)

	n, err := a.bus.SendData(ctx, data, isEnd)
	if conn != nil {
		conn.Publish(conn.NewMessage(bus.TopicVXIBusEvent(), types.BusEvent{
			Slot:        slot,
			GpibAddress: primary,
			Direction:   "write",
			TS:          timex.NowMs(),
		}, false))
	}
	// Per spec.md §4.4, the bus returns to unaddressed once a logical
	// transfer completes (the fragment carrying EOI), so the next
	// operation — on any link — always starts from a known state.
	if isEnd {
		a.unaddressLocked(ctx, slot)
	}
	return n, err
}

// Read receives data for slot into sink, addressing the device as TALK if
// needed.
func (a *Arbiter) Read(ctx context.Context, conn *bus.Connection, slot, primary int, sink *gpib.FixedSink, honorEOI, detectEndByte bool, endByte byte, maxBytes int) (gpib.StopReason, error) {
	if err := a.acquire(ctx, slot); err != nil {
		return gpib.StopError, err
	}
	defer a.release(slot, false)

	if err := a.ensureAddressed(ctx, slot, primary, gpib.Talk); err != nil {
		return gpib.StopError, err
	}

	reason, err := a.bus.ReceiveData(ctx, sink, honorEOI, detectEndByte, endByte, maxBytes)
	if conn != nil {
		conn.Publish(conn.NewMessage(bus.TopicVXIBusEvent(), types.BusEvent{
			Slot:        slot,
			GpibAddress: primary,
			Direction:   "read",
			TS:          timex.NowMs(),
		}, false))
	}
	// DEV_READ always completes in one call (no multi-fragment reads),
	// so the bus always returns to unaddressed afterward.
	a.unaddressLocked(ctx, slot)
	return reason, err
}

// unaddressLocked returns the bus to Unaddressed if slot currently holds
// the addressing, clearing addrSlot so the next operation re-addresses.
func (a *Arbiter) unaddressLocked(ctx context.Context, slot int) {
	a.mu.Lock()
	owns := a.addrSlot == slot
	if owns {
		a.addrSlot = -1
	}
	a.mu.Unlock()
	if owns {
		_ = a.bus.UnaddressDevice(ctx)
	}
}

// CancelLink releases the bus and clears addressing for slot, called when
// a link is destroyed or its connection drops mid-transfer (spec.md §4.5,
// "disconnect-triggered cancellation"). It is always safe to call even if
// slot never held the bus.
func (a *Arbiter) CancelLink(ctx context.Context, links *link.Table, slot int) {
	links.SetPendingMultiFragment(slot, false)
	a.release(slot, false)
	a.unaddressLocked(ctx, slot)
}

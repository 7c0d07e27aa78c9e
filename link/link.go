// Package link implements the VXI-11 link table: the fixed-capacity slot
// array that binds a client connection and GPIB primary address to the
// link identifier returned by CREATE_LINK.
//
// Grounded on the teacher's services/hal/internal/registry/registry.go
// (a package-level, mutex-guarded lookup table) generalised into an
// instance-level, fixed-capacity free-list, per spec.md §3/§4.3.
package link

import (
	"net"
	"sync"
	"time"
)

// NoAddress mirrors gpib.NoAddress without importing gpib, keeping this
// package dependency-free for the link table's own tests.
const NoAddress = -1

// Link is one VXI-11 session: a client connection bound to one GPIB
// primary address. The table exclusively owns the Link for its lifetime.
type Link struct {
	Slot        int
	Conn        net.Conn
	GpibAddress int
	CreatedAt   time.Time

	// pendingMultiFragment is set while this link holds the bus mid a
	// multi-fragment DEV_WRITE sequence (no END yet); the arbiter reads
	// and clears it, never the table.
	pendingMultiFragment bool
}

// Table is a fixed-capacity array of optional Link slots. MaxLinks is the
// hard ceiling spec.md calls MAX_LINKS (= MAX_SOCK_NUM on the original
// hardware; any small constant here).
type Table struct {
	mu    sync.Mutex
	slots []*Link
	free  []int // free-list, kept sorted ascending so allocate() is lowest-free-first
}

// NewTable builds a table with the given fixed capacity.
func NewTable(maxLinks int) *Table {
	free := make([]int, maxLinks)
	for i := range free {
		free[i] = i
	}
	return &Table{
		slots: make([]*Link, maxLinks),
		free:  free,
	}
}

func (t *Table) MaxLinks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// HasFree reports whether a slot is available, mirroring the original's
// have_free_connections() — used to gate TCP accepts before they ever
// consume a slot (see SPEC_FULL.md's supplemented-features section).
func (t *Table) HasFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free) > 0
}

// Allocate binds conn to the lowest free slot and returns the new Link.
// ok is false when the table is full; the caller must not have consumed
// an OS resource it cannot release cheaply in that case.
func (t *Table) Allocate(conn net.Conn, gpibAddress int) (l *Link, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return nil, false
	}
	slot := t.free[0]
	t.free = t.free[1:]
	l = &Link{
		Slot:        slot,
		Conn:        conn,
		GpibAddress: gpibAddress,
		CreatedAt:   time.Now(),
	}
	t.slots[slot] = l
	return l, true
}

// Get returns the Link at slot, or nil if the slot is out of range or
// empty — the caller (the RPC dispatcher) turns a nil result into
// INVALID_LINK_IDENTIFIER.
func (t *Table) Get(slot int) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) {
		return nil
	}
	return t.slots[slot]
}

// Free releases slot back to the free pool. Freeing an already-free slot
// is a no-op. The free-list is kept ascending so the next Allocate again
// picks the lowest-indexed slot, per spec.md's "lowest-indexed free slot"
// recycling policy.
func (t *Table) Free(slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return
	}
	t.slots[slot] = nil
	t.insertFreeLocked(slot)
}

func (t *Table) insertFreeLocked(slot int) {
	i := 0
	for ; i < len(t.free); i++ {
		if t.free[i] > slot {
			break
		}
	}
	t.free = append(t.free, 0)
	copy(t.free[i+1:], t.free[i:])
	t.free[i] = slot
}

// Live returns every currently-allocated Link, for the supervisor's reap
// pass and for telemetry.
func (t *Table) Live() []*Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Link, 0, len(t.slots)-len(t.free))
	for _, l := range t.slots {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// ActiveCount is Live() without the allocation, for telemetry snapshots.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// SetGpibAddress records the primary address CREATE_LINK resolved for an
// already-allocated slot (allocation happens at accept time, before the
// device name is known — see spec.md §4.4).
func (t *Table) SetGpibAddress(slot, addr int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return
	}
	t.slots[slot].GpibAddress = addr
}

// SetPendingMultiFragment marks/clears slot as holding a multi-fragment
// write sequence; only the arbiter calls this.
func (t *Table) SetPendingMultiFragment(slot int, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return
	}
	t.slots[slot].pendingMultiFragment = pending
}

// PendingMultiFragment reports whether slot currently holds a
// multi-fragment write sequence open.
func (t *Table) PendingMultiFragment(slot int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return false
	}
	return t.slots[slot].pendingMultiFragment
}

package types

// ---- Gateway lifecycle state (retained) ----

// GatewayState mirrors the teacher's HALState shape: a retained, coarse
// lifecycle indicator for the diagnostics bus.
type GatewayState struct {
	Level  string `json:"level"`  // "idle", "ready", "stopped"
	Status string `json:"status"` // freeform short code
	TS     int64  `json:"ts_ms"`
}

// LinkEventKind distinguishes the two link lifecycle events traced on the
// diagnostics bus; it is unrelated to the wire-level VXI-11 reply fields.
type LinkEventKind string

const (
	LinkEventCreated   LinkEventKind = "created"
	LinkEventDestroyed LinkEventKind = "destroyed"
)

// LinkEvent is published (not retained) on vxi/link/<slot> whenever a Link
// is created or torn down, including the reason for teardown.
type LinkEvent struct {
	Kind        LinkEventKind `json:"kind"`
	Slot        int           `json:"slot"`
	GpibAddress int           `json:"gpib_address,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	TS          int64         `json:"ts_ms"`
}

// TelemetrySnapshot is published retained on vxi/state by the heartbeat
// service.
type TelemetrySnapshot struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	ActiveLinks   int   `json:"active_links"`
	MaxLinks      int   `json:"max_links"`
	BusBusy       bool  `json:"bus_busy"`
}

// BusEvent traces one bus transfer the arbiter carried out for a link,
// published after the transfer returns, so mutual exclusion (spec
// invariant 6) can be checked from the event sequence rather than by
// racing on real GPIB hardware.
type BusEvent struct {
	Slot        int    `json:"slot"`
	GpibAddress int    `json:"gpib_address"`
	Direction   string `json:"direction"` // "write" | "read"
	TS          int64  `json:"ts_ms"`
}

// OKReply and ErrorReply are the generic request-reply payloads the
// diagnostics bus uses for control queries, mirroring the teacher's
// types.OKReply/ErrorReply. Error carries an errcode.Code string so every
// bus consumer shares one error vocabulary regardless of which service
// answered.
type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// LinkQuery is a request-reply payload asking the VXI server to describe
// one link table slot; Slot selects which one. The reply is either
// LinkInfo (OK) or ErrorReply (slot empty or out of range).
type LinkQuery struct {
	Slot int `json:"slot"`
}

// LinkInfo answers a LinkQuery for an occupied slot.
type LinkInfo struct {
	OK          bool  `json:"ok"`
	Slot        int   `json:"slot"`
	GpibAddress int   `json:"gpib_address"`
	CreatedAtMs int64 `json:"created_at_ms"`
}

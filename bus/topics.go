package bus

// Gateway-specific topic helpers for the diagnostics bus. Nothing here
// touches the VXI-11 wire protocol; these are internal observability
// topics only (config snapshots, telemetry, link lifecycle, bus tracing).

// TopicConfigVXI is where the effective GatewayConfig is retained-published.
func TopicConfigVXI() Topic { return T("config", "vxi") }

// TopicVXIState is where periodic TelemetrySnapshot values are retained-published.
func TopicVXIState() Topic { return T("vxi", "state") }

// TopicVXILink returns the per-slot link lifecycle topic.
func TopicVXILink(slot int) Topic { return T("vxi", "link", slot) }

// TopicVXIBusEvent is where the bus arbiter traces each transfer (types.BusEvent).
func TopicVXIBusEvent() Topic { return T("vxi", "bus", "event") }

// TopicVXIQueryLink is the request-reply topic for link table diagnostics
// queries (see services/vxi.Server's query loop).
func TopicVXIQueryLink() Topic { return T("vxi", "query", "link") }

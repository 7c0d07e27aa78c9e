// Package heartbeat periodically publishes a retained TelemetrySnapshot on
// the diagnostics bus, the VXI-domain counterpart of the teacher's ticking
// heartbeat service. Kept: the ticker + config-reload select loop shape.
// Replaced: the payload (TelemetrySnapshot sourced from the link table
// instead of a freeform interval print) and the subscribed topic (the one
// GatewayConfig the whole gateway shares, not a heartbeat-private key).
package heartbeat

import (
	"context"
	"time"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/fmtx"
)

const defaultInterval = 5 * time.Second

// Service publishes types.TelemetrySnapshot, retained, on bus.TopicVXIState().
type Service struct {
	Links    *link.Table
	Interval time.Duration // defaults to defaultInterval when zero
	started  time.Time
}

func New(links *link.Table) *Service {
	return &Service{Links: links, Interval: defaultInterval}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(bus.TopicConfigVXI())
	defer conn.Unsubscribe(cfgSub)

	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	s.started = time.Now()

	publish := func() {
		snap := types.TelemetrySnapshot{
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
			ActiveLinks:   s.Links.ActiveCount(),
			MaxLinks:      s.Links.MaxLinks(),
			BusBusy:       s.Links.ActiveCount() > 0,
		}
		conn.Publish(conn.NewMessage(bus.TopicVXIState(), snap, true))
	}

	for {
		select {
		case <-ctx.Done():
			fmtx.Printf("heartbeat: stopping at uptime %ds\n", int64(time.Since(s.started).Seconds()))
			return
		case <-tick.C:
			publish()
		case <-cfgSub.Channel():
			// GatewayConfig changed; re-publish immediately so observers
			// see fresh ActiveLinks/MaxLinks without waiting a full tick.
			publish()
		}
	}
}

// Start launches the telemetry publisher in a goroutine.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}

// Command vxi-gateway is the VXI-11/GPIB network gateway entry point: it
// wires the config service, the diagnostics bus, the portmapper, the
// DEVICE_CORE server and the heartbeat service together and runs until
// interrupted. Structurally grounded on the teacher's former root
// main.go (HAL bring-up + service Start calls driven by a context and an
// OS signal channel); the HAL-specific bring-up itself is gone since
// there is no hardware abstraction layer left to sequence.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/gpib"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/portmap"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/config"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/heartbeat"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/fmtx"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/strconvx"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/strx"
)

func main() {
	device := flag.String("device", "", "embedded config device ID (defaults to \"gateway\")")
	flag.Parse()
	deviceID := strx.Coalesce(*device, "gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(64)
	cfgConn := b.NewConnection("config")
	vxiConn := b.NewConnection("vxi")
	hbConn := b.NewConnection("heartbeat")

	cfgSvc := config.NewConfigService()
	cfgSvc.Start(withDevice(ctx, deviceID), cfgConn)

	cfg := awaitConfig(ctx, b)
	fmtx.Printf("vxi-gateway: starting with config %+v\n", cfg)

	links := link.NewTable(cfg.MaxLinks)

	// The GPIB bus driver itself is out of scope (spec.md's Non-goals);
	// gpib.Fake stands in as the Bus implementation until a real
	// controller driver is wired in.
	var driver gpib.Bus = gpib.NewFake()

	srv := vxi.NewServer(driver, links, vxiConn, cfg)

	pm := &portmap.Server{CorePort: uint32(cfg.VXI11Port)}
	pmBindAddr := net.JoinHostPort("", strconvx.Itoa(cfg.PortmapPort))
	go func() {
		if err := pm.ListenAndServe(ctx, pmBindAddr); err != nil && ctx.Err() == nil {
			fmtx.Printf("vxi-gateway: portmapper stopped: %v\n", err)
		}
	}()

	hb := heartbeat.New(links)
	_ = hb.Start(ctx, hbConn)

	if err := srv.Run(ctx, vxiConn); err != nil && ctx.Err() == nil {
		fmtx.Printf("vxi-gateway: server exited: %v\n", err)
		os.Exit(1)
	}
}

func withDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, config.CtxDeviceKey, device)
}

// awaitConfig blocks for the retained GatewayConfig the config service
// publishes at startup, falling back to the built-in default if none
// arrives promptly (e.g. an unknown --device).
func awaitConfig(ctx context.Context, b *bus.Bus) types.GatewayConfig {
	conn := b.NewConnection("config-wait")
	defer conn.Disconnect()
	sub := conn.Subscribe(bus.TopicConfigVXI())
	defer conn.Unsubscribe(sub)

	select {
	case msg := <-sub.Channel():
		if cfg, ok := msg.Payload.(types.GatewayConfig); ok {
			return cfg
		}
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return config.DefaultGatewayConfig()
}

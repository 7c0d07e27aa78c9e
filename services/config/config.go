// Package config loads the gateway's GatewayConfig and republishes it,
// retained, on the diagnostics bus. Adapted from the teacher's
// services/config/config.go: embedded-JSON lookup plus tinyjson decode,
// generalised from "publish every top-level key as its own retained
// message" (which suited a grab-bag of independent HAL subsystem configs)
// to "decode once into the one struct the VXI server understands", since
// GatewayConfig's fields are not independently meaningful.
package config

import (
	"context"
	"errors"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/util"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"

	"github.com/andreyvit/tinyjson"
)

const (
	serviceName = "config"
	// CtxDeviceKey is the context key under which the embedded-config
	// lookup key (e.g. a board/device identifier) is carried.
	CtxDeviceKey = "device"
)

// EmbeddedConfigLookup allows overriding how configs are resolved; tests
// swap this out rather than touching the filesystem.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Service publishes GatewayConfig, retained, on bus.TopicConfigVXI().
type Service struct {
	Name string
}

func NewConfigService() *Service {
	return &Service{Name: serviceName}
}

// publishConfig reads the embedded JSON for the device named in ctx,
// decodes it into a types.GatewayConfig, and publishes it retained.
func (s *Service) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return errors.New("missing device ID in context")
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return errors.New("no embedded config for device: " + device)
	}

	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	cfg := DefaultGatewayConfig()
	if err := util.DecodeJSON(val, &cfg); err != nil {
		return err
	}

	conn.Publish(&bus.Message{
		Topic:    bus.TopicConfigVXI(),
		Payload:  cfg,
		Retained: true,
	})
	return nil
}

// Start launches the config publisher in a goroutine, matching the
// teacher's fire-and-forget Start(ctx, conn) shape.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		_ = s.publishConfig(ctx, conn)
	}()
}

// DefaultGatewayConfig mirrors the original hardware's config.h defaults
// (VXI11_PORT 9010, the AR488-derived identification string) so a missing
// or partial embedded document still yields a usable gateway.
func DefaultGatewayConfig() types.GatewayConfig {
	return types.GatewayConfig{
		VXI11Port:               9010,
		PortmapPort:             111,
		MaxLinks:                4,
		MaxWriteRequestDataSize: 4096,
		MaxReadResponseDataSize: 4096,
		IOTimeoutCapMillis:      10000,
		DeviceIdentification:    "Ethernet2GPIB Gateway v1.2 (AR488 v0.53.03)\n",
		LogVXIDetails:           false,
	}
}

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
)

func TestPublishesRetainedSnapshot(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("heartbeat")
	links := link.NewTable(4)
	if _, ok := links.Allocate(nil, 3); !ok {
		t.Fatalf("allocate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := New(links)
	svc.Interval = 20 * time.Millisecond
	if err := svc.Start(ctx, conn); err != nil {
		t.Fatalf("Start: %v", err)
	}

	obsConn := b.NewConnection("observer")
	sub := obsConn.Subscribe(bus.TopicVXIState())
	defer obsConn.Unsubscribe(sub)

	select {
	case msg := <-sub.Channel():
		snap, ok := msg.Payload.(types.TelemetrySnapshot)
		if !ok {
			t.Fatalf("unexpected payload type %T", msg.Payload)
		}
		if snap.ActiveLinks != 1 || snap.MaxLinks != 4 {
			t.Fatalf("got %+v", snap)
		}
		if !snap.BusBusy {
			t.Fatalf("expected BusBusy with one active link")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first tick")
	}
}

package gpib

import (
	"context"
	"testing"
	"time"
)

func TestFakeAddressThenTransfer(t *testing.T) {
	f := NewFake()
	r := &CannedResponder{Reply: []byte("*IDN? ok")}
	f.Register(7, r)

	ctx := context.Background()
	if err := f.AddressDevice(ctx, 7, 0, Listen); err != nil {
		t.Fatalf("address: %v", err)
	}
	n, err := f.SendData(ctx, []byte("*IDN?"), true)
	if err != nil || n != 5 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	if got := string(r.Received()); got != "*IDN?" {
		t.Fatalf("responder saw %q", got)
	}

	if err := f.AddressDevice(ctx, 7, 0, Talk); err != nil {
		t.Fatalf("address talk: %v", err)
	}
	buf := make([]byte, 64)
	sink := NewFixedSink(buf)
	reason, err := f.ReceiveData(ctx, sink, true, false, 0, len(buf))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reason != StopEOI {
		t.Fatalf("expected StopEOI, got %v", reason)
	}
	if string(sink.Bytes()) != "*IDN? ok" {
		t.Fatalf("got %q", sink.Bytes())
	}
}

func TestFakeNoListener(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if err := f.AddressDevice(ctx, 3, 0, Listen); err != nil {
		t.Fatalf("address: %v", err)
	}
	if _, err := f.SendData(ctx, []byte("x"), true); err == nil {
		t.Fatal("expected no-listener error")
	}
}

func TestFakeReceiveLimit(t *testing.T) {
	f := NewFake()
	f.Register(1, &CannedResponder{Reply: []byte("0123456789")})
	ctx := context.Background()
	_ = f.AddressDevice(ctx, 1, 0, Talk)

	buf := make([]byte, 4)
	sink := NewFixedSink(buf)
	reason, err := f.ReceiveData(ctx, sink, true, false, 0, 4)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reason != StopLimit {
		t.Fatalf("expected StopLimit, got %v", reason)
	}
	if string(sink.Bytes()) != "0123" {
		t.Fatalf("got %q", sink.Bytes())
	}
}

func TestFakeTimeout(t *testing.T) {
	f := NewFake()
	f.SetLatency(50 * time.Millisecond)
	f.Register(2, &CannedResponder{Reply: []byte("late")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := f.AddressDevice(ctx, 2, 0, Talk); err == nil {
		t.Fatal("expected context deadline error")
	}
}

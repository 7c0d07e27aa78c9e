package vxi

import "testing"

func TestParseDeviceNameInst(t *testing.T) {
	p, err := parseDeviceName("INST7")
	if err != nil || p != 7 {
		t.Fatalf("got %d, %v", p, err)
	}
}

func TestParseDeviceNameGpib(t *testing.T) {
	p, err := parseDeviceName("gpib0,12")
	if err != nil || p != 12 {
		t.Fatalf("got %d, %v", p, err)
	}
}

func TestParseDeviceNameHpib(t *testing.T) {
	p, err := parseDeviceName("hpib1,3")
	if err != nil || p != 3 {
		t.Fatalf("got %d, %v", p, err)
	}
}

func TestParseDeviceNameOutOfRange(t *testing.T) {
	if _, err := parseDeviceName("gpib0,99"); err == nil {
		t.Fatalf("expected error for out-of-range address")
	}
}

func TestParseDeviceNameMalformed(t *testing.T) {
	for _, s := range []string{"", "foo", "gpib0", "instxyz"} {
		if _, err := parseDeviceName(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestParseDeviceNameGatewayAddress(t *testing.T) {
	p, err := parseDeviceName("inst0")
	if err != nil || p != 0 {
		t.Fatalf("got %d, %v", p, err)
	}
}

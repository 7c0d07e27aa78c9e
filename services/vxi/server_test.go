package vxi

import (
	"bytes"
	"context"
	"testing"
	"time"

	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/gpib"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/consts"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/vxierr"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/wire"
)

// testOpaqueAuth/testCallHeader mirror wire's unexported callHeader field
// order exactly, letting this package-external test build a valid CALL
// without reaching into wire's internals.
type testOpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

type testCallHeader struct {
	Xid       uint32
	MsgType   uint32
	RPCVers   uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      testOpaqueAuth
	Verf      testOpaqueAuth
}

func encodeCall(t *testing.T, xid, program, version, procedure uint32, args any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, testCallHeader{
		Xid:       xid,
		MsgType:   0,
		RPCVers:   2,
		Program:   program,
		Version:   version,
		Procedure: procedure,
	}); err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	if args != nil {
		if _, err := xdr2.Marshal(&buf, args); err != nil {
			t.Fatalf("marshal args: %v", err)
		}
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, maxLinks int) (*Server, *link.Table, *gpib.Fake) {
	t.Helper()
	fake := gpib.NewFake()
	links := link.NewTable(maxLinks)
	b := bus.NewBus(8)
	conn := b.NewConnection("test")
	cfg := types.GatewayConfig{
		VXI11Port:               consts.DefaultVXI11Port,
		MaxLinks:                maxLinks,
		MaxWriteRequestDataSize: 1024,
		MaxReadResponseDataSize: 1024,
		IOTimeoutCapMillis:      2000,
		DeviceIdentification:    "GATEWAY,VXI-11-GW,0,1.0",
	}
	return NewServer(fake, links, conn, cfg), links, fake
}

// decodeReplyBody strips the reply/accepted headers this package's tests
// never construct directly (they live in wire as unexported types), instead
// using the same byte offsets wire.EncodeReply produces: xid(4) + msgtype(4)
// + status(4) + verf.flavor(4) + verf.bodylen(4) [+body] + acceptstat(4).
func decodeReplyBody(t *testing.T, reply []byte, dst any) uint32 {
	t.Helper()
	if len(reply) < 20 {
		t.Fatalf("reply too short: %d bytes", len(reply))
	}
	verfBodyLen := beU32(reply[16:20])
	off := 20 + int(verfBodyLen)
	if len(reply) < off+4 {
		t.Fatalf("reply truncated before accept_stat: %d bytes", len(reply))
	}
	acceptStat := beU32(reply[off : off+4])
	body := reply[off+4:]
	if dst != nil {
		if _, err := xdr2.Unmarshal(bytes.NewReader(body), dst); err != nil {
			t.Fatalf("unmarshal reply body: %v", err)
		}
	}
	return acceptStat
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestFullLinkLifecycle(t *testing.T) {
	srv, links, fake := newTestServer(t, 4)
	fake.Register(5, &gpib.CannedResponder{Reply: []byte("1.23\r\n")})

	l, ok := links.Allocate(nil, link.NoAddress)
	if !ok {
		t.Fatalf("allocate: table unexpectedly full")
	}
	slot := l.Slot
	ctx := context.Background()

	// CREATE_LINK
	createArgs := wire.CreateLinkParms{ClientID: 1, Device: "inst5"}
	callBytes := encodeCall(t, 100, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcCreateLink, createArgs)
	reply, closeAfter := srv.dispatch(ctx, slot, callBytes)
	if closeAfter {
		t.Fatalf("CREATE_LINK must not close the connection")
	}
	var createResp wire.CreateLinkResp
	if stat := decodeReplyBody(t, reply, &createResp); stat != 0 {
		t.Fatalf("CREATE_LINK accept_stat = %d, want 0", stat)
	}
	if createResp.Error != vxierr.WireNoError {
		t.Fatalf("CREATE_LINK error = %d, want 0", createResp.Error)
	}
	if int(createResp.LinkID) != slot {
		t.Fatalf("CREATE_LINK link_id = %d, want %d", createResp.LinkID, slot)
	}
	if links.Get(slot).GpibAddress != 5 {
		t.Fatalf("link table primary address = %d, want 5", links.Get(slot).GpibAddress)
	}

	// DEV_WRITE
	writeArgs := wire.DeviceWriteParms{Link: int32(slot), IOTimeout: 1000, Flags: wire.FlagEnd, Data: []byte("*IDN?\r\n")}
	callBytes = encodeCall(t, 101, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcDevWrite, writeArgs)
	reply, _ = srv.dispatch(ctx, slot, callBytes)
	var writeResp wire.DeviceWriteResp
	if stat := decodeReplyBody(t, reply, &writeResp); stat != 0 {
		t.Fatalf("DEV_WRITE accept_stat = %d, want 0", stat)
	}
	if writeResp.Error != vxierr.WireNoError {
		t.Fatalf("DEV_WRITE error = %d, want 0", writeResp.Error)
	}

	// DEV_READ
	readArgs := wire.DeviceReadParms{Link: int32(slot), RequestSize: 64, IOTimeout: 1000}
	callBytes = encodeCall(t, 102, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcDevRead, readArgs)
	reply, _ = srv.dispatch(ctx, slot, callBytes)
	var readResp wire.DeviceReadResp
	if stat := decodeReplyBody(t, reply, &readResp); stat != 0 {
		t.Fatalf("DEV_READ accept_stat = %d, want 0", stat)
	}
	if readResp.Reason != consts.ReasonEnd {
		t.Fatalf("DEV_READ reason = %d, want END", readResp.Reason)
	}
	if !bytes.Equal(readResp.Data, []byte("1.23\r\n")) {
		t.Fatalf("DEV_READ data = %q, want %q", readResp.Data, "1.23\r\n")
	}

	// DESTROY_LINK
	destroyArgs := wire.DeviceLinkParms{Link: int32(slot)}
	callBytes = encodeCall(t, 103, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcDestroyLink, destroyArgs)
	reply, closeAfter = srv.dispatch(ctx, slot, callBytes)
	if !closeAfter {
		t.Fatalf("DESTROY_LINK must signal connection close")
	}
	var destroyResp wire.DeviceErrorResp
	if stat := decodeReplyBody(t, reply, &destroyResp); stat != 0 {
		t.Fatalf("DESTROY_LINK accept_stat = %d, want 0", stat)
	}
}

func TestCreateLinkParameterErrorForBadDeviceName(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	args := wire.CreateLinkParms{Device: "gpib0,99"}
	callBytes := encodeCall(t, 1, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcCreateLink, args)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)

	var resp wire.CreateLinkResp
	decodeReplyBody(t, reply, &resp)
	if resp.Error != vxierr.WireParameterError {
		t.Fatalf("error = %d, want WireParameterError", resp.Error)
	}
}

func TestCreateLinkLockDeviceRefused(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	args := wire.CreateLinkParms{Device: "inst3", LockDevice: true}
	callBytes := encodeCall(t, 1, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcCreateLink, args)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)

	var resp wire.CreateLinkResp
	decodeReplyBody(t, reply, &resp)
	if resp.Error != vxierr.WireOutOfResources {
		t.Fatalf("error = %d, want WireOutOfResources", resp.Error)
	}
}

func TestGatewayLoopbackAddressIdentifies(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	createArgs := wire.CreateLinkParms{Device: "inst0"}
	callBytes := encodeCall(t, 1, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcCreateLink, createArgs)
	srv.dispatch(context.Background(), l.Slot, callBytes)

	readArgs := wire.DeviceReadParms{Link: int32(l.Slot), RequestSize: 128}
	callBytes = encodeCall(t, 2, consts.ProgDeviceCore, consts.VersDeviceCore, consts.ProcDevRead, readArgs)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)

	var resp wire.DeviceReadResp
	decodeReplyBody(t, reply, &resp)
	if string(resp.Data) != "GATEWAY,VXI-11-GW,0,1.0" {
		t.Fatalf("identification = %q", resp.Data)
	}
	if resp.Reason != consts.ReasonEnd {
		t.Fatalf("reason = %d, want END", resp.Reason)
	}
}

func TestUnknownProgramReturnsProgUnavail(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	callBytes := encodeCall(t, 1, 0xDEADBEEF, 1, consts.ProcCreateLink, nil)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)
	if stat := decodeReplyBody(t, reply, nil); stat != uint32(wire.AcceptProgUnavail) {
		t.Fatalf("accept_stat = %d, want PROG_UNAVAIL", stat)
	}
}

func TestUnknownVersionReturnsProgMismatch(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	callBytes := encodeCall(t, 1, consts.ProgDeviceCore, 99, consts.ProcCreateLink, nil)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)
	if stat := decodeReplyBody(t, reply, nil); stat != uint32(wire.AcceptProgMismatch) {
		t.Fatalf("accept_stat = %d, want PROG_MISMATCH", stat)
	}
}

func TestUnknownProcedureReturnsProcUnavail(t *testing.T) {
	srv, links, _ := newTestServer(t, 4)
	l, _ := links.Allocate(nil, link.NoAddress)

	callBytes := encodeCall(t, 1, consts.ProgDeviceCore, consts.VersDeviceCore, 9999, nil)
	reply, _ := srv.dispatch(context.Background(), l.Slot, callBytes)
	if stat := decodeReplyBody(t, reply, nil); stat != uint32(wire.AcceptProcUnavail) {
		t.Fatalf("accept_stat = %d, want PROC_UNAVAIL", stat)
	}
}

func TestListenAndServeRefusesBeyondMaxLinks(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)
	l, ok := srv.Links.Allocate(nil, link.NoAddress)
	if !ok {
		t.Fatalf("allocate: table unexpectedly full")
	}
	if srv.Links.HasFree() {
		t.Fatalf("table should report full with MaxLinks=1 consumed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := srv.ListenAndServe(ctx, "127.0.0.1:0")
	if err != context.DeadlineExceeded {
		t.Fatalf("ListenAndServe error = %v, want DeadlineExceeded (table stayed full)", err)
	}
	srv.Links.Free(l.Slot)
}

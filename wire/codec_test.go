package wire

import (
	"bytes"
	"testing"

	xdr2 "github.com/rasky/go-xdr/xdr2"
)

func TestRecordMarkingSingleFragment(t *testing.T) {
	payload := []byte("hello vxi-11")
	var out bytes.Buffer
	if err := WriteRecord(&out, payload); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	buf := NewFixedBuffer(64)
	if err := ReadRecord(bytes.NewReader(out.Bytes()), buf); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("got %q, want %q", buf.Bytes(), payload)
	}
}

func TestRecordMarkingMultiFragment(t *testing.T) {
	var wire bytes.Buffer
	frag1 := []byte("abc")
	frag2 := []byte("defg")
	var hdr1 [4]byte
	putU32(hdr1[:], uint32(len(frag1))) // top bit clear: not last
	wire.Write(hdr1[:])
	wire.Write(frag1)
	var hdr2 [4]byte
	putU32(hdr2[:], 0x80000000|uint32(len(frag2)))
	wire.Write(hdr2[:])
	wire.Write(frag2)

	buf := NewFixedBuffer(16)
	if err := ReadRecord(bytes.NewReader(wire.Bytes()), buf); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got := string(buf.Bytes()); got != "abcdefg" {
		t.Fatalf("got %q, want %q", got, "abcdefg")
	}
}

func TestRecordMarkingOverCapacity(t *testing.T) {
	var wire bytes.Buffer
	payload := make([]byte, 32)
	var hdr [4]byte
	putU32(hdr[:], 0x80000000|uint32(len(payload)))
	wire.Write(hdr[:])
	wire.Write(payload)

	buf := NewFixedBuffer(8)
	if err := ReadRecord(bytes.NewReader(wire.Bytes()), buf); err != ErrRecordTooBig {
		t.Fatalf("expected ErrRecordTooBig, got %v", err)
	}
}

func TestDecodeCallRejectsNonCall(t *testing.T) {
	var buf bytes.Buffer
	if err := xdrMarshalAll(&buf, callHeader{
		Xid:     1,
		MsgType: msgTypeReply, // not a CALL
		RPCVers: rpcVersion2,
		Cred:    opaqueAuth{Flavor: authFlavorNull},
		Verf:    opaqueAuth{Flavor: authFlavorNull},
	}); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeCall(buf.Bytes()); err != ErrNotACall {
		t.Fatalf("expected ErrNotACall, got %v", err)
	}
}

func TestCreateLinkArgsRoundTrip(t *testing.T) {
	want := CreateLinkParms{
		ClientID:    42,
		LockDevice:  false,
		LockTimeout: 1000,
		Device:      "inst7",
	}
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, want); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got CreateLinkParms
	if err := DecodeArgs(buf.Bytes(), &got); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDeviceWriteArgsRoundTrip(t *testing.T) {
	want := DeviceWriteParms{
		Link:      0,
		IOTimeout: 5000,
		Flags:     FlagEnd,
		Data:      []byte("*IDN?\r\n"),
	}
	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, want); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got DeviceWriteParms
	if err := DecodeArgs(buf.Bytes(), &got); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if got.Link != want.Link || got.Flags != want.Flags || !bytes.Equal(got.Data, want.Data) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Command vxi-selftest drives services/vxi.Server directly against
// gpib.Fake using a small scripted command language and real
// ONC-RPC/XDR-encoded DEVICE_CORE calls — no TCP socket involved. It is
// the in-repo equivalent of the teacher's bus/cmd/selftest harness,
// retargeted from MCU bring-up checks to the spec's S1-S8 link
// scenarios.
//
// Commands (one per line; blank lines and lines starting with # are
// ignored):
//
//	register <primary> <reply...>   attach a canned responder at primary
//	create <device-name>            CREATE_LINK, prints the assigned link id
//	write <end|cont> <data...>       DEV_WRITE (end sets the END flag)
//	read <request-size>              DEV_READ, prints the bytes received
//	destroy                          DESTROY_LINK, closes the active link
//
// The script is read from stdin, or from a file path given as the sole
// argument.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	xdr2 "github.com/rasky/go-xdr/xdr2"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/gpib"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/config"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/consts"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/wire"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/conv"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/fmtx"
)

// callHeader mirrors wire's unexported ONC-RPC CALL header field order,
// letting this package build real calls without reaching into wire's
// internals (the same technique services/vxi/server_test.go uses).
type callHeader struct {
	Xid       uint32
	MsgType   uint32
	RPCVers   uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      opaqueAuth
	Verf      opaqueAuth
}

type opaqueAuth struct {
	Flavor uint32
	Body   []byte
}

var nextXid uint32 = 1

func encodeCall(proc uint32, args any) []byte {
	nextXid++
	var buf bytes.Buffer
	_, _ = xdr2.Marshal(&buf, callHeader{
		Xid: nextXid, RPCVers: 2, Program: consts.ProgDeviceCore, Version: consts.VersDeviceCore, Procedure: proc,
	})
	if args != nil {
		_, _ = xdr2.Marshal(&buf, args)
	}
	return buf.Bytes()
}

// decodeReply extracts accept_stat and the trailing body from a reply
// wire.EncodeReply produced, using the fixed byte layout established in
// services/vxi/server_test.go: xid,msgtype,status (12) + verf.flavor (4)
// + verf.bodylen (4) + accept_stat (4) + body.
func decodeReply(reply []byte, dst any) (acceptStat uint32, err error) {
	if len(reply) < 24 {
		return 0, fmt.Errorf("short reply: %d bytes", len(reply))
	}
	verfBodyLen := beU32(reply[16:20])
	off := 20 + int(verfBodyLen)
	acceptStat = beU32(reply[off : off+4])
	if dst != nil {
		if _, err := xdr2.Unmarshal(bytes.NewReader(reply[off+4:]), dst); err != nil {
			return acceptStat, err
		}
	}
	return acceptStat, nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func bgCtx() context.Context { return context.Background() }

type session struct {
	srv    *vxi.Server
	links  *link.Table
	fake   *gpib.Fake
	slot   int
	linked bool
}

func main() {
	var in io.Reader = os.Stdin
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	cfg := config.DefaultGatewayConfig()
	fake := gpib.NewFake()
	links := link.NewTable(cfg.MaxLinks)
	b := bus.NewBus(16)
	conn := b.NewConnection("selftest")
	srv := vxi.NewServer(fake, links, conn, cfg)

	var hex [8]byte
	fmtx.Printf("vxi-selftest: DEVICE_CORE program 0x%s version %d, max links %d\n",
		string(conv.U32Hex(hex[:], consts.ProgDeviceCore)), consts.VersDeviceCore, cfg.MaxLinks)

	s := &session{srv: srv, links: links, fake: fake, slot: -1}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		if err := s.run(fields); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", fields[0], err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (s *session) run(fields []string) error {
	switch fields[0] {
	case "register":
		return s.cmdRegister(fields[1:])
	case "create":
		return s.cmdCreate(fields[1:])
	case "write":
		return s.cmdWrite(fields[1:])
	case "read":
		return s.cmdRead(fields[1:])
	case "destroy":
		return s.cmdDestroy()
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func (s *session) cmdRegister(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: register <primary> <reply...>")
	}
	primary, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	reply := strings.Join(args[1:], " ")
	s.fake.Register(primary, &gpib.CannedResponder{Reply: []byte(reply)})
	fmt.Printf("registered responder at primary %d\n", primary)
	return nil
}

func (s *session) cmdCreate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: create <device-name>")
	}
	l, ok := s.links.Allocate(nil, link.NoAddress)
	if !ok {
		return fmt.Errorf("link table full")
	}
	s.slot = l.Slot

	call := encodeCall(consts.ProcCreateLink, wire.CreateLinkParms{Device: args[0]})
	replyBytes, closeAfter := s.srv.Dispatch(bgCtx(), s.slot, call)
	if closeAfter {
		return fmt.Errorf("unexpected connection close on CREATE_LINK")
	}
	var resp wire.CreateLinkResp
	if _, err := decodeReply(replyBytes, &resp); err != nil {
		return err
	}
	if resp.Error != 0 {
		s.links.Free(s.slot)
		return fmt.Errorf("CREATE_LINK error code %d", resp.Error)
	}
	s.linked = true
	fmt.Printf("link created: slot %d -> %s (max_receive_size=%d)\n", s.slot, args[0], resp.MaxReceiveSize)
	return nil
}

func (s *session) cmdWrite(args []string) error {
	if !s.linked {
		return fmt.Errorf("no active link")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: write <end|cont> <data...>")
	}
	isEnd := args[0] == "end"
	data := []byte(strings.Join(args[1:], " "))

	flags := uint32(0)
	if isEnd {
		flags = wire.FlagEnd
	}
	call := encodeCall(consts.ProcDevWrite, wire.DeviceWriteParms{Link: int32(s.slot), IOTimeout: 2000, Flags: flags, Data: data})
	replyBytes, _ := s.srv.Dispatch(bgCtx(), s.slot, call)
	var resp wire.DeviceWriteResp
	if _, err := decodeReply(replyBytes, &resp); err != nil {
		return err
	}
	if resp.Error != 0 {
		return fmt.Errorf("DEV_WRITE error code %d", resp.Error)
	}
	fmt.Printf("wrote %d bytes\n", resp.Size)
	return nil
}

func (s *session) cmdRead(args []string) error {
	if !s.linked {
		return fmt.Errorf("no active link")
	}
	reqSize := 512
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		reqSize = n
	}
	call := encodeCall(consts.ProcDevRead, wire.DeviceReadParms{Link: int32(s.slot), RequestSize: uint32(reqSize), IOTimeout: 2000})
	replyBytes, _ := s.srv.Dispatch(bgCtx(), s.slot, call)
	var resp wire.DeviceReadResp
	if _, err := decodeReply(replyBytes, &resp); err != nil {
		return err
	}
	if resp.Error != 0 {
		return fmt.Errorf("DEV_READ error code %d", resp.Error)
	}
	fmt.Printf("read %q (reason=%d)\n", resp.Data, resp.Reason)
	return nil
}

func (s *session) cmdDestroy() error {
	if !s.linked {
		return fmt.Errorf("no active link")
	}
	call := encodeCall(consts.ProcDestroyLink, wire.DeviceLinkParms{Link: int32(s.slot)})
	replyBytes, closeAfter := s.srv.Dispatch(bgCtx(), s.slot, call)
	if !closeAfter {
		return fmt.Errorf("DESTROY_LINK did not signal close")
	}
	var resp wire.DeviceErrorResp
	if _, err := decodeReply(replyBytes, &resp); err != nil {
		return err
	}
	s.links.Free(s.slot)
	fmt.Printf("link %d destroyed\n", s.slot)
	s.linked = false
	return nil
}

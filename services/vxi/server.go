// Package vxi implements the VXI-11 DEVICE_CORE RPC server: the TCP accept
// loop, per-connection dispatch of CREATE_LINK/DEV_WRITE/DEV_READ/
// DESTROY_LINK, and the config-driven restart/backoff supervisor around
// it. One goroutine runs per accepted connection (spec.md §9's
// "richer OS" concurrency branch, recorded in SPEC_FULL.md §5); the
// arbiter package serialises their access to the shared gpib.Bus.
//
// The restart/backoff wrapper is folded in from the teacher's
// services/bridge/bridge.go (backoffSeq/reconfigure/runLink): a config
// subscription drives the whole server's lifecycle (rebind the listener
// on port change) with the teacher's capped-exponential backoff between
// failed (re)starts. It is not split into its own package — the behaviour
// it wraps was already just the Server's own ListenAndServe call, and the
// teacher's original package existed only because its link was a
// different kind of object (a serial/network bridge) than its bus
// connection.
package vxi

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/arbiter"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/bus"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/errcode"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/gpib"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/link"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/connwatch"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/consts"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/vxierr"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/types"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/wire"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/fmtx"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/mathx"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/strconvx"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/x/timex"
)

// Server dispatches DEVICE_CORE RPCs over accepted TCP connections.
type Server struct {
	Links   *link.Table
	Arb     *arbiter.Arbiter
	Watcher *connwatch.Worker
	Conn    *bus.Connection // nil is valid: diagnostics become no-ops

	cfgMu sync.RWMutex
	cfg   types.GatewayConfig
}

// NewServer wires a gpib.Bus, its link table and an initial config into a
// ready-to-run Server.
func NewServer(b gpib.Bus, links *link.Table, conn *bus.Connection, cfg types.GatewayConfig) *Server {
	return &Server{
		Links:   links,
		Arb:     arbiter.New(b),
		Watcher: connwatch.New(250*time.Millisecond, 64),
		Conn:    conn,
		cfg:     cfg,
	}
}

func (s *Server) config() types.GatewayConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg types.GatewayConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// Run supervises ListenAndServe, rebinding whenever GatewayConfig.VXI11Port
// changes and backing off between failed (re)starts. Grounded on the
// teacher's services/bridge/bridge.go reconnect loop.
func (s *Server) Run(ctx context.Context, conn *bus.Connection) error {
	s.Watcher.Start(ctx)
	go s.watchDisconnects(ctx)
	go s.watchLinkQueries(ctx, conn)

	cfgSub := conn.Subscribe(bus.TopicConfigVXI())
	defer conn.Unsubscribe(cfgSub)

	restart := make(chan struct{}, 1)
	kick := func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-cfgSub.Channel():
				if cfg, ok := msg.Payload.(types.GatewayConfig); ok {
					prev := s.config()
					s.setConfig(cfg)
					if prev.VXI11Port != cfg.VXI11Port {
						kick()
					}
				}
			}
		}
	}()

	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bindAddr := net.JoinHostPort("", itoaPort(s.config().VXI11Port))
		runCtx, cancelRun := context.WithCancel(ctx)
		go func() {
			select {
			case <-restart:
				cancelRun()
			case <-runCtx.Done():
			}
		}()

		err := s.ListenAndServe(runCtx, bindAddr)
		cancelRun()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = 500 * time.Millisecond
			continue
		}

		fmtx.Printf("vxi: server stopped (%v), retrying in %s\n", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func itoaPort(p int) string {
	if p <= 0 {
		p = consts.DefaultVXI11Port
	}
	return strconvx.Itoa(p)
}

// ListenAndServe accepts connections on bindAddr until ctx is cancelled.
// Each accepted connection is checked against link.Table.HasFree(), per
// original_source's have_free_connections(); with the table full the
// connection is closed at once, without an RPC reply and without a slot.
func (s *Server) ListenAndServe(ctx context.Context, bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if !s.Links.HasFree() {
			_ = conn.Close()
			continue
		}
		l, ok := s.Links.Allocate(conn, link.NoAddress)
		if !ok {
			_ = conn.Close()
			continue
		}
		wrapped := s.Watcher.Wrap(l.Slot, conn)
		go s.handleConn(ctx, l.Slot, wrapped)
	}
}

// watchLinkQueries answers vxi/query/link request-reply diagnostics,
// letting an operator tool (e.g. cmd/vxi-selftest or an external console)
// inspect a link table slot without attaching a VXI-11 client. Grounded
// on the teacher's services/hal/internal/core reply() pattern: errors go
// back as types.ErrorReply carrying an errcode.Code string, success as a
// typed payload.
func (s *Server) watchLinkQueries(ctx context.Context, conn *bus.Connection) {
	sub := conn.Subscribe(bus.TopicVXIQueryLink())
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Channel():
			if !msg.CanReply() {
				continue
			}
			q, ok := msg.Payload.(types.LinkQuery)
			if !ok {
				conn.Reply(msg, types.ErrorReply{Error: string(errcode.InvalidPayload)}, false)
				continue
			}
			l := s.Links.Get(q.Slot)
			if l == nil {
				conn.Reply(msg, types.ErrorReply{Error: string(errcode.InvalidLinkIdentifier)}, false)
				continue
			}
			conn.Reply(msg, types.LinkInfo{
				OK:          true,
				Slot:        l.Slot,
				GpibAddress: l.GpibAddress,
				CreatedAtMs: l.CreatedAt.UnixMilli(),
			}, false)
		}
	}
}

// watchDisconnects republishes the connwatch debounced stream as
// types.LinkEvent diagnostics; it does not itself free slots.
func (s *Server) watchDisconnects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Watcher.Events():
			s.publishLinkEvent(ev.Slot, types.LinkEventDestroyed, "disconnect")
		}
	}
}

func (s *Server) publishLinkEvent(slot int, kind types.LinkEventKind, reason string) {
	if s.Conn == nil {
		return
	}
	l := s.Links.Get(slot)
	addr := link.NoAddress
	if l != nil {
		addr = l.GpibAddress
	}
	s.Conn.Publish(s.Conn.NewMessage(bus.TopicVXILink(slot), types.LinkEvent{
		Kind:        kind,
		Slot:        slot,
		GpibAddress: addr,
		Reason:      reason,
		TS:          timex.NowMs(),
	}, false))
}

// handleConn owns one accepted connection for its entire lifetime: decode
// record-marked calls, dispatch, reply, until DESTROY_LINK or a read
// error, then unconditionally tear the slot down.
func (s *Server) handleConn(ctx context.Context, slot int, conn net.Conn) {
	s.publishLinkEvent(slot, types.LinkEventCreated, "")
	defer func() {
		s.Arb.CancelLink(context.Background(), s.Links, slot)
		s.Links.Free(slot)
		_ = conn.Close()
		s.publishLinkEvent(slot, types.LinkEventDestroyed, "closed")
	}()

	buf := wire.NewFixedBuffer(65536)
	for {
		if err := wire.ReadRecord(conn, buf); err != nil {
			if err != io.EOF {
				fmtx.Printf("vxi: slot %d read error: %v\n", slot, err)
			}
			return
		}
		reply, closeAfter := s.dispatch(ctx, slot, buf.Bytes())
		if reply != nil {
			if err := wire.WriteRecord(conn, reply); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// Dispatch exposes dispatch to callers outside the package that already
// hold a wire-encoded call (e.g. cmd/vxi-selftest driving the server
// without a real TCP socket).
func (s *Server) Dispatch(ctx context.Context, slot int, data []byte) (reply []byte, closeAfter bool) {
	return s.dispatch(ctx, slot, data)
}

// dispatch decodes one RPC call, routes it, and returns the encoded reply
// (nil if the call was malformed enough that no reply is owed) plus
// whether the connection should close afterward (DESTROY_LINK).
func (s *Server) dispatch(ctx context.Context, slot int, data []byte) (reply []byte, closeAfter bool) {
	call, err := wire.DecodeCall(data)
	if err != nil {
		return nil, false
	}

	if call.Program != consts.ProgDeviceCore {
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptProgUnavail, nil)
		return r, false
	}
	if call.Version != consts.VersDeviceCore {
		r, _ := wire.EncodeProgMismatch(call.Xid, consts.VersDeviceCore, consts.VersDeviceCore)
		return r, false
	}

	switch call.Procedure {
	case consts.ProcCreateLink:
		return s.handleCreateLink(call, slot), false
	case consts.ProcDevWrite:
		return s.handleDevWrite(ctx, call, slot), false
	case consts.ProcDevRead:
		return s.handleDevRead(ctx, call, slot), false
	case consts.ProcDestroyLink:
		r := s.handleDestroyLink(call, slot)
		return r, true
	default:
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptProcUnavail, nil)
		return r, false
	}
}

func (s *Server) handleCreateLink(call *wire.Call, slot int) []byte {
	var args wire.CreateLinkParms
	if err := wire.DecodeArgs(call.Body, &args); err != nil {
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptGarbageArgs, nil)
		return r
	}

	if args.LockDevice {
		return mustEncodeErrorReply(call.Xid, vxierr.ErrOutOfResources, wire.CreateLinkResp{})
	}

	primary, err := parseDeviceName(args.Device)
	if err != nil {
		return mustEncodeErrorReply(call.Xid, err, wire.CreateLinkResp{})
	}

	s.Links.SetGpibAddress(slot, primary)

	r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.CreateLinkResp{
		Error:          vxierr.WireNoError,
		LinkID:         int32(slot),
		AbortPort:      0,
		MaxReceiveSize: uint32(s.config().MaxWriteRequestDataSize),
	})
	return r
}

func (s *Server) handleDevWrite(ctx context.Context, call *wire.Call, slot int) []byte {
	var args wire.DeviceWriteParms
	if err := wire.DecodeArgs(call.Body, &args); err != nil {
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptGarbageArgs, nil)
		return r
	}

	l := s.Links.Get(slot)
	if l == nil || int(args.Link) != slot {
		return mustEncodeErrorReply(call.Xid, vxierr.ErrInvalidLink, wire.DeviceWriteResp{})
	}

	limit := s.config().MaxWriteRequestDataSize
	origLen := len(args.Data)
	data := args.Data
	if len(data) > limit {
		data = data[:limit]
	}
	isEnd := args.Flags&wire.FlagEnd != 0
	if isEnd {
		data = rtrimSpace(data)
	}

	if l.GpibAddress == consts.GatewayAddress {
		// The gateway's own loopback identity accepts and discards writes
		// (it has nothing to configure); only DEV_READ produces a reply.
		size := mathx.Clamp(origLen, 0, limit)
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceWriteResp{Error: vxierr.WireNoError, Size: uint32(size)})
		return r
	}

	ioCtx, cancel := timeoutContext(ctx, args.IOTimeout, s.config().IOTimeoutCapMillis)
	defer cancel()

	sent, err := s.Arb.Write(ioCtx, s.Links, s.Conn, slot, l.GpibAddress, data, isEnd)
	if err != nil {
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceWriteResp{
			Error: vxierr.ToWireCode(classifyBusErr(err)),
			Size:  uint32(sent),
		})
		return r
	}

	size := mathx.Clamp(origLen, 0, limit)
	r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceWriteResp{Error: vxierr.WireNoError, Size: uint32(size)})
	return r
}

func (s *Server) handleDevRead(ctx context.Context, call *wire.Call, slot int) []byte {
	var args wire.DeviceReadParms
	if err := wire.DecodeArgs(call.Body, &args); err != nil {
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptGarbageArgs, nil)
		return r
	}

	l := s.Links.Get(slot)
	if l == nil || int(args.Link) != slot {
		return mustEncodeErrorReply(call.Xid, vxierr.ErrInvalidLink, wire.DeviceReadResp{})
	}

	maxResp := s.config().MaxReadResponseDataSize
	reqSize := int(args.RequestSize)
	if reqSize == 0 || reqSize > maxResp {
		reqSize = maxResp
	}

	if l.GpibAddress == consts.GatewayAddress {
		ident := []byte(s.config().DeviceIdentification)
		if len(ident) > reqSize {
			ident = ident[:reqSize]
		}
		r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceReadResp{
			Error:  vxierr.WireNoError,
			Reason: consts.ReasonEnd,
			Data:   ident,
		})
		return r
	}

	ioCtx, cancel := timeoutContext(ctx, args.IOTimeout, s.config().IOTimeoutCapMillis)
	defer cancel()

	detectEndByte := args.Flags&wire.FlagTermChar != 0
	sink := gpib.NewFixedSink(make([]byte, reqSize))
	stopReason, err := s.Arb.Read(ioCtx, s.Conn, slot, l.GpibAddress, sink, true, detectEndByte, byte(args.TermChar), reqSize)

	reason, wireErr := wireReadOutcome(stopReason, err)
	r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceReadResp{
		Error:  wireErr,
		Reason: reason,
		Data:   sink.Bytes(),
	})
	return r
}

func (s *Server) handleDestroyLink(call *wire.Call, slot int) []byte {
	var args wire.DeviceLinkParms
	_ = wire.DecodeArgs(call.Body, &args)
	r, _ := wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.DeviceErrorResp{Error: vxierr.WireNoError})
	return r
}

// wireReadOutcome maps a gpib.StopReason + transport error to DEV_READ's
// reason/error fields per spec.md §4.4's table.
func wireReadOutcome(stop gpib.StopReason, err error) (reason uint32, wireErr uint32) {
	switch stop {
	case gpib.StopEOI, gpib.StopEndLine, gpib.StopEndChar:
		return consts.ReasonEnd, vxierr.WireNoError
	case gpib.StopLimit:
		return 0, vxierr.WireNoError
	case gpib.StopTimeout:
		return consts.ReasonEnd, vxierr.WireIOTimeout
	default:
		if err != nil {
			return 0, vxierr.ToWireCode(classifyBusErr(err))
		}
		return 0, vxierr.WireIOError
	}
}

func classifyBusErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return vxierr.ErrIOTimeout
	}
	return vxierr.ErrIO
}

func mustEncodeErrorReply(xid uint32, err error, body any) []byte {
	switch b := body.(type) {
	case wire.CreateLinkResp:
		b.Error = vxierr.ToWireCode(err)
		r, _ := wire.EncodeReply(xid, wire.AcceptSuccess, b)
		return r
	case wire.DeviceWriteResp:
		b.Error = vxierr.ToWireCode(err)
		r, _ := wire.EncodeReply(xid, wire.AcceptSuccess, b)
		return r
	case wire.DeviceReadResp:
		b.Error = vxierr.ToWireCode(err)
		r, _ := wire.EncodeReply(xid, wire.AcceptSuccess, b)
		return r
	default:
		r, _ := wire.EncodeReply(xid, wire.AcceptSystemErr, nil)
		return r
	}
}

// timeoutContext derives a context bounded by the client-requested
// io_timeout (milliseconds), capped at the configured ceiling.
func timeoutContext(parent context.Context, ioTimeoutMs uint32, capMs int) (context.Context, context.CancelFunc) {
	ms := int(ioTimeoutMs)
	if capMs > 0 && (ms == 0 || ms > capMs) {
		ms = capMs
	}
	if ms <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(ms)*time.Millisecond)
}

func rtrimSpace(data []byte) []byte {
	end := len(data)
	for end > 0 && isTrimmable(data[end-1]) {
		end--
	}
	return data[:end]
}

func isTrimmable(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

// Package portmap implements the minimal RPCBIND/Portmapper responder
// (program 100000, version 2) the spec requires on UDP and TCP port 111:
// just enough GETPORT support for a VXI-11 client to discover the
// DEVICE_CORE port, per spec.md §4.2. NULL is answered for liveness
// probes; every other procedure is PROC_UNAVAIL.
package portmap

import (
	"context"
	"log"
	"net"

	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/services/vxi/internal/consts"
	"github.com/greyltc/PoE-Ethernet-GPIB-Adapter/wire"
)

const procNull uint32 = 0

// Server answers GETPORT for one fixed (program, version) pair -> port
// mapping; the gateway only ever advertises DEVICE_CORE v1.
type Server struct {
	CorePort uint32

	udp *net.UDPConn
	tcp *net.TCPListener
}

// ListenAndServe binds UDP and TCP on bindAddr (port 111 in the gateway) and serves until ctx is
// cancelled. Both transports are served concurrently; ListenAndServe
// blocks until both have stopped.
func (s *Server) ListenAndServe(ctx context.Context, bindAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return err
	}
	s.udp, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return err
	}
	s.tcp, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		_ = s.udp.Close()
		return err
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = s.udp.Close()
		_ = s.tcp.Close()
		close(done)
	}()

	go s.serveUDP()
	s.serveTCP()
	<-done
	return nil
}

func (s *Server) serveUDP() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply, ok := s.handle(buf[:n])
		if !ok {
			continue
		}
		_, _ = s.udp.WriteToUDP(reply, addr)
	}
}

func (s *Server) serveTCP() {
	for {
		conn, err := s.tcp.AcceptTCP()
		if err != nil {
			return
		}
		go s.serveTCPConn(conn)
	}
}

// serveTCPConn answers exactly one record-marked request then closes;
// portmapper clients never keep the TCP connection open across calls.
func (s *Server) serveTCPConn(conn *net.TCPConn) {
	defer conn.Close()
	buf := wire.NewFixedBuffer(1500)
	if err := wire.ReadRecord(conn, buf); err != nil {
		return
	}
	reply, ok := s.handle(buf.Bytes())
	if !ok {
		return
	}
	if err := wire.WriteRecord(conn, reply); err != nil {
		log.Printf("portmap: write reply: %v", err)
	}
}

// handle decodes one ONC-RPC call and returns its reply bytes, or ok=false
// if the datagram/record was malformed enough that no reply is owed
// (Transport-class error, per spec.md §7).
func (s *Server) handle(data []byte) (reply []byte, ok bool) {
	call, err := wire.DecodeCall(data)
	if err != nil {
		return nil, false
	}
	if call.Program != consts.ProgPortmap {
		reply, err = wire.EncodeReply(call.Xid, wire.AcceptProgUnavail, nil)
		return replyOrNil(reply, err)
	}
	if call.Version != consts.VersPortmap {
		reply, err = wire.EncodeProgMismatch(call.Xid, consts.VersPortmap, consts.VersPortmap)
		return replyOrNil(reply, err)
	}

	switch call.Procedure {
	case procNull:
		reply, err = wire.EncodeReply(call.Xid, wire.AcceptSuccess, nil)
	case consts.ProcGetport:
		var args wire.GetportArgs
		if err = wire.DecodeArgs(call.Body, &args); err != nil {
			reply, err = wire.EncodeReply(call.Xid, wire.AcceptGarbageArgs, nil)
			break
		}
		port := uint32(0)
		if args.Program == consts.ProgDeviceCore && args.Version == consts.VersDeviceCore {
			port = s.CorePort
		}
		reply, err = wire.EncodeReply(call.Xid, wire.AcceptSuccess, wire.GetportResult{Port: port})
	default:
		reply, err = wire.EncodeReply(call.Xid, wire.AcceptProcUnavail, nil)
	}
	return replyOrNil(reply, err)
}

func replyOrNil(reply []byte, err error) ([]byte, bool) {
	if err != nil {
		return nil, false
	}
	return reply, true
}

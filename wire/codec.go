package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	xdr2 "github.com/rasky/go-xdr/xdr2"
)

// -----------------------------------------------------------------------------
// ONC-RPC constants (RFC 1831)
// -----------------------------------------------------------------------------

const (
	msgTypeCall  uint32 = 0
	msgTypeReply uint32 = 1

	replyAccepted uint32 = 0
	replyDenied   uint32 = 1

	acceptSuccess      uint32 = 0
	acceptProgUnavail  uint32 = 1
	acceptProgMismatch uint32 = 2
	acceptProcUnavail  uint32 = 3
	acceptGarbageArgs  uint32 = 4
	acceptSystemErr    uint32 = 5

	rejectRPCMismatch uint32 = 0
	rejectAuthError   uint32 = 1

	authFlavorNull uint32 = 0
	rpcVersion2    uint32 = 2
)

// AcceptStat mirrors the ONC-RPC ACCEPTED-REPLY accept_stat enum, exported
// so services/vxi can report PROC_UNAVAIL/PROG_UNAVAIL/PROG_MISMATCH
// without duplicating the RFC 1831 constants.
type AcceptStat uint32

const (
	AcceptSuccess      AcceptStat = AcceptStat(acceptSuccess)
	AcceptProgUnavail  AcceptStat = AcceptStat(acceptProgUnavail)
	AcceptProgMismatch AcceptStat = AcceptStat(acceptProgMismatch)
	AcceptProcUnavail  AcceptStat = AcceptStat(acceptProcUnavail)
	AcceptGarbageArgs  AcceptStat = AcceptStat(acceptGarbageArgs)
	AcceptSystemErr    AcceptStat = AcceptStat(acceptSystemErr)
)

var (
	ErrShortRecord  = errors.New("wire: record marking header truncated")
	ErrRecordTooBig = errors.New("wire: record exceeds buffer capacity")
	ErrNotACall     = errors.New("wire: message is not an RPC CALL")
	ErrBadRPCVers   = errors.New("wire: unsupported RPC version")
)

// -----------------------------------------------------------------------------
// TCP record-marking framing (spec.md §4.1)
// -----------------------------------------------------------------------------

// ReadRecord reads one complete (possibly multi-fragment) record-marked
// RPC message from r into buf, returning the filled prefix. The server
// only ever emits single-fragment messages (see WriteRecord) but accepts
// multi-fragment input up to len(buf); exceeding that capacity is
// ErrRecordTooBig, which the caller treats as a Transport error (close the
// connection, no reply) per spec.md §7.
func ReadRecord(r io.Reader, buf *FixedBuffer) error {
	buf.Reset()
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		word := binary.BigEndian.Uint32(hdr[:])
		last := word&0x80000000 != 0
		length := int(word &^ 0x80000000)

		if length > 0 {
			if buf.Cap()-buf.Len() < length {
				// Drain the oversize fragment so the connection state is
				// at least consistent before the caller closes it.
				_, _ = io.CopyN(io.Discard, r, int64(length))
				return ErrRecordTooBig
			}
			dst := buf.Slice()[:length]
			if _, err := io.ReadFull(r, dst); err != nil {
				return err
			}
			buf.Grow(length)
		}
		if last {
			return nil
		}
	}
}

// WriteRecord writes payload as a single-fragment record-marked message.
func WriteRecord(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0x80000000|uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// -----------------------------------------------------------------------------
// RPC call header
// -----------------------------------------------------------------------------

// opaqueAuth mirrors the ONC-RPC opaque_auth structure: a flavour tag plus
// a variable-length (here, ignored) body. AUTH_NULL is the only flavour
// the gateway ever honours; anything else decodes without error (its body
// is still consumed, so the stream stays aligned) but the credential
// content itself is never inspected.
type opaqueAuth struct {
	Flavor uint32
	Body   []byte
}

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

// Call is a decoded ONC-RPC CALL: the header fields the dispatcher needs
// to route, plus the still-XDR-encoded procedure body.
type Call struct {
	Xid       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Body      []byte
}

// DecodeCall expects record framing to have been stripped already (by
// ReadRecord, or absent in a raw UDP datagram) and parses the CALL header, exposing
// the procedure-specific body as a length-bounded slice for a second,
// procedure-specific Unmarshal.
func DecodeCall(data []byte) (*Call, error) {
	r := bytes.NewReader(data)
	var hdr callHeader
	if _, err := xdr2.Unmarshal(r, &hdr); err != nil {
		return nil, err
	}
	if hdr.MsgType != msgTypeCall {
		return nil, ErrNotACall
	}
	if hdr.RPCVers != rpcVersion2 {
		return nil, ErrBadRPCVers
	}
	body := make([]byte, r.Len())
	_, _ = io.ReadFull(r, body)
	return &Call{
		Xid:       hdr.Xid,
		Program:   hdr.Program,
		Version:   hdr.Version,
		Procedure: hdr.Procedure,
		Body:      body,
	}, nil
}

// DecodeArgs unmarshals a call's body into a procedure-specific argument
// struct using the same XDR codec as the header.
func DecodeArgs(body []byte, dst any) error {
	_, err := xdr2.Unmarshal(bytes.NewReader(body), dst)
	return err
}

// -----------------------------------------------------------------------------
// Replies
// -----------------------------------------------------------------------------

type replyHeader struct {
	Xid     uint32
	MsgType uint32
	Status  uint32
}

type acceptedHeader struct {
	Verf       opaqueAuth
	AcceptStat uint32
}

type mismatchInfo struct {
	Low  uint32
	High uint32
}

// EncodeReply produces an ACCEPTED-REPLY with verifier AUTH_NULL, the
// given accept_stat, and (for AcceptSuccess) the XDR-marshalled body
// appended. Handles TCP record marking via the returned bytes being
// passed to WriteRecord by the caller (UDP callers write them directly as
// one datagram).
func EncodeReply(xid uint32, stat AcceptStat, body any) ([]byte, error) {
	var buf bytes.Buffer
	if err := xdrMarshalAll(&buf,
		replyHeader{Xid: xid, MsgType: msgTypeReply, Status: replyAccepted},
		acceptedHeader{Verf: opaqueAuth{Flavor: authFlavorNull}, AcceptStat: uint32(stat)},
	); err != nil {
		return nil, err
	}
	if stat == AcceptSuccess && body != nil {
		if _, err := xdr2.Marshal(&buf, body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// EncodeProgMismatch produces an ACCEPTED-REPLY with PROG_MISMATCH and the
// {low, high} supported-version range.
func EncodeProgMismatch(xid uint32, low, high uint32) ([]byte, error) {
	var buf bytes.Buffer
	if err := xdrMarshalAll(&buf,
		replyHeader{Xid: xid, MsgType: msgTypeReply, Status: replyAccepted},
		acceptedHeader{Verf: opaqueAuth{Flavor: authFlavorNull}, AcceptStat: acceptProgMismatch},
		mismatchInfo{Low: low, High: high},
	); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRejectRPCMismatch produces a REJECTED-REPLY for an RPC version the
// server does not speak (not used for VXI-11 version mismatch, which is a
// PROG_MISMATCH per spec.md §4.4 — kept for completeness of the codec's
// RFC 1831 surface).
func EncodeRejectRPCMismatch(xid uint32, low, high uint32) ([]byte, error) {
	var buf bytes.Buffer
	if err := xdrMarshalAll(&buf,
		replyHeader{Xid: xid, MsgType: msgTypeReply, Status: replyDenied},
		uint32(rejectRPCMismatch),
		mismatchInfo{Low: low, High: high},
	); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xdrMarshalAll(w io.Writer, vs ...any) error {
	for _, v := range vs {
		if _, err := xdr2.Marshal(w, v); err != nil {
			return err
		}
	}
	return nil
}

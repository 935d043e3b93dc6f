// Package wire defines the fixed-layout records exchanged between the
// daemon's processes and the on-the-wire WireGuard message formats.
//
// Every cross-process datagram is a one-byte kind code followed by a
// fixed struct for that kind (spec §4.1). Framing relies on SOCK_DGRAM:
// one Write is one message, so a short read is always a protocol
// violation rather than a partial message.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind identifies the payload that follows on an internal control channel.
type Kind byte

const (
	KindSInit Kind = iota + 1
	KindSIfn
	KindSPeer
	KindSCidrAddr
	KindSEOS

	// KindWGInit/.../KindWGData carry a raw WireGuard UDP message plus an
	// envelope (ifnid/peerid, and for proxy-originated traffic, the
	// observed 5-tuple).
	KindWGInit
	KindWGResp
	KindWGCook
	KindWGData

	KindReqWGInit
	KindSessKeys
	KindConnReq
)

func (k Kind) String() string {
	switch k {
	case KindSInit:
		return "SINIT"
	case KindSIfn:
		return "SIFN"
	case KindSPeer:
		return "SPEER"
	case KindSCidrAddr:
		return "SCIDRADDR"
	case KindSEOS:
		return "SEOS"
	case KindWGInit:
		return "MSGWGINIT"
	case KindWGResp:
		return "MSGWGRESP"
	case KindWGCook:
		return "MSGWGCOOK"
	case KindWGData:
		return "MSGWGDATA"
	case KindReqWGInit:
		return "MSGREQWGINIT"
	case KindSessKeys:
		return "MSGSESSKEYS"
	case KindConnReq:
		return "MSGCONNREQ"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// ProtocolError marks a malformed message on a trusted inter-process
// channel. This is always fatal: it indicates an internal protocol
// violation, not untrusted input.
type ProtocolError struct {
	Kind Kind
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: protocol violation on %s: %s", e.Kind, e.Msg)
}

// Marshal encodes a fixed-layout struct into its wire bytes.
func Marshal(v any) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		// Only possible if v contains a type binary.Write can't encode,
		// which is a programming error, not a runtime condition.
		panic(fmt.Sprintf("wire: marshal: %v", err))
	}
	return buf.Bytes()
}

// Unmarshal decodes wire bytes into a fixed-layout struct. A length
// mismatch is reported rather than silently truncating or panicking.
func Unmarshal(kind Kind, b []byte, v any) error {
	want := binary.Size(v)
	if want < 0 {
		panic("wire: unmarshal: type has no fixed size")
	}
	if len(b) != want {
		return &ProtocolError{Kind: kind, Msg: fmt.Sprintf("expected %d bytes, got %d", want, len(b))}
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

package wire

import (
	"encoding/binary"
	"fmt"
)

// FiveTuple identifies a UDP flow. Addr holds an IPv4 address in its
// first 4 bytes or a full IPv6 address; Family says which.
type FiveTuple struct {
	LocalAddr   [16]byte
	LocalPort   uint16
	RemoteAddr  [16]byte
	RemotePort  uint16
	Family      uint8
	_           [3]byte
}

// ReqWgInit is MSGREQWGINIT: IFN → enclave, "please start a handshake
// with this peer."
type ReqWgInit struct {
	IfnID  uint16
	PeerID uint16
}

// SessKeys is MSGSESSKEYS: enclave → IFN, freshly derived transport
// session keys. The enclave zeroizes its copies immediately after this
// message is written.
type SessKeys struct {
	IfnID          uint16
	PeerID         uint16
	LocalSessionID uint32
	PeerSessionID  uint32
	SendKey        [32]byte
	RecvKey        [32]byte
	Responder      uint8
	_              [3]byte
}

// ConnReq is MSGCONNREQ: enclave → proxy (relayed to the owning IFN),
// "pin this flow to a connected socket."
type ConnReq struct {
	IfnID  uint16
	PeerID uint16
	Tuple  FiveTuple
}

// wgEnvelopeHeader prefixes a relayed raw WireGuard UDP message with the
// ifnid/peerid routing info and, when the message arrived on an
// unconnected proxy listener, the observed 5-tuple.
type wgEnvelopeHeader struct {
	IfnID    uint16
	PeerID   uint16 // 0xFFFF if not yet resolved
	HasTuple uint8
	_        [3]byte
	Tuple    FiveTuple
	Length   uint16
	_        [2]byte
}

const UnknownPeerID uint16 = 0xFFFF

// EncodeWGMessage packs an envelope plus a raw WireGuard message into one
// datagram payload (the Kind byte is prefixed separately by Conn).
func EncodeWGMessage(ifnID, peerID uint16, tuple *FiveTuple, raw []byte) []byte {
	hdr := wgEnvelopeHeader{IfnID: ifnID, PeerID: peerID, Length: uint16(len(raw))}
	if tuple != nil {
		hdr.HasTuple = 1
		hdr.Tuple = *tuple
	}
	out := append(Marshal(hdr), raw...)
	return out
}

// DecodeWGMessage is the inverse of EncodeWGMessage.
func DecodeWGMessage(kind Kind, b []byte) (ifnID, peerID uint16, tuple *FiveTuple, raw []byte, err error) {
	hdrSize := binary.Size(wgEnvelopeHeader{})
	if len(b) < hdrSize {
		return 0, 0, nil, nil, &ProtocolError{Kind: kind, Msg: fmt.Sprintf("envelope shorter than header (%d < %d)", len(b), hdrSize)}
	}
	var hdr wgEnvelopeHeader
	if err := Unmarshal(kind, b[:hdrSize], &hdr); err != nil {
		return 0, 0, nil, nil, err
	}
	rest := b[hdrSize:]
	if int(hdr.Length) != len(rest) {
		return 0, 0, nil, nil, &ProtocolError{Kind: kind, Msg: fmt.Sprintf("length field %d does not match payload %d", hdr.Length, len(rest))}
	}
	if hdr.HasTuple == 1 {
		t := hdr.Tuple
		tuple = &t
	}
	return hdr.IfnID, hdr.PeerID, tuple, rest, nil
}

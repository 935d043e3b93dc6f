package ifn

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"

	"uwg/internal/ifn/allowedips"
	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// readBufSize bounds one read off the tun device or a pinned flow
// socket; comfortably above a 1500-byte Ethernet MTU tunnel payload.
const readBufSize = 2048

// Interface is the interface-worker process's entire state for one
// tunnel: its tun device, its peers' session sets and queues, and the
// allowed-IPs routing table.
type Interface struct {
	id    uint16
	tun   *TunDevice
	trie  *allowedips.Trie
	peers map[uint16]*peer

	enclaveConn *wire.Conn
	proxyConn   *wire.Conn

	// onEndpointPinned, if set, is called whenever a peer's flow socket
	// is (re)pinned by handleConnReq. The caller owns the process's
	// event loop and has no other way to learn that a new fd needs
	// watching for readability — the interface itself never touches an
	// event loop.
	onEndpointPinned func(peerID uint16, conn net.Conn)
}

func NewInterface(id uint16, tun *TunDevice, trie *allowedips.Trie, enclaveConn, proxyConn *wire.Conn) *Interface {
	return &Interface{
		id:          id,
		tun:         tun,
		trie:        trie,
		peers:       make(map[uint16]*peer),
		enclaveConn: enclaveConn,
		proxyConn:   proxyConn,
	}
}

// OnEndpointPinned registers fn to be called each time a peer's flow
// socket is established or replaced, so the caller can register (or
// re-register) the new fd with its event loop.
func (i *Interface) OnEndpointPinned(fn func(peerID uint16, conn net.Conn)) {
	i.onEndpointPinned = fn
}

// HandleEndpointReadableByID is HandleEndpointReadable for callers that
// only know a peer by ID (the event loop's registered handler), not by
// the unexported *peer value.
func (i *Interface) HandleEndpointReadableByID(peerID uint16) error {
	p, ok := i.PeerByID(peerID)
	if !ok {
		return fmt.Errorf("ifn: endpoint readable for unknown peer %d", peerID)
	}
	return i.HandleEndpointReadable(p)
}

func (i *Interface) AddPeer(id uint16) *peer {
	p := newPeer(id)
	i.peers[id] = p
	return p
}

func (i *Interface) PeerByID(id uint16) (*peer, bool) {
	p, ok := i.peers[id]
	return p, ok
}

// HandleSessKeys installs a freshly derived session (MSGSESSKEYS from
// the enclave) as "next" for its peer.
func (i *Interface) HandleSessKeys(msg wire.SessKeys) error {
	p, ok := i.PeerByID(msg.PeerID)
	if !ok {
		return fmt.Errorf("ifn: sesskeys for unknown peer %d", msg.PeerID)
	}
	p.sessions.InstallNext(msg.LocalSessionID, msg.PeerSessionID, msg.SendKey, msg.RecvKey)
	return nil
}

// HandleEnclaveMessage reads and dispatches one message from the
// enclave control channel: freshly derived session keys for a peer
// (MSGSESSKEYS), a self-initiated MSGWGINIT the enclave built in
// response to this IFN's own MSGREQWGINIT, or a MSGWGRESP the enclave
// built answering a MSGWGINIT this IFN forwarded off one of its own
// pinned sockets. Both handshake messages go out over the peer's
// pinned flow socket exactly like a transport packet would.
func (i *Interface) HandleEnclaveMessage() error {
	kind, payload, err := i.enclaveConn.Recv()
	if err != nil {
		return fmt.Errorf("ifn: recv from enclave: %w", err)
	}
	switch kind {
	case wire.KindSessKeys:
		var msg wire.SessKeys
		if err := wire.Unmarshal(kind, payload, &msg); err != nil {
			return err
		}
		return i.HandleSessKeys(msg)
	case wire.KindWGInit, wire.KindWGResp:
		return i.handleOutboundHandshake(kind, payload)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from enclave"}
	}
}

// handleOutboundHandshake writes a raw handshake message the enclave
// built for this IFN out over the target peer's pinned flow socket —
// either a MSGWGINIT this IFN asked for via MSGREQWGINIT, or a
// MSGWGRESP answering a MSGWGINIT this IFN itself forwarded in. If no
// socket is pinned yet (the MSGCONNREQ that should establish one may
// still be in flight), the message is dropped — the enclave carries no
// retransmission timer of its own, but the IFN's rekey policy will ask
// again.
func (i *Interface) handleOutboundHandshake(kind wire.Kind, payload []byte) error {
	_, peerID, _, raw, err := wire.DecodeWGMessage(kind, payload)
	if err != nil {
		return err
	}
	p, ok := i.PeerByID(peerID)
	if !ok {
		return fmt.Errorf("ifn: outbound handshake for unknown peer %d", peerID)
	}
	if p.endpoint == nil {
		return nil
	}
	if _, err := p.endpoint.Write(raw); err != nil {
		log.Printf("ifn %d: write handshake to peer %d failed: %v", i.id, peerID, err)
	}
	return nil
}

// HandleProxyMessage reads and dispatches one message from the proxy
// control channel: either a flow-socket handoff (MSGCONNREQ, carrying
// an fd) or a forwarded cookie reply (MSGWGCOOK).
func (i *Interface) HandleProxyMessage() error {
	kind, payload, fd, err := i.proxyConn.RecvFD()
	if err != nil {
		return fmt.Errorf("ifn: recv from proxy: %w", err)
	}
	switch kind {
	case wire.KindConnReq:
		return i.handleConnReq(payload, fd)
	case wire.KindWGCook:
		return i.handleWGCook(payload)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from proxy"}
	}
}

func (i *Interface) handleConnReq(payload []byte, fd uintptr) error {
	var req wire.ConnReq
	if err := wire.Unmarshal(wire.KindConnReq, payload, &req); err != nil {
		return err
	}
	p, ok := i.PeerByID(req.PeerID)
	if !ok {
		return fmt.Errorf("ifn: connreq for unknown peer %d", req.PeerID)
	}
	f := os.NewFile(fd, "flow-socket")
	conn, err := net.FileConn(f)
	_ = f.Close() // FileConn dups; close our copy once wrapped
	if err != nil {
		return fmt.Errorf("ifn: wrap flow socket: %w", err)
	}
	if p.endpoint != nil {
		_ = p.endpoint.Close()
	}
	p.endpoint = conn
	if i.onEndpointPinned != nil {
		i.onEndpointPinned(p.id, conn)
	}
	// A session may already be queued waiting for exactly this socket.
	i.flushQueue(p)
	return nil
}

// handleWGCook records that a cookie reply arrived for bookkeeping.
// Decrypting it requires the MAC1 of the handshake message it answers,
// which only the enclave (the process that actually built and sent
// that message) has in hand; full cookie-driven MAC2 application on
// the next handshake attempt is therefore not wired end-to-end here —
// see DESIGN.md.
func (i *Interface) handleWGCook(payload []byte) error {
	_, peerID, _, raw, err := wire.DecodeWGMessage(wire.KindWGCook, payload)
	if err != nil {
		return err
	}
	if peerID != wire.UnknownPeerID {
		if _, ok := i.PeerByID(peerID); !ok {
			return fmt.Errorf("ifn: cookie reply for unknown peer %d", peerID)
		}
	}
	log.Printf("ifn %d: received cookie reply (%d bytes), bookkeeping only", i.id, len(raw))
	return nil
}

// HandleTunReadable reads one plaintext packet off the tun device,
// routes it by destination address, and either encrypts+sends it or
// queues it pending a session.
func (i *Interface) HandleTunReadable() error {
	buf := make([]byte, readBufSize)
	n, err := i.tun.Read(buf)
	if err != nil {
		return fmt.Errorf("ifn: tun read: %w", err)
	}
	pkt := buf[:n]

	family, addr, err := destAddr(pkt)
	if err != nil {
		return nil // malformed packet from our own tun: drop, not fatal
	}
	peerID, ok := i.trie.Lookup(family, addr)
	if !ok {
		return nil // no route: drop
	}
	p, ok := i.PeerByID(peerID)
	if !ok {
		return nil
	}
	i.sendOrQueue(p, pkt)
	return nil
}

func (i *Interface) sendOrQueue(p *peer, pkt []byte) {
	sess := p.sessions.current
	promote := false
	if !sess.valid {
		if p.sessions.next.valid {
			sess = p.sessions.next
			promote = true
		} else {
			p.queue.Push(pkt)
			i.maybeRequestRekey(p)
			return
		}
	}

	ct, err := wgcrypto.SealWithCounter(sess.sendKey, sess.sendCounter, pkt)
	if err != nil {
		log.Printf("ifn %d: encrypt for peer %d failed: %v", i.id, p.id, err)
		return
	}
	hdr := transportHeader{typ: wire.WGTypeTransport, receiver: sess.peerID, counter: sess.sendCounter}
	sess.sendCounter++
	if promote {
		p.sessions.Promote()
		p.stats.LastHandshake = nowFunc().Unix()
	}

	if p.endpoint == nil {
		p.queue.Push(pkt)
		return
	}
	out := append(hdr.encode(), ct...)
	if _, err := p.endpoint.Write(out); err != nil {
		log.Printf("ifn %d: write to peer %d failed: %v", i.id, p.id, err)
		return
	}
	p.stats.TxBytes += uint64(len(pkt))
	i.maybeRequestRekey(p)
}

// flushQueue drains a peer's backed-up outbound packets once it has
// both a usable session and a pinned socket.
func (i *Interface) flushQueue(p *peer) {
	if !p.sessions.current.valid && !p.sessions.next.valid {
		return
	}
	if p.endpoint == nil {
		return
	}
	for _, pkt := range p.queue.Drain() {
		i.sendOrQueue(p, pkt)
	}
}

// HandleEndpointReadable reads one datagram off peer's pinned flow
// socket. A transport packet is validated and written to the tun
// device; a handshake message (MSGWGINIT or MSGWGRESP, arriving
// because this socket was dialed straight to the peer's address
// without ever going through the proxy's listeners) is instead
// forwarded to the enclave for validation, exactly as the proxy
// forwards one it classified off an unconnected listener.
func (i *Interface) HandleEndpointReadable(p *peer) error {
	if p.endpoint == nil {
		return fmt.Errorf("ifn: peer %d has no pinned socket", p.id)
	}
	buf := make([]byte, readBufSize)
	n, err := p.endpoint.Read(buf)
	if err != nil {
		return fmt.Errorf("ifn: endpoint read for peer %d: %w", p.id, err)
	}
	raw := buf[:n]

	msgType, ok := peekMessageType(raw)
	if !ok {
		return nil // too short to even carry a type field: drop
	}

	switch msgType {
	case wire.WGTypeInitiation:
		return i.forwardHandshake(wire.KindWGInit, p.id, raw)
	case wire.WGTypeResponse:
		return i.forwardHandshake(wire.KindWGResp, p.id, raw)
	case wire.WGTypeTransport:
		return i.handleTransport(p, raw)
	default:
		return nil // cookie reply or unrecognized type on a pinned socket: drop
	}
}

// peekMessageType reads the little-endian type field every WireGuard
// message starts with, without committing to any one message's layout.
func peekMessageType(raw []byte) (uint32, bool) {
	if len(raw) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw[:4]), true
}

// forwardHandshake relays a raw handshake message read directly off
// peer's pinned socket to the enclave. No 5-tuple is attached: the
// enclave already knows this flow is pinned (it asked the proxy to
// pin it, or it's replying to a MSGWGINIT it just validated from this
// very call), so there is nothing left for it to pin.
func (i *Interface) forwardHandshake(kind wire.Kind, peerID uint16, raw []byte) error {
	env := wire.EncodeWGMessage(i.id, peerID, nil, raw)
	if err := i.enclaveConn.Send(kind, env); err != nil {
		return fmt.Errorf("ifn: forward handshake to enclave: %w", err)
	}
	return nil
}

// handleTransport validates one MSGWGDATA packet and writes its
// plaintext to the tun device.
func (i *Interface) handleTransport(p *peer, raw []byte) error {
	hdr, ciphertext, ok := decodeTransportHeader(raw)
	if !ok {
		return nil // malformed, drop
	}

	p.sessions.EvictExpiredPrevious()
	sess, ok := p.sessions.SessionForReceiverID(hdr.receiver)
	if !ok {
		return nil // stale or unknown session: drop
	}
	if !sess.window.Check(hdr.counter) {
		return nil // replay or too-old: drop
	}
	pt, err := wgcrypto.OpenWithCounter(sess.recvKey, hdr.counter, ciphertext)
	if err != nil {
		return nil // AEAD failure: drop
	}

	if srcFamily, srcIP, srcErr := srcAddr(pt); srcErr == nil {
		if owner, ok := i.trie.Lookup(srcFamily, srcIP); !ok || owner != p.id {
			return nil // inner source not covered by this peer's allowed-IPs
		}
	}

	if sess == p.sessions.next {
		p.sessions.Promote()
		p.stats.LastHandshake = nowFunc().Unix()
		i.flushQueue(p)
	}

	p.stats.RxBytes += uint64(len(pt))
	if _, err := i.tun.Write(pt); err != nil {
		log.Printf("ifn %d: tun write for peer %d failed: %v", i.id, p.id, err)
	}
	return nil
}

// maybeRequestRekey asks the enclave for a fresh handshake when the
// rekey policy calls for one, never more often than once per
// rekeyTimeout.
func (i *Interface) maybeRequestRekey(p *peer) {
	if !p.sessions.NeedsRekey() {
		return
	}
	now := nowFunc().UnixNano()
	if p.lastRekeyRequest != 0 && now-p.lastRekeyRequest < int64(rekeyTimeout) {
		return
	}
	p.lastRekeyRequest = now
	req := wire.ReqWgInit{IfnID: i.id, PeerID: p.id}
	if err := i.enclaveConn.SendStruct(wire.KindReqWGInit, req); err != nil {
		log.Printf("ifn %d: request rekey for peer %d failed: %v", i.id, p.id, err)
	}
}

// transportHeader is TransportHeader's in-memory form for manual
// encode/decode: the wire struct is exactly 16 bytes, but a received
// datagram is header-plus-variable-length-ciphertext, which
// wire.Unmarshal's exact-length check cannot accommodate directly.
type transportHeader struct {
	typ      uint32
	receiver uint32
	counter  uint64
}

func (h transportHeader) encode() []byte {
	buf := make([]byte, wire.MessageTransportHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.typ)
	binary.LittleEndian.PutUint32(buf[4:8], h.receiver)
	binary.LittleEndian.PutUint64(buf[8:16], h.counter)
	return buf
}

func decodeTransportHeader(buf []byte) (transportHeader, []byte, bool) {
	if len(buf) < wire.MessageTransportHeaderSize {
		return transportHeader{}, nil, false
	}
	h := transportHeader{
		typ:      binary.LittleEndian.Uint32(buf[0:4]),
		receiver: binary.LittleEndian.Uint32(buf[4:8]),
		counter:  binary.LittleEndian.Uint64(buf[8:16]),
	}
	return h, buf[wire.MessageTransportHeaderSize:], true
}

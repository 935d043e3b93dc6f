package enclave

import (
	"fmt"
	"log"

	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// Service is the enclave process's entire network-facing state: every
// configured interface, the single channel to the proxy, and one
// channel per IFN. It is the only place handshake.go's pure crypto
// functions meet the wire control protocol.
type Service struct {
	interfaces map[uint16]*Interface
	proxyConn  *wire.Conn
	ifnConns   map[uint16]*wire.Conn
}

// NewService builds a Service bound to the enclave's proxy channel.
// Interfaces are registered afterwards with AddInterface.
func NewService(proxyConn *wire.Conn) *Service {
	return &Service{
		interfaces: make(map[uint16]*Interface),
		proxyConn:  proxyConn,
		ifnConns:   make(map[uint16]*wire.Conn),
	}
}

// AddInterface registers one tunnel interface and its dedicated IFN
// channel.
func (s *Service) AddInterface(iface *Interface, ifnConn *wire.Conn) {
	s.interfaces[iface.ID] = iface
	s.ifnConns[iface.ID] = ifnConn
}

// HandleIfnMessage reads and dispatches one message from the IFN owning
// ifnID: MSGREQWGINIT asking for a fresh handshake, or a raw MSGWGINIT/
// MSGWGRESP the IFN read directly off one of its own pinned flow
// sockets (a connection dialed straight to a peer, never touching the
// proxy's listeners).
func (s *Service) HandleIfnMessage(ifnID uint16) error {
	conn, ok := s.ifnConns[ifnID]
	if !ok {
		return fmt.Errorf("enclave: message from unregistered ifn %d", ifnID)
	}
	kind, payload, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("enclave: recv from ifn %d: %w", ifnID, err)
	}
	switch kind {
	case wire.KindReqWGInit:
		var req wire.ReqWgInit
		if err := wire.Unmarshal(kind, payload, &req); err != nil {
			return err
		}
		return s.handleReqWgInit(req)
	case wire.KindWGInit, wire.KindWGResp:
		return s.handleIfnWGMessage(ifnID, kind, payload)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from ifn"}
	}
}

// handleIfnWGMessage dispatches a raw handshake message forwarded by
// the IFN owning ifnID. It never carries a 5-tuple: the flow is
// already pinned, so there is nothing for the enclave to ask the proxy
// to set up.
func (s *Service) handleIfnWGMessage(ifnID uint16, kind wire.Kind, payload []byte) error {
	_, _, _, raw, err := wire.DecodeWGMessage(kind, payload)
	if err != nil {
		return err
	}
	iface, ok := s.interfaces[ifnID]
	if !ok {
		return fmt.Errorf("enclave: message for unknown ifn %d", ifnID)
	}
	switch kind {
	case wire.KindWGInit:
		return s.handleInboundInit(iface, nil, raw)
	case wire.KindWGResp:
		return s.handleInboundResp(iface, raw)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from ifn"}
	}
}

// handleReqWgInit answers an IFN's MSGREQWGINIT(peerid) by building a
// fresh MSGWGINIT for that peer and updating its handshake slot. The
// built message is handed straight to the owning
// IFN's own channel, where it either goes out over an already-pinned
// flow socket or is dropped to await the next rekey attempt — the
// enclave itself never touches a UDP socket.
func (s *Service) handleReqWgInit(req wire.ReqWgInit) error {
	iface, ok := s.interfaces[req.IfnID]
	if !ok {
		return fmt.Errorf("enclave: reqwginit for unknown ifn %d", req.IfnID)
	}
	peer, ok := iface.PeerByID(req.PeerID)
	if !ok {
		return fmt.Errorf("enclave: reqwginit for unknown peer %d on ifn %d", req.PeerID, req.IfnID)
	}

	msg, err := iface.BuildInitiation(peer)
	if err != nil {
		log.Printf("enclave: build initiation for ifn %d peer %d failed: %v", req.IfnID, req.PeerID, err)
		return nil
	}

	if peer.HasEndpoint {
		if err := s.requestConn(req.IfnID, req.PeerID, iface.ListenAddr, peer.EndpointAddr, peer.EndpointPort); err != nil {
			log.Printf("enclave: connreq for ifn %d peer %d failed: %v", req.IfnID, req.PeerID, err)
		}
	}

	raw := wire.Marshal(msg)
	env := wire.EncodeWGMessage(req.IfnID, req.PeerID, nil, raw)
	conn := s.ifnConns[req.IfnID]
	if err := conn.Send(wire.KindWGInit, env); err != nil {
		return fmt.Errorf("enclave: send initiation to ifn %d: %w", req.IfnID, err)
	}
	return nil
}

// HandleProxyMessage reads and dispatches one message the proxy
// forwarded: an inbound MSGWGINIT or MSGWGRESP, each carrying the
// observed 5-tuple.
func (s *Service) HandleProxyMessage() error {
	kind, payload, err := s.proxyConn.Recv()
	if err != nil {
		return fmt.Errorf("enclave: recv from proxy: %w", err)
	}
	ifnID, _, tuple, raw, err := wire.DecodeWGMessage(kind, payload)
	if err != nil {
		return err
	}
	iface, ok := s.interfaces[ifnID]
	if !ok {
		return fmt.Errorf("enclave: message for unknown ifn %d", ifnID)
	}

	switch kind {
	case wire.KindWGInit:
		return s.handleInboundInit(iface, tuple, raw)
	case wire.KindWGResp:
		return s.handleInboundResp(iface, raw)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from proxy"}
	}
}

// handleInboundInit validates an inbound initiation, replies with
// MSGWGRESP, hands fresh session keys to the owning IFN, and, if this
// initiation arrived via the proxy (tuple set), pins a flow socket for
// the transport traffic that follows. tuple is nil when the IFN
// forwarded this itself off an already-pinned socket, in which case
// the reply goes back over that same IFN channel instead of the proxy,
// and no new flow needs pinning.
func (s *Service) handleInboundInit(iface *Interface, tuple *wire.FiveTuple, raw []byte) error {
	var msg wire.MessageInitiation
	if err := wire.Unmarshal(wire.KindWGInit, raw, &msg); err != nil {
		return err
	}
	peer, resp, sendKey, recvKey, err := iface.ConsumeInitiation(&msg)
	if err != nil {
		log.Printf("enclave: ifn %d: reject initiation: %v", iface.ID, err)
		return nil
	}
	defer func() {
		wgcrypto.Zero(sendKey[:])
		wgcrypto.Zero(recvKey[:])
	}()

	if err := s.sendSessKeys(iface.ID, peer.ID, resp.Sender, msg.Sender, sendKey, recvKey, true); err != nil {
		return err
	}

	respRaw := wire.Marshal(resp)
	if tuple != nil {
		env := wire.EncodeWGMessage(iface.ID, peer.ID, tuple, respRaw)
		if err := s.proxyConn.Send(wire.KindWGResp, env); err != nil {
			return fmt.Errorf("enclave: send response via proxy: %w", err)
		}
		return s.sendConnReq(iface.ID, peer.ID, *tuple)
	}

	conn, ok := s.ifnConns[iface.ID]
	if !ok {
		return fmt.Errorf("enclave: response for unregistered ifn %d", iface.ID)
	}
	env := wire.EncodeWGMessage(iface.ID, peer.ID, nil, respRaw)
	if err := conn.Send(wire.KindWGResp, env); err != nil {
		return fmt.Errorf("enclave: send response to ifn %d: %w", iface.ID, err)
	}
	return nil
}

// handleInboundResp resolves an outstanding initiator's handshake on
// receipt of the peer's response.
func (s *Service) handleInboundResp(iface *Interface, raw []byte) error {
	var msg wire.MessageResponse
	if err := wire.Unmarshal(wire.KindWGResp, raw, &msg); err != nil {
		return err
	}
	peer, ok := iface.PeerByLocalIndex(msg.Receiver)
	if !ok {
		log.Printf("enclave: ifn %d: response for unknown receiver %d", iface.ID, msg.Receiver)
		return nil
	}
	sendKey, recvKey, err := iface.ConsumeResponse(peer, &msg)
	if err != nil {
		log.Printf("enclave: ifn %d peer %d: reject response: %v", iface.ID, peer.ID, err)
		return nil
	}
	defer func() {
		wgcrypto.Zero(sendKey[:])
		wgcrypto.Zero(recvKey[:])
	}()
	return s.sendSessKeys(iface.ID, peer.ID, msg.Receiver, msg.Sender, sendKey, recvKey, false)
}

func (s *Service) sendSessKeys(ifnID, peerID uint16, localSession, peerSession uint32, sendKey, recvKey [32]byte, responder bool) error {
	conn, ok := s.ifnConns[ifnID]
	if !ok {
		return fmt.Errorf("enclave: sesskeys for unregistered ifn %d", ifnID)
	}
	msg := wire.SessKeys{
		IfnID:          ifnID,
		PeerID:         peerID,
		LocalSessionID: localSession,
		PeerSessionID:  peerSession,
		SendKey:        sendKey,
		RecvKey:        recvKey,
	}
	if responder {
		msg.Responder = 1
	}
	if err := conn.SendStruct(wire.KindSessKeys, msg); err != nil {
		return fmt.Errorf("enclave: send sesskeys to ifn %d: %w", ifnID, err)
	}
	return nil
}

// requestConn builds the connect-request tuple for an initiator-side
// handshake from a peer's configured endpoint and the owning
// interface's listen address (port left 0: see Interface.ListenAddr).
func (s *Service) requestConn(ifnID, peerID uint16, local wire.SCidrAddr, remoteAddr [16]byte, remotePort uint16) error {
	family := local.Family
	if family == 0 {
		family = familyOf(remoteAddr)
	}
	tuple := wire.FiveTuple{
		Family:     family,
		LocalAddr:  local.Addr,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
	}
	return s.sendConnReq(ifnID, peerID, tuple)
}

// sendConnReq emits MSGCONNREQ(ifnid, peerid, local-5t, remote-5t) to
// the proxy.
func (s *Service) sendConnReq(ifnID, peerID uint16, tuple wire.FiveTuple) error {
	req := wire.ConnReq{IfnID: ifnID, PeerID: peerID, Tuple: tuple}
	if err := s.proxyConn.SendStruct(wire.KindConnReq, req); err != nil {
		return fmt.Errorf("enclave: send connreq: %w", err)
	}
	return nil
}

// familyOf infers whether addr holds an IPv4 (first 4 bytes) or IPv6
// address when no more explicit family tag is available.
func familyOf(addr [16]byte) byte {
	for _, b := range addr[4:] {
		if b != 0 {
			return 6
		}
	}
	return 4
}

// Package proxy implements the UDP listener set, MAC1 classifier, and
// flow pinner. The proxy never holds a static
// private key or a session key; it parses only message type and, for
// handshake messages, the MAC1 field, and relays everything else
// opaquely between its listeners and the enclave/IFN control channels.
package proxy

import (
	"fmt"
	"log"
	"net"

	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// flowKey identifies one pinned UDP flow. Comparable, so it is usable
// directly as a map key.
type flowKey struct {
	IfnID uint16
	Tuple wire.FiveTuple
}

// interfaceEntry is what the proxy needs to classify and route for one
// interface: its MAC1 key (for classification) and its control channel.
type interfaceEntry struct {
	IfnID   uint16
	Mac1Key [32]byte
	IfnConn *wire.Conn
}

// listener is one unconnected listening UDP socket, owned by one
// interface.
type listener struct {
	IfnID uint16
	Conn  *net.UDPConn
}

// Stats are the proxy's own operational counters, logged on SIGUSR1.
type Stats struct {
	DroppedUnclassified uint64 // MSGWGINIT/MSGWGRESP with no matching interface MAC1
	DroppedDataOnListener uint64 // MSGWGDATA arriving on an unconnected listener
	FlowsCreated        uint64
	FlowsReused         uint64
}

// Proxy holds all proxy state for one process.
type Proxy struct {
	enclaveConn *wire.Conn
	interfaces  map[uint16]*interfaceEntry
	listeners   []*listener
	flows       map[flowKey]*net.UDPConn

	stats Stats
}

func New(enclaveConn *wire.Conn) *Proxy {
	return &Proxy{
		enclaveConn: enclaveConn,
		interfaces:  make(map[uint16]*interfaceEntry),
		flows:       make(map[flowKey]*net.UDPConn),
	}
}

// AddInterface registers an interface's MAC1 key and control channel.
func (p *Proxy) AddInterface(ifnID uint16, mac1Key [32]byte, ifnConn *wire.Conn) {
	p.interfaces[ifnID] = &interfaceEntry{IfnID: ifnID, Mac1Key: mac1Key, IfnConn: ifnConn}
}

// AddListener registers one unconnected listening socket for ifnID. The
// caller is responsible for registering conn's fd with the process
// event loop and calling HandleListenerReadable when it fires.
func (p *Proxy) AddListener(ifnID uint16, conn *net.UDPConn) {
	p.listeners = append(p.listeners, &listener{IfnID: ifnID, Conn: conn})
}

// Stats returns a snapshot of the proxy's counters.
func (p *Proxy) Stats() Stats { return p.stats }

const readBufSize = 2048

// HandleListenerReadable processes one readability event on an
// unconnected listener. A read or write
// failure on this one socket is logged and otherwise ignored — it must
// never bring down the rest of the proxy.
func (p *Proxy) HandleListenerReadable(l *net.UDPConn, ifnID uint16) {
	buf := make([]byte, readBufSize)
	n, remote, err := l.ReadFromUDP(buf)
	if err != nil {
		log.Printf("proxy: listener read error (ifn %d): %v", ifnID, err)
		return
	}
	raw := buf[:n]
	if len(raw) < 4 {
		return
	}
	msgType := raw[0]

	switch msgType {
	case byte(wire.WGTypeTransport):
		// A transport packet on an unconnected listener shouldn't happen
		// (it should have hit a connected flow socket) — drop, this is
		// expected to happen briefly during rekey.
		p.stats.DroppedDataOnListener++
		return

	case byte(wire.WGTypeInitiation), byte(wire.WGTypeResponse):
		entry, kind, ok := p.classify(msgType, raw)
		if !ok {
			p.stats.DroppedUnclassified++
			return
		}
		local := l.LocalAddr().(*net.UDPAddr)
		tuple := tupleFromAddrs(local, remote)
		env := wire.EncodeWGMessage(entry.IfnID, wire.UnknownPeerID, &tuple, raw)
		if err := p.enclaveConn.Send(kind, env); err != nil {
			log.Printf("proxy: forward to enclave failed: %v", err)
		}

	case byte(wire.WGTypeCookieReply):
		entry, ok := p.classifyCookie(raw)
		if !ok {
			p.stats.DroppedUnclassified++
			return
		}
		env := wire.EncodeWGMessage(entry.IfnID, wire.UnknownPeerID, nil, raw)
		if err := entry.IfnConn.Send(wire.KindWGCook, env); err != nil {
			log.Printf("proxy: forward cookie reply to ifn failed: %v", err)
		}

	default:
		log.Printf("proxy: unexpected message type %d on listener", msgType)
	}
}

// HandleEnclaveMessage reads and dispatches one message the enclave
// sent: either a MSGWGRESP it built to answer an inbound initiation
// (goes back out through the same unconnected listener it arrived on)
// or a MSGCONNREQ asking for a flow socket to be dialed and handed to
// an IFN.
func (p *Proxy) HandleEnclaveMessage() error {
	kind, payload, err := p.enclaveConn.Recv()
	if err != nil {
		return fmt.Errorf("proxy: recv from enclave: %w", err)
	}
	switch kind {
	case wire.KindWGResp:
		return p.handleWGResp(kind, payload)
	case wire.KindConnReq:
		var req wire.ConnReq
		if err := wire.Unmarshal(kind, payload, &req); err != nil {
			return err
		}
		return p.HandleConnReq(req)
	default:
		return &wire.ProtocolError{Kind: kind, Msg: "unexpected message from enclave"}
	}
}

func (p *Proxy) handleWGResp(kind wire.Kind, payload []byte) error {
	ifnID, _, tuple, raw, err := wire.DecodeWGMessage(kind, payload)
	if err != nil {
		return err
	}
	if tuple == nil {
		return fmt.Errorf("proxy: response for ifn %d carries no destination tuple", ifnID)
	}
	conn := p.listenerFor(ifnID, addrFromTuple(tuple.LocalAddr, tuple.LocalPort, tuple.Family))
	if conn == nil {
		return fmt.Errorf("proxy: no listener for ifn %d", ifnID)
	}
	remote := addrFromTuple(tuple.RemoteAddr, tuple.RemotePort, tuple.Family)
	if _, err := conn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("proxy: write response for ifn %d: %w", ifnID, err)
	}
	return nil
}

func (p *Proxy) listenerFor(ifnID uint16, local *net.UDPAddr) *net.UDPConn {
	var portMatch *net.UDPConn
	for _, l := range p.listeners {
		if l.IfnID != ifnID {
			continue
		}
		la, ok := l.Conn.LocalAddr().(*net.UDPAddr)
		if !ok || la.Port != local.Port {
			continue
		}
		if la.IP.Equal(local.IP) {
			return l.Conn
		}
		if portMatch == nil {
			portMatch = l.Conn
		}
	}
	return portMatch
}

// classify performs the linear scan over registered interfaces' MAC1
// keys.
func (p *Proxy) classify(msgType byte, raw []byte) (*interfaceEntry, wire.Kind, bool) {
	var mac1Offset int
	var kind wire.Kind
	switch msgType {
	case byte(wire.WGTypeInitiation):
		mac1Offset = 4 + 4 + 32 + 48 + 28
		kind = wire.KindWGInit
	case byte(wire.WGTypeResponse):
		mac1Offset = 4 + 4 + 4 + 32 + 16
		kind = wire.KindWGResp
	default:
		return nil, 0, false
	}
	if len(raw) < mac1Offset+16 {
		return nil, 0, false
	}
	var mac1 [16]byte
	copy(mac1[:], raw[mac1Offset:mac1Offset+16])
	prefix := raw[:mac1Offset]

	for _, entry := range p.interfaces {
		if wgcrypto.Mac(entry.Mac1Key, prefix) == mac1 {
			return entry, kind, true
		}
	}
	return nil, 0, false
}

// classifyCookie picks the interface a cookie reply is forwarded to.
// Without a session table of its own, the proxy cannot classify cookie
// replies by MAC the way it does initiations/responses; it returns
// whichever registered interface map iteration yields first. The
// reply's Receiver field is not consulted, the reply goes to that one
// interface only, and with more than one interface which one receives
// it is not defined.
func (p *Proxy) classifyCookie(raw []byte) (*interfaceEntry, bool) {
	for _, entry := range p.interfaces {
		return entry, true
	}
	return nil, false
}

// HandleConnReq answers MSGCONNREQ from the enclave: create (or reuse)
// a connected UDP socket for the given flow and hand its fd to the
// target IFN.
func (p *Proxy) HandleConnReq(req wire.ConnReq) error {
	key := flowKey{IfnID: req.IfnID, Tuple: req.Tuple}
	if conn, ok := p.flows[key]; ok {
		p.stats.FlowsReused++
		return p.handOff(req, conn)
	}

	local := addrFromTuple(req.Tuple.LocalAddr, req.Tuple.LocalPort, req.Tuple.Family)
	remote := addrFromTuple(req.Tuple.RemoteAddr, req.Tuple.RemotePort, req.Tuple.Family)
	conn, err := net.DialUDP(udpNetwork(req.Tuple.Family), local, remote)
	if err != nil {
		return fmt.Errorf("proxy: dial flow socket: %w", err)
	}
	p.flows[key] = conn
	p.stats.FlowsCreated++
	return p.handOff(req, conn)
}

func (p *Proxy) handOff(req wire.ConnReq, conn *net.UDPConn) error {
	entry, ok := p.interfaces[req.IfnID]
	if !ok {
		return fmt.Errorf("proxy: hand off to unknown ifn %d", req.IfnID)
	}
	f, err := conn.File()
	if err != nil {
		return fmt.Errorf("proxy: dup flow socket: %w", err)
	}
	defer f.Close()
	payload := wire.Marshal(req)
	return entry.IfnConn.SendFD(wire.KindConnReq, payload, f.Fd())
}

func tupleFromAddrs(local, remote *net.UDPAddr) wire.FiveTuple {
	t := wire.FiveTuple{
		LocalPort:  uint16(local.Port),
		RemotePort: uint16(remote.Port),
	}
	if ip4 := remote.IP.To4(); ip4 != nil {
		t.Family = 4
		copy(t.LocalAddr[:], local.IP.To4())
		copy(t.RemoteAddr[:], ip4)
	} else {
		t.Family = 6
		copy(t.LocalAddr[:], local.IP.To16())
		copy(t.RemoteAddr[:], remote.IP.To16())
	}
	return t
}

func addrFromTuple(addr [16]byte, port uint16, family uint8) *net.UDPAddr {
	if family == 4 {
		return &net.UDPAddr{IP: net.IP(addr[:4]), Port: int(port)}
	}
	ipCopy := make(net.IP, 16)
	copy(ipCopy, addr[:])
	return &net.UDPAddr{IP: ipCopy, Port: int(port)}
}

func udpNetwork(family uint8) string {
	if family == 4 {
		return "udp4"
	}
	return "udp6"
}

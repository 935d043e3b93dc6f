// Package enclave implements the handshake engine: the only process
// that ever holds a static private key, a PSK, or a precomputed
// initiator/responder DH secret in the clear. It speaks to IFNs (and,
// for packets arriving on an unconnected proxy listener, to the proxy)
// purely in terms of the wire control messages in internal/wire; it
// never touches a UDP socket or a tun device itself.
package enclave

import (
	"fmt"
	"sync"

	"uwg/internal/enclave/cookie"
	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// Interface is one tunnel's static identity, immutable after startup.
type Interface struct {
	ID uint16

	StaticPrivKey [32]byte
	StaticPubKey  [32]byte
	PubKeyHash    [32]byte // MixHash(ConsIDHash, StaticPubKey)
	Mac1Key       [32]byte // this interface's own MAC1 key, for validating inbound inits
	CookieKey     [32]byte

	Cookies *cookie.Manager

	// ListenAddr is this interface's first configured listen address,
	// used only as the local half of the 5-tuple the enclave proposes
	// when it initiates a handshake itself.
	ListenAddr wire.SCidrAddr

	mu    sync.Mutex
	peers map[uint16]*Peer
}

// SetListenAddr records the interface's local address for outbound
// initiations. A zero-value addr (no listen address known) is fine:
// the resulting connect request will bind to a wildcard local address.
func (i *Interface) SetListenAddr(addr wire.SCidrAddr) {
	i.ListenAddr = addr
}

// NewInterface builds an Interface from its startup record. sifn must
// already carry the enclave's full (unzeroed) fields — callers pass the
// record built for RoleEnclave.
func NewInterface(sifn wire.SIfn) *Interface {
	return &Interface{
		ID:            sifn.IfnID,
		StaticPrivKey: sifn.StaticPrivKey,
		StaticPubKey:  sifn.StaticPubKey,
		PubKeyHash:    sifn.PubKeyHash,
		Mac1Key:       sifn.Mac1Key,
		CookieKey:     sifn.CookieKey,
		Cookies:       cookie.NewManager(sifn.CookieKey),
		peers:         make(map[uint16]*Peer),
	}
}

// AddPeer registers a peer from its startup record. DHSecret is the
// precomputed DH(interface-static-priv, peer-static-pub) the master
// computed once at startup.
func (i *Interface) AddPeer(speer wire.SPeer) *Peer {
	p := &Peer{
		ID:           speer.PeerID,
		StaticPubKey: speer.StaticPubKey,
		Mac1Key:      speer.Mac1Key,
		DHSecret:     speer.DHSecret,
		PSK:          speer.PSK,
		HasEndpoint:  speer.HasEndpoint == 1,
		EndpointAddr: speer.EndpointAddr,
		EndpointPort: speer.EndpointPort,
		limiter:      newTokenBucket(handshakeRateBurst, handshakeRateInterval),
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.peers[p.ID] = p
	return p
}

// PeerByID looks up a peer, used once the caller already knows the ID
// (e.g. from a prior 5-tuple pin or an outgoing MSGREQWGINIT).
func (i *Interface) PeerByID(id uint16) (*Peer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.peers[id]
	return p, ok
}

// PeerByStaticKey finds a peer by its decrypted static public key, the
// path used for an initiation message arriving without a 5-tuple pin
// yet established.
func (i *Interface) PeerByStaticKey(pub [32]byte) (*Peer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range i.peers {
		if p.StaticPubKey == pub {
			return p, true
		}
	}
	return nil, false
}

// PeerByLocalIndex finds the peer with an outstanding initiation whose
// local sender index matches idx — how a MSGWGRESP's Receiver field is
// resolved back to a peer, since the proxy cannot classify a response
// by anything finer than which interface's MAC1 it matched.
func (i *Interface) PeerByLocalIndex(idx uint32) (*Peer, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range i.peers {
		p.mu.Lock()
		match := p.state == StateInitSent && p.localIndex == idx
		p.mu.Unlock()
		if match {
			return p, true
		}
	}
	return nil, false
}

// HandshakeState is the per-peer mutable state the enclave keeps across
// the two message exchange. There is at most one outstanding INIT_SENT
// per peer; a fresh MSGREQWGINIT supersedes it.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateInitSent
)

// Peer holds one remote endpoint's static identity plus whatever
// handshake is currently in flight.
type Peer struct {
	ID           uint16
	StaticPubKey [32]byte
	Mac1Key      [32]byte
	DHSecret     [32]byte
	PSK          [32]byte
	HasEndpoint  bool
	EndpointAddr [16]byte
	EndpointPort uint16

	mu      sync.Mutex
	state   HandshakeState
	limiter *tokenBucket

	// Fields below are valid only while state == StateInitSent; they are
	// zeroized the moment the exchange resolves, one way or another.
	localEphPriv  [32]byte
	localEphPub   [32]byte
	localIndex    uint32
	chainKey      [32]byte
	hash          [32]byte

	recvTS [12]byte // last validated decrypted TAI64N, for replay rejection
}

// resetInFlight zeroizes and clears any in-progress initiator state,
// called both when superseding an outstanding INIT_SENT and when a
// response resolves one.
func (p *Peer) resetInFlight() {
	wgcrypto.Zero(p.localEphPriv[:])
	wgcrypto.Zero(p.chainKey[:])
	wgcrypto.Zero(p.hash[:])
	p.localEphPriv = [32]byte{}
	p.localEphPub = [32]byte{}
	p.localIndex = 0
	p.state = StateIdle
}

var errUnknownPeer = fmt.Errorf("enclave: unknown peer")

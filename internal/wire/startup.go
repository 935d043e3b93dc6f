package wire

// Startup configuration protocol (master → child). The sequence over
// a child's dedicated channel is strict:
//
//	SInit
//	for each interface: SIfn, NIfAddrs×SCidrAddr, NListenAddrs×SCidrAddr,
//	    for each peer: SPeer, NAllowedIPs×SCidrAddr
//	SEOS
//
// Only after SEOS may a child begin processing untrusted input. Byte
// content is role-minimized: fields a role must never see are zeroed by
// the builder before the record is sent, never merely "not read" by the
// receiver.

// Role identifies which child a startup record is destined for, used
// only by the master's builders to decide which fields to zero.
type Role byte

const (
	RoleEnclave Role = iota + 1
	RoleProxy
	RoleIFN
)

// SInit is the first record sent to every child.
type SInit struct {
	Background uint8
	Verbose    uint8
	_          [2]byte
	UID        uint32
	GID        uint32
	// Port carries Config.Port; Writer sends the same value to every
	// role, and no child reads it.
	Port   uint16
	NIfns  uint16
	_      [4]byte
}

// SIfn describes one tunnel interface. Sent once per interface, for
// every role, with fields zeroed per role by ZeroForRole: only the
// enclave keeps StaticPrivKey, and the proxy also loses StaticPubKey.
// The address runs that follow (listen addresses included) are not
// minimized and reach every role, the enclave included.
type SIfn struct {
	IfnID   uint16
	IfnPort uint16
	IfName  [16]byte
	IfDesc  [64]byte

	// StaticPrivKey is populated only for RoleEnclave.
	StaticPrivKey [32]byte
	StaticPubKey  [32]byte
	// PubKeyHash is MixHash(CONSIDHASH, StaticPubKey), precomputed once
	// by the master so children never need to run the handshake hash
	// chain themselves just to identify an interface.
	PubKeyHash [32]byte
	Mac1Key    [32]byte
	CookieKey  [32]byte

	NIfAddrs     uint16
	NListenAddrs uint16
	NPeers       uint16
	_            [2]byte
}

// SCidrAddr carries one CIDR prefix or listen/endpoint address. Reused
// for interface addresses, listen addresses, and per-peer allowed-IPs;
// the surrounding count fields in SIfn/SPeer say which role a given run
// of SCidrAddr records plays.
type SCidrAddr struct {
	Family byte // 4 or 6
	Prefix byte // prefix length in bits
	_      [2]byte
	Addr   [16]byte // IPv4 uses the first 4 bytes
	Port   uint16   // nonzero only for listen/endpoint addresses
	_      [2]byte
}

// SPeer describes one peer of the interface most recently introduced by
// SIfn. DHSecret and PSK are populated only for RoleEnclave.
type SPeer struct {
	PeerID       uint16
	_            [2]byte
	StaticPubKey [32]byte
	Mac1Key      [32]byte
	DHSecret     [32]byte
	PSK          [32]byte
	Name         [32]byte

	NAllowedIPs  uint16
	HasEndpoint  uint8
	_            uint8
	EndpointAddr [16]byte
	EndpointPort uint16
	_            [2]byte
}

// SEOS terminates the startup sequence. Marker lets a child detect a
// desynchronized stream (fatal per §7) instead of silently treating an
// unrelated record as end-of-startup.
type SEOS struct {
	Marker uint32
}

const eosMarker uint32 = 0x53454f53 // "SEOS"

// NewSEOS returns the single valid SEOS record.
func NewSEOS() SEOS { return SEOS{Marker: eosMarker} }

// Valid reports whether the marker is the expected one.
func (s SEOS) Valid() bool { return s.Marker == eosMarker }

// ZeroForRole clears the fields a given role must never receive,
// enforcing role-minimization at the point of construction rather
// than trusting every call site to remember.
func (s *SIfn) ZeroForRole(r Role) {
	if r != RoleEnclave {
		s.StaticPrivKey = [32]byte{}
	}
	if r == RoleProxy {
		s.StaticPubKey = [32]byte{}
	}
}

// ZeroForRole clears peer secret fields a given role must never receive.
func (s *SPeer) ZeroForRole(r Role) {
	if r != RoleEnclave {
		s.DHSecret = [32]byte{}
		s.PSK = [32]byte{}
	}
	if r == RoleProxy {
		s.StaticPubKey = [32]byte{}
	}
}

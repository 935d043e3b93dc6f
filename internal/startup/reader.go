package startup

import "uwg/internal/wire"

// ParsedPeer mirrors PeerConfig but as decoded on the wire: fields the
// sender zeroed for this role simply decode as zero, never omitted —
// a child must not need out-of-band knowledge of which fields apply
// to it.
type ParsedPeer struct {
	wire.SPeer
	AllowedIPs []wire.SCidrAddr
}

// ParsedInterface mirrors InterfaceConfig as decoded on the wire.
type ParsedInterface struct {
	wire.SIfn
	Addrs       []wire.SCidrAddr
	ListenAddrs []wire.SCidrAddr
	Peers       []ParsedPeer
}

// ParsedConfig is the full startup sequence as received by one child.
type ParsedConfig struct {
	Init       wire.SInit
	Interfaces []ParsedInterface
}

// Reader decodes the strict SINIT/(SIFN/.../SPEER/...)*/SEOS sequence
// off a child's dedicated channel. Any deviation (wrong kind, short
// count, missing SEOS) is a ProtocolError and always fatal: a trusted
// channel desynchronizing is a programming error, not untrusted input
// to tolerate.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

// Read blocks until the full sequence has been received or an error
// (including a desync) occurs. Only after Read returns successfully
// may the caller begin processing untrusted input.
func (r *Reader) Read(conn *wire.Conn) (ParsedConfig, error) {
	var cfg ParsedConfig
	if err := conn.RecvExpect(wire.KindSInit, &cfg.Init); err != nil {
		return ParsedConfig{}, err
	}

	cfg.Interfaces = make([]ParsedInterface, 0, cfg.Init.NIfns)
	for i := uint16(0); i < cfg.Init.NIfns; i++ {
		var pi ParsedInterface
		if err := conn.RecvExpect(wire.KindSIfn, &pi.SIfn); err != nil {
			return ParsedConfig{}, err
		}

		pi.Addrs = make([]wire.SCidrAddr, 0, pi.NIfAddrs)
		for j := uint16(0); j < pi.NIfAddrs; j++ {
			var a wire.SCidrAddr
			if err := conn.RecvExpect(wire.KindSCidrAddr, &a); err != nil {
				return ParsedConfig{}, err
			}
			pi.Addrs = append(pi.Addrs, a)
		}

		pi.ListenAddrs = make([]wire.SCidrAddr, 0, pi.NListenAddrs)
		for j := uint16(0); j < pi.NListenAddrs; j++ {
			var a wire.SCidrAddr
			if err := conn.RecvExpect(wire.KindSCidrAddr, &a); err != nil {
				return ParsedConfig{}, err
			}
			pi.ListenAddrs = append(pi.ListenAddrs, a)
		}

		pi.Peers = make([]ParsedPeer, 0, pi.NPeers)
		for j := uint16(0); j < pi.NPeers; j++ {
			var pp ParsedPeer
			if err := conn.RecvExpect(wire.KindSPeer, &pp.SPeer); err != nil {
				return ParsedConfig{}, err
			}
			pp.AllowedIPs = make([]wire.SCidrAddr, 0, pp.NAllowedIPs)
			for k := uint16(0); k < pp.NAllowedIPs; k++ {
				var a wire.SCidrAddr
				if err := conn.RecvExpect(wire.KindSCidrAddr, &a); err != nil {
					return ParsedConfig{}, err
				}
				pp.AllowedIPs = append(pp.AllowedIPs, a)
			}
			pi.Peers = append(pi.Peers, pp)
		}

		cfg.Interfaces = append(cfg.Interfaces, pi)
	}

	var eos wire.SEOS
	if err := conn.RecvExpect(wire.KindSEOS, &eos); err != nil {
		return ParsedConfig{}, err
	}
	if !eos.Valid() {
		return ParsedConfig{}, &wire.ProtocolError{Kind: wire.KindSEOS, Msg: "bad SEOS marker"}
	}
	return cfg, nil
}

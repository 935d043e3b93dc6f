package startup

import "uwg/internal/wire"

// Writer sends one child's startup sequence over its dedicated
// channel: SINIT, then per interface SIFN + addresses + peers, then
// SEOS. Role-minimization is applied here, at the single point that
// constructs every record, rather than trusted to every call site.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

// Send writes cfg to conn for the given role.
func (w *Writer) Send(conn *wire.Conn, role wire.Role, cfg Config) error {
	sinit := wire.SInit{
		Background: boolToU8(cfg.Background),
		Verbose:    boolToU8(cfg.Verbose),
		UID:        cfg.UID,
		GID:        cfg.GID,
		Port:       cfg.Port,
		NIfns:      uint16(len(cfg.Interfaces)),
	}
	if err := conn.SendStruct(wire.KindSInit, sinit); err != nil {
		return err
	}

	for _, ifn := range cfg.Interfaces {
		sifn := wire.SIfn{
			IfnID:         ifn.ID,
			IfnPort:       ifn.Port,
			StaticPrivKey: ifn.StaticPrivKey,
			StaticPubKey:  ifn.StaticPubKey,
			PubKeyHash:    ifn.PubKeyHash,
			Mac1Key:       ifn.Mac1Key,
			CookieKey:     ifn.CookieKey,
			NIfAddrs:      uint16(len(ifn.Addrs)),
			NListenAddrs:  uint16(len(ifn.ListenAddrs)),
			NPeers:        uint16(len(ifn.Peers)),
		}
		copy(sifn.IfName[:], ifn.Name)
		copy(sifn.IfDesc[:], ifn.Desc)
		sifn.ZeroForRole(role)
		if err := conn.SendStruct(wire.KindSIfn, sifn); err != nil {
			return err
		}

		for _, a := range ifn.Addrs {
			if err := conn.SendStruct(wire.KindSCidrAddr, a); err != nil {
				return err
			}
		}
		for _, a := range ifn.ListenAddrs {
			if err := conn.SendStruct(wire.KindSCidrAddr, a); err != nil {
				return err
			}
		}

		for _, p := range ifn.Peers {
			speer := wire.SPeer{
				PeerID:       p.ID,
				StaticPubKey: p.StaticPubKey,
				Mac1Key:      p.Mac1Key,
				DHSecret:     p.DHSecret,
				PSK:          p.PSK,
				NAllowedIPs:  uint16(len(p.AllowedIPs)),
			}
			copy(speer.Name[:], p.Name)
			if p.Endpoint != nil {
				speer.HasEndpoint = 1
				speer.EndpointAddr = p.Endpoint.Addr
				speer.EndpointPort = p.Endpoint.Port
			}
			speer.ZeroForRole(role)
			if err := conn.SendStruct(wire.KindSPeer, speer); err != nil {
				return err
			}
			for _, a := range p.AllowedIPs {
				if err := conn.SendStruct(wire.KindSCidrAddr, a); err != nil {
					return err
				}
			}
		}
	}

	return conn.SendStruct(wire.KindSEOS, wire.NewSEOS())
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

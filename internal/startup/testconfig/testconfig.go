// Package testconfig builds a minimal, fully self-consistent
// startup.Config for two purposes: the master's `-n` config-test mode
// (parse and validate the external config, report errors, without
// actually forking and running anything — parsing the external
// grammar is out of scope here, so this package stands in wherever a
// Config is needed but no real config file is involved) and as a
// fixture for tests elsewhere in the tree that need a plausible
// multi-peer Config without constructing one field by field.
package testconfig

import (
	"uwg/internal/startup"
	"uwg/internal/wire"
)

// Minimal returns a one-interface, one-peer configuration: enough to
// exercise the full startup sequence (SINIT/SIFN/addresses/SPEER/
// allowed-ips/SEOS) without depending on any real keys or sockets.
// Key material is deterministic, not random (reproducible test
// fixtures, never used for an actual tunnel).
func Minimal() startup.Config {
	return startup.Config{
		Background: false,
		Verbose:    true,
		UID:        65534,
		GID:        65534,
		Port:       51820,
		Interfaces: []startup.InterfaceConfig{
			{
				ID:            0,
				Port:          51820,
				Name:          "tun0",
				Desc:          "uwg test interface",
				StaticPrivKey: fill(0x11),
				StaticPubKey:  fill(0x22),
				PubKeyHash:    fill(0x33),
				Mac1Key:       fill(0x44),
				CookieKey:     fill(0x55),
				Addrs:         []wire.SCidrAddr{cidr(4, 24, 10, 0, 0, 1)},
				ListenAddrs:   []wire.SCidrAddr{listen(51820)},
				Peers: []startup.PeerConfig{
					{
						ID:           1,
						StaticPubKey: fill(0x66),
						Mac1Key:      fill(0x77),
						DHSecret:     fill(0x88),
						PSK:          fill(0x99),
						Name:         "peer0",
						AllowedIPs:   []wire.SCidrAddr{cidr(4, 32, 10, 0, 0, 2)},
					},
				},
			},
		},
	}
}

func fill(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func cidr(family, prefix byte, a, b, c, d byte) wire.SCidrAddr {
	addr := wire.SCidrAddr{Family: family, Prefix: prefix}
	addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3] = a, b, c, d
	return addr
}

func listen(port uint16) wire.SCidrAddr {
	return wire.SCidrAddr{Family: 4, Port: port}
}

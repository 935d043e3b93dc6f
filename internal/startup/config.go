// Package startup sequences the master→child configuration protocol:
// SINIT, then per interface SIFN plus its address and peer records,
// then SEOS. Writer lives in the master; Reader lives in every child.
// Both sides work in terms of Config, a fully resolved in-memory
// configuration — parsing the external config file/grammar is out of
// scope; Config is what that external layer is expected to hand the
// master.
package startup

import "uwg/internal/wire"

// PeerConfig is one peer of an Interface, role-minimization applied by
// Writer at send time (never by the caller).
type PeerConfig struct {
	ID           uint16
	StaticPubKey [32]byte
	Mac1Key      [32]byte
	DHSecret     [32]byte
	PSK          [32]byte
	Name         string
	AllowedIPs   []wire.SCidrAddr
	Endpoint     *wire.SCidrAddr // nil if the peer has no fixed endpoint
}

// InterfaceConfig is one tunN's full resolved configuration.
type InterfaceConfig struct {
	ID      uint16
	Port    uint16
	Name    string
	Desc    string

	StaticPrivKey [32]byte
	StaticPubKey  [32]byte
	PubKeyHash    [32]byte
	Mac1Key       [32]byte
	CookieKey     [32]byte

	Addrs       []wire.SCidrAddr // interface's own tunnel addresses
	ListenAddrs []wire.SCidrAddr // UDP addresses the proxy binds for this interface
	Peers       []PeerConfig
}

// Config is the complete resolved startup configuration for one daemon
// instance, covering every interface and every child's shared fields.
type Config struct {
	Background bool
	Verbose    bool
	UID        uint32
	GID        uint32
	Port       uint16 // proxport or enclport, per §6's SINIT note
	Interfaces []InterfaceConfig
}

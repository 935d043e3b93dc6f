package ifn

import "net"

// stats is the subset of per-peer counters exposed by a SIGUSR1 dump.
type stats struct {
	RxBytes, TxBytes   uint64
	LastHandshake      int64 // unix seconds, 0 if never
}

// peer is one tunnel peer as seen by the interface-worker: a rotating
// session set, a queue for plaintext packets with nowhere to go yet,
// and the flow-pinned socket the proxy handed over for it.
type peer struct {
	id       uint16
	sessions *sessionSet
	queue    *outboundQueue
	endpoint net.Conn

	lastRekeyRequest int64 // unix nanos; 0 means never asked
	stats            stats
}

func newPeer(id uint16) *peer {
	return &peer{
		id:       id,
		sessions: newSessionSet(),
		queue:    newOutboundQueue(),
	}
}

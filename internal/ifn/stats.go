package ifn

import (
	"sort"

	"uwg/internal/logging"
)

// DumpStats writes one line per peer, line-oriented key=value text.
func (i *Interface) DumpStats(logger logging.Logger) {
	ids := make([]uint16, 0, len(i.peers))
	for id := range i.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		p := i.peers[id]
		logger.Printf("peer=%d rx_bytes=%d tx_bytes=%d last_handshake=%d queued=%d",
			id, p.stats.RxBytes, p.stats.TxBytes, p.stats.LastHandshake, p.queue.Len())
	}
}

package ifn

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// destAddr and srcAddr read the destination/source address straight out
// of an IPv4 or IPv6 header, the way outbound routing (destAddr, for
// the allowed-IPs lookup) and inbound source verification (srcAddr)
// both need: a decrypted packet's origin is checked against the
// sending peer's allowed-IPs.
func destAddr(pkt []byte) (family uint8, addr [16]byte, err error) {
	return addrAt(pkt, false)
}

func srcAddr(pkt []byte) (family uint8, addr [16]byte, err error) {
	return addrAt(pkt, true)
}

func addrAt(pkt []byte, wantSrc bool) (family uint8, addr [16]byte, err error) {
	if len(pkt) < 1 {
		return 0, addr, fmt.Errorf("ifn: empty packet")
	}
	ver := pkt[0] >> 4
	switch ver {
	case 4:
		if len(pkt) < ipv4.HeaderLen {
			return 0, addr, fmt.Errorf("ifn: truncated ipv4 header (%d bytes)", len(pkt))
		}
		ihl := int(pkt[0]&0x0f) * 4
		if ihl < ipv4.HeaderLen || len(pkt) < ihl {
			return 0, addr, fmt.Errorf("ifn: invalid ipv4 IHL=%d", ihl)
		}
		off := 16
		if wantSrc {
			off = 12
		}
		copy(addr[:4], pkt[off:off+4])
		return 4, addr, nil
	case 6:
		if len(pkt) < ipv6.HeaderLen {
			return 0, addr, fmt.Errorf("ifn: truncated ipv6 header (%d bytes)", len(pkt))
		}
		off := 24
		if wantSrc {
			off = 8
		}
		copy(addr[:], pkt[off:off+16])
		return 6, addr, nil
	default:
		return 0, addr, fmt.Errorf("ifn: unknown ip version %d", ver)
	}
}

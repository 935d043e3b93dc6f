package ifn

import (
	"net"
	"testing"

	"uwg/internal/ifn/allowedips"
	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

func addr4(a, b, c, d byte) [16]byte {
	var addr [16]byte
	addr[0], addr[1], addr[2], addr[3] = a, b, c, d
	return addr
}

func newTestInterfaceWithPipes(t *testing.T) (*Interface, net.Conn, net.Conn) {
	t.Helper()
	encA, encB := net.Pipe()
	proxyA, proxyB := net.Pipe()
	t.Cleanup(func() {
		_ = encA.Close()
		_ = encB.Close()
		_ = proxyA.Close()
		_ = proxyB.Close()
	})
	// Drain whatever the interface under test writes to the enclave so
	// SendStruct (a blocking net.Pipe write) never stalls a test that
	// doesn't care about its content.
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := encB.Read(buf); err != nil {
				return
			}
		}
	}()
	trie := allowedips.New()
	trie.Insert(4, addr4(10, 0, 0, 2), 32, 1)
	iface := NewInterface(1, nil, trie, wire.NewConn(encA), wire.NewConn(proxyA))
	return iface, encB, proxyB
}

func connectedUDPPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	aAddr := a.LocalAddr().(*net.UDPAddr)
	bAddr := b.LocalAddr().(*net.UDPAddr)
	_ = a.Close()
	_ = b.Close()

	// Re-bind to the exact same ports, now connected, so each socket's
	// fixed (local, remote) pair mirrors the proxy's flow-pinned sockets.
	aConn, err := net.DialUDP("udp4", aAddr, bAddr)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	bConn, err := net.DialUDP("udp4", bAddr, aAddr)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	return aConn, bConn
}

func TestHandleSessKeysInstallsNext(t *testing.T) {
	iface, _, _ := newTestInterfaceWithPipes(t)
	iface.AddPeer(1)

	err := iface.HandleSessKeys(wire.SessKeys{
		IfnID: 1, PeerID: 1, LocalSessionID: 7, PeerSessionID: 8,
		SendKey: [32]byte{1}, RecvKey: [32]byte{2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := iface.PeerByID(1)
	if !p.sessions.next.valid || p.sessions.next.localID != 7 {
		t.Fatalf("expected next session installed, got %+v", p.sessions.next)
	}
}

func TestHandleSessKeysUnknownPeerErrors(t *testing.T) {
	iface, _, _ := newTestInterfaceWithPipes(t)
	if err := iface.HandleSessKeys(wire.SessKeys{PeerID: 99}); err == nil {
		t.Fatal("expected an error for an unregistered peer")
	}
}

func TestTransportRoundTripBetweenTwoInterfaces(t *testing.T) {
	trieA := allowedips.New()
	trieA.Insert(4, addr4(10, 0, 0, 2), 32, 1)
	trieB := allowedips.New()
	trieB.Insert(4, addr4(10, 0, 0, 1), 32, 1)

	sendKey := [32]byte{0xaa}
	recvKey := [32]byte{0xbb}

	encA, _ := net.Pipe()
	proxyA, _ := net.Pipe()
	ifaceA := NewInterface(1, nil, trieA, wire.NewConn(encA), wire.NewConn(proxyA))
	peerA := ifaceA.AddPeer(1)

	encB, _ := net.Pipe()
	proxyB, _ := net.Pipe()
	ifaceB := NewInterface(2, nil, trieB, wire.NewConn(encB), wire.NewConn(proxyB))
	peerB := ifaceB.AddPeer(1)

	sockA, sockB := connectedUDPPair(t)
	defer sockA.Close()
	defer sockB.Close()
	peerA.endpoint = sockA
	peerB.endpoint = sockB

	peerA.sessions.InstallNext(100, 200, sendKey, recvKey)
	peerA.sessions.Promote()
	peerB.sessions.InstallNext(200, 100, recvKey, sendKey)
	peerB.sessions.Promote()

	pkt := ipv4Packet([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	ifaceA.sendOrQueue(peerA, pkt)

	buf := make([]byte, readBufSize)
	n, err := sockB.Read(buf)
	if err != nil {
		t.Fatalf("read on b: %v", err)
	}
	hdr, ciphertext, ok := decodeTransportHeader(buf[:n])
	if !ok {
		t.Fatal("expected a well-formed transport header")
	}
	if hdr.receiver != 200 {
		t.Fatalf("expected receiver 200, got %d", hdr.receiver)
	}
	pt, err := wgcrypto.OpenWithCounter(peerB.sessions.current.recvKey, hdr.counter, ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(pt) != string(pkt) {
		t.Fatal("decrypted plaintext does not match the original packet")
	}
}

func TestSendOrQueueQueuesWithoutSession(t *testing.T) {
	iface, _, _ := newTestInterfaceWithPipes(t)
	p := iface.AddPeer(1)

	pkt := ipv4Packet([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2})
	iface.sendOrQueue(p, pkt)

	if p.queue.Len() != 1 {
		t.Fatalf("expected 1 queued packet, got %d", p.queue.Len())
	}
}

func TestMaybeRequestRekeyRespectsTimeout(t *testing.T) {
	iface, _, _ := newTestInterfaceWithPipes(t)
	p := iface.AddPeer(1)

	iface.maybeRequestRekey(p) // first call: needs rekey (no current session)
	first := p.lastRekeyRequest
	if first == 0 {
		t.Fatal("expected lastRekeyRequest to be set")
	}
	iface.maybeRequestRekey(p) // immediate second call must be suppressed
	if p.lastRekeyRequest != first {
		t.Fatal("expected the retry-rate limit to suppress a second immediate rekey request")
	}
}

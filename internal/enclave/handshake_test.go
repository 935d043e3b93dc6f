package enclave

import (
	"testing"

	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// buildPair constructs two Interfaces, each configured with a Peer
// record for the other, the way the master's startup builder would
//: each side's DHSecret is the (symmetric) precomputed
// DH(own-static-priv, peer-static-pub).
func buildPair(t *testing.T) (ifaceA *Interface, peerBOnA *Peer, ifaceB *Interface, peerAOnB *Peer) {
	t.Helper()

	aPriv, aPub, err := wgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := wgcrypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	dhAB, err := wgcrypto.DH(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	dhBA, err := wgcrypto.DH(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if dhAB != dhBA {
		t.Fatal("precondition: DH must be symmetric")
	}

	var psk [32]byte
	psk[0] = 0x42

	sifnA := wire.SIfn{IfnID: 1, StaticPrivKey: aPriv, StaticPubKey: aPub, Mac1Key: wgcrypto.Mac1Key(aPub), CookieKey: wgcrypto.CookieKey(aPub)}
	sifnB := wire.SIfn{IfnID: 2, StaticPrivKey: bPriv, StaticPubKey: bPub, Mac1Key: wgcrypto.Mac1Key(bPub), CookieKey: wgcrypto.CookieKey(bPub)}
	sifnA.PubKeyHash = wgcrypto.MixHash(wgcrypto.ConsIDHash, aPub[:])
	sifnB.PubKeyHash = wgcrypto.MixHash(wgcrypto.ConsIDHash, bPub[:])

	ifaceA = NewInterface(sifnA)
	ifaceB = NewInterface(sifnB)

	peerBOnA = ifaceA.AddPeer(wire.SPeer{PeerID: 1, StaticPubKey: bPub, Mac1Key: wgcrypto.Mac1Key(bPub), DHSecret: dhAB, PSK: psk})
	peerAOnB = ifaceB.AddPeer(wire.SPeer{PeerID: 1, StaticPubKey: aPub, Mac1Key: wgcrypto.Mac1Key(aPub), DHSecret: dhBA, PSK: psk})

	return ifaceA, peerBOnA, ifaceB, peerAOnB
}

func TestHandshakeRoundTrip(t *testing.T) {
	ifaceA, peerB, ifaceB, peerA := buildPair(t)

	init, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatalf("BuildInitiation: %v", err)
	}

	respPeer, resp, sendKeyResp, recvKeyResp, err := ifaceB.ConsumeInitiation(&init)
	if err != nil {
		t.Fatalf("ConsumeInitiation: %v", err)
	}
	if respPeer != peerA {
		t.Fatal("responder identified the wrong peer")
	}

	sendKeyInit, recvKeyInit, err := ifaceA.ConsumeResponse(peerB, &resp)
	if err != nil {
		t.Fatalf("ConsumeResponse: %v", err)
	}

	if sendKeyInit != recvKeyResp {
		t.Fatal("initiator's send key must equal responder's recv key")
	}
	if recvKeyInit != sendKeyResp {
		t.Fatal("initiator's recv key must equal responder's send key")
	}
	if peerB.state != StateIdle {
		t.Fatal("initiator peer must return to IDLE after a successful response")
	}
}

func TestConsumeInitiationRejectsBadMAC1(t *testing.T) {
	ifaceA, peerB, ifaceB, _ := buildPair(t)

	init, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatal(err)
	}
	init.MAC1[0] ^= 0xFF

	if _, _, _, _, err := ifaceB.ConsumeInitiation(&init); err == nil {
		t.Fatal("expected rejection of a tampered MAC1")
	}
}

func TestConsumeInitiationRejectsReplay(t *testing.T) {
	ifaceA, peerB, ifaceB, _ := buildPair(t)

	init, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, err := ifaceB.ConsumeInitiation(&init); err != nil {
		t.Fatalf("first consumption should succeed: %v", err)
	}
	if _, _, _, _, err := ifaceB.ConsumeInitiation(&init); err == nil {
		t.Fatal("expected the replayed (identical timestamp) initiation to be rejected")
	}
}

func TestConsumeResponseRejectsUnknownReceiver(t *testing.T) {
	ifaceA, peerB, ifaceB, _ := buildPair(t)

	init, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatal(err)
	}
	_, resp, _, _, err := ifaceB.ConsumeInitiation(&init)
	if err != nil {
		t.Fatal(err)
	}
	resp.Receiver ^= 0xDEADBEEF

	if _, _, err := ifaceA.ConsumeResponse(peerB, &resp); err == nil {
		t.Fatal("expected rejection of a response with an unknown receiver session id")
	}
}

func TestBuildInitiationSupersedesOutstanding(t *testing.T) {
	ifaceA, peerB, _, _ := buildPair(t)

	first, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ifaceA.BuildInitiation(peerB)
	if err != nil {
		t.Fatal(err)
	}
	if first.Sender == second.Sender {
		t.Fatal("a superseding initiation must use a fresh sender index")
	}
	if peerB.localIndex != second.Sender {
		t.Fatal("peer state must track the most recent outstanding initiation")
	}
}

func TestHandshakeRateLimiter(t *testing.T) {
	_, peerB, ifaceB, _ := buildPair(t)
	_ = ifaceB

	allowed := 0
	for i := 0; i < handshakeRateBurst+3; i++ {
		if peerB.limiter.Allow() {
			allowed++
		}
	}
	if allowed != handshakeRateBurst {
		t.Fatalf("expected exactly %d allowed within the burst, got %d", handshakeRateBurst, allowed)
	}
}

package enclave

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.zx2c4.com/wireguard/tai64n"

	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// initMac1Offset/respMac1Offset are the byte offsets of the MAC1 field in
// the on-wire initiation/response layout, i.e. everything before them is
// what gets MAC'd.
const (
	initMac1Offset = 4 + 4 + 32 + 48 + 28 // Type, Sender, Ephemeral, Static, Timestamp
	respMac1Offset = 4 + 4 + 4 + 32 + 16  // Type, Sender, Receiver, Ephemeral, Empty
)

// BuildInitiation advances peer from IDLE to INIT_SENT and returns the
// MSGWGINIT to send. A second call before the first resolves supersedes
// it, zeroizing the superseded ephemeral.
func (i *Interface) BuildInitiation(p *Peer) (wire.MessageInitiation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateInitSent {
		p.resetInFlight()
	}

	ephPriv, ephPub, err := wgcrypto.GenerateKeypair()
	if err != nil {
		return wire.MessageInitiation{}, fmt.Errorf("enclave: ephemeral keypair: %w", err)
	}

	chainKey := wgcrypto.ConsHash
	h := wgcrypto.MixHash(wgcrypto.ConsIDHash, p.StaticPubKey[:])

	chainKey = wgcrypto.KDF1(chainKey[:], ephPub[:])
	h = wgcrypto.MixHash(h, ephPub[:])

	ss, err := wgcrypto.DH(ephPriv, p.StaticPubKey)
	if err != nil {
		wgcrypto.Zero(ephPriv[:])
		return wire.MessageInitiation{}, fmt.Errorf("enclave: dh(ephemeral, peer static): %w", err)
	}
	var key [32]byte
	chainKey, key = wgcrypto.KDF2(chainKey[:], ss[:])

	var msg wire.MessageInitiation
	msg.Type = wire.WGTypeInitiation
	msg.Ephemeral = ephPub

	staticCT, err := wgcrypto.SealWithAAD(key, h, i.StaticPubKey[:])
	if err != nil {
		wgcrypto.Zero(key[:])
		return wire.MessageInitiation{}, fmt.Errorf("enclave: seal static: %w", err)
	}
	copy(msg.Static[:], staticCT)
	h = wgcrypto.MixHash(h, msg.Static[:])

	chainKey, key = wgcrypto.KDF2(chainKey[:], p.DHSecret[:])

	ts := tai64n.Now()
	tsCT, err := wgcrypto.SealWithAAD(key, h, ts[:])
	if err != nil {
		wgcrypto.Zero(key[:])
		return wire.MessageInitiation{}, fmt.Errorf("enclave: seal timestamp: %w", err)
	}
	copy(msg.Timestamp[:], tsCT)
	h = wgcrypto.MixHash(h, msg.Timestamp[:])
	wgcrypto.Zero(key[:])

	localIndex := randomIndex()
	msg.Sender = localIndex

	prefix := wire.Marshal(msg)[:initMac1Offset]
	msg.MAC1 = wgcrypto.Mac(p.Mac1Key, prefix)

	p.state = StateInitSent
	p.localEphPriv = ephPriv
	p.localEphPub = ephPub
	p.localIndex = localIndex
	p.chainKey = chainKey
	p.hash = h

	return msg, nil
}

// ConsumeInitiation validates an inbound MSGWGINIT end to end (MAC1,
// AEAD, peer identification, replay) and, on success, returns the
// identified peer, the MSGWGRESP to send, and the session keys to hand
// the IFN via MSGSESSKEYS (responder=true). The exchange is stateless
// on the responder side: IDLE → (keys emitted, MSGWGRESP sent) → IDLE,
// with no intermediate state kept.
func (i *Interface) ConsumeInitiation(msg *wire.MessageInitiation) (*Peer, wire.MessageResponse, [32]byte, [32]byte, error) {
	var zero32 [32]byte
	raw := wire.Marshal(*msg)
	if wgcrypto.Mac(i.Mac1Key, raw[:initMac1Offset]) != msg.MAC1 {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: mac1 invalid")
	}

	chainKey := wgcrypto.ConsHash
	h := wgcrypto.MixHash(wgcrypto.ConsIDHash, i.StaticPubKey[:])

	chainKey = wgcrypto.KDF1(chainKey[:], msg.Ephemeral[:])
	h = wgcrypto.MixHash(h, msg.Ephemeral[:])

	ss, err := wgcrypto.DH(i.StaticPrivKey, msg.Ephemeral)
	if err != nil {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: dh(static, remote ephemeral): %w", err)
	}
	var key [32]byte
	chainKey, key = wgcrypto.KDF2(chainKey[:], ss[:])

	remoteStatic, err := wgcrypto.OpenWithAAD(key, h, msg.Static[:])
	wgcrypto.Zero(key[:])
	if err != nil {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: aead open static: %w", err)
	}
	h = wgcrypto.MixHash(h, msg.Static[:])

	var remoteStaticKey [32]byte
	copy(remoteStaticKey[:], remoteStatic)
	peer, ok := i.PeerByStaticKey(remoteStaticKey)
	if !ok {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: unknown peer static key")
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()

	if !peer.limiter.Allow() {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: peer %d handshake rate exceeded", peer.ID)
	}

	chainKey, key = wgcrypto.KDF2(chainKey[:], peer.DHSecret[:])

	tsPlain, err := wgcrypto.OpenWithAAD(key, h, msg.Timestamp[:])
	wgcrypto.Zero(key[:])
	if err != nil {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: aead open timestamp: %w", err)
	}
	h = wgcrypto.MixHash(h, msg.Timestamp[:])

	if len(tsPlain) != len(tai64n.Timestamp{}) {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: malformed timestamp")
	}
	var ts, prevTS tai64n.Timestamp
	copy(ts[:], tsPlain)
	copy(prevTS[:], peer.recvTS[:])
	if !ts.After(prevTS) {
		return nil, wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: replayed timestamp")
	}

	resp, sendKey, recvKey, err := i.buildResponse(peer, msg.Sender, msg.Ephemeral, chainKey, h)
	if err != nil {
		return nil, wire.MessageResponse{}, zero32, zero32, err
	}

	copy(peer.recvTS[:], tsPlain)
	peer.resetInFlight() // responder keeps no in-flight initiator state

	return peer, resp, sendKey, recvKey, nil
}

// buildResponse implements the responder half of the exchange: fresh
// ephemeral, the two remaining DHs, the PSK mix via KDF3, and the final
// AEAD(empty).
func (i *Interface) buildResponse(peer *Peer, remoteIndex uint32, remoteEphemeral [32]byte, chainKey, h [32]byte) (wire.MessageResponse, [32]byte, [32]byte, error) {
	var zero32 [32]byte
	ephPriv, ephPub, err := wgcrypto.GenerateKeypair()
	if err != nil {
		return wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: ephemeral keypair: %w", err)
	}
	defer wgcrypto.Zero(ephPriv[:])

	var msg wire.MessageResponse
	msg.Type = wire.WGTypeResponse
	msg.Sender = randomIndex()
	msg.Receiver = remoteIndex
	msg.Ephemeral = ephPub

	h = wgcrypto.MixHash(h, ephPub[:])
	chainKey = wgcrypto.KDF1(chainKey[:], ephPub[:])

	ssEph, err := wgcrypto.DH(ephPriv, remoteEphemeral)
	if err != nil {
		return wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: dh(resp ephemeral, init ephemeral): %w", err)
	}
	chainKey = wgcrypto.KDF1(chainKey[:], ssEph[:])

	ssStatic, err := wgcrypto.DH(ephPriv, peer.StaticPubKey)
	if err != nil {
		return wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: dh(resp ephemeral, init static): %w", err)
	}
	chainKey = wgcrypto.KDF1(chainKey[:], ssStatic[:])

	var tau, key [32]byte
	chainKey, tau, key = wgcrypto.KDF3(chainKey[:], peer.PSK[:])
	h = wgcrypto.MixHash(h, tau[:])

	emptyCT, err := wgcrypto.SealWithAAD(key, h, nil)
	wgcrypto.Zero(key[:])
	if err != nil {
		return wire.MessageResponse{}, zero32, zero32, fmt.Errorf("enclave: seal empty: %w", err)
	}
	copy(msg.Empty[:], emptyCT)

	prefix := wire.Marshal(msg)[:respMac1Offset]
	msg.MAC1 = wgcrypto.Mac(peer.Mac1Key, prefix)

	sendKey, recvKey := wgcrypto.KDF2(chainKey[:], nil)
	// Responder's send key is the peer's recv key and vice versa; KDF2's
	// first output is conventionally "initiator sends with this" so the
	// responder swaps them.
	return msg, recvKey, sendKey, nil
}

// ConsumeResponse validates an inbound MSGWGRESP against peer's
// outstanding INIT_SENT and, on success, derives the session keys
// (responder=false) and returns peer to IDLE.
func (i *Interface) ConsumeResponse(p *Peer, msg *wire.MessageResponse) ([32]byte, [32]byte, error) {
	var zero32 [32]byte
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInitSent || p.localIndex != msg.Receiver {
		return zero32, zero32, fmt.Errorf("enclave: unknown receiver session id")
	}

	raw := wire.Marshal(*msg)
	if wgcrypto.Mac(i.Mac1Key, raw[:respMac1Offset]) != msg.MAC1 {
		return zero32, zero32, fmt.Errorf("enclave: mac1 invalid")
	}

	chainKey := p.chainKey
	h := p.hash

	h = wgcrypto.MixHash(h, msg.Ephemeral[:])
	chainKey = wgcrypto.KDF1(chainKey[:], msg.Ephemeral[:])

	ssEph, err := wgcrypto.DH(p.localEphPriv, msg.Ephemeral)
	if err != nil {
		return zero32, zero32, fmt.Errorf("enclave: dh(init ephemeral, resp ephemeral): %w", err)
	}
	chainKey = wgcrypto.KDF1(chainKey[:], ssEph[:])

	// Second DH, from the initiator's side: DH(initiator-static-priv,
	// responder-ephemeral).
	ssStatic, err := wgcrypto.DH(i.StaticPrivKey, msg.Ephemeral)
	if err != nil {
		return zero32, zero32, fmt.Errorf("enclave: dh(init static, resp ephemeral): %w", err)
	}
	chainKey = wgcrypto.KDF1(chainKey[:], ssStatic[:])

	var tau, key [32]byte
	chainKey, tau, key = wgcrypto.KDF3(chainKey[:], p.PSK[:])
	h = wgcrypto.MixHash(h, tau[:])

	if _, err := wgcrypto.OpenWithAAD(key, h, msg.Empty[:]); err != nil {
		wgcrypto.Zero(key[:])
		return zero32, zero32, fmt.Errorf("enclave: aead open empty: %w", err)
	}
	wgcrypto.Zero(key[:])

	sendKey, recvKey := wgcrypto.KDF2(chainKey[:], nil)
	p.resetInFlight()
	return sendKey, recvKey, nil
}

func randomIndex() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

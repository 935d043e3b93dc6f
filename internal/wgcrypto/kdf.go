// Package wgcrypto implements the Noise_IKpsk2 primitives WireGuard uses:
// the HMAC-BLAKE2s counter-mode KDF, the running chaining-key/hash mix
// functions, and zero-nonce ChaCha20-Poly1305 sealing keyed per message
// and direction.
//
// This is hand-rolled rather than built on a generic Noise library
// because the literal WireGuard wire sizes (148/92/64 bytes) and KDF
// construction are fixed by the wire format, and a general-purpose
// Noise state machine does not expose them directly.
package wgcrypto

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

const (
	// NoiseConstruction and WGIdentifier are the two domain-separation
	// strings the WireGuard handshake mixes in before any peer-specific
	// material, producing CONSHASH/CONSIDHASH.
	NoiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	WGIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"

	LabelMAC1   = "mac1----"
	LabelCookie = "cookie--"
)

// ConsHash and ConsIDHash are CONSHASH/CONSIDHASH, precomputed once at
// package init since they never depend on peer-specific material.
var (
	ConsHash   [blake2s.Size]byte
	ConsIDHash [blake2s.Size]byte
)

func init() {
	ConsHash = blake2s.Sum256([]byte(NoiseConstruction))
	ConsIDHash = MixHash(ConsHash, []byte(WGIdentifier))
}

func newBlake2sHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// hmac1 computes HMAC-BLAKE2s(key, in0) — the building block KDF_n is
// built from.
func hmac1(key, in0 []byte) [blake2s.Size]byte {
	mac := hmac.New(newBlake2sHash, key)
	mac.Write(in0)
	var out [blake2s.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// KDF1 derives a single 32-byte output from key and input.
func KDF1(key, input []byte) [blake2s.Size]byte {
	prk := hmac1(key, input)
	defer zero(prk[:])
	return hmac1(prk[:], []byte{0x1})
}

// KDF2 derives two 32-byte outputs.
func KDF2(key, input []byte) (t0, t1 [blake2s.Size]byte) {
	prk := hmac1(key, input)
	defer zero(prk[:])
	t0 = hmac1(prk[:], []byte{0x1})
	t1 = hmac1(prk[:], append(append([]byte{}, t0[:]...), 0x2))
	return
}

// KDF3 derives three 32-byte outputs, used for the PSK mix.
func KDF3(key, input []byte) (t0, t1, t2 [blake2s.Size]byte) {
	prk := hmac1(key, input)
	defer zero(prk[:])
	t0 = hmac1(prk[:], []byte{0x1})
	t1 = hmac1(prk[:], append(append([]byte{}, t0[:]...), 0x2))
	t2 = hmac1(prk[:], append(append([]byte{}, t1[:]...), 0x3))
	return
}

// MixHash advances a running transaction hash: h' = Hash(h || data).
func MixHash(h [blake2s.Size]byte, data []byte) [blake2s.Size]byte {
	hh, _ := blake2s.New256(nil)
	hh.Write(h[:])
	hh.Write(data)
	var out [blake2s.Size]byte
	copy(out[:], hh.Sum(nil))
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

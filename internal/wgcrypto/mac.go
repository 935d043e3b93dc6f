package wgcrypto

import "golang.org/x/crypto/blake2s"

// Mac1Key derives the per-peer key used to compute/verify MAC1, keyed
// blake2s(LABEL_MAC1 || staticPubkey).
func Mac1Key(staticPub [32]byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(LabelMAC1))
	h.Write(staticPub[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CookieKey derives the per-peer key used to encrypt/decrypt cookie
// replies, keyed blake2s(LABEL_COOKIE || staticPubkey).
func CookieKey(staticPub [32]byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(LabelCookie))
	h.Write(staticPub[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Mac computes a 16-byte keyed-BLAKE2s MAC of msg under key, matching the
// WireGuard MAC1/MAC2 construction (native keyed mode, not HMAC).
func Mac(key [32]byte, msg []byte) [16]byte {
	h, _ := blake2s.New128(key[:])
	h.Write(msg)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MacWithCookie computes MAC2, keyed by the 16-byte cookie value rather
// than a derived static key.
func MacWithCookie(cookie [16]byte, msg []byte) [16]byte {
	h, _ := blake2s.New128(cookie[:])
	h.Write(msg)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

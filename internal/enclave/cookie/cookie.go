// Package cookie implements the WireGuard cookie mechanism: a
// responder under load hands out a MAC of the sender's source address
// instead of completing a handshake, and validates that the sender
// proves possession of it (MAC2) on a later retry. One Manager exists
// per Interface, since the cookie encryption secret is keyed off each
// interface's own static identity, not a process-wide value.
package cookie

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"uwg/internal/wgcrypto"
)

// rotateInterval matches the upstream WireGuard cookie secret lifetime.
const rotateInterval = 2 * time.Minute

// Manager derives per-source cookies and encrypts/decrypts the
// MSGWGCOOK reply payload for one Interface.
type Manager struct {
	replyKey [32]byte // Hash(LABEL_COOKIE || interface static pubkey), fixed

	mu        sync.Mutex
	secret    [32]byte // rotated every rotateInterval
	rotatedAt time.Time
}

// NewManager builds a Manager keyed by an interface's precomputed cookie
// reply key (wire.SIfn.CookieKey).
func NewManager(replyKey [32]byte) *Manager {
	m := &Manager{replyKey: replyKey}
	m.rotateLocked()
	return m
}

func (m *Manager) rotateLocked() {
	_, _ = rand.Read(m.secret[:])
	m.rotatedAt = time.Now()
}

func (m *Manager) currentSecret() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.rotatedAt) > rotateInterval {
		m.rotateLocked()
	}
	return m.secret
}

// Cookie derives the 16-byte cookie value for a source address:
// Keyed-BLAKE2s-128(secret, sourceAddr).
func (m *Manager) Cookie(sourceAddr []byte) [16]byte {
	secret := m.currentSecret()
	h, _ := blake2s.New128(secret[:])
	h.Write(sourceAddr)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Seal encrypts a cookie value for a MSGWGCOOK reply, with the
// initiator's MAC1 field (from the message being replied to) as
// associated data.
func (m *Manager) Seal(value [16]byte, mac1 [16]byte) (nonce [24]byte, ciphertext [32]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, ciphertext, fmt.Errorf("cookie: nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(m.replyKey[:])
	if err != nil {
		return nonce, ciphertext, fmt.Errorf("cookie: new aead: %w", err)
	}
	ct := aead.Seal(nil, nonce[:], value[:], mac1[:])
	copy(ciphertext[:], ct)
	return nonce, ciphertext, nil
}

// Open decrypts a MSGWGCOOK payload into its 16-byte cookie value.
func (m *Manager) Open(nonce [24]byte, ciphertext [32]byte, mac1 [16]byte) ([16]byte, error) {
	var out [16]byte
	aead, err := chacha20poly1305.NewX(m.replyKey[:])
	if err != nil {
		return out, fmt.Errorf("cookie: new aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext[:], mac1[:])
	if err != nil {
		return out, fmt.Errorf("cookie: open: %w", err)
	}
	copy(out[:], pt)
	return out, nil
}

// ValidateMAC2 checks a message's MAC2 field against a previously issued
// cookie value.
func ValidateMAC2(value [16]byte, msgPrefix []byte, mac2 [16]byte) bool {
	return wgcrypto.MacWithCookie(value, msgPrefix) == mac2
}

package wgcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Seal encrypts plaintext under key with a zero nonce, AAD-less, the way
// every handshake sub-message does.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts ciphertext sealed by Seal.
func Open(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: open: %w", err)
	}
	return pt, nil
}

// SealWithAAD is Seal but with the handshake's running hash bound in as
// associated data, the construction every handshake sub-message uses.
func SealWithAAD(key [32]byte, aad [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, aad[:]), nil
}

// OpenWithAAD is Open but with the handshake's running hash bound in as
// associated data.
func OpenWithAAD(key [32]byte, aad [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: open with aad: %w", err)
	}
	return pt, nil
}

// SealWithCounter encrypts a transport data packet under key, placing the
// peer's send counter little-endian in the last 8 bytes of the 12-byte
// nonce (the first 4 bytes are zero).
func SealWithCounter(key [32]byte, counter uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	nonce := counterNonce(counter)
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// OpenWithCounter decrypts a transport data packet.
func OpenWithCounter(key [32]byte, counter uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: new aead: %w", err)
	}
	nonce := counterNonce(counter)
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wgcrypto: open: %w", err)
	}
	return pt, nil
}

func counterNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(counter >> (8 * i))
	}
	return nonce
}

// GenerateKeypair produces a fresh Curve25519 static or ephemeral keypair.
func GenerateKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	clampPrivate(&priv)
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// PublicKey derives the public key matching a private key.
func PublicKey(priv [32]byte) [32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// DH computes the X25519 shared secret between a private and a peer's
// public key. It returns an error on a contributory low-order point,
// mirroring the reference implementation's all-zero-output rejection.
func DH(priv, pub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("wgcrypto: dh: %w", err)
	}
	copy(shared[:], out)
	if allZero(shared[:]) {
		return shared, fmt.Errorf("wgcrypto: dh: all-zero shared secret")
	}
	return shared, nil
}

func clampPrivate(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

func allZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}

// Zero overwrites b with zeros. Callers use runtime.KeepAlive immediately
// after to defeat dead-store elimination.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

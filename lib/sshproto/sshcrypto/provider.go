// Package sshcrypto wraps the cryptographic primitives the SSH client
// protocol reducer needs: SHA-256 digests, AES-128-GCM seal/open,
// Ed25519 signature verification, and curve25519 scalar multiplication.
// Everything here is a thin capability surface over an injected
// Provider so the session reducer never imports crypto/* directly: the
// default implementation wraps the standard library crypto/* packages
// plus golang.org/x/crypto/curve25519 for the constant-time ladder.
package sshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"

	"golang.org/x/crypto/curve25519"

	"github.com/anveio/mana/lib/sessionerr"
)

// Provider is the capability surface a Session needs from the
// cryptographic layer. Implementations must be safe for concurrent use
// only to the extent that the owning Session's single-owner async
// task cursor guarantees: calls are serialized one at a time.
type Provider interface {
	// Digest hashes data with the named algorithm. Only "sha256" is
	// mandatory for this engine.
	Digest(algorithm string, data []byte) ([]byte, error)

	// AEADSeal encrypts plaintext with AES-128-GCM, returning
	// ciphertext with a 16-byte tag appended.
	AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error)

	// AEADOpen decrypts and authenticates ciphertext (tag appended)
	// produced by AEADSeal.
	AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error)

	// Ed25519Verify reports whether sig is a valid Ed25519 signature of
	// message under publicKey (32 bytes).
	Ed25519Verify(publicKey, sig, message []byte) bool

	// Curve25519ScalarBaseMult computes the public point for a clamped
	// 32-byte scalar via the base point.
	Curve25519ScalarBaseMult(scalar []byte) ([]byte, error)

	// Curve25519ScalarMult computes the shared point for a clamped
	// 32-byte scalar and a 32-byte peer point.
	Curve25519ScalarMult(scalar, peerPoint []byte) ([]byte, error)
}

// Default returns the standard Provider: crypto/sha256, crypto/aes in
// GCM mode, crypto/ed25519, and golang.org/x/crypto/curve25519.
func Default() Provider { return defaultProvider{} }

type defaultProvider struct{}

func (defaultProvider) Digest(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case "sha256":
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, sessionerr.Invariant("sshcrypto: unsupported digest algorithm %q", algorithm)
	}
}

func gcmCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, sessionerr.Wrap(err, "sshcrypto: aes key setup")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sessionerr.Wrap(err, "sshcrypto: gcm setup")
	}
	return aead, nil
}

func (defaultProvider) AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := gcmCipher(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (defaultProvider) AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := gcmCipher(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, sessionerr.Protocol("sshcrypto: AES-GCM authentication failed")
	}
	return pt, nil
}

func (defaultProvider) Ed25519Verify(publicKey, sig, message []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// clampScalar applies RFC 7748 curve25519 clamping: clear bits
// 0,1,2 of the first byte, set bit 6 and clear bit 7 of the last.
func clampScalar(scalar []byte) ([]byte, error) {
	if len(scalar) != 32 {
		return nil, sessionerr.Invariant("sshcrypto: curve25519 scalar must be 32 bytes, got %d", len(scalar))
	}
	out := make([]byte, 32)
	copy(out, scalar)
	out[0] &^= 0b0000_0111
	out[31] &^= 0b1000_0000
	out[31] |= 0b0100_0000
	return out, nil
}

func (defaultProvider) Curve25519ScalarBaseMult(scalar []byte) ([]byte, error) {
	clamped, err := clampScalar(scalar)
	if err != nil {
		return nil, err
	}
	var out [32]byte
	pub, err := curve25519.X25519(clamped, curve25519.Basepoint)
	if err != nil {
		return nil, sessionerr.Wrap(err, "sshcrypto: curve25519 base scalar mult")
	}
	copy(out[:], pub)
	return out[:], nil
}

func (defaultProvider) Curve25519ScalarMult(scalar, peerPoint []byte) ([]byte, error) {
	clamped, err := clampScalar(scalar)
	if err != nil {
		return nil, err
	}
	if len(peerPoint) != 32 {
		return nil, sessionerr.Protocol("sshcrypto: curve25519 peer point must be 32 bytes, got %d", len(peerPoint))
	}
	shared, err := curve25519.X25519(clamped, peerPoint)
	if err != nil {
		return nil, sessionerr.Protocol("sshcrypto: curve25519 scalar mult failed (%v)", err)
	}
	return shared, nil
}

// Package crypto provides symmetric encryption and integrity hashing for
// message payloads and signaling envelopes. Keys are derived from a shared
// secret; the same secret always yields the same key on both peers.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyBytes   = chacha20poly1305.KeySize
	NonceBytes = chacha20poly1305.NonceSize
)

// ErrDecryption is returned when a ciphertext fails authentication, which
// covers both a wrong key and a corrupted ciphertext or nonce.
var ErrDecryption = errors.New("decryption failed")

// Key is a symmetric key usable with Encrypt and Decrypt.
type Key [KeyBytes]byte

// keySalt is a fixed application salt. Both peers must derive from the same
// out-of-band secret, so the salt cannot be random.
var keySalt = []byte("peerlink-key-derivation-v1")

// DeriveKey derives a symmetric key from a shared secret or passphrase.
// Derivation is deterministic: the same secret yields the same key.
func DeriveKey(secret []byte) Key {
	var k Key
	copy(k[:], argon2.IDKey(secret, keySalt, 1, 64*1024, 4, KeyBytes))
	return k
}

// DeriveConversationKey derives an at-rest key for a single conversation from
// the master key. Compromise of one conversation key does not expose content
// stored under another.
func DeriveConversationKey(master Key, conversationID string) Key {
	var k Key
	copy(k[:], argon2.IDKey(master[:], []byte(conversationID), 1, 64*1024, 4, KeyBytes))
	return k
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under a fresh random nonce.
// The nonce is never reused for two plaintexts under the same key.
func Encrypt(key Key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. It returns ErrDecryption if
// the authentication tag does not verify; no partial plaintext is ever
// returned.
func Decrypt(key Key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceBytes {
		return nil, ErrDecryption
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Hash computes a SHA-256 digest for integrity checks independent of
// confidentiality.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// VerifyHash reports whether digest matches the SHA-256 digest of data.
func VerifyHash(data, digest []byte) bool {
	sum := sha256.Sum256(data)
	return subtle.ConstantTimeCompare(sum[:], digest) == 1
}

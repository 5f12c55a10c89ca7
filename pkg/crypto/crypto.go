// Package crypto provides the cryptographic primitives used across
// UsenetSync: AEAD encryption of segment bodies and index envelopes, password
// key derivation for protected shares, and per-folder Ed25519 signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the symmetric key size in bytes (AES-256).
	KeySize = 32

	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size in bytes.
	TagSize = 16

	// SaltSize is the KDF salt size in bytes.
	SaltSize = 32

	// PBKDF2Iterations is the fixed iteration count for PBKDF2-HMAC-SHA256.
	PBKDF2Iterations = 100_000

	// Scrypt parameters.
	ScryptN = 1 << 14
	ScryptR = 8
	ScryptP = 1
)

// ErrIntegrity indicates an AEAD tag mismatch or other authenticated
// decryption failure. Callers treat it as a per-replica discard signal.
var ErrIntegrity = errors.New("integrity check failed")

// ErrKeySize indicates a key of the wrong length was supplied.
var ErrKeySize = errors.New("invalid key size")

// Encrypt seals plaintext with AES-256-GCM under key. The random nonce is
// prepended to the ciphertext: nonce || ciphertext || tag.
func Encrypt(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, associatedData), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM ciphertext produced by Encrypt.
// Returns ErrIntegrity on tag mismatch.
func Decrypt(key, blob, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+TagSize {
		return nil, ErrIntegrity
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], associatedData)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// DecryptInto is Decrypt appending the plaintext to dst, letting callers
// reuse a scratch buffer across segments.
func DecryptInto(dst, key, blob, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+TagSize {
		return nil, ErrIntegrity
	}

	plaintext, err := aead.Open(dst, blob[:NonceSize], blob[NonceSize:], associatedData)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewSessionKey returns a fresh random 32-byte symmetric key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// DeriveKeyPBKDF2 derives a 32-byte key from a password with
// PBKDF2-HMAC-SHA256 at the fixed iteration count.
func DeriveKeyPBKDF2(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// DeriveKeyScrypt derives a 32-byte key from a password with scrypt
// (N=16384, r=8, p=1).
func DeriveKeyScrypt(password, salt []byte) ([]byte, error) {
	return scrypt.Key(password, salt, ScryptN, ScryptR, ScryptP, KeySize)
}

// HMACSHA256 returns HMAC-SHA256(key, data). Used for access-commitment key
// derivation and internal subjects.
func HMACSHA256(key []byte, data ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// GenerateSigningKey creates a fresh Ed25519 keypair.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return pub, priv, nil
}

// Sign signs message with the folder signing key.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature of message under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// WrapKey encrypts a 32-byte inner key under an outer key. The result is
// nonce || ciphertext || tag.
func WrapKey(inner, outer, associatedData []byte) ([]byte, error) {
	if len(inner) != KeySize {
		return nil, fmt.Errorf("%w: inner key is %d bytes", ErrKeySize, len(inner))
	}
	return Encrypt(outer, inner, associatedData)
}

// UnwrapKey reverses WrapKey. Returns ErrIntegrity when the outer key or
// associated data is wrong.
func UnwrapKey(wrapped, outer, associatedData []byte) ([]byte, error) {
	inner, err := Decrypt(outer, wrapped, associatedData)
	if err != nil {
		return nil, err
	}
	if len(inner) != KeySize {
		return nil, ErrIntegrity
	}
	return inner, nil
}

// Zeroize overwrites key material in place. Callers should defer it whenever
// a raw key is held in memory.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

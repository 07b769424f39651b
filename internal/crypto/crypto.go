// Package crypto collects the hashing, signing, and at-rest envelope
// primitives shared by the ledger and checkpoint engines.
//
// Grounded on pkg/attestation/strategy/ed25519_strategy.go's stdlib
// crypto/ed25519 usage and fida/crypto.py / fida/util.py's
// b64u_encode/b64u_decode/sha256_hex helpers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrConfig is returned when the deployment master key is malformed.
var ErrConfig = errors.New("crypto: config error")

// ErrCrypto is returned when AEAD authentication fails.
var ErrCrypto = errors.New("crypto: authentication failure")

// Sha256Hex returns the lowercase hex SHA-256 digest of b.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// B64U encodes raw bytes as unpadded URL-safe base64.
func B64U(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64UDecode decodes unpadded (or padded) URL-safe base64, lenient on
// padding as spec §4.2 requires of verifiers.
func B64UDecode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}

// GenerateEd25519 returns a fresh Ed25519 key pair: the raw 32-byte
// seed (suitable for envelope storage) and the raw 32-byte public key.
func GenerateEd25519() (seed []byte, pub ed25519.PublicKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return priv.Seed(), pub, nil
}

// Ed25519FromSeed reconstructs a private key from its 32-byte seed.
func Ed25519FromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign signs msg with the Ed25519 private key derived from seed and
// returns the signature base64url-encoded.
func Sign(seed []byte, msg []byte) (string, error) {
	priv, err := Ed25519FromSeed(seed)
	if err != nil {
		return "", err
	}
	return B64U(ed25519.Sign(priv, msg)), nil
}

// Verify checks a base64url-encoded signature against a raw 32-byte
// public key and message.
func Verify(pub []byte, msg []byte, sigB64U string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := B64UDecode(sigB64U)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EventDigest returns the raw bytes that ledger events are signed over:
// the event_hash hex string decoded back to its 32 raw bytes (spec §4.3
// step 6 — events sign the digest, not the header bytes).
func EventDigest(eventHashHex string) ([]byte, error) {
	b, err := hex.DecodeString(eventHashHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid event hash hex: %w", err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("crypto: event hash must be %d bytes, got %d", sha256.Size, len(b))
	}
	return b, nil
}

// Envelope seals key material at rest with AES-256-GCM under a single
// deployment master key. Wire layout: nonce(12) || ciphertext || tag,
// base64url-encoded as one blob. Associated data is empty (spec §4.2).
type Envelope struct {
	masterKey []byte
}

// NewEnvelope validates the master key is exactly 32 bytes.
func NewEnvelope(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w: master key must be 32 bytes, got %d", ErrConfig, len(masterKey))
	}
	return &Envelope{masterKey: masterKey}, nil
}

// Seal encrypts plaintext and returns the base64url-encoded blob.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return B64U(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (e *Envelope) Open(blobB64U string) ([]byte, error) {
	blob, err := B64UDecode(blobB64U)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid envelope encoding: %v", ErrCrypto, err)
	}
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: envelope too short", ErrCrypto)
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

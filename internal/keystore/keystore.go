// Package keystore manages the platform signing key and per-tenant
// signing keys behind an at-rest AEAD envelope, decrypting on demand
// rather than holding raw seeds in memory longer than a single sign
// call needs them.
//
// Grounded on pkg/attestation/strategy/ed25519_strategy.go's key
// lifecycle (generate-or-load, PublicKeyHex, seed-based
// reconstruction), adapted so the private seed is never resident
// except inside Sign, per the envelope hook in spec §9.
package keystore

import (
	"fmt"

	fcrypto "github.com/fidarail/fesledger/internal/crypto"
)

// Key is one Ed25519 signing identity: its public half plus the sealed
// (encrypted) form of its private seed.
type Key struct {
	Kid     string
	PubB64U string
	SeedEnc string // envelope-sealed 32-byte seed
}

// Store wraps an Envelope to generate, seal, and sign with Ed25519
// key material without ever persisting a raw seed.
type Store struct {
	envelope *fcrypto.Envelope
}

// New constructs a Store bound to the deployment's master-key envelope.
func New(envelope *fcrypto.Envelope) *Store {
	return &Store{envelope: envelope}
}

// Generate creates a fresh Ed25519 key pair and returns it sealed,
// ready for persistence. kid is supplied by the caller (platform or
// tenant provisioning chooses the identifier scheme).
func (s *Store) Generate(kid string) (*Key, error) {
	seed, pub, err := fcrypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	sealed, err := s.envelope.Seal(seed)
	if err != nil {
		return nil, fmt.Errorf("keystore: seal seed: %w", err)
	}
	return &Key{
		Kid:     kid,
		PubB64U: fcrypto.B64U(pub),
		SeedEnc: sealed,
	}, nil
}

// Sign decrypts k's seed just long enough to sign digest, and returns
// the base64url signature. The decrypted seed never outlives this call.
func (s *Store) Sign(k *Key, digest []byte) (string, error) {
	seed, err := s.envelope.Open(k.SeedEnc)
	if err != nil {
		return "", fmt.Errorf("keystore: open sealed seed for kid %s: %w", k.Kid, err)
	}
	defer zero(seed)
	return fcrypto.Sign(seed, digest)
}

// SignBytes is Sign's counterpart for checkpoint signing, which is
// over canonical header bytes rather than a digest (spec §4.5 step 4).
// The envelope-decrypt lifecycle is identical; only the caller's
// choice of input differs, so this is a thin alias kept distinct to
// make call sites self-documenting.
func (s *Store) SignBytes(k *Key, data []byte) (string, error) {
	return s.Sign(k, data)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package keystore holds per-actor Ed25519 keypairs and exposes the
// sign/verify primitives the rest of the kernel builds on. The in-memory
// map backend can be swapped for an HSM or KMS behind the same surface.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
)

// ErrMissingPrivateKey is returned when signing is requested for a key
// that is unknown or verify-only. The message is part of the external
// error contract.
var ErrMissingPrivateKey = errors.New("MissingPrivateKey")

// ErrUnknownKey is returned when a key id has no material at all.
var ErrUnknownKey = errors.New("keystore: unknown key")

// Keypair is the stored material for one key id. Private may be nil for
// imported verify-only keys.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Keystore manages Ed25519 keypairs keyed by "ed25519:<actor>".
type Keystore struct {
	mu   sync.RWMutex
	keys map[string]*Keypair
}

// New creates an empty keystore.
func New() *Keystore {
	return &Keystore{keys: make(map[string]*Keypair)}
}

// EnsureKey returns the key id for an actor, generating a keypair on
// first use. Idempotent.
func (ks *Keystore) EnsureKey(actor identity.ActorID) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	keyID := actor.KeyID()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[keyID]; ok {
		return keyID, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("key generation failed: %w", err)
	}
	ks.keys[keyID] = &Keypair{Public: pub, Private: priv}
	return keyID, nil
}

// DeriveKey installs a deterministic keypair for an actor, derived from a
// master seed with HKDF-SHA256. The same seed and actor always yield the
// same keypair, which lets a deployment rebuild its identities from one
// secret.
func (ks *Keystore) DeriveKey(masterSeed []byte, actor identity.ActorID) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	if len(masterSeed) == 0 {
		return "", errors.New("keystore: empty master seed")
	}

	reader := hkdf.New(sha256.New, masterSeed, []byte("sovereign-actor-kdf"), []byte(actor))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return "", fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	keyID := actor.KeyID()
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID] = &Keypair{Public: pub, Private: priv}
	return keyID, nil
}

// Sign produces the lower-case hex encoding of the 64-byte Ed25519
// signature over data. Fails with ErrMissingPrivateKey when the key is
// unknown or has no private component.
func (ks *Keystore) Sign(data []byte, keyID string) (string, error) {
	ks.mu.RLock()
	kp, ok := ks.keys[keyID]
	ks.mu.RUnlock()

	if !ok || kp.Private == nil {
		return "", ErrMissingPrivateKey
	}
	sig := ed25519.Sign(kp.Private, data)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature over data under a raw public key.
// Malformed input is a negative result, never an error: callers above
// the keystore must not branch on decode failures.
func (ks *Keystore) Verify(sigHex string, data []byte, pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// PublicKey returns the public key for a key id.
func (ks *Keystore) PublicKey(keyID string) (ed25519.PublicKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kp, ok := ks.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return kp.Public, nil
}

// ImportKeypair installs key material under a key id. priv may be nil to
// import a verify-only key. Replaces any existing material.
func (ks *Keystore) ImportKeypair(keyID string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size %d", len(pub))
	}
	if priv != nil && len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size %d", len(priv))
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyID] = &Keypair{Public: pub, Private: priv}
	return nil
}

// ExportPublicKeyHex returns the hex encoding of a public key.
func (ks *Keystore) ExportPublicKeyHex(keyID string) (string, error) {
	pub, err := ks.PublicKey(keyID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// DIDKey returns the did:key identifier for a stored public key.
func (ks *Keystore) DIDKey(keyID string) (string, error) {
	pub, err := ks.PublicKey(keyID)
	if err != nil {
		return "", err
	}
	return identity.DIDKey(pub)
}

// DIDDocument returns a minimal DID document for an actor's stored key.
func (ks *Keystore) DIDDocument(actor identity.ActorID) (*identity.DIDDocument, error) {
	pub, err := ks.PublicKey(actor.KeyID())
	if err != nil {
		return nil, err
	}
	return identity.NewDIDDocument(actor, pub)
}

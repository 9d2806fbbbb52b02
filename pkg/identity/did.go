package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Multicodec prefix for an Ed25519 public key.
var ed25519Multicodec = []byte{0xED, 0x01}

// DIDKey encodes an Ed25519 public key as a self-certifying did:key
// identifier: "did:key:z" + base64url(0xED 0x01 || publicKey).
func DIDKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length %d", len(pub))
	}
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return "did:key:z" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DIDDocument is a minimal DID document for an actor-held key.
type DIDDocument struct {
	ID                 string   `json:"id"`
	VerificationMethod []Method `json:"verificationMethod"`
	Authentication     []string `json:"authentication"`
}

// Method describes a verification method inside a DID document.
type Method struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Controller   string `json:"controller"`
	PublicKeyHex string `json:"publicKeyHex"`
}

// NewDIDDocument builds the DID document for an actor's public key.
func NewDIDDocument(actor ActorID, pub ed25519.PublicKey) (*DIDDocument, error) {
	did, err := DIDKey(pub)
	if err != nil {
		return nil, err
	}
	methodID := did + "#" + actor.Name()
	return &DIDDocument{
		ID: did,
		VerificationMethod: []Method{{
			ID:           methodID,
			Type:         "Ed25519VerificationKey2020",
			Controller:   did,
			PublicKeyHex: fmt.Sprintf("%x", []byte(pub)),
		}},
		Authentication: []string{methodID},
	}, nil
}

// Package receipt issues signed execution receipts and maintains the
// hash-chained receipt ledger that makes executed actions independently
// auditable.
package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
)

// Receipt is a signed record of an executed action bound to its
// mandate. Signed by the issuing actor, typically the adapter.
type Receipt struct {
	ReceiptID        string                 `json:"receipt_id"`
	MandateID        string                 `json:"mandate_id,omitempty"`
	Actor            identity.ActorID       `json:"actor"`
	Action           string                 `json:"action"`
	RequestHash      string                 `json:"request_hash"`
	ResponseHash     string                 `json:"response_hash,omitempty"`
	ProviderMetadata map[string]interface{} `json:"provider_metadata,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
	MirrorRef        string                 `json:"mirror_ref,omitempty"`
	Signature        string                 `json:"signature"`
}

// Params carries the caller-supplied receipt fields.
type Params struct {
	MandateID        string
	Actor            identity.ActorID
	Action           string
	RequestHash      string
	ResponseHash     string
	ProviderMetadata map[string]interface{}
	MirrorRef        string
}

// SigningBytes returns the canonical bytes a receipt signature covers:
// the receipt with the signature field removed.
func SigningBytes(r *Receipt) ([]byte, error) {
	view, err := dataView(r)
	if err != nil {
		return nil, err
	}
	return canonicalize.Canonical(view)
}

// Data returns the receipt as a generic tree with the signature
// removed. The receipt chain hashes this view so links can be
// re-verified from data alone.
func Data(r *Receipt) (map[string]interface{}, error) {
	return dataView(r)
}

func dataView(r *Receipt) (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", canonicalize.ErrUnrepresentable, err)
	}
	var view map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&view); err != nil {
		return nil, fmt.Errorf("%w: %v", canonicalize.ErrUnrepresentable, err)
	}
	delete(view, "signature")
	return view, nil
}

// Issue constructs and signs a receipt. No side effects beyond the
// keystore signature.
func Issue(p Params, ks *keystore.Keystore, signerKeyID string) (*Receipt, error) {
	if err := p.Actor.Validate(); err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("receipt id allocation failed: %w", err)
	}

	r := &Receipt{
		ReceiptID:        id.String(),
		MandateID:        p.MandateID,
		Actor:            p.Actor,
		Action:           p.Action,
		RequestHash:      p.RequestHash,
		ResponseHash:     p.ResponseHash,
		ProviderMetadata: p.ProviderMetadata,
		Timestamp:        time.Now().UTC(),
		MirrorRef:        p.MirrorRef,
	}

	msg, err := SigningBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := ks.Sign(msg, signerKeyID)
	if err != nil {
		return nil, err
	}
	r.Signature = sig
	return r, nil
}

// Verify recomputes the canonical form and checks the signature under
// the actor's public key. A nil error means the receipt is authentic.
func Verify(r *Receipt, ks *keystore.Keystore) error {
	if r.Signature == "" {
		return errors.New("receipt unsigned")
	}
	pub, err := ks.PublicKey(r.Actor.KeyID())
	if err != nil {
		return fmt.Errorf("no public key for actor %s: %w", r.Actor, err)
	}
	msg, err := SigningBytes(r)
	if err != nil {
		return err
	}
	if !ks.Verify(r.Signature, msg, pub) {
		return fmt.Errorf("receipt signature invalid for %s", r.ReceiptID)
	}
	return nil
}

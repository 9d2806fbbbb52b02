// Package mandate implements the lifecycle of signed, scoped,
// time-bounded authorizations: create, sign, verify, revoke, and the
// scope and budget checks the τ-Gate enforces.
package mandate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
	"github.com/hillary-njuguna/sovereign-stack/pkg/eventlog"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
)

// Scope bounds what a mandate permits. Patterns may be "*", exact
// strings, or "prefix:*".
type Scope struct {
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
	MaxValue  *int64   `json:"max_value,omitempty"` // smallest currency unit
	Currency  string   `json:"currency,omitempty"`  // ISO 4217
}

// Validity is the optional time window of a mandate.
type Validity struct {
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// Mandate is a signed authorization from an issuer to a delegate.
// Immutable once signed; revocation happens in the event log, never by
// mutating the mandate.
type Mandate struct {
	MandateID   string                 `json:"mandate_id"`
	Issuer      identity.ActorID       `json:"issuer"`
	Delegate    identity.ActorID       `json:"delegate"`
	Scope       Scope                  `json:"scope"`
	Validity    Validity               `json:"validity"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Signature   string                 `json:"signature"`
}

// Params carries the caller-supplied fields for Create.
type Params struct {
	Issuer      identity.ActorID
	Delegate    identity.ActorID
	Scope       Scope
	Validity    Validity
	Constraints map[string]interface{}
}

// Result accumulates verification errors. A mandate is valid iff the
// error list is empty.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Create mints an unsigned mandate with a fresh time-sortable id and an
// empty signature.
func Create(p Params) (*Mandate, error) {
	if err := p.Issuer.Validate(); err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	if err := p.Delegate.Validate(); err != nil {
		return nil, fmt.Errorf("delegate: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("mandate id allocation failed: %w", err)
	}

	return &Mandate{
		MandateID:   id.String(),
		Issuer:      p.Issuer,
		Delegate:    p.Delegate,
		Scope:       p.Scope,
		Validity:    p.Validity,
		Constraints: p.Constraints,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// SigningBytes returns the canonical bytes a mandate signature covers:
// the canonical JSON of the mandate with the signature field removed,
// not emptied.
func SigningBytes(m *Mandate) ([]byte, error) {
	raw, err := json.Marshal(m)
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
	return canonicalize.Canonical(view)
}

// Sign returns a signed copy of an unsigned mandate. The original is
// not mutated.
func Sign(m *Mandate, ks *keystore.Keystore, signerKeyID string) (*Mandate, error) {
	msg, err := SigningBytes(m)
	if err != nil {
		return nil, err
	}
	sig, err := ks.Sign(msg, signerKeyID)
	if err != nil {
		return nil, err
	}

	signed := *m
	signed.Signature = sig
	return &signed, nil
}

// SignRecorded signs the mandate and appends a MANDATE_CREATE event
// signed by the issuer. The event is informational: verification never
// depends on its presence.
func SignRecorded(ctx context.Context, m *Mandate, ks *keystore.Keystore, signerKeyID string, log *eventlog.Log) (*Mandate, string, error) {
	signed, err := Sign(m, ks, signerKeyID)
	if err != nil {
		return nil, "", err
	}

	eventID, err := log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeMandateCreate,
		Signer: signed.Issuer,
		Payload: map[string]interface{}{
			"mandate_id": signed.MandateID,
			"issuer":     signed.Issuer.String(),
			"delegate":   signed.Delegate.String(),
		},
	}, ks)
	if err != nil {
		return nil, "", err
	}
	return signed, eventID, nil
}

// Verify checks the mandate's validity window, revocation status (when
// an event log is supplied) and signature, accumulating every error
// rather than short-circuiting.
func Verify(m *Mandate, ks *keystore.Keystore, log *eventlog.Log) Result {
	now := time.Now()
	var errs []string

	if m.Validity.NotBefore != nil && now.Before(*m.Validity.NotBefore) {
		errs = append(errs, fmt.Sprintf("mandate not yet valid: not_before %s", m.Validity.NotBefore.Format(time.RFC3339)))
	}
	if m.Validity.NotAfter != nil && now.After(*m.Validity.NotAfter) {
		errs = append(errs, fmt.Sprintf("mandate expired: not_after %s", m.Validity.NotAfter.Format(time.RFC3339)))
	}
	if log != nil && log.IsMandateRevoked(m.MandateID) {
		errs = append(errs, fmt.Sprintf("mandate revoked: %s", m.MandateID))
	}

	pub, err := ks.PublicKey(m.Issuer.KeyID())
	if err != nil {
		errs = append(errs, fmt.Sprintf("no public key for issuer %s", m.Issuer))
	} else {
		msg, err := SigningBytes(m)
		if err != nil {
			errs = append(errs, fmt.Sprintf("canonicalization failed: %v", err))
		} else if !ks.Verify(m.Signature, msg, pub) {
			errs = append(errs, "mandate signature invalid")
		}
	}

	if errs == nil {
		errs = []string{}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Revoke appends a MANDATE_REVOKE event signed by revokedBy. Repeated
// revocations append repeated events; consumers only care whether any
// exists.
func Revoke(ctx context.Context, mandateID, reason string, revokedBy identity.ActorID, ks *keystore.Keystore, log *eventlog.Log) (string, error) {
	return log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeMandateRevoke,
		Signer: revokedBy,
		Payload: map[string]interface{}{
			"mandate_id": mandateID,
			"reason":     reason,
			"revoked_by": revokedBy.String(),
		},
	}, ks)
}

// IsActionAllowed reports whether the action matches any pattern in the
// mandate's action scope.
func IsActionAllowed(m *Mandate, action string) bool {
	return matchAny(m.Scope.Actions, action)
}

// IsResourceAllowed reports whether the resource matches any pattern in
// the mandate's resource scope.
func IsResourceAllowed(m *Mandate, resource string) bool {
	return matchAny(m.Scope.Resources, resource)
}

// IsWithinBudget reports whether value fits under the mandate's
// max_value. An unset max_value means unbounded; zero means no budget
// at all.
func IsWithinBudget(m *Mandate, value int64) bool {
	if m.Scope.MaxValue == nil {
		return true
	}
	return value <= *m.Scope.MaxValue
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// matchPattern implements the wildcard rules: "*" matches anything,
// exact strings match themselves, and "prefix:*" matches values
// starting with "prefix:" (so "a:*" matches "a:" and "a:x", never "a").
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == value {
		return true
	}
	if len(pattern) >= 2 && pattern[len(pattern)-2:] == ":*" {
		prefix := pattern[:len(pattern)-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	return false
}

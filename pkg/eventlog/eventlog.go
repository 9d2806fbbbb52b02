// Package eventlog implements the append-only, hash-chained, per-event
// signed record of kernel lifecycle facts. Chain integrity is a pure
// function of the stored sequence: verification re-derives every link
// and signature from the events alone.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
	"github.com/hillary-njuguna/sovereign-stack/pkg/schema"
)

// Type tags an event.
type Type string

// Recognized event types.
const (
	TypeMandateCreate      Type = "MANDATE_CREATE"
	TypeMandateRevoke      Type = "MANDATE_REVOKE"
	TypeSuggestion         Type = "SUGGESTION"
	TypeCommitted          Type = "COMMITTED"
	TypeReceiptIssued      Type = "RECEIPT_ISSUED"
	TypeProposalRejected   Type = "PROPOSAL_REJECTED"
	TypeVerificationFailed Type = "VERIFICATION_FAILED"
	TypeExecutionFailed    Type = "EXECUTION_FAILED"
)

// Event is one entry in the log. PrevHash is the canonical SHA-256 of
// the entire previous event, signature included; it is absent on the
// first event. The signature covers the canonical form of the event
// with the signature field removed.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Signer    identity.ActorID       `json:"signer"`
	Signature string                 `json:"signature"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// Partial carries the caller-supplied fields of an event; id, timestamp,
// prev_hash and signature are filled in by Append.
type Partial struct {
	Type    Type
	Payload map[string]interface{}
	Signer  identity.ActorID
}

// Filter selects events for Query. Zero values match everything.
type Filter struct {
	Type   Type
	Signer identity.ActorID
	Since  time.Time
	Limit  int // applied after filtering; 0 means no limit
}

// Report is the accumulated outcome of VerifyChain.
type Report struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors"`
	EventsVerified int      `json:"eventsVerified"`
}

// Proof summarizes the chain for export evidence.
type Proof struct {
	RootHash    string `json:"root_hash"`
	ChainLength int    `json:"chain_length"`
	FirstHash   string `json:"first_hash,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
}

// Log is the in-memory event log. The append writer is exclusive;
// readers observe a snapshot copy.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// signingView returns the event as a generic tree with the signature
// field removed (not emptied), ready for canonicalization.
func signingView(e Event) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
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

// SigningBytes returns the canonical bytes an event's signature covers.
func SigningBytes(e Event) ([]byte, error) {
	view, err := signingView(e)
	if err != nil {
		return nil, err
	}
	return canonicalize.Canonical(view)
}

// Hash returns the canonical hash of the entire event, signature
// included. This is what the next event's prev_hash points at.
func Hash(e Event) (string, error) {
	return canonicalize.CanonicalHash(e)
}

// Append builds the full event from a partial, signs it with the
// signer's key, links it to the current tail and pushes it. Returns the
// new event id. It fails on a malformed signer id, a canonicalization
// error or a missing signer key.
func (l *Log) Append(ctx context.Context, p Partial, ks *keystore.Keystore) (string, error) {
	if err := p.Signer.Validate(); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("event id allocation failed: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		ID:        id.String(),
		Type:      p.Type,
		Timestamp: time.Now().UTC(),
		Payload:   p.Payload,
		Signer:    p.Signer,
	}

	if n := len(l.events); n > 0 {
		prevHash, err := Hash(l.events[n-1])
		if err != nil {
			return "", fmt.Errorf("tail hash failed: %w", err)
		}
		event.PrevHash = prevHash
	}

	msg, err := SigningBytes(event)
	if err != nil {
		return "", err
	}
	sig, err := ks.Sign(msg, p.Signer.KeyID())
	if err != nil {
		return "", err
	}
	event.Signature = sig

	l.events = append(l.events, event)
	return event.ID, nil
}

// Query returns a snapshot copy of the events matching the filter, in
// insertion order. Limit applies after filtering.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Signer != "" && e.Signer != f.Signer {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetByID returns the event with the given id.
func (l *Log) GetByID(id string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.events {
		if e.ID == id {
			return cloneEvent(e), true
		}
	}
	return Event{}, false
}

// GetLatest returns the tail event.
func (l *Log) GetLatest() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return Event{}, false
	}
	return cloneEvent(l.events[len(l.events)-1]), true
}

// Length returns the number of events.
func (l *Log) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// IsMandateRevoked reports whether any MANDATE_REVOKE event names the
// given mandate id in its payload.
func (l *Log) IsMandateRevoked(mandateID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.events {
		if e.Type != TypeMandateRevoke {
			continue
		}
		if id, ok := e.Payload["mandate_id"].(string); ok && id == mandateID {
			return true
		}
	}
	return false
}

// Export returns a snapshot copy of the full sequence.
func (l *Log) Export() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.events))
	for i, e := range l.events {
		out[i] = cloneEvent(e)
	}
	return out
}

// ExportJSON serializes the log as a JSON array of event objects.
func (l *Log) ExportJSON() ([]byte, error) {
	return json.Marshal(l.Export())
}

// Import replaces the entire sequence. Callers must run VerifyChain
// afterwards to re-establish trust in the imported events.
func (l *Log) Import(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = make([]Event, len(events))
	for i, e := range events {
		l.events[i] = cloneEvent(e)
	}
}

// ImportJSON validates each document against the event schema, then
// replaces the sequence. Chain and signature trust still requires a
// VerifyChain pass.
func (l *Log) ImportJSON(raw []byte) error {
	var docs []json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("event log import: %w", err)
	}

	events := make([]Event, len(docs))
	for i, doc := range docs {
		if err := schema.ValidateJSON(schema.KindEvent, doc); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if err := json.Unmarshal(doc, &events[i]); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}

	l.Import(events)
	return nil
}

// VerifyChain re-derives every prev_hash link and re-checks every
// signature under the signer's public key from the keystore. It never
// fails early; all problems are accumulated into the report.
func (l *Log) VerifyChain(ks *keystore.Keystore) Report {
	l.mu.RLock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	l.mu.RUnlock()

	report := Report{Valid: true, Errors: []string{}}

	for i, e := range events {
		if i > 0 {
			expected, err := Hash(events[i-1])
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("event %d: hashing predecessor failed: %v", i, err))
				continue
			}
			if e.PrevHash != expected {
				report.Errors = append(report.Errors, fmt.Sprintf("event %d: prev_hash mismatch: have %s, want %s", i, e.PrevHash, expected))
			}
		} else if e.PrevHash != "" {
			report.Errors = append(report.Errors, "event 0: unexpected prev_hash on first event")
		}

		msg, err := SigningBytes(e)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("event %d: canonicalization failed: %v", i, err))
			continue
		}
		pub, err := ks.PublicKey(e.Signer.KeyID())
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("event %d: no public key for signer %s", i, e.Signer))
			continue
		}
		if !ks.Verify(e.Signature, msg, pub) {
			report.Errors = append(report.Errors, fmt.Sprintf("event %d: signature invalid for signer %s", i, e.Signer))
			continue
		}
		report.EventsVerified++
	}

	report.Valid = len(report.Errors) == 0
	return report
}

// ChainProof returns a compact summary: the root hash is the SHA-256 of
// the concatenated event hashes in order.
func (l *Log) ChainProof() (Proof, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	proof := Proof{ChainLength: len(l.events)}
	var concat bytes.Buffer
	for i, e := range l.events {
		h, err := Hash(e)
		if err != nil {
			return Proof{}, fmt.Errorf("event %d: %w", i, err)
		}
		concat.WriteString(h)
		if i == 0 {
			proof.FirstHash = h
		}
		proof.LastHash = h
	}
	proof.RootHash = canonicalize.HashBytes(concat.Bytes())
	return proof, nil
}

func cloneEvent(e Event) Event {
	out := e
	if e.Payload != nil {
		out.Payload = clonePayload(e.Payload)
	}
	return out
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = clonePayload(m)
			continue
		}
		out[k] = v
	}
	return out
}

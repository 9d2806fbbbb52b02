// Package mirror captures request/response pairs for audit. Entries are
// created when a call is captured and finalized when its response
// arrives; receipts reference entries by id.
package mirror

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
)

// Entry is one captured call.
type Entry struct {
	ID               string                 `json:"id"`
	AgentID          identity.ActorID       `json:"agentId"`
	Prompt           string                 `json:"prompt"`
	RequestHash      string                 `json:"request_hash"`
	Response         interface{}            `json:"response,omitempty"`
	ResponseHash     string                 `json:"response_hash,omitempty"`
	ProviderMetadata map[string]interface{} `json:"provider_metadata,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Mirror stores entries by id, preserving capture order for export.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// New creates an empty mirror.
func New() *Mirror {
	return &Mirror{entries: make(map[string]*Entry)}
}

// CaptureRequest records a call. The request hash covers the agent id,
// the prompt and the provider metadata.
func (m *Mirror) CaptureRequest(agentID identity.ActorID, prompt string, meta map[string]interface{}) (*Entry, error) {
	if err := agentID.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("mirror id allocation failed: %w", err)
	}

	requestHash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"agentId":           agentID.String(),
		"prompt":            prompt,
		"provider_metadata": meta,
	})
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:               "mirror_" + id.String(),
		AgentID:          agentID,
		Prompt:           prompt,
		RequestHash:      requestHash,
		ProviderMetadata: meta,
		Timestamp:        time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	m.order = append(m.order, entry.ID)

	out := *entry
	return &out, nil
}

// CaptureResponse finalizes an entry: stores the response, merges
// provider metadata and hashes the full response object (data plus
// metadata), not just the payload.
func (m *Mirror) CaptureResponse(id string, response interface{}, meta map[string]interface{}) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("mirror entry not found: %s", id)
	}

	merged := entry.ProviderMetadata
	if len(meta) > 0 {
		if merged == nil {
			merged = make(map[string]interface{}, len(meta))
		} else {
			clone := make(map[string]interface{}, len(merged)+len(meta))
			for k, v := range merged {
				clone[k] = v
			}
			merged = clone
		}
		for k, v := range meta {
			merged[k] = v
		}
	}

	responseHash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"data":              response,
		"provider_metadata": merged,
	})
	if err != nil {
		return nil, err
	}

	entry.Response = response
	entry.ResponseHash = responseHash
	entry.ProviderMetadata = merged

	out := *entry
	return &out, nil
}

// Get returns a copy of an entry.
func (m *Mirror) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	out := *entry
	return &out, true
}

// Len returns the number of entries.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Export returns all entries in capture order.
func (m *Mirror) Export() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

// ExportJSON serializes entries as a JSON array in capture order.
func (m *Mirror) ExportJSON() ([]byte, error) {
	return json.Marshal(m.Export())
}

// Import replaces the mirror contents.
func (m *Mirror) Import(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*Entry, len(entries))
	m.order = make([]string, 0, len(entries))
	for i := range entries {
		e := entries[i]
		m.entries[e.ID] = &e
		m.order = append(m.order, e.ID)
	}
}

// ImportJSON decodes a JSON array of entries and replaces the contents.
func (m *Mirror) ImportJSON(raw []byte) error {
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("mirror import: %w", err)
	}
	m.Import(entries)
	return nil
}

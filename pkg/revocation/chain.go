// Package revocation keeps the legacy hash-chain head that marks
// whether issued authority is still current. The event log's
// MANDATE_REVOKE events are authoritative for the running kernel; this
// chain is retained for schema compatibility and must never decide
// authorization on its own.
package revocation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
)

// Link is one entry of the chain.
type Link struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Chain is an ordered list of links. The head is the live authority;
// everything before it has been revoked.
type Chain struct {
	mu    sync.RWMutex
	links []Link
}

// New starts a chain from an initial authority hash.
func New(initialHash string) *Chain {
	return &Chain{links: []Link{{Hash: initialHash, Timestamp: time.Now().UTC()}}}
}

func deriveNext(previousHash string, ts time.Time) (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"previous_hash": previousHash,
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
		"action":        "revoke",
	})
}

// Revoke appends a new head derived from the previous hash and the
// revocation timestamp. Returns the new head hash.
func (c *Chain) Revoke() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().UTC()
	prev := c.links[len(c.links)-1].Hash
	next, err := deriveNext(prev, ts)
	if err != nil {
		return "", err
	}
	c.links = append(c.links, Link{Hash: next, Timestamp: ts})
	return next, nil
}

// Head returns the current live hash.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.links[len(c.links)-1].Hash
}

// Depth returns the number of links.
func (c *Chain) Depth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// IsValid reports whether the hash is the current head.
func (c *Chain) IsValid(hash string) bool {
	return hash == c.Head()
}

// WasRevoked reports whether the hash appears in the chain but is no
// longer the head.
func (c *Chain) WasRevoked(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, link := range c.links {
		if link.Hash == hash {
			return i != len(c.links)-1
		}
	}
	return false
}

// VerifyChain recomputes every derived link from its predecessor and
// timestamp and compares.
func (c *Chain) VerifyChain() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := 1; i < len(c.links); i++ {
		expected, err := deriveNext(c.links[i-1].Hash, c.links[i].Timestamp)
		if err != nil {
			return err
		}
		if c.links[i].Hash != expected {
			return fmt.Errorf("revocation link %d: hash mismatch", i)
		}
	}
	return nil
}

// persisted is the wire form. It records only head, previous and depth,
// and FromJSON rebuilds only the head and its predecessor: intermediate
// links cannot be recovered, so WasRevoked over a restored deep chain
// only knows the last revoked hash, and Depth on a restored chain counts
// at most two links. Documented limitation of the persisted format.
type persisted struct {
	Head      string    `json:"head"`
	Previous  string    `json:"previous,omitempty"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON serializes the chain head state.
func (c *Chain) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := persisted{
		Head:      c.links[len(c.links)-1].Hash,
		Depth:     len(c.links),
		Timestamp: c.links[len(c.links)-1].Timestamp,
	}
	if len(c.links) > 1 {
		p.Previous = c.links[len(c.links)-2].Hash
	}
	return json.Marshal(p)
}

// FromJSON reconstructs a chain from its persisted head state. The
// result answers IsValid and head-adjacent WasRevoked queries; deeper
// history is lost, and the persisted depth is not restored.
func FromJSON(raw []byte) (*Chain, error) {
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("revocation chain decode: %w", err)
	}
	if p.Head == "" || p.Depth < 1 {
		return nil, fmt.Errorf("revocation chain decode: missing head")
	}

	c := &Chain{}
	if p.Previous != "" {
		c.links = append(c.links, Link{Hash: p.Previous})
	}
	c.links = append(c.links, Link{Hash: p.Head, Timestamp: p.Timestamp})
	return c, nil
}

package receipt

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
)

// ChainLink binds a receipt into the ledger. The link hash covers the
// receipt id, the canonical hash of the receipt data (signature
// excluded), the previous link hash, the index and the timestamp — so
// the chain re-verifies from data alone. The first link's previous_hash
// equals its own hash.
type ChainLink struct {
	ReceiptHash  string    `json:"receipt_hash"`
	ReceiptID    string    `json:"receipt_id"`
	PreviousHash string    `json:"previous_hash"`
	Index        int       `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
}

// Proof summarizes the full chain.
type Proof struct {
	RootHash    string `json:"root_hash"`
	ChainLength int    `json:"chain_length"`
	FirstHash   string `json:"first_hash,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
}

// Chain is the append-only receipt ledger.
type Chain struct {
	mu    sync.RWMutex
	links []ChainLink
}

// NewChain creates an empty receipt chain.
func NewChain() *Chain {
	return &Chain{}
}

// linkHash derives a link's hash. prevForHash is empty for index 0; the
// stored previous_hash of the genesis link is then set to the computed
// hash itself.
func linkHash(receiptID, dataHash, prevForHash string, index int, ts time.Time) (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"receipt_id":    receiptID,
		"data_hash":     dataHash,
		"previous_hash": prevForHash,
		"index":         index,
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
	})
}

// Add appends a link for a receipt. data is the receipt's canonical
// data view (see Data); any JSON-representable value is accepted.
// Returns the new link hash.
func (c *Chain) Add(receiptID string, data interface{}) (string, error) {
	dataHash, err := canonicalize.CanonicalHash(data)
	if err != nil {
		return "", fmt.Errorf("receipt data hash failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().UTC()
	index := len(c.links)

	prevForHash := ""
	if index > 0 {
		prevForHash = c.links[index-1].ReceiptHash
	}

	hash, err := linkHash(receiptID, dataHash, prevForHash, index, ts)
	if err != nil {
		return "", err
	}

	prev := prevForHash
	if index == 0 {
		prev = hash
	}

	c.links = append(c.links, ChainLink{
		ReceiptHash:  hash,
		ReceiptID:    receiptID,
		PreviousHash: prev,
		Index:        index,
		Timestamp:    ts,
	})
	return hash, nil
}

// Verify reconstructs the link for a receipt from the supplied data and
// compares it against the stored link, including continuity with the
// prior link.
func (c *Chain) Verify(receiptID string, data interface{}) error {
	dataHash, err := canonicalize.CanonicalHash(data)
	if err != nil {
		return fmt.Errorf("receipt data hash failed: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, link := range c.links {
		if link.ReceiptID != receiptID {
			continue
		}

		prevForHash := ""
		if i > 0 {
			prevForHash = c.links[i-1].ReceiptHash
		}
		expected, err := linkHash(receiptID, dataHash, prevForHash, link.Index, link.Timestamp)
		if err != nil {
			return err
		}
		if expected != link.ReceiptHash {
			return fmt.Errorf("receipt %s: chain hash mismatch", receiptID)
		}

		wantPrev := prevForHash
		if i == 0 {
			wantPrev = link.ReceiptHash
		}
		if link.PreviousHash != wantPrev {
			return fmt.Errorf("receipt %s: previous_hash broken", receiptID)
		}
		return nil
	}
	return fmt.Errorf("receipt %s: not in chain", receiptID)
}

// VerifyChain confirms continuity of the whole ledger: every link after
// the first must point at its predecessor's hash.
func (c *Chain) VerifyChain() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, link := range c.links {
		if link.Index != i {
			return fmt.Errorf("link %d: index mismatch", i)
		}
		if i == 0 {
			if link.PreviousHash != link.ReceiptHash {
				return fmt.Errorf("link 0: genesis previous_hash must equal its own hash")
			}
			continue
		}
		if link.PreviousHash != c.links[i-1].ReceiptHash {
			return fmt.Errorf("link %d: previous_hash broken", i)
		}
	}
	return nil
}

// Length returns the number of links.
func (c *Chain) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// Links returns a snapshot copy of the ledger.
func (c *Chain) Links() []ChainLink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChainLink, len(c.links))
	copy(out, c.links)
	return out
}

// GetChainProof returns the compact chain summary. The root hash is the
// SHA-256 of the concatenated link hashes in order.
func (c *Chain) GetChainProof() Proof {
	c.mu.RLock()
	defer c.mu.RUnlock()

	proof := Proof{ChainLength: len(c.links)}
	var concat bytes.Buffer
	for i, link := range c.links {
		concat.WriteString(link.ReceiptHash)
		if i == 0 {
			proof.FirstHash = link.ReceiptHash
		}
		proof.LastHash = link.ReceiptHash
	}
	proof.RootHash = canonicalize.HashBytes(concat.Bytes())
	return proof
}

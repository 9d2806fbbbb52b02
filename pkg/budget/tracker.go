// Package budget provides per-mandate spend tracking with fail-closed
// behavior. The tracker plugs into the τ-Gate as a commit hook (the
// capacity check) plus a post-commit hook (the spend record), so the
// counter only moves after a successful commit and the check-and-update
// pair is serialized by the adapter's lock.
package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/hillary-njuguna/sovereign-stack/pkg/gate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mandate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/receipt"
)

// Tracker accumulates spend per mandate id.
type Tracker struct {
	mu    sync.Mutex
	spent map[string]int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{spent: make(map[string]int64)}
}

// Spent returns the recorded spend for a mandate.
func (t *Tracker) Spent(mandateID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[mandateID]
}

// Check verifies that cost fits under the mandate's max_value given
// what has already been spent. Negative costs are rejected outright.
func (t *Tracker) Check(m *mandate.Mandate, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %d", cost)
	}
	if m.Scope.MaxValue == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.spent[m.MandateID]+cost > *m.Scope.MaxValue {
		return fmt.Errorf("spend %d + cost %d exceeds max_value %d", t.spent[m.MandateID], cost, *m.Scope.MaxValue)
	}
	return nil
}

// RecordSpend adds to a mandate's counter.
func (t *Tracker) RecordSpend(mandateID string, cost int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[mandateID] += cost
}

// CommitHook returns the gate hook enforcing cumulative budget at
// commit time.
func (t *Tracker) CommitHook() gate.CommitHook {
	return func(ctx context.Context, p *gate.Proposal, m *mandate.Mandate) error {
		if err := t.Check(m, p.Action.EstimatedCost); err != nil {
			return gate.Errf(gate.CodeBudgetExceeded, "%s", err.Error())
		}
		return nil
	}
}

// PostCommitHook returns the hook that records spend after a
// successful commit.
func (t *Tracker) PostCommitHook() gate.PostCommitHook {
	return func(ctx context.Context, p *gate.Proposal, m *mandate.Mandate, r *receipt.Receipt) {
		t.RecordSpend(m.MandateID, p.Action.EstimatedCost)
	}
}

// Install wires both hooks into an adapter.
func (t *Tracker) Install(a *gate.Adapter) {
	a.AddCommitHook(t.CommitHook())
	a.AddPostCommitHook(t.PostCommitHook())
}

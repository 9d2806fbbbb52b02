package gate

import (
	"context"

	"github.com/hillary-njuguna/sovereign-stack/pkg/mandate"
)

// ResourceScopeHook checks the proposal's resource against the
// mandate's resource patterns with the same wildcard rules the action
// gate uses. Proposals without a resource pass.
func ResourceScopeHook() CommitHook {
	return func(ctx context.Context, p *Proposal, m *mandate.Mandate) error {
		if p.Action.Resource == "" {
			return nil
		}
		if !mandate.IsResourceAllowed(m, p.Action.Resource) {
			return Errf(CodeScopeViolation, "resource %s not permitted by mandate scope", p.Action.Resource)
		}
		return nil
	}
}

// MandateBudgetHook checks the proposal's estimated cost against the
// mandate's max_value, without tracking cumulative spend. For
// cumulative accounting use budget.Tracker.
func MandateBudgetHook() CommitHook {
	return func(ctx context.Context, p *Proposal, m *mandate.Mandate) error {
		if !mandate.IsWithinBudget(m, p.Action.EstimatedCost) {
			return Errf(CodeBudgetExceeded, "estimated cost %d exceeds mandate max_value", p.Action.EstimatedCost)
		}
		return nil
	}
}

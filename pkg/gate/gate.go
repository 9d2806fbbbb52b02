// Package gate implements the τ-Gate adapter kernel: the two-phase
// propose/commit state machine interposed between an agent and its
// tools. Nothing executes unless a verified, unrevoked, in-scope
// mandate is presented at commit time; every transition lands in the
// event log and every execution yields a chained receipt.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hillary-njuguna/sovereign-stack/pkg/audit"
	"github.com/hillary-njuguna/sovereign-stack/pkg/canonicalize"
	"github.com/hillary-njuguna/sovereign-stack/pkg/eventlog"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mandate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mirror"
	"github.com/hillary-njuguna/sovereign-stack/pkg/observability"
	"github.com/hillary-njuguna/sovereign-stack/pkg/receipt"
)

// Status of a proposal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Action is the captured tool call an agent proposes.
type Action struct {
	Tool          string                 `json:"tool"`
	Args          map[string]interface{} `json:"args,omitempty"`
	Resource      string                 `json:"resource,omitempty"`
	EstimatedCost int64                  `json:"estimated_cost,omitempty"`
}

// Proposal is the transient τ-Gate state for one captured action. It
// lives in the owning adapter until the process ends unless exported.
type Proposal struct {
	ID        string           `json:"id"`
	AgentID   identity.ActorID `json:"agent_id"`
	Action    Action           `json:"action"`
	MirrorRef string           `json:"mirror_ref"`
	EventID   string           `json:"event_id"`
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Result of a successful commit.
type Result struct {
	Output  map[string]interface{}
	Receipt *receipt.Receipt
}

// ToolExecutor runs the external tool. The kernel treats it as opaque;
// an executor error after COMMITTED still leaves the attempt on the
// record.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to ToolExecutor.
type ExecutorFunc func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, tool, args)
}

// CommitHook is an additional gate evaluated after the built-in three.
// Returning a *Error rejects the proposal under that code; any other
// error rejects under SCOPE_VIOLATION.
type CommitHook func(ctx context.Context, p *Proposal, m *mandate.Mandate) error

// PostCommitHook observes a successful commit, after the receipt has
// been chained. Used for spend accounting and the like.
type PostCommitHook func(ctx context.Context, p *Proposal, m *mandate.Mandate, r *receipt.Receipt)

// Adapter is one τ-Gate kernel instance. A single mutex serializes
// Propose and Commit end to end: every suspension point (signing,
// verification, tool execution) happens under it, which is what the
// chain ordering guarantees rely on.
type Adapter struct {
	mu sync.Mutex

	actor    identity.ActorID
	keys     *keystore.Keystore
	log      *eventlog.Log
	mirror   *mirror.Mirror
	receipts *receipt.Chain
	executor ToolExecutor

	proposals map[string]*Proposal
	order     []string

	hooks     []CommitHook
	postHooks []PostCommitHook

	auditLog audit.Logger
	obs      *observability.Provider

	limit    rate.Limit
	burst    int
	limiters map[identity.ActorID]*rate.Limiter
}

// New creates an adapter kernel. The adapter's own signing key is
// ensured eagerly so receipt issuance cannot fail on a missing key.
func New(actor identity.ActorID, ks *keystore.Keystore, log *eventlog.Log, mir *mirror.Mirror, receipts *receipt.Chain, executor ToolExecutor) (*Adapter, error) {
	if _, err := ks.EnsureKey(actor); err != nil {
		return nil, fmt.Errorf("adapter key: %w", err)
	}
	return &Adapter{
		actor:     actor,
		keys:      ks,
		log:       log,
		mirror:    mir,
		receipts:  receipts,
		executor:  executor,
		proposals: make(map[string]*Proposal),
		auditLog:  audit.Nop{},
	}, nil
}

// AddCommitHook installs an additional gate (resource scope, budget).
// Hooks run in installation order after the built-in gates.
func (a *Adapter) AddCommitHook(h CommitHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, h)
}

// AddPostCommitHook installs an observer for successful commits.
func (a *Adapter) AddPostCommitHook(h PostCommitHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.postHooks = append(a.postHooks, h)
}

// SetAuditLogger installs an operational audit sink.
func (a *Adapter) SetAuditLogger(l audit.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l == nil {
		l = audit.Nop{}
	}
	a.auditLog = l
}

// SetObservability installs a telemetry provider.
func (a *Adapter) SetObservability(p *observability.Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.obs = p
}

// SetRateLimit enables per-agent proposal rate limiting. Zero rps
// disables it.
func (a *Adapter) SetRateLimit(rps float64, burst int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = rate.Limit(rps)
	a.burst = burst
	a.limiters = make(map[identity.ActorID]*rate.Limiter)
}

// Propose captures an action on behalf of an agent: mirror entry,
// SUGGESTION event, pending proposal. No verification happens here;
// authority is asserted only at Commit.
func (a *Adapter) Propose(ctx context.Context, agentID identity.ActorID, action Action) (*Proposal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var done func(error)
	if a.obs != nil {
		ctx, done = a.obs.TrackOperation(ctx, "gate.propose",
			observability.GateOperation(agentID.String(), "", action.Tool, "")...)
		defer func() { done(nil) }()
	}

	if a.limit > 0 {
		limiter, ok := a.limiters[agentID]
		if !ok {
			limiter = rate.NewLimiter(a.limit, a.burst)
			a.limiters[agentID] = limiter
		}
		if !limiter.Allow() {
			return nil, fmt.Errorf("proposal rate limit exceeded for %s", agentID)
		}
	}

	if _, err := a.keys.EnsureKey(agentID); err != nil {
		return nil, err
	}

	prompt, err := canonicalize.CanonicalString(action)
	if err != nil {
		return nil, err
	}
	entry, err := a.mirror.CaptureRequest(agentID, prompt, nil)
	if err != nil {
		return nil, err
	}

	eventID, err := a.log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeSuggestion,
		Signer: agentID,
		Payload: map[string]interface{}{
			"mirrorRef":      entry.ID,
			"agentId":        agentID.String(),
			"proposedAction": action.Tool,
			"estimatedCost":  action.EstimatedCost,
		},
	}, a.keys)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("proposal id allocation failed: %w", err)
	}

	p := &Proposal{
		ID:        "proposal_" + id.String(),
		AgentID:   agentID,
		Action:    action,
		MirrorRef: entry.ID,
		EventID:   eventID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	a.proposals[p.ID] = p
	a.order = append(a.order, p.ID)

	_ = a.auditLog.Record(ctx, agentID, audit.EventProposal, action.Tool, entry.ID, map[string]interface{}{
		"proposal_id": p.ID,
	})

	out := *p
	return &out, nil
}

// Commit runs the gates against a presented mandate and, if they all
// pass, executes the tool, issues a chained receipt and marks the
// proposal committed. Gates short-circuit on the first failure.
func (a *Adapter) Commit(ctx context.Context, proposalID string, m *mandate.Mandate) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var done func(error)
	if a.obs != nil {
		tool := ""
		if p, ok := a.proposals[proposalID]; ok {
			tool = p.Action.Tool
		}
		ctx, done = a.obs.TrackOperation(ctx, "gate.commit",
			observability.GateOperation(m.Delegate.String(), proposalID, tool, "")...)
	}

	result, err := a.commitLocked(ctx, proposalID, m)
	if done != nil {
		done(err)
	}
	return result, err
}

func (a *Adapter) commitLocked(ctx context.Context, proposalID string, m *mandate.Mandate) (*Result, error) {
	p, ok := a.proposals[proposalID]
	if !ok {
		return nil, &Error{Code: CodeProposalNotFound}
	}
	if p.Status != StatusPending {
		return nil, &Error{Code: "PROPOSAL_" + strings.ToUpper(string(p.Status))}
	}

	// Gate 1: signature and validity. The verify pass also consults the
	// event log, but a purely-revoked mandate falls through to gate 2 so
	// the caller sees REVOKED_MANDATE rather than the generic code.
	if res := mandate.Verify(m, a.keys, a.log); !res.Valid {
		nonRevocation := false
		for _, e := range res.Errors {
			if !strings.Contains(e, "revoked") {
				nonRevocation = true
				break
			}
		}
		if nonRevocation {
			return nil, a.reject(ctx, p, m, Errf(CodeInvalidMandate, "%s", strings.Join(res.Errors, "; ")))
		}
	}

	// Gate 2: explicit revocation recheck.
	if a.log.IsMandateRevoked(m.MandateID) {
		return nil, a.reject(ctx, p, m, Errf(CodeRevokedMandate, "mandate %s has been revoked", m.MandateID))
	}

	// Gate 3: action scope.
	if !mandate.IsActionAllowed(m, p.Action.Tool) {
		return nil, a.reject(ctx, p, m, Errf(CodeScopeViolation, "action %s not permitted by mandate scope", p.Action.Tool))
	}

	// Installed gates: resource scope, budget, whatever the wrapping
	// layer needs.
	for _, hook := range a.hooks {
		if err := hook(ctx, p, m); err != nil {
			var gateErr *Error
			if !errors.As(err, &gateErr) {
				gateErr = Errf(CodeScopeViolation, "%s", err.Error())
			}
			return nil, a.reject(ctx, p, m, gateErr)
		}
	}

	// The COMMITTED event precedes execution deliberately: a tool that
	// fails afterwards still leaves an auditable attempt.
	if _, err := a.log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeCommitted,
		Signer: m.Delegate,
		Payload: map[string]interface{}{
			"proposalId": p.ID,
			"mandateId":  m.MandateID,
			"action":     p.Action.Tool,
		},
	}, a.keys); err != nil {
		return nil, err
	}

	output, err := a.executor.Execute(ctx, p.Action.Tool, p.Action.Args)
	if err != nil {
		if _, appendErr := a.log.Append(ctx, eventlog.Partial{
			Type:   eventlog.TypeExecutionFailed,
			Signer: a.actor,
			Payload: map[string]interface{}{
				"proposalId": p.ID,
				"mandateId":  m.MandateID,
				"error":      err.Error(),
			},
		}, a.keys); appendErr != nil {
			return nil, fmt.Errorf("tool execution failed (%v); recording failure also failed: %w", err, appendErr)
		}
		_ = a.auditLog.Record(ctx, a.actor, audit.EventExecution, p.Action.Tool, p.MirrorRef, map[string]interface{}{
			"proposal_id": p.ID,
			"error":       err.Error(),
		})
		return nil, fmt.Errorf("tool execution failed: %w", err)
	}

	if _, err := a.mirror.CaptureResponse(p.MirrorRef, output, nil); err != nil {
		return nil, err
	}

	if _, err := a.keys.EnsureKey(m.Issuer); err != nil {
		return nil, err
	}

	responseHash, err := canonicalize.CanonicalHash(output)
	if err != nil {
		return nil, err
	}

	// The kernel fills request_hash with the mirror reference; callers
	// wanting a content hash take it from the mirror entry.
	r, err := receipt.Issue(receipt.Params{
		MandateID:    m.MandateID,
		Actor:        a.actor,
		Action:       p.Action.Tool,
		RequestHash:  p.MirrorRef,
		ResponseHash: responseHash,
		MirrorRef:    p.MirrorRef,
	}, a.keys, a.actor.KeyID())
	if err != nil {
		return nil, err
	}

	data, err := receipt.Data(r)
	if err != nil {
		return nil, err
	}
	if _, err := a.receipts.Add(r.ReceiptID, data); err != nil {
		return nil, err
	}

	if _, err := a.log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeReceiptIssued,
		Signer: m.Issuer,
		Payload: map[string]interface{}{
			"receiptId":  r.ReceiptID,
			"mandateId":  m.MandateID,
			"proposalId": p.ID,
		},
	}, a.keys); err != nil {
		return nil, err
	}

	p.Status = StatusCommitted

	_ = a.auditLog.Record(ctx, m.Delegate, audit.EventCommit, p.Action.Tool, p.MirrorRef, map[string]interface{}{
		"proposal_id": p.ID,
		"mandate_id":  m.MandateID,
		"receipt_id":  r.ReceiptID,
	})

	for _, hook := range a.postHooks {
		hook(ctx, p, m, r)
	}

	return &Result{Output: output, Receipt: r}, nil
}

// reject marks the proposal, records the PROPOSAL_REJECTED event signed
// by the adapter, and returns the gate error. An event-log failure here
// outranks the rejection itself.
func (a *Adapter) reject(ctx context.Context, p *Proposal, m *mandate.Mandate, gateErr *Error) error {
	p.Status = StatusRejected

	if _, err := a.log.Append(ctx, eventlog.Partial{
		Type:   eventlog.TypeProposalRejected,
		Signer: a.actor,
		Payload: map[string]interface{}{
			"proposalId": p.ID,
			"mandateId":  m.MandateID,
			"reason":     gateErr.Code,
			"detail":     gateErr.Detail,
		},
	}, a.keys); err != nil {
		return err
	}

	_ = a.auditLog.Record(ctx, a.actor, audit.EventRejection, p.Action.Tool, p.MirrorRef, map[string]interface{}{
		"proposal_id": p.ID,
		"reason":      gateErr.Code,
		"detail":      gateErr.Detail,
	})

	return gateErr
}

// Get returns a copy of a proposal.
func (a *Adapter) Get(proposalID string) (*Proposal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.proposals[proposalID]
	if !ok {
		return nil, false
	}
	out := *p
	return &out, true
}

// List returns copies of all proposals in creation order.
func (a *Adapter) List() []Proposal {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Proposal, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.proposals[id])
	}
	return out
}

// Actor returns the adapter's identity.
func (a *Adapter) Actor() identity.ActorID {
	return a.actor
}

package gate_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillary-njuguna/sovereign-stack/pkg/audit"
	"github.com/hillary-njuguna/sovereign-stack/pkg/eventlog"
	"github.com/hillary-njuguna/sovereign-stack/pkg/gate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mandate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mirror"
	"github.com/hillary-njuguna/sovereign-stack/pkg/receipt"
)

type kernel struct {
	ks       *keystore.Keystore
	log      *eventlog.Log
	mirror   *mirror.Mirror
	receipts *receipt.Chain
	adapter  *gate.Adapter
	calls    *atomic.Int64
}

func newKernel(t *testing.T) *kernel {
	t.Helper()

	k := &kernel{
		ks:       keystore.New(),
		log:      eventlog.New(),
		mirror:   mirror.New(),
		receipts: receipt.NewChain(),
		calls:    &atomic.Int64{},
	}

	executor := gate.ExecutorFunc(func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		k.calls.Add(1)
		return map[string]interface{}{"status": "ok", "tool": tool}, nil
	})

	adapter, err := gate.New("adapter:tau", k.ks, k.log, k.mirror, k.receipts, executor)
	require.NoError(t, err)
	k.adapter = adapter
	return k
}

func (k *kernel) signedMandate(t *testing.T, p mandate.Params) *mandate.Mandate {
	t.Helper()
	m, err := mandate.Create(p)
	require.NoError(t, err)
	keyID, err := k.ks.EnsureKey(p.Issuer)
	require.NoError(t, err)
	signed, err := mandate.Sign(m, k.ks, keyID)
	require.NoError(t, err)
	return signed
}

func int64p(v int64) *int64 { return &v }

func timep(ts time.Time) *time.Time { return &ts }

func eventTypes(log *eventlog.Log) []eventlog.Type {
	var out []eventlog.Type
	for _, e := range log.Export() {
		out = append(out, e.Type)
	}
	return out
}

func TestCommit_HappyPath(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope: mandate.Scope{
			Actions:   []string{"invoke:model"},
			Resources: []string{"agent:openai"},
			MaxValue:  int64p(1000),
		},
	})

	res := mandate.Verify(m, k.ks, k.log)
	require.True(t, res.Valid, "errors: %v", res.Errors)

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{
		Tool:     "invoke:model",
		Args:     map[string]interface{}{"prompt": "hello"},
		Resource: "agent:openai",
	})
	require.NoError(t, err)
	assert.Equal(t, gate.StatusPending, p.Status)

	result, err := k.adapter.Commit(ctx, p.ID, m)
	require.NoError(t, err)

	assert.Equal(t, int64(1), k.calls.Load(), "executor called exactly once")
	assert.Equal(t, "ok", result.Output["status"])

	// Receipt is signed by the adapter and binds the mirror entry.
	require.NotNil(t, result.Receipt)
	require.NoError(t, receipt.Verify(result.Receipt, k.ks))
	assert.Equal(t, p.MirrorRef, result.Receipt.RequestHash)
	assert.Equal(t, p.MirrorRef, result.Receipt.MirrorRef)
	assert.Equal(t, m.MandateID, result.Receipt.MandateID)

	// Event log: SUGGESTION < COMMITTED < RECEIPT_ISSUED, nothing else.
	require.Equal(t, []eventlog.Type{
		eventlog.TypeSuggestion,
		eventlog.TypeCommitted,
		eventlog.TypeReceiptIssued,
	}, eventTypes(k.log))

	report := k.log.VerifyChain(k.ks)
	assert.True(t, report.Valid, "errors: %v", report.Errors)

	// Signers per the protocol.
	events := k.log.Export()
	assert.Equal(t, "agent:worker", events[0].Signer.String())
	assert.Equal(t, "agent:worker", events[1].Signer.String())
	assert.Equal(t, "user:alice", events[2].Signer.String())

	// Receipt chain holds the single committed action.
	assert.Equal(t, 1, k.receipts.Length())
	require.NoError(t, k.receipts.VerifyChain())

	got, ok := k.adapter.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, gate.StatusCommitted, got.Status)

	// Mirror entry finalized with the response.
	entry, ok := k.mirror.Get(p.MirrorRef)
	require.True(t, ok)
	assert.NotEmpty(t, entry.ResponseHash)
}

func TestCommit_ExpiredMandate(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
		Validity: mandate.Validity{NotAfter: timep(time.Now().Add(-time.Second))},
	})

	res := mandate.Verify(m, k.ks, k.log)
	require.False(t, res.Valid)
	require.Contains(t, res.Errors[0], "expired")

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "invoke:model"})
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.Error(t, err)

	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeInvalidMandate, gateErr.Code)
	assert.Contains(t, err.Error(), "INVALID_MANDATE: ")
	assert.Contains(t, err.Error(), "expired")

	assert.Equal(t, int64(0), k.calls.Load(), "executor must not run")

	rejected := k.log.Query(eventlog.Filter{Type: eventlog.TypeProposalRejected})
	require.Len(t, rejected, 1)
	assert.Equal(t, "INVALID_MANDATE", rejected[0].Payload["reason"])
	assert.Empty(t, k.log.Query(eventlog.Filter{Type: eventlog.TypeCommitted}))

	got, ok := k.adapter.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, gate.StatusRejected, got.Status)
}

func TestCommit_RevokedMidFlight(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
	})

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "invoke:model"})
	require.NoError(t, err)

	_, err = mandate.Revoke(ctx, m.MandateID, "user changed their mind", "user:alice", k.ks, k.log)
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.Error(t, err)

	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeRevokedMandate, gateErr.Code)

	got, ok := k.adapter.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, gate.StatusRejected, got.Status)
	assert.Equal(t, int64(0), k.calls.Load())
}

func TestCommit_ScopeViolation(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"read_file"}, Resources: []string{"*"}},
	})

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{
		Tool: "write_file",
		Args: map[string]interface{}{"path": "/tmp/x"},
	})
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.Error(t, err)

	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeScopeViolation, gateErr.Code)
	assert.Equal(t, int64(0), k.calls.Load(), "no executor call on scope violation")
}

func TestCommit_TerminalStates(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
	})

	// Unknown proposal.
	_, err := k.adapter.Commit(ctx, "proposal_missing", m)
	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeProposalNotFound, gateErr.Code)
	assert.Equal(t, "PROPOSAL_NOT_FOUND", err.Error())

	// Committed proposals refuse a second commit.
	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "x"})
	require.NoError(t, err)
	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeProposalCommitted, gateErr.Code)

	// Rejected proposals stay rejected, idempotently.
	bad := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"nothing"}, Resources: []string{"*"}},
	})
	p2, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "y"})
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p2.ID, bad)
	require.ErrorAs(t, err, &gateErr)
	require.Equal(t, gate.CodeScopeViolation, gateErr.Code)

	_, err = k.adapter.Commit(ctx, p2.ID, bad)
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeProposalRejected, gateErr.Code)

	// Only one PROPOSAL_REJECTED event despite two attempts.
	assert.Len(t, k.log.Query(eventlog.Filter{Type: eventlog.TypeProposalRejected}), 1)
}

func TestCommit_ExecutorFailure(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	boom := errors.New("provider unavailable")
	failing := gate.ExecutorFunc(func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, boom
	})

	adapter, err := gate.New("adapter:tau", k.ks, k.log, k.mirror, k.receipts, failing)
	require.NoError(t, err)

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
	})

	p, err := adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "invoke:model"})
	require.NoError(t, err)

	_, err = adapter.Commit(ctx, p.ID, m)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// COMMITTED precedes execution and stands; EXECUTION_FAILED follows.
	require.Equal(t, []eventlog.Type{
		eventlog.TypeSuggestion,
		eventlog.TypeCommitted,
		eventlog.TypeExecutionFailed,
	}, eventTypes(k.log))

	failedEvents := k.log.Query(eventlog.Filter{Type: eventlog.TypeExecutionFailed})
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "adapter:tau", failedEvents[0].Signer.String())
	assert.Equal(t, "provider unavailable", failedEvents[0].Payload["error"])

	// No receipt; the proposal is not committed.
	assert.Equal(t, 0, k.receipts.Length())
	got, ok := adapter.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, gate.StatusPending, got.Status)

	report := k.log.VerifyChain(k.ks)
	assert.True(t, report.Valid, "errors: %v", report.Errors)
}

func TestCommit_ResourceScopeHook(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()
	k.adapter.AddCommitHook(gate.ResourceScopeHook())

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"vault:*"}},
	})

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "read", Resource: "db:users"})
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeScopeViolation, gateErr.Code)
	assert.Contains(t, gateErr.Detail, "db:users")

	p2, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "read", Resource: "vault:secrets"})
	require.NoError(t, err)
	_, err = k.adapter.Commit(ctx, p2.ID, m)
	assert.NoError(t, err)
}

func TestCommit_PlainHookErrorBecomesScopeViolation(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()
	k.adapter.AddCommitHook(func(ctx context.Context, p *gate.Proposal, m *mandate.Mandate) error {
		return fmt.Errorf("constraint check failed")
	})

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
	})

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "x"})
	require.NoError(t, err)

	_, err = k.adapter.Commit(ctx, p.ID, m)
	var gateErr *gate.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, gate.CodeScopeViolation, gateErr.Code)
	assert.Equal(t, "constraint check failed", gateErr.Detail)
}

func TestPropose_RateLimit(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()
	k.adapter.SetRateLimit(1, 2)

	_, err := k.adapter.Propose(ctx, "agent:chatty", gate.Action{Tool: "a"})
	require.NoError(t, err)
	_, err = k.adapter.Propose(ctx, "agent:chatty", gate.Action{Tool: "b"})
	require.NoError(t, err)

	_, err = k.adapter.Propose(ctx, "agent:chatty", gate.Action{Tool: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")

	// Limits are per agent.
	_, err = k.adapter.Propose(ctx, "agent:quiet", gate.Action{Tool: "a"})
	assert.NoError(t, err)
}

func TestPropose_RecordsMirrorAndEvent(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "invoke:model", EstimatedCost: 250})
	require.NoError(t, err)

	entry, ok := k.mirror.Get(p.MirrorRef)
	require.True(t, ok)
	assert.Contains(t, entry.Prompt, "invoke:model")

	event, ok := k.log.GetByID(p.EventID)
	require.True(t, ok)
	assert.Equal(t, eventlog.TypeSuggestion, event.Type)
	assert.Equal(t, p.MirrorRef, event.Payload["mirrorRef"])
	assert.Equal(t, "agent:worker", event.Payload["agentId"])
	assert.EqualValues(t, 250, event.Payload["estimatedCost"])

	list := k.adapter.List()
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

// A COMMITTED event for a proposal implies no PROPOSAL_REJECTED was
// ever emitted for it: the gates either all passed or none executed.
func TestInvariant_CommitImpliesNoRejection(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	good := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"payment:*"}, Resources: []string{"*"}},
	})
	narrow := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"read_file"}, Resources: []string{"*"}},
	})

	// Mixed traffic: some commits succeed, some are rejected.
	for i := 0; i < 6; i++ {
		p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "payment:transfer"})
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = k.adapter.Commit(ctx, p.ID, good)
			require.NoError(t, err)
		} else {
			_, err = k.adapter.Commit(ctx, p.ID, narrow)
			require.Error(t, err)
		}
	}

	committed := map[string]bool{}
	for _, e := range k.log.Query(eventlog.Filter{Type: eventlog.TypeCommitted}) {
		committed[e.Payload["proposalId"].(string)] = true
	}
	for _, e := range k.log.Query(eventlog.Filter{Type: eventlog.TypeProposalRejected}) {
		id := e.Payload["proposalId"].(string)
		assert.False(t, committed[id], "proposal %s both committed and rejected", id)
	}

	assert.Len(t, committed, 3)
	report := k.log.VerifyChain(k.ks)
	assert.True(t, report.Valid, "errors: %v", report.Errors)
}

func TestCommit_AuditTrail(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	var buf bytes.Buffer
	k.adapter.SetAuditLogger(audit.NewLoggerWithWriter(&buf))

	m := k.signedMandate(t, mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:worker",
		Scope:    mandate.Scope{Actions: []string{"*"}, Resources: []string{"*"}},
	})

	p, err := k.adapter.Propose(ctx, "agent:worker", gate.Action{Tool: "x"})
	require.NoError(t, err)
	_, err = k.adapter.Commit(ctx, p.ID, m)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"PROPOSAL"`)
	assert.Contains(t, out, `"COMMIT"`)
}

// Command sovereign runs a demonstration pass through the kernel: it
// issues a mandate, proposes an action, commits it through the τ-Gate
// and prints the resulting receipt and chain proofs. A thin wrapper —
// all behavior lives in the packages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hillary-njuguna/sovereign-stack/pkg/audit"
	"github.com/hillary-njuguna/sovereign-stack/pkg/budget"
	"github.com/hillary-njuguna/sovereign-stack/pkg/config"
	"github.com/hillary-njuguna/sovereign-stack/pkg/eventlog"
	"github.com/hillary-njuguna/sovereign-stack/pkg/gate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/identity"
	"github.com/hillary-njuguna/sovereign-stack/pkg/keystore"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mandate"
	"github.com/hillary-njuguna/sovereign-stack/pkg/mirror"
	"github.com/hillary-njuguna/sovereign-stack/pkg/observability"
	"github.com/hillary-njuguna/sovereign-stack/pkg/receipt"
)

func main() {
	if err := run(); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	cfg := config.Load()

	profile := config.DefaultProfile()
	if cfg.ProfilePath != "" {
		var err error
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return err
		}
	}
	slog.Info("kernel profile", "name", profile.Name)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "sovereign-stack",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.Telemetry,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	ks := keystore.New()
	log := eventlog.New()
	mir := mirror.New()
	receipts := receipt.NewChain()

	executor := gate.NewStrictDispatcher(gate.ExecutorFunc(
		func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echoed": args, "tool": tool}, nil
		},
	))
	if err := executor.AllowTool("invoke:model", ""); err != nil {
		return err
	}

	adapterActor := identity.NewActorID(identity.RoleAdapter, cfg.AdapterName)
	adapter, err := gate.New(adapterActor, ks, log, mir, receipts, executor)
	if err != nil {
		return err
	}
	adapter.SetAuditLogger(audit.NewLogger())
	adapter.SetObservability(obs)
	if profile.Gates.Resource {
		adapter.AddCommitHook(gate.ResourceScopeHook())
	}
	if profile.Gates.Budget {
		budget.NewTracker().Install(adapter)
	}
	if profile.RateLimit.RPS > 0 {
		adapter.SetRateLimit(profile.RateLimit.RPS, profile.RateLimit.Burst)
	}

	// The user issues a mandate to the agent.
	unsigned, err := mandate.Create(mandate.Params{
		Issuer:   "user:alice",
		Delegate: "agent:assistant",
		Scope: mandate.Scope{
			Actions:   []string{"invoke:*"},
			Resources: []string{"provider:openai"},
		},
	})
	if err != nil {
		return err
	}
	issuerKey, err := ks.EnsureKey("user:alice")
	if err != nil {
		return err
	}
	m, createEvent, err := mandate.SignRecorded(ctx, unsigned, ks, issuerKey, log)
	if err != nil {
		return err
	}
	slog.Info("mandate issued", "mandate_id", m.MandateID, "event_id", createEvent)

	did, err := ks.DIDKey(issuerKey)
	if err != nil {
		return err
	}
	slog.Info("issuer identity", "did", did)

	// The agent proposes, the mandate commits.
	proposal, err := adapter.Propose(ctx, "agent:assistant", gate.Action{
		Tool:     "invoke:model",
		Args:     map[string]interface{}{"prompt": "summarize my inbox"},
		Resource: "provider:openai",
	})
	if err != nil {
		return err
	}

	result, err := adapter.Commit(ctx, proposal.ID, m)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result.Receipt, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("receipt:\n%s\n", out)

	report := log.VerifyChain(ks)
	slog.Info("event chain", "valid", report.Valid, "events", report.EventsVerified)

	proof := receipts.GetChainProof()
	slog.Info("receipt chain", "length", proof.ChainLength, "root", proof.RootHash)

	return nil
}

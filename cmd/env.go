package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/clearstake/attest-engine/internal/anchor"
	"github.com/clearstake/attest-engine/internal/auth"
	"github.com/clearstake/attest-engine/internal/consensus"
	"github.com/clearstake/attest-engine/internal/policy"
	"github.com/clearstake/attest-engine/internal/registry"
	"github.com/clearstake/attest-engine/internal/resilience"
	"github.com/clearstake/attest-engine/internal/store"
)

// engineEnv bundles the wired subsystems a command operates on.
type engineEnv struct {
	Store       store.Store
	Authz       *auth.Static
	Registry    *registry.MemRegistry
	Policies    *policy.MemStore
	Coordinator *consensus.Coordinator
	Anchors     *anchor.Worker
}

func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine builds the full engine: store, authorizer, registry and policy
// store rehydrated from the audit trail, coordinator, and (when an endpoint
// is configured) the anchoring worker.
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	authz := auth.NewStatic(cfg.Auth.Admins, cfg.Auth.Reviewers)

	reg := registry.NewMemRegistry(cfg.Consensus.MinimumStake, authz, registry.WithAuditor(st))
	attestors, err := st.ListAttestors(ctx)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "load attestors")
	}
	if err := reg.Restore(attestors); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "restore attestors")
	}

	pol := policy.NewMemStore(authz, policy.WithAuditor(st))
	policies, err := st.ListLatestPolicies(ctx)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "load policies")
	}
	pol.Restore(policies)

	env := &engineEnv{
		Store:    st,
		Authz:    authz,
		Registry: reg,
		Policies: pol,
	}

	opts := []consensus.Option{
		consensus.WithAuditor(st),
		consensus.WithReviewAuthorizer(authz),
	}
	if cfg.Anchor.Endpoint != "" {
		retry := resilience.DefaultRetryConfig()
		if cfg.Anchor.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Anchor.MaxAttempts
		}
		env.Anchors = anchor.NewWorker(
			anchor.NewHTTPAnchorer(cfg.Anchor.Endpoint, cfg.Anchor.APIKey),
			anchor.WithLog(st),
			anchor.WithRetryConfig(retry),
			anchor.WithRateLimit(cfg.Anchor.RatePerSecond, cfg.Anchor.RateBurst),
			anchor.WithQueueDepth(cfg.Anchor.QueueDepth),
		)
		opts = append(opts, consensus.WithOutcomeSink(env.Anchors))
	}

	env.Coordinator = consensus.New(reg, pol, opts...)
	return env, nil
}

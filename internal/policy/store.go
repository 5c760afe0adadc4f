// Package policy holds the per-asset-type verification policies. Exactly one
// policy is active per asset type; replacements are atomic and never affect
// requests already in flight (the coordinator snapshots the policy at
// submission time).
package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearstake/attest-engine/internal/model"
)

// Authorizer gates policy mutation. How the principal was authenticated is
// outside this package; an external collaborator supplies the check.
type Authorizer interface {
	CanAdministerPolicies(ctx context.Context, principal string) bool
}

// Auditor receives a durable copy of every accepted policy version.
type Auditor interface {
	SavePolicy(ctx context.Context, p model.AssetTypePolicy) error
}

// Store is the read/write interface for asset-type policies.
type Store interface {
	// SetPolicy validates and atomically replaces the active policy for the
	// asset type. Fails with ErrNotAuthorized if the principal lacks the
	// policy-administration capability.
	SetPolicy(ctx context.Context, principal string, p model.AssetTypePolicy) error

	// GetPolicy returns the active policy, or ErrPolicyNotConfigured if the
	// asset type has not been onboarded.
	GetPolicy(assetType model.AssetType) (model.AssetTypePolicy, error)

	// ListPolicies returns all active policies ordered by asset type.
	ListPolicies() []model.AssetTypePolicy
}

// MemStore is the in-memory, lock-guarded Store implementation.
type MemStore struct {
	authz Authorizer
	audit Auditor

	mu       sync.RWMutex
	policies map[model.AssetType]model.AssetTypePolicy

	nowFunc func() time.Time
}

// Option configures a MemStore.
type Option func(*MemStore)

// WithAuditor sets a durable audit sink for accepted policy versions.
func WithAuditor(a Auditor) Option {
	return func(s *MemStore) { s.audit = a }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *MemStore) { s.nowFunc = now }
}

// NewMemStore creates a policy store gated by the given authorizer.
func NewMemStore(authz Authorizer, opts ...Option) *MemStore {
	s := &MemStore{
		authz:    authz,
		policies: make(map[model.AssetType]model.AssetTypePolicy),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemStore) SetPolicy(ctx context.Context, principal string, p model.AssetTypePolicy) error {
	if s.authz != nil && !s.authz.CanAdministerPolicies(ctx, principal) {
		return eris.Wrapf(model.ErrNotAuthorized, "policy: set %s", p.AssetType)
	}
	if err := p.Validate(); err != nil {
		return eris.Wrap(err, "policy: set")
	}

	s.mu.Lock()
	prev, exists := s.policies[p.AssetType]
	if exists {
		p.Version = prev.Version + 1
	} else {
		p.Version = 1
	}
	p.UpdatedAt = s.nowFunc().UTC()
	s.policies[p.AssetType] = p
	s.mu.Unlock()

	zap.L().Info("policy updated",
		zap.String("asset_type", string(p.AssetType)),
		zap.Int("version", p.Version),
		zap.Int("min_score_bps", p.MinScoreBps),
		zap.Int("required_attestors", p.RequiredAttestorCount),
		zap.Bool("manual_review", p.ManualReviewRequired),
	)

	if s.audit != nil {
		if err := s.audit.SavePolicy(ctx, p); err != nil {
			// The in-memory policy is authoritative; audit lag is logged only.
			zap.L().Error("policy audit write failed",
				zap.String("asset_type", string(p.AssetType)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Restore loads previously persisted policies, keeping the highest version
// per asset type. Intended for process startup; it does not run
// authorization, validation, or audit writes.
func (s *MemStore) Restore(policies []model.AssetTypePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range policies {
		if existing, ok := s.policies[p.AssetType]; ok && existing.Version >= p.Version {
			continue
		}
		s.policies[p.AssetType] = p
	}
}

func (s *MemStore) GetPolicy(assetType model.AssetType) (model.AssetTypePolicy, error) {
	s.mu.RLock()
	p, ok := s.policies[assetType]
	s.mu.RUnlock()
	if !ok {
		return model.AssetTypePolicy{}, eris.Wrapf(model.ErrPolicyNotConfigured, "policy: get %s", assetType)
	}
	return p, nil
}

func (s *MemStore) ListPolicies() []model.AssetTypePolicy {
	s.mu.RLock()
	out := make([]model.AssetTypePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AssetType < out[j].AssetType })
	return out
}

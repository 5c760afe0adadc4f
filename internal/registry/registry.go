// Package registry manages attestor identity, stake, activity, and
// reputation. Reputation moves only when the coordinator records a finalized
// outcome — attestors never report on themselves.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearstake/attest-engine/internal/model"
)

const (
	// InitialReputation is the neutral midpoint assigned at registration.
	InitialReputation = 50.0

	// ReputationStep is the bounded adjustment applied per finalized outcome.
	ReputationStep = 2.0

	reputationMin = 0.0
	reputationMax = 100.0
)

// Candidate carries the identity fields supplied at registration.
type Candidate struct {
	OrganizationName string            `json:"organization_name"`
	Region           string            `json:"region"`
	Specialties      []model.AssetType `json:"specialties,omitempty"`
}

// Authorizer gates attestor mutation (registration, deactivation).
type Authorizer interface {
	CanManageAttestors(ctx context.Context, principal string) bool
}

// Auditor receives durable copies of attestor records as they change.
type Auditor interface {
	SaveAttestor(ctx context.Context, a model.Attestor) error
}

// Registry is the attestor identity and reputation interface.
type Registry interface {
	// Register bonds stake and creates an active attestor. Fails with
	// ErrInsufficientStake below the platform minimum and
	// ErrDuplicateAttestor when the normalized identity already exists.
	Register(ctx context.Context, principal string, c Candidate, stakeAmount int64) (string, error)

	// Deactivate marks the attestor inactive. Idempotent; history is kept.
	Deactivate(ctx context.Context, principal string, attestorID string) error

	// Get returns a copy of the attestor record.
	Get(attestorID string) (model.Attestor, error)

	// List returns all attestors ordered by organization name.
	List() []model.Attestor

	// IsEligible reports whether the attestor is active and covers the
	// asset type (empty specialties = generalist).
	IsEligible(attestorID string, assetType model.AssetType) bool

	// RecordOutcome adjusts reputation after a request finalizes. Called
	// only by the coordinator.
	RecordOutcome(ctx context.Context, attestorID string, agreedWithFinalOutcome bool) error
}

// MemRegistry is the in-memory, lock-guarded Registry implementation.
type MemRegistry struct {
	minimumStake int64
	authz        Authorizer
	audit        Auditor

	mu        sync.RWMutex
	attestors map[string]*model.Attestor
	identity  map[string]string // normalized org+region -> attestor id

	nowFunc func() time.Time
}

// Option configures a MemRegistry.
type Option func(*MemRegistry)

// WithAuditor sets a durable audit sink for attestor records.
func WithAuditor(a Auditor) Option {
	return func(r *MemRegistry) { r.audit = a }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *MemRegistry) { r.nowFunc = now }
}

// NewMemRegistry creates a registry enforcing the given minimum stake bond.
func NewMemRegistry(minimumStake int64, authz Authorizer, opts ...Option) *MemRegistry {
	r := &MemRegistry{
		minimumStake: minimumStake,
		authz:        authz,
		attestors:    make(map[string]*model.Attestor),
		identity:     make(map[string]string),
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemRegistry) Register(ctx context.Context, principal string, c Candidate, stakeAmount int64) (string, error) {
	if r.authz != nil && !r.authz.CanManageAttestors(ctx, principal) {
		return "", eris.Wrap(model.ErrNotAuthorized, "registry: register")
	}
	if c.OrganizationName == "" {
		return "", eris.Wrap(model.ErrInvalidCandidate, "registry: organization name is required")
	}
	if stakeAmount < r.minimumStake {
		return "", eris.Wrapf(model.ErrInsufficientStake,
			"registry: stake %d below minimum %d", stakeAmount, r.minimumStake)
	}

	key := identityKey(c.OrganizationName, c.Region)

	r.mu.Lock()
	if existing, ok := r.identity[key]; ok {
		r.mu.Unlock()
		return "", eris.Wrapf(model.ErrDuplicateAttestor, "registry: identity already held by %s", existing)
	}

	a := &model.Attestor{
		ID:               uuid.New().String(),
		OrganizationName: c.OrganizationName,
		Region:           c.Region,
		Specialties:      append([]model.AssetType(nil), c.Specialties...),
		StakeAmount:      stakeAmount,
		Active:           true,
		ReputationScore:  InitialReputation,
		RegisteredAt:     r.nowFunc().UTC(),
	}
	r.attestors[a.ID] = a
	r.identity[key] = a.ID
	snapshot := *a
	r.mu.Unlock()

	zap.L().Info("attestor registered",
		zap.String("attestor_id", snapshot.ID),
		zap.String("organization", snapshot.OrganizationName),
		zap.String("region", snapshot.Region),
		zap.Int64("stake", snapshot.StakeAmount),
	)

	r.auditSave(ctx, snapshot)
	return snapshot.ID, nil
}

// Restore loads previously persisted attestor records, preserving IDs,
// stake, and reputation. Intended for process startup, before any traffic;
// it does not run authorization or audit writes.
func (r *MemRegistry) Restore(attestors []model.Attestor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range attestors {
		key := identityKey(a.OrganizationName, a.Region)
		if existing, ok := r.identity[key]; ok && existing != a.ID {
			return eris.Wrapf(model.ErrDuplicateAttestor,
				"registry: restore %s collides with %s", a.ID, existing)
		}
		cp := a
		cp.Specialties = append([]model.AssetType(nil), a.Specialties...)
		r.attestors[cp.ID] = &cp
		r.identity[key] = cp.ID
	}
	return nil
}

func (r *MemRegistry) Deactivate(ctx context.Context, principal string, attestorID string) error {
	if r.authz != nil && !r.authz.CanManageAttestors(ctx, principal) {
		return eris.Wrap(model.ErrNotAuthorized, "registry: deactivate")
	}

	r.mu.Lock()
	a, ok := r.attestors[attestorID]
	if !ok {
		r.mu.Unlock()
		return eris.Wrapf(model.ErrAttestorNotFound, "registry: deactivate %s", attestorID)
	}
	if !a.Active {
		r.mu.Unlock()
		return nil
	}
	a.Active = false
	snapshot := *a
	r.mu.Unlock()

	zap.L().Info("attestor deactivated", zap.String("attestor_id", attestorID))
	r.auditSave(ctx, snapshot)
	return nil
}

func (r *MemRegistry) Get(attestorID string) (model.Attestor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attestors[attestorID]
	if !ok {
		return model.Attestor{}, eris.Wrapf(model.ErrAttestorNotFound, "registry: get %s", attestorID)
	}
	return *a, nil
}

func (r *MemRegistry) List() []model.Attestor {
	r.mu.RLock()
	out := make([]model.Attestor, 0, len(r.attestors))
	for _, a := range r.attestors {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationName < out[j].OrganizationName })
	return out
}

func (r *MemRegistry) IsEligible(attestorID string, assetType model.AssetType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attestors[attestorID]
	return ok && a.Active && a.HasSpecialty(assetType)
}

func (r *MemRegistry) RecordOutcome(ctx context.Context, attestorID string, agreedWithFinalOutcome bool) error {
	r.mu.Lock()
	a, ok := r.attestors[attestorID]
	if !ok {
		r.mu.Unlock()
		return eris.Wrapf(model.ErrAttestorNotFound, "registry: record outcome %s", attestorID)
	}

	step := ReputationStep
	if !agreedWithFinalOutcome {
		step = -ReputationStep
	}
	a.ReputationScore = clamp(a.ReputationScore+step, reputationMin, reputationMax)
	a.TotalAttestations++
	snapshot := *a
	r.mu.Unlock()

	r.auditSave(ctx, snapshot)
	return nil
}

func (r *MemRegistry) auditSave(ctx context.Context, a model.Attestor) {
	if r.audit == nil {
		return
	}
	if err := r.audit.SaveAttestor(ctx, a); err != nil {
		zap.L().Error("attestor audit write failed",
			zap.String("attestor_id", a.ID),
			zap.Error(err),
		)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

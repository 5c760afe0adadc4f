// Package consensus owns the verification request lifecycle: submission,
// attestation collection, score aggregation, and deterministic resolution to
// a terminal state. All request mutation happens inside a per-request
// critical section so concurrent attestors never race, and unrelated
// requests never block each other.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/policy"
	"github.com/clearstake/attest-engine/internal/registry"
	"github.com/clearstake/attest-engine/internal/score"
)

// OutcomeSink receives finalized requests for anchoring. Enqueue must not
// block: anchoring is decoupled from the consensus path.
type OutcomeSink interface {
	EnqueueFinalized(req *model.VerificationRequest)
}

// Auditor receives a durable copy of every finalized request.
type Auditor interface {
	SaveFinalizedRequest(ctx context.Context, req model.VerificationRequest) error
}

// ReviewAuthorizer gates the manual-review resolution calls.
type ReviewAuthorizer interface {
	CanReviewRequests(ctx context.Context, principal string) bool
}

// SubmitParams carries the inputs to a verification submission. The
// automated score and evidence reference come from the external
// evidence-scoring collaborator and are treated as opaque, validated inputs.
type SubmitParams struct {
	AssetID            string          `json:"asset_id"`
	AssetType          model.AssetType `json:"asset_type"`
	AutomatedScoreBps  int             `json:"automated_score_bps"`
	EvidenceReference  string          `json:"evidence_reference"`
	CandidateAttestors []string        `json:"candidate_attestors"`
}

// Coordinator drives the Submitted -> Collecting -> {Approved | Rejected |
// Expired} state machine.
type Coordinator struct {
	registry    registry.Registry
	policies    policy.Store
	sink        OutcomeSink
	audit       Auditor
	reviewAuthz ReviewAuthorizer
	nowFunc     func() time.Time

	mu       sync.RWMutex
	requests map[string]*requestState
}

// requestState wraps one request's mutable state behind its own mutex, the
// single critical section for the check/append/recompute/finalize cycle.
type requestState struct {
	mu  sync.Mutex
	req model.VerificationRequest
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOutcomeSink sets the anchoring sink for finalized requests.
func WithOutcomeSink(s OutcomeSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithAuditor sets a durable audit sink for finalized requests.
func WithAuditor(a Auditor) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithReviewAuthorizer sets the capability check for manual review calls.
func WithReviewAuthorizer(a ReviewAuthorizer) Option {
	return func(c *Coordinator) { c.reviewAuthz = a }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowFunc = now }
}

// New creates a Coordinator over the given registry and policy store.
func New(reg registry.Registry, policies policy.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: reg,
		policies: policies,
		nowFunc:  time.Now,
		requests: make(map[string]*requestState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates the submission against the active policy, snapshots that
// policy into the request, and moves it straight into Collecting.
func (c *Coordinator) Submit(ctx context.Context, p SubmitParams) (*model.VerificationRequest, error) {
	if p.AutomatedScoreBps < 0 || p.AutomatedScoreBps > model.MaxScoreBps {
		return nil, eris.Wrapf(model.ErrInvalidScore, "consensus: automated score %d", p.AutomatedScoreBps)
	}

	pol, err := c.policies.GetPolicy(p.AssetType)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: submit")
	}

	candidates := dedupe(p.CandidateAttestors)
	if len(candidates) < pol.RequiredAttestorCount {
		return nil, eris.Wrapf(model.ErrInsufficientCandidates,
			"consensus: %d candidates, policy requires %d", len(candidates), pol.RequiredAttestorCount)
	}
	for _, id := range candidates {
		if !c.registry.IsEligible(id, p.AssetType) {
			return nil, eris.Wrapf(model.ErrNotEligible, "consensus: candidate %s for %s", id, p.AssetType)
		}
	}

	now := c.nowFunc().UTC()
	req := model.VerificationRequest{
		ID:                 uuid.New().String(),
		AssetID:            p.AssetID,
		AssetType:          p.AssetType,
		AutomatedScoreBps:  p.AutomatedScoreBps,
		EvidenceReference:  p.EvidenceReference,
		CandidateAttestors: candidates,
		PolicySnapshot:     pol,
		Status:             model.StatusCollecting,
		CombinedScoreBps:   p.AutomatedScoreBps,
		CreatedAt:          now,
		ExpiresAt:          now.Add(pol.ValidityWindow()),
	}

	c.mu.Lock()
	c.requests[req.ID] = &requestState{req: req}
	c.mu.Unlock()

	zap.L().Info("verification request submitted",
		zap.String("request_id", req.ID),
		zap.String("asset_id", req.AssetID),
		zap.String("asset_type", string(req.AssetType)),
		zap.Int("automated_score_bps", req.AutomatedScoreBps),
		zap.Int("candidates", len(candidates)),
		zap.Time("expires_at", req.ExpiresAt),
	)

	return req.Clone(), nil
}

// Attest records one attestor's judgment and re-evaluates finalization.
// Safe under concurrent calls for the same request from different attestors.
func (c *Coordinator) Attest(ctx context.Context, requestID, attestorID string, scoreBps int, rec model.Recommendation, comments string) (*model.VerificationRequest, error) {
	if scoreBps < 0 || scoreBps > model.MaxScoreBps {
		return nil, eris.Wrapf(model.ErrInvalidScore, "consensus: attestation score %d", scoreBps)
	}
	if rec != model.RecommendVerified && rec != model.RecommendRejected {
		return nil, eris.Wrapf(model.ErrInvalidRecommendation, "consensus: recommendation %q", rec)
	}

	st, err := c.lookup(requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.req.Status.IsTerminal() {
		return nil, eris.Wrapf(model.ErrRequestNotCollecting,
			"consensus: request %s is %s", requestID, st.req.Status)
	}
	// Lazy expiry: discovering a stale request transitions it atomically.
	if c.nowFunc().After(st.req.ExpiresAt) {
		c.finalizeLocked(ctx, st, model.StatusExpired)
		return nil, eris.Wrapf(model.ErrRequestExpired, "consensus: request %s", requestID)
	}
	if !st.req.IsCandidate(attestorID) {
		return nil, eris.Wrapf(model.ErrNotCandidate, "consensus: attestor %s on request %s", attestorID, requestID)
	}
	if st.req.HasAttested(attestorID) {
		return nil, eris.Wrapf(model.ErrDuplicateAttestation, "consensus: attestor %s on request %s", attestorID, requestID)
	}

	st.req.Attestations = append(st.req.Attestations, model.Attestation{
		RequestID:      requestID,
		AttestorID:     attestorID,
		ScoreBps:       scoreBps,
		Recommendation: rec,
		Comments:       comments,
		SubmittedAt:    c.nowFunc().UTC(),
	})
	st.req.CombinedScoreBps = score.Combine(st.req.AutomatedScoreBps, attestationScores(&st.req))

	c.evaluateLocked(ctx, st)
	return st.req.Clone(), nil
}

// ManualApprove resolves a reviewer-gated request to Approved.
func (c *Coordinator) ManualApprove(ctx context.Context, principal, requestID string) (*model.VerificationRequest, error) {
	return c.resolveManual(ctx, principal, requestID, model.StatusApproved)
}

// ManualReject resolves a reviewer-gated request to Rejected.
func (c *Coordinator) ManualReject(ctx context.Context, principal, requestID string) (*model.VerificationRequest, error) {
	return c.resolveManual(ctx, principal, requestID, model.StatusRejected)
}

func (c *Coordinator) resolveManual(ctx context.Context, principal, requestID string, status model.RequestStatus) (*model.VerificationRequest, error) {
	if c.reviewAuthz != nil && !c.reviewAuthz.CanReviewRequests(ctx, principal) {
		return nil, eris.Wrapf(model.ErrNotAuthorized, "consensus: manual review of %s", requestID)
	}

	st, err := c.lookup(requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.req.Status.IsTerminal() {
		return nil, eris.Wrapf(model.ErrRequestNotCollecting,
			"consensus: request %s is %s", requestID, st.req.Status)
	}
	if c.nowFunc().After(st.req.ExpiresAt) {
		c.finalizeLocked(ctx, st, model.StatusExpired)
		return nil, eris.Wrapf(model.ErrRequestExpired, "consensus: request %s", requestID)
	}
	if !st.req.ReadyForManualReview {
		return nil, eris.Wrapf(model.ErrManualReviewNotReady, "consensus: request %s", requestID)
	}

	c.finalizeLocked(ctx, st, status)
	return st.req.Clone(), nil
}

// Expire transitions a Collecting request past its validity window to
// Expired. Idempotent; reports whether this call performed the transition.
func (c *Coordinator) Expire(ctx context.Context, requestID string) (bool, error) {
	st, err := c.lookup(requestID)
	if err != nil {
		return false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.req.Status.IsTerminal() || !c.nowFunc().After(st.req.ExpiresAt) {
		return false, nil
	}
	c.finalizeLocked(ctx, st, model.StatusExpired)
	return true, nil
}

// Sweep expires every stale Collecting request. Intended to run periodically;
// lazy expiry on Attest and reads covers the gaps between sweeps.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var expired int
	var expiredMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			did, err := c.Expire(gctx, id)
			if err != nil {
				return err
			}
			if did {
				expiredMu.Lock()
				expired++
				expiredMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return expired, eris.Wrap(err, "consensus: sweep")
	}

	if expired > 0 {
		zap.L().Info("expiry sweep complete", zap.Int("expired", expired))
	}
	return expired, nil
}

// Get returns a copy of the request, lazily expiring it first when stale.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*model.VerificationRequest, error) {
	st, err := c.lookup(requestID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.req.Status.IsTerminal() && c.nowFunc().After(st.req.ExpiresAt) {
		c.finalizeLocked(ctx, st, model.StatusExpired)
	}
	return st.req.Clone(), nil
}

// GetOutcome returns the downstream-facing outcome view. Consumers must
// re-check Status and ExpiresAt immediately before acting on an approval.
func (c *Coordinator) GetOutcome(ctx context.Context, requestID string) (model.Outcome, error) {
	req, err := c.Get(ctx, requestID)
	if err != nil {
		return model.Outcome{}, err
	}
	return model.Outcome{
		RequestID:        req.ID,
		AssetID:          req.AssetID,
		Status:           req.Status,
		CombinedScoreBps: req.CombinedScoreBps,
		ExpiresAt:        req.ExpiresAt,
		FinalizedAt:      req.FinalizedAt,
	}, nil
}

// List returns copies of all tracked requests, optionally filtered by status.
func (c *Coordinator) List(status model.RequestStatus) []model.VerificationRequest {
	c.mu.RLock()
	states := make([]*requestState, 0, len(c.requests))
	for _, st := range c.requests {
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]model.VerificationRequest, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if status == "" || st.req.Status == status {
			out = append(out, *st.req.Clone())
		}
		st.mu.Unlock()
	}
	return out
}

func (c *Coordinator) lookup(requestID string) (*requestState, error) {
	c.mu.RLock()
	st, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(model.ErrRequestNotFound, "consensus: request %s", requestID)
	}
	return st, nil
}

// evaluateLocked runs the finalization check. Caller holds st.mu.
//
// Order is fixed: quorum gate, then majority-reject veto, then score
// threshold, then the manual-review gate. A strict reject majority wins even
// when the combined score clears the threshold.
func (c *Coordinator) evaluateLocked(ctx context.Context, st *requestState) {
	pol := st.req.PolicySnapshot

	if len(st.req.Attestations) < pol.RequiredAttestorCount {
		return
	}
	if st.req.RejectCount() > pol.RequiredAttestorCount/2 {
		c.finalizeLocked(ctx, st, model.StatusRejected)
		return
	}
	if st.req.CombinedScoreBps < pol.MinScoreBps {
		c.finalizeLocked(ctx, st, model.StatusRejected)
		return
	}
	if pol.ManualReviewRequired {
		if !st.req.ReadyForManualReview {
			st.req.ReadyForManualReview = true
			zap.L().Info("request ready for manual review",
				zap.String("request_id", st.req.ID),
				zap.Int("combined_score_bps", st.req.CombinedScoreBps),
			)
		}
		return
	}
	c.finalizeLocked(ctx, st, model.StatusApproved)
}

// finalizeLocked performs the exactly-once terminal transition: set status,
// update attestor reputations, persist the audit record, and hand the
// request to the anchoring sink. Caller holds st.mu and has verified the
// request is not already terminal.
func (c *Coordinator) finalizeLocked(ctx context.Context, st *requestState, status model.RequestStatus) {
	now := c.nowFunc().UTC()
	st.req.Status = status
	st.req.FinalizedAt = &now

	zap.L().Info("request finalized",
		zap.String("request_id", st.req.ID),
		zap.String("status", string(status)),
		zap.Int("combined_score_bps", st.req.CombinedScoreBps),
		zap.Int("attestations", len(st.req.Attestations)),
	)

	// Expiry carries no consensus direction, so no reputation movement.
	if status == model.StatusApproved || status == model.StatusRejected {
		agreeing := model.RecommendVerified
		if status == model.StatusRejected {
			agreeing = model.RecommendRejected
		}
		for _, a := range st.req.Attestations {
			if err := c.registry.RecordOutcome(ctx, a.AttestorID, a.Recommendation == agreeing); err != nil {
				zap.L().Error("reputation update failed",
					zap.String("request_id", st.req.ID),
					zap.String("attestor_id", a.AttestorID),
					zap.Error(err),
				)
			}
		}
	}

	if c.audit != nil {
		if err := c.audit.SaveFinalizedRequest(ctx, *st.req.Clone()); err != nil {
			// The local terminal decision is authoritative even if the
			// audit write lags.
			zap.L().Error("finalized request audit write failed",
				zap.String("request_id", st.req.ID),
				zap.Error(err),
			)
		}
	}
	if c.sink != nil {
		c.sink.EnqueueFinalized(st.req.Clone())
	}
}

func attestationScores(req *model.VerificationRequest) []int {
	scores := make([]int, len(req.Attestations))
	for i, a := range req.Attestations {
		scores[i] = a.ScoreBps
	}
	return scores
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

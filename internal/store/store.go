// Package store persists the engine's audit trail: attestor records, policy
// versions, finalized requests, and the anchor log. Live consensus state is
// in-memory; the store is the durable record written at registration, policy
// change, and terminal transition.
package store

import (
	"context"
	"time"

	"github.com/clearstake/attest-engine/internal/model"
)

// RequestFilter specifies criteria for listing finalized requests.
type RequestFilter struct {
	Status    model.RequestStatus `json:"status,omitempty"`
	AssetID   string              `json:"asset_id,omitempty"`
	AssetType model.AssetType     `json:"asset_type,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Offset    int                 `json:"offset,omitempty"`
}

// DeadAnchor is a finalized outcome whose anchoring exhausted retries.
type DeadAnchor struct {
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
}

// Store defines the persistence interface for the consensus engine's audit
// trail. It satisfies the auditor interfaces of the registry, policy store,
// and coordinator, and the anchor worker's log.
type Store interface {
	// Attestors
	SaveAttestor(ctx context.Context, a model.Attestor) error
	ListAttestors(ctx context.Context) ([]model.Attestor, error)

	// Policy versions
	SavePolicy(ctx context.Context, p model.AssetTypePolicy) error
	ListPolicyVersions(ctx context.Context, assetType model.AssetType) ([]model.AssetTypePolicy, error)
	ListLatestPolicies(ctx context.Context) ([]model.AssetTypePolicy, error)

	// Finalized requests
	SaveFinalizedRequest(ctx context.Context, req model.VerificationRequest) error
	GetFinalizedRequest(ctx context.Context, requestID string) (*model.VerificationRequest, error)
	ListFinalizedRequests(ctx context.Context, filter RequestFilter) ([]model.VerificationRequest, error)

	// Anchor log
	MarkAnchored(ctx context.Context, requestID, anchorRef string, anchoredAt time.Time) error
	DeadLetterAnchor(ctx context.Context, requestID, reason string, failedAt time.Time) error
	ListDeadAnchors(ctx context.Context, limit int) ([]DeadAnchor, error)
	ClearDeadAnchor(ctx context.Context, requestID string) error
	CountDeadAnchors(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

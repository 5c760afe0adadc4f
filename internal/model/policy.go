package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// MaxScoreBps is the upper bound for any basis-point score.
const MaxScoreBps = 10000

// AssetTypePolicy governs how verification requests for one asset type are
// judged: quorum size, score threshold, validity window, and whether an
// approval additionally requires a human reviewer sign-off.
type AssetTypePolicy struct {
	AssetType             AssetType `json:"asset_type" yaml:"asset_type"`
	MinScoreBps           int       `json:"min_score_bps" yaml:"min_score_bps"`
	ValidityWindowSeconds int64     `json:"validity_window_seconds" yaml:"validity_window_seconds"`
	RequiredAttestorCount int       `json:"required_attestor_count" yaml:"required_attestor_count"`
	ManualReviewRequired  bool      `json:"manual_review_required" yaml:"manual_review_required"`
	Version               int       `json:"version" yaml:"-"`
	UpdatedAt             time.Time `json:"updated_at" yaml:"-"`
}

// ValidityWindow returns the policy's validity window as a duration.
func (p AssetTypePolicy) ValidityWindow() time.Duration {
	return time.Duration(p.ValidityWindowSeconds) * time.Second
}

// Validate checks the policy's field ranges.
func (p AssetTypePolicy) Validate() error {
	if p.AssetType == "" {
		return eris.Wrap(ErrInvalidPolicy, "asset type is required")
	}
	if p.MinScoreBps < 0 || p.MinScoreBps > MaxScoreBps {
		return eris.Wrapf(ErrInvalidPolicy, "min_score_bps %d outside [0,%d]", p.MinScoreBps, MaxScoreBps)
	}
	if p.RequiredAttestorCount < 1 {
		return eris.Wrapf(ErrInvalidPolicy, "required_attestor_count %d must be >= 1", p.RequiredAttestorCount)
	}
	if p.ValidityWindowSeconds <= 0 {
		return eris.Wrapf(ErrInvalidPolicy, "validity_window_seconds %d must be > 0", p.ValidityWindowSeconds)
	}
	return nil
}

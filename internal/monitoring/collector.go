// Package monitoring gathers point-in-time operational snapshots from the
// live consensus state, the registry, and the anchoring pipeline.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearstake/attest-engine/internal/model"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Request metrics over the tracked request set.
	RequestsTotal      int `json:"requests_total"`
	RequestsCollecting int `json:"requests_collecting"`
	RequestsApproved   int `json:"requests_approved"`
	RequestsRejected   int `json:"requests_rejected"`
	RequestsExpired    int `json:"requests_expired"`
	PendingReview      int `json:"pending_review"`

	// ApprovalRate is approved over all finalized with a consensus
	// direction. Expired requests carry none and are excluded.
	ApprovalRate         float64 `json:"approval_rate"`
	MeanCombinedScoreBps int     `json:"mean_combined_score_bps"`

	// Attestor metrics.
	AttestorsTotal     int     `json:"attestors_total"`
	AttestorsActive    int     `json:"attestors_active"`
	MeanReputation     float64 `json:"mean_reputation"`
	TotalStakedMinor   int64   `json:"total_staked_minor"`

	// Anchoring pipeline.
	AnchorBacklog int `json:"anchor_backlog"`
	DeadAnchors   int `json:"dead_anchors"`

	CollectedAt time.Time `json:"collected_at"`
}

// RequestLister abstracts the coordinator methods the collector reads.
type RequestLister interface {
	List(status model.RequestStatus) []model.VerificationRequest
}

// AttestorLister abstracts the registry view.
type AttestorLister interface {
	List() []model.Attestor
}

// AnchorPipeline reports the anchoring worker's queue depth.
type AnchorPipeline interface {
	Backlog() int
}

// DeadAnchorCounter reports the depth of the anchor dead-letter queue.
type DeadAnchorCounter interface {
	CountDeadAnchors(ctx context.Context) (int, error)
}

// Collector gathers metrics from the coordinator, registry, and anchor log.
type Collector struct {
	requests  RequestLister
	attestors AttestorLister
	pipeline  AnchorPipeline
	deadLog   DeadAnchorCounter
}

// NewCollector creates a metrics collector. pipeline and deadLog may be nil
// when anchoring is not configured.
func NewCollector(requests RequestLister, attestors AttestorLister, pipeline AnchorPipeline, deadLog DeadAnchorCounter) *Collector {
	return &Collector{
		requests:  requests,
		attestors: attestors,
		pipeline:  pipeline,
		deadLog:   deadLog,
	}
}

// Collect gathers a snapshot of engine metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		CollectedAt: time.Now().UTC(),
	}

	reqs := c.requests.List("")
	snap.RequestsTotal = len(reqs)
	var scoreSum, scored int
	for _, r := range reqs {
		switch r.Status {
		case model.StatusCollecting:
			snap.RequestsCollecting++
			if r.ReadyForManualReview {
				snap.PendingReview++
			}
		case model.StatusApproved:
			snap.RequestsApproved++
		case model.StatusRejected:
			snap.RequestsRejected++
		case model.StatusExpired:
			snap.RequestsExpired++
		}
		if r.Status == model.StatusApproved || r.Status == model.StatusRejected {
			scoreSum += r.CombinedScoreBps
			scored++
		}
	}
	if scored > 0 {
		snap.ApprovalRate = float64(snap.RequestsApproved) / float64(scored)
		snap.MeanCombinedScoreBps = scoreSum / scored
	}

	attestors := c.attestors.List()
	snap.AttestorsTotal = len(attestors)
	var repSum float64
	for _, a := range attestors {
		if a.Active {
			snap.AttestorsActive++
		}
		repSum += a.ReputationScore
		snap.TotalStakedMinor += a.StakeAmount
	}
	if len(attestors) > 0 {
		snap.MeanReputation = repSum / float64(len(attestors))
	}

	if c.pipeline != nil {
		snap.AnchorBacklog = c.pipeline.Backlog()
	}
	if c.deadLog != nil {
		n, err := c.deadLog.CountDeadAnchors(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dead anchors")
		}
		snap.DeadAnchors = n
	}

	return snap, nil
}

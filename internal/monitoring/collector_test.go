package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstake/attest-engine/internal/model"
)

type fakeRequests []model.VerificationRequest

func (f fakeRequests) List(status model.RequestStatus) []model.VerificationRequest {
	if status == "" {
		return f
	}
	var out []model.VerificationRequest
	for _, r := range f {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

type fakeAttestors []model.Attestor

func (f fakeAttestors) List() []model.Attestor { return f }

type fakePipeline int

func (f fakePipeline) Backlog() int { return int(f) }

type fakeDeadLog int

func (f fakeDeadLog) CountDeadAnchors(context.Context) (int, error) { return int(f), nil }

func TestCollector_Collect(t *testing.T) {
	requests := fakeRequests{
		{Status: model.StatusCollecting},
		{Status: model.StatusCollecting, ReadyForManualReview: true},
		{Status: model.StatusApproved, CombinedScoreBps: 8200},
		{Status: model.StatusApproved, CombinedScoreBps: 8800},
		{Status: model.StatusRejected, CombinedScoreBps: 5600},
		{Status: model.StatusExpired, CombinedScoreBps: 9000},
	}
	attestors := fakeAttestors{
		{Active: true, ReputationScore: 60, StakeAmount: 500_000},
		{Active: true, ReputationScore: 40, StakeAmount: 750_000},
		{Active: false, ReputationScore: 20, StakeAmount: 250_000},
	}

	c := NewCollector(requests, attestors, fakePipeline(4), fakeDeadLog(2))
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, snap.RequestsTotal)
	assert.Equal(t, 2, snap.RequestsCollecting)
	assert.Equal(t, 2, snap.RequestsApproved)
	assert.Equal(t, 1, snap.RequestsRejected)
	assert.Equal(t, 1, snap.RequestsExpired)
	assert.Equal(t, 1, snap.PendingReview)

	// Expired requests carry no consensus direction.
	assert.InDelta(t, 2.0/3.0, snap.ApprovalRate, 1e-9)
	assert.Equal(t, 7533, snap.MeanCombinedScoreBps)

	assert.Equal(t, 3, snap.AttestorsTotal)
	assert.Equal(t, 2, snap.AttestorsActive)
	assert.InDelta(t, 40.0, snap.MeanReputation, 1e-9)
	assert.Equal(t, int64(1_500_000), snap.TotalStakedMinor)

	assert.Equal(t, 4, snap.AnchorBacklog)
	assert.Equal(t, 2, snap.DeadAnchors)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_Collect_Empty(t *testing.T) {
	c := NewCollector(fakeRequests{}, fakeAttestors{}, nil, nil)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Zero(t, snap.RequestsTotal)
	assert.Zero(t, snap.ApprovalRate)
	assert.Zero(t, snap.MeanReputation)
	assert.Zero(t, snap.AnchorBacklog)
	assert.Zero(t, snap.DeadAnchors)
}

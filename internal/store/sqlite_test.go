package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstake/attest-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "attest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testAttestor(id, org string) model.Attestor {
	return model.Attestor{
		ID:               id,
		OrganizationName: org,
		Region:           "eu-west",
		Specialties:      []model.AssetType{"real_estate"},
		StakeAmount:      500_000,
		Active:           true,
		ReputationScore:  50,
		RegisteredAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testFinalized(id string, status model.RequestStatus) model.VerificationRequest {
	finalized := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	return model.VerificationRequest{
		ID:                id,
		AssetID:           "asset-9",
		AssetType:         "real_estate",
		Status:            status,
		AutomatedScoreBps: 7500,
		CombinedScoreBps:  8160,
		CreatedAt:         finalized.Add(-time.Hour),
		ExpiresAt:         finalized.Add(time.Hour),
		FinalizedAt:       &finalized,
	}
}

func TestSQLiteStore_AttestorRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAttestor(ctx, testAttestor("a1", "Veritas Labs")))
	require.NoError(t, s.SaveAttestor(ctx, testAttestor("a2", "Argus Audit")))

	// Upsert overwrites the record for the same id.
	updated := testAttestor("a1", "Veritas Labs")
	updated.Active = false
	updated.ReputationScore = 42
	require.NoError(t, s.SaveAttestor(ctx, updated))

	got, err := s.ListAttestors(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Argus Audit", got[0].OrganizationName)
	assert.Equal(t, "Veritas Labs", got[1].OrganizationName)
	assert.False(t, got[1].Active)
	assert.Equal(t, 42.0, got[1].ReputationScore)
}

func TestSQLiteStore_PolicyVersions(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := model.AssetTypePolicy{
		AssetType:             "real_estate",
		MinScoreBps:           7500,
		ValidityWindowSeconds: 3600,
		RequiredAttestorCount: 3,
		UpdatedAt:             time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	for v := 1; v <= 3; v++ {
		p := base
		p.Version = v
		p.MinScoreBps = 7500 + v*100
		require.NoError(t, s.SavePolicy(ctx, p))
	}

	versions, err := s.ListPolicyVersions(ctx, "real_estate")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 3, versions[2].Version)
	assert.Equal(t, 7800, versions[2].MinScoreBps)

	other, err := s.ListPolicyVersions(ctx, "carbon_credit")
	require.NoError(t, err)
	assert.Empty(t, other)

	carbon := base
	carbon.AssetType = "carbon_credit"
	carbon.Version = 1
	require.NoError(t, s.SavePolicy(ctx, carbon))

	latest, err := s.ListLatestPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, model.AssetType("carbon_credit"), latest[0].AssetType)
	assert.Equal(t, model.AssetType("real_estate"), latest[1].AssetType)
	assert.Equal(t, 3, latest[1].Version)
}

func TestSQLiteStore_FinalizedRequests(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFinalizedRequest(ctx, testFinalized("req-1", model.StatusApproved)))
	require.NoError(t, s.SaveFinalizedRequest(ctx, testFinalized("req-2", model.StatusRejected)))

	got, err := s.GetFinalizedRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Equal(t, 8160, got.CombinedScoreBps)

	_, err = s.GetFinalizedRequest(ctx, "req-missing")
	assert.ErrorIs(t, err, model.ErrRequestNotFound)

	approved, err := s.ListFinalizedRequests(ctx, RequestFilter{Status: model.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "req-1", approved[0].ID)

	all, err := s.ListFinalizedRequests(ctx, RequestFilter{AssetID: "asset-9"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLiteStore_AnchorLog(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFinalizedRequest(ctx, testFinalized("req-1", model.StatusApproved)))

	// A dead letter written before a later successful anchor is cleared by it.
	failedAt := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.DeadLetterAnchor(ctx, "req-1", "ledger unavailable", failedAt))

	n, err := s.CountDeadAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.MarkAnchored(ctx, "req-1", "ledger://block/42/tx/7", failedAt.Add(time.Minute)))

	n, err = s.CountDeadAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	err = s.MarkAnchored(ctx, "req-missing", "ledger://x", failedAt)
	assert.ErrorIs(t, err, model.ErrRequestNotFound)
}

func TestSQLiteStore_DeadAnchorQueue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.DeadLetterAnchor(ctx, "req-2", "timeout", base.Add(time.Minute)))
	require.NoError(t, s.DeadLetterAnchor(ctx, "req-1", "unknown asset", base))

	// Re-dead-lettering the same request updates in place.
	require.NoError(t, s.DeadLetterAnchor(ctx, "req-2", "circuit open", base.Add(2*time.Minute)))

	dead, err := s.ListDeadAnchors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "req-1", dead[0].RequestID)
	assert.Equal(t, "req-2", dead[1].RequestID)
	assert.Equal(t, "circuit open", dead[1].Reason)

	require.NoError(t, s.ClearDeadAnchor(ctx, "req-1"))
	n, err := s.CountDeadAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

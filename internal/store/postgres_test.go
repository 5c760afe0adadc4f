package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearstake/attest-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_SaveAttestor_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO attestors .+ ON CONFLICT`).
		WithArgs("a1", "Veritas Labs", true, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveAttestor(context.Background(), testAttestor("a1", "Veritas Labs"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavePolicy_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p := model.AssetTypePolicy{
		AssetType:             "real_estate",
		MinScoreBps:           7500,
		ValidityWindowSeconds: 3600,
		RequiredAttestorCount: 3,
		Version:               2,
		UpdatedAt:             time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`INSERT INTO policy_versions .+ ON CONFLICT`).
		WithArgs("real_estate", 2, pgxmock.AnyArg(), p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SavePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFinalizedRequest_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT request FROM finalized_requests WHERE id = \$1`).
		WithArgs("req-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetFinalizedRequest(context.Background(), "req-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFinalizedRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	req := testFinalized("req-1", model.StatusApproved)
	mock.ExpectExec(`INSERT INTO finalized_requests .+ ON CONFLICT`).
		WithArgs("req-1", "asset-9", "real_estate", "approved", 8160, pgxmock.AnyArg(), *req.FinalizedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveFinalizedRequest(context.Background(), req)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkAnchored_ClearsDeadLetter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	anchoredAt := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE finalized_requests SET anchor_ref`).
		WithArgs("ledger://block/42/tx/7", anchoredAt, "req-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM anchor_dlq WHERE request_id = \$1`).
		WithArgs("req-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.MarkAnchored(context.Background(), "req-1", "ledger://block/42/tx/7", anchoredAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkAnchored_UnknownRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	anchoredAt := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE finalized_requests SET anchor_ref`).
		WithArgs("ledger://x", anchoredAt, "req-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkAnchored(context.Background(), "req-missing", "ledger://x", anchoredAt)
	assert.ErrorIs(t, err, model.ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeadLetterAnchor_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	failedAt := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO anchor_dlq .+ ON CONFLICT`).
		WithArgs("req-1", "ledger unavailable", failedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.DeadLetterAnchor(context.Background(), "req-1", "ledger unavailable", failedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDeadAnchors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	failedAt := time.Date(2026, 5, 2, 13, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"request_id", "reason", "failed_at"}).
		AddRow("req-1", "unknown asset", failedAt).
		AddRow("req-2", "timeout", failedAt.Add(time.Minute))

	mock.ExpectQuery(`SELECT request_id, reason, failed_at FROM anchor_dlq`).
		WithArgs(10).
		WillReturnRows(rows)

	dead, err := s.ListDeadAnchors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "req-1", dead[0].RequestID)
	assert.Equal(t, "timeout", dead[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDeadAnchors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM anchor_dlq`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountDeadAnchors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

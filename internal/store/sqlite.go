package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/clearstake/attest-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS attestors (
	id           TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	record       TEXT NOT NULL,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS policy_versions (
	asset_type TEXT NOT NULL,
	version    INTEGER NOT NULL,
	policy     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (asset_type, version)
);

CREATE TABLE IF NOT EXISTS finalized_requests (
	id                 TEXT PRIMARY KEY,
	asset_id           TEXT NOT NULL,
	asset_type         TEXT NOT NULL,
	status             TEXT NOT NULL,
	combined_score_bps INTEGER NOT NULL,
	request            TEXT NOT NULL,
	finalized_at       DATETIME NOT NULL,
	anchor_ref         TEXT,
	anchored_at        DATETIME
);

CREATE TABLE IF NOT EXISTS anchor_dlq (
	request_id TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	failed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attestors_organization ON attestors(organization);
CREATE INDEX IF NOT EXISTS idx_finalized_requests_status ON finalized_requests(status);
CREATE INDEX IF NOT EXISTS idx_finalized_requests_asset ON finalized_requests(asset_id);
CREATE INDEX IF NOT EXISTS idx_policy_versions_type ON policy_versions(asset_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveAttestor(ctx context.Context, a model.Attestor) error {
	record, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attestor")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attestors (id, organization, active, record, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET organization = excluded.organization, active = excluded.active,
		 record = excluded.record, updated_at = excluded.updated_at`,
		a.ID, a.OrganizationName, boolToInt(a.Active), string(record), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save attestor %s", a.ID)
}

func (s *SQLiteStore) ListAttestors(ctx context.Context) ([]model.Attestor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM attestors ORDER BY organization`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attestors")
	}
	defer rows.Close()

	var out []model.Attestor
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attestor")
		}
		var a model.Attestor
		if err := json.Unmarshal([]byte(record), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attestor")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attestors")
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, p model.AssetTypePolicy) error {
	policyJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_versions (asset_type, version, policy, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(asset_type, version) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at`,
		string(p.AssetType), p.Version, string(policyJSON), p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save policy %s v%d", p.AssetType, p.Version)
}

func (s *SQLiteStore) ListPolicyVersions(ctx context.Context, assetType model.AssetType) ([]model.AssetTypePolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy FROM policy_versions WHERE asset_type = ? ORDER BY version`,
		string(assetType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list policy versions")
	}
	defer rows.Close()

	var out []model.AssetTypePolicy
	for rows.Next() {
		var policyJSON string
		if err := rows.Scan(&policyJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		var p model.AssetTypePolicy
		if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list policy versions")
}

func (s *SQLiteStore) ListLatestPolicies(ctx context.Context) ([]model.AssetTypePolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy FROM policy_versions p
		 WHERE version = (SELECT MAX(version) FROM policy_versions WHERE asset_type = p.asset_type)
		 ORDER BY asset_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list latest policies")
	}
	defer rows.Close()

	var out []model.AssetTypePolicy
	for rows.Next() {
		var policyJSON string
		if err := rows.Scan(&policyJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		var p model.AssetTypePolicy
		if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list latest policies")
}

func (s *SQLiteStore) SaveFinalizedRequest(ctx context.Context, req model.VerificationRequest) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal request")
	}
	finalizedAt := time.Now().UTC()
	if req.FinalizedAt != nil {
		finalizedAt = *req.FinalizedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO finalized_requests (id, asset_id, asset_type, status, combined_score_bps, request, finalized_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, combined_score_bps = excluded.combined_score_bps,
		 request = excluded.request, finalized_at = excluded.finalized_at`,
		req.ID, req.AssetID, string(req.AssetType), string(req.Status), req.CombinedScoreBps, string(reqJSON), finalizedAt,
	)
	return eris.Wrapf(err, "sqlite: save finalized request %s", req.ID)
}

func (s *SQLiteStore) GetFinalizedRequest(ctx context.Context, requestID string) (*model.VerificationRequest, error) {
	var reqJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT request FROM finalized_requests WHERE id = ?`, requestID,
	).Scan(&reqJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrRequestNotFound, "sqlite: finalized request %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get finalized request %s", requestID)
	}

	var req model.VerificationRequest
	if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal request")
	}
	return &req, nil
}

func (s *SQLiteStore) ListFinalizedRequests(ctx context.Context, filter RequestFilter) ([]model.VerificationRequest, error) {
	query := `SELECT request FROM finalized_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, filter.AssetID)
	}
	if filter.AssetType != "" {
		query += ` AND asset_type = ?`
		args = append(args, string(filter.AssetType))
	}
	query += ` ORDER BY finalized_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list finalized requests")
	}
	defer rows.Close()

	var out []model.VerificationRequest
	for rows.Next() {
		var reqJSON string
		if err := rows.Scan(&reqJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		var req model.VerificationRequest
		if err := json.Unmarshal([]byte(reqJSON), &req); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal request")
		}
		out = append(out, req)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list finalized requests")
}

func (s *SQLiteStore) MarkAnchored(ctx context.Context, requestID, anchorRef string, anchoredAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE finalized_requests SET anchor_ref = ?, anchored_at = ? WHERE id = ?`,
		anchorRef, anchoredAt, requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark anchored %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrRequestNotFound, "sqlite: mark anchored %s", requestID)
	}
	// Anchoring succeeded; drop any earlier dead letter for this request.
	_, err = s.db.ExecContext(ctx, `DELETE FROM anchor_dlq WHERE request_id = ?`, requestID)
	return eris.Wrapf(err, "sqlite: clear dead letter %s", requestID)
}

func (s *SQLiteStore) DeadLetterAnchor(ctx context.Context, requestID, reason string, failedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anchor_dlq (request_id, reason, failed_at) VALUES (?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET reason = excluded.reason, failed_at = excluded.failed_at`,
		requestID, reason, failedAt,
	)
	return eris.Wrapf(err, "sqlite: dead letter %s", requestID)
}

func (s *SQLiteStore) ListDeadAnchors(ctx context.Context, limit int) ([]DeadAnchor, error) {
	query := `SELECT request_id, reason, failed_at FROM anchor_dlq ORDER BY failed_at`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead anchors")
	}
	defer rows.Close()

	var out []DeadAnchor
	for rows.Next() {
		var d DeadAnchor
		if err := rows.Scan(&d.RequestID, &d.Reason, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead anchor")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead anchors")
}

func (s *SQLiteStore) ClearDeadAnchor(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM anchor_dlq WHERE request_id = ?`, requestID)
	return eris.Wrapf(err, "sqlite: clear dead anchor %s", requestID)
}

func (s *SQLiteStore) CountDeadAnchors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anchor_dlq`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead anchors")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clearstake/attest-engine/internal/db"
	"github.com/clearstake/attest-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"save_attestor": `INSERT INTO attestors (id, organization, active, record, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET organization = $2, active = $3, record = $4, updated_at = $5`,
	"save_policy": `INSERT INTO policy_versions (asset_type, version, policy, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset_type, version) DO UPDATE SET policy = $3, updated_at = $4`,
	"save_finalized": `INSERT INTO finalized_requests (id, asset_id, asset_type, status, combined_score_bps, request, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET status = $4, combined_score_bps = $5, request = $6, finalized_at = $7`,
	"get_finalized": `SELECT request FROM finalized_requests WHERE id = $1`,
	"mark_anchored": `UPDATE finalized_requests SET anchor_ref = $1, anchored_at = $2 WHERE id = $3`,
	"dead_letter": `INSERT INTO anchor_dlq (request_id, reason, failed_at) VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO UPDATE SET reason = $2, failed_at = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS attestors (
	id           TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT true,
	record       JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policy_versions (
	asset_type TEXT NOT NULL,
	version    INTEGER NOT NULL,
	policy     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (asset_type, version)
);

CREATE TABLE IF NOT EXISTS finalized_requests (
	id                 TEXT PRIMARY KEY,
	asset_id           TEXT NOT NULL,
	asset_type         TEXT NOT NULL,
	status             TEXT NOT NULL,
	combined_score_bps INTEGER NOT NULL,
	request            JSONB NOT NULL,
	finalized_at       TIMESTAMPTZ NOT NULL,
	anchor_ref         TEXT,
	anchored_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS anchor_dlq (
	request_id TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attestors_organization ON attestors(organization);
CREATE INDEX IF NOT EXISTS idx_finalized_requests_status ON finalized_requests(status);
CREATE INDEX IF NOT EXISTS idx_finalized_requests_asset ON finalized_requests(asset_id);
CREATE INDEX IF NOT EXISTS idx_policy_versions_type ON policy_versions(asset_type);
CREATE INDEX IF NOT EXISTS idx_anchor_dlq_failed_at ON anchor_dlq(failed_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveAttestor(ctx context.Context, a model.Attestor) error {
	record, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attestor")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO attestors (id, organization, active, record, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET organization = $2, active = $3, record = $4, updated_at = $5`,
		a.ID, a.OrganizationName, a.Active, record, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save attestor %s", a.ID)
}

func (s *PostgresStore) ListAttestors(ctx context.Context) ([]model.Attestor, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM attestors ORDER BY organization`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attestors")
	}
	defer rows.Close()

	var out []model.Attestor
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attestor")
		}
		var a model.Attestor
		if err := json.Unmarshal(record, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attestor")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attestors iterate")
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p model.AssetTypePolicy) error {
	policyJSON, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal policy")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policy_versions (asset_type, version, policy, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (asset_type, version) DO UPDATE SET policy = $3, updated_at = $4`,
		string(p.AssetType), p.Version, policyJSON, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save policy %s v%d", p.AssetType, p.Version)
}

func (s *PostgresStore) ListPolicyVersions(ctx context.Context, assetType model.AssetType) ([]model.AssetTypePolicy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT policy FROM policy_versions WHERE asset_type = $1 ORDER BY version`,
		string(assetType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list policy versions")
	}
	defer rows.Close()

	var out []model.AssetTypePolicy
	for rows.Next() {
		var policyJSON []byte
		if err := rows.Scan(&policyJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		var p model.AssetTypePolicy
		if err := json.Unmarshal(policyJSON, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list policy versions iterate")
}

func (s *PostgresStore) ListLatestPolicies(ctx context.Context) ([]model.AssetTypePolicy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (asset_type) policy FROM policy_versions
		 ORDER BY asset_type, version DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list latest policies")
	}
	defer rows.Close()

	var out []model.AssetTypePolicy
	for rows.Next() {
		var policyJSON []byte
		if err := rows.Scan(&policyJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		var p model.AssetTypePolicy
		if err := json.Unmarshal(policyJSON, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list latest policies iterate")
}

func (s *PostgresStore) SaveFinalizedRequest(ctx context.Context, req model.VerificationRequest) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal request")
	}
	finalizedAt := time.Now().UTC()
	if req.FinalizedAt != nil {
		finalizedAt = *req.FinalizedAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO finalized_requests (id, asset_id, asset_type, status, combined_score_bps, request, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = $4, combined_score_bps = $5, request = $6, finalized_at = $7`,
		req.ID, req.AssetID, string(req.AssetType), string(req.Status), req.CombinedScoreBps, reqJSON, finalizedAt,
	)
	return eris.Wrapf(err, "postgres: save finalized request %s", req.ID)
}

func (s *PostgresStore) GetFinalizedRequest(ctx context.Context, requestID string) (*model.VerificationRequest, error) {
	var reqJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT request FROM finalized_requests WHERE id = $1`, requestID,
	).Scan(&reqJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrRequestNotFound, "postgres: finalized request %s", requestID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get finalized request %s", requestID)
	}

	var req model.VerificationRequest
	if err := json.Unmarshal(reqJSON, &req); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal request")
	}
	return &req, nil
}

func (s *PostgresStore) ListFinalizedRequests(ctx context.Context, filter RequestFilter) ([]model.VerificationRequest, error) {
	query := `SELECT request FROM finalized_requests WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.AssetID != "" {
		query += fmt.Sprintf(` AND asset_id = $%d`, argIdx)
		args = append(args, filter.AssetID)
		argIdx++
	}
	if filter.AssetType != "" {
		query += fmt.Sprintf(` AND asset_type = $%d`, argIdx)
		args = append(args, string(filter.AssetType))
		argIdx++
	}
	query += ` ORDER BY finalized_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list finalized requests")
	}
	defer rows.Close()

	var out []model.VerificationRequest
	for rows.Next() {
		var reqJSON []byte
		if err := rows.Scan(&reqJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		var req model.VerificationRequest
		if err := json.Unmarshal(reqJSON, &req); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal request")
		}
		out = append(out, req)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list finalized requests iterate")
}

func (s *PostgresStore) MarkAnchored(ctx context.Context, requestID, anchorRef string, anchoredAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE finalized_requests SET anchor_ref = $1, anchored_at = $2 WHERE id = $3`,
		anchorRef, anchoredAt, requestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark anchored %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrRequestNotFound, "postgres: mark anchored %s", requestID)
	}
	// Anchoring succeeded; drop any earlier dead letter for this request.
	_, err = s.pool.Exec(ctx, `DELETE FROM anchor_dlq WHERE request_id = $1`, requestID)
	return eris.Wrapf(err, "postgres: clear dead letter %s", requestID)
}

func (s *PostgresStore) DeadLetterAnchor(ctx context.Context, requestID, reason string, failedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anchor_dlq (request_id, reason, failed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO UPDATE SET reason = $2, failed_at = $3`,
		requestID, reason, failedAt,
	)
	return eris.Wrapf(err, "postgres: dead letter %s", requestID)
}

func (s *PostgresStore) ListDeadAnchors(ctx context.Context, limit int) ([]DeadAnchor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT request_id, reason, failed_at FROM anchor_dlq ORDER BY failed_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead anchors")
	}
	defer rows.Close()

	var out []DeadAnchor
	for rows.Next() {
		var d DeadAnchor
		if err := rows.Scan(&d.RequestID, &d.Reason, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead anchor")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead anchors iterate")
}

func (s *PostgresStore) ClearDeadAnchor(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM anchor_dlq WHERE request_id = $1`, requestID)
	return eris.Wrapf(err, "postgres: clear dead anchor %s", requestID)
}

func (s *PostgresStore) CountDeadAnchors(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM anchor_dlq`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead anchors")
}

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS access_checkpoints (
	call_id      TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	phase        TEXT NOT NULL,
	version      BIGINT NOT NULL,
	finalized    BOOLEAN NOT NULL DEFAULT FALSE,
	finalized_at TIMESTAMPTZ,
	record       JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS access_checkpoints_active_idx ON access_checkpoints (finalized, updated_at);
`

// Querier is the subset of *pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps one row per call. Save is a single conditional upsert
// that only applies when the incoming version advances the stored one.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return pgIOError(fmt.Errorf("ensure checkpoint schema: %w", err), "checkpoint_pg_schema_failed")
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	if err := validKey(state.Call.CallID); err != nil {
		return access.CheckpointRecord{}, err
	}
	var createdAt time.Time
	existing, err := s.Load(ctx, state.Call.CallID)
	switch {
	case err == nil:
		if err := checkAdvance(existing, state); err != nil {
			return access.CheckpointRecord{}, err
		}
		createdAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
	default:
		return access.CheckpointRecord{}, err
	}
	record, err := NewRecord(state, createdAt)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	payload, err := Encode(record)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO access_checkpoints (call_id, tenant_id, phase, version, finalized, record, updated_at)
VALUES ($1, $2, $3, $4, FALSE, $5, $6)
ON CONFLICT (call_id) DO UPDATE
SET phase = EXCLUDED.phase, version = EXCLUDED.version, record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
WHERE access_checkpoints.version < EXCLUDED.version AND NOT access_checkpoints.finalized`,
		record.CallID, record.TenantID, string(record.Phase), record.Version, payload, record.UpdatedAt)
	if err != nil {
		return access.CheckpointRecord{}, pgIOError(fmt.Errorf("save checkpoint: %w", err), "checkpoint_pg_write_failed")
	}
	if tag.RowsAffected() == 0 {
		return access.CheckpointRecord{}, porterrors.Wrap(fmt.Errorf("%w: concurrent save for call %s", ErrStaleVersion, record.CallID), porterrors.CategoryStateContention, "checkpoint_contention", "another engine instance owns this call", false)
	}
	return record, nil
}

func (s *PostgresStore) Load(ctx context.Context, callID string) (access.CheckpointRecord, error) {
	if err := validKey(callID); err != nil {
		return access.CheckpointRecord{}, err
	}
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM access_checkpoints WHERE call_id = $1`, callID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return access.CheckpointRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
		}
		return access.CheckpointRecord{}, pgIOError(fmt.Errorf("load checkpoint: %w", err), "checkpoint_pg_read_failed")
	}
	return Decode(payload)
}

func (s *PostgresStore) Finalize(ctx context.Context, callID string, now time.Time) error {
	record, err := s.Load(ctx, callID)
	if err != nil {
		return err
	}
	if record.Finalized {
		return nil
	}
	finalized := markFinalized(record, normalizeNow(now))
	payload, err := Encode(finalized)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
UPDATE access_checkpoints SET finalized = TRUE, finalized_at = $2, record = $3
WHERE call_id = $1 AND NOT finalized`, callID, *finalized.FinalizedAt, payload)
	if err != nil {
		return pgIOError(fmt.Errorf("finalize checkpoint: %w", err), "checkpoint_pg_write_failed")
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]access.CheckpointRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT call_id, record FROM access_checkpoints WHERE NOT finalized ORDER BY updated_at`)
	if err != nil {
		return nil, pgIOError(fmt.Errorf("list checkpoints: %w", err), "checkpoint_pg_read_failed")
	}
	defer rows.Close()
	records := make([]access.CheckpointRecord, 0)
	var corrupt []string
	for rows.Next() {
		var callID string
		var payload []byte
		if err := rows.Scan(&callID, &payload); err != nil {
			return nil, pgIOError(fmt.Errorf("scan checkpoint: %w", err), "checkpoint_pg_read_failed")
		}
		record, err := Decode(payload)
		if err != nil {
			corrupt = append(corrupt, callID)
			continue
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, pgIOError(fmt.Errorf("iterate checkpoints: %w", err), "checkpoint_pg_read_failed")
	}
	sortRecords(records)
	return records, corruptResult(corrupt)
}

// Quarantine renames the row's key and marks it finalized so Sweep
// eventually removes it.
func (s *PostgresStore) Quarantine(ctx context.Context, callID string, now time.Time) error {
	if err := validKey(callID); err != nil {
		return err
	}
	quarantinedAt := normalizeNow(now)
	tag, err := s.db.Exec(ctx, `
UPDATE access_checkpoints SET call_id = $2, finalized = TRUE, finalized_at = $3
WHERE call_id = $1`, callID, quarantineKey(callID, quarantinedAt), quarantinedAt)
	if err != nil {
		return pgIOError(fmt.Errorf("quarantine checkpoint: %w", err), "checkpoint_pg_write_failed")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, finalizedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM access_checkpoints WHERE finalized AND finalized_at < $1`, finalizedBefore.UTC())
	if err != nil {
		return 0, pgIOError(fmt.Errorf("sweep checkpoints: %w", err), "checkpoint_pg_sweep_failed")
	}
	return int(tag.RowsAffected()), nil
}

func pgIOError(err error, code string) error {
	return porterrors.Wrap(err, porterrors.CategoryIOFailure, code, "check postgres connectivity", true)
}

package accesslog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS access_log (
	call_id     TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	decision    TEXT NOT NULL,
	gate_opened BOOLEAN NOT NULL,
	outcome     TEXT NOT NULL,
	decided_at  TIMESTAMPTZ NOT NULL,
	digest      TEXT NOT NULL,
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS access_log_tenant_idx ON access_log (tenant_id, decided_at);
`

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink relies on the call_id primary key for exactly-once rows.
type PostgresSink struct {
	db Execer
}

func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure access log schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, record access.AccessLogRecord) (bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode access log record: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO access_log (call_id, tenant_id, decision, gate_opened, outcome, decided_at, digest, record)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (call_id) DO NOTHING`,
		record.CallID, record.TenantID, string(record.Decision), record.GateOpened, string(record.Outcome), record.DecidedAt, record.Digest, payload)
	if err != nil {
		return false, porterrors.Wrap(fmt.Errorf("insert access log: %w", err), porterrors.CategoryIOFailure, "access_log_pg_write_failed", "check postgres connectivity", true)
	}
	return tag.RowsAffected() == 1, nil
}

package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenant_protocols (
	tenant_id                       TEXT PRIMARY KEY,
	allow_deliveries                BOOLEAN NOT NULL DEFAULT FALSE,
	require_resident_approval       BOOLEAN NOT NULL DEFAULT TRUE,
	max_wait_seconds                INTEGER NOT NULL DEFAULT 60,
	fail_open_on_notify_unavailable BOOLEAN NOT NULL DEFAULT FALSE,
	plate_source                    TEXT NOT NULL DEFAULT '',
	document_source                 TEXT NOT NULL DEFAULT '',
	gate_method                     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS residents (
	tenant_id    TEXT NOT NULL,
	resident_id  TEXT NOT NULL,
	unit         TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	channel      TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, resident_id)
);
CREATE TABLE IF NOT EXISTS vehicles (
	tenant_id   TEXT NOT NULL,
	vehicle_id  TEXT NOT NULL,
	plate       TEXT NOT NULL,
	resident_id TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, vehicle_id)
);
CREATE INDEX IF NOT EXISTS vehicles_plate_idx ON vehicles (tenant_id, plate);
CREATE TABLE IF NOT EXISTS pre_authorizations (
	tenant_id            TEXT NOT NULL,
	pre_authorization_id TEXT NOT NULL,
	document_id          TEXT NOT NULL,
	visitor_name         TEXT NOT NULL DEFAULT '',
	resident_id          TEXT NOT NULL DEFAULT '',
	valid_from           TIMESTAMPTZ,
	valid_until          TIMESTAMPTZ,
	single_use           BOOLEAN NOT NULL DEFAULT FALSE,
	used_at              TIMESTAMPTZ,
	used_by_call         TEXT NOT NULL DEFAULT '',
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, pre_authorization_id)
);
CREATE INDEX IF NOT EXISTS pre_authorizations_document_idx ON pre_authorizations (tenant_id, document_id);
`

type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads the directory tables. Plates and document ids are stored
// normalized (see NormalizePlate and NormalizeDocument).
type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

func (d *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure directory schema: %w", err)
	}
	return nil
}

func (d *Postgres) Protocol(ctx context.Context, tenantID string) (access.Protocol, error) {
	var protocol access.Protocol
	err := d.db.QueryRow(ctx, `
SELECT allow_deliveries, require_resident_approval, max_wait_seconds, fail_open_on_notify_unavailable,
       plate_source, document_source, gate_method
FROM tenant_protocols WHERE tenant_id = $1`, tenantID).Scan(
		&protocol.AllowDeliveries,
		&protocol.RequireResidentApproval,
		&protocol.MaxWaitSeconds,
		&protocol.FailOpenOnNotifyUnavailable,
		&protocol.PlateSource,
		&protocol.DocumentSource,
		&protocol.GateMethod,
	)
	if err != nil {
		return access.Protocol{}, mapRowError(err, "protocol for tenant "+tenantID)
	}
	return protocol, nil
}

func (d *Postgres) LookupVehicle(ctx context.Context, tenantID, plate string) (ports.VehicleRecord, error) {
	record := ports.VehicleRecord{TenantID: tenantID}
	err := d.db.QueryRow(ctx, `
SELECT vehicle_id, plate, resident_id, active
FROM vehicles WHERE tenant_id = $1 AND plate = $2
ORDER BY active DESC LIMIT 1`, tenantID, NormalizePlate(plate)).Scan(
		&record.VehicleID,
		&record.Plate,
		&record.ResidentID,
		&record.Active,
	)
	if err != nil {
		return ports.VehicleRecord{}, mapRowError(err, "vehicle "+plate)
	}
	return record, nil
}

func (d *Postgres) LookupPreAuthorized(ctx context.Context, tenantID, documentID string) (ports.PreAuthRecord, error) {
	record := ports.PreAuthRecord{TenantID: tenantID}
	var validFrom, validUntil, usedAt *time.Time
	err := d.db.QueryRow(ctx, `
SELECT pre_authorization_id, document_id, visitor_name, resident_id, valid_from, valid_until,
       single_use, used_at, used_by_call, active
FROM pre_authorizations
WHERE tenant_id = $1 AND document_id = $2 AND active
  AND (valid_from IS NULL OR valid_from <= now())
  AND (valid_until IS NULL OR valid_until > now())
ORDER BY used_at NULLS FIRST, valid_until DESC NULLS LAST
LIMIT 1`, tenantID, NormalizeDocument(documentID)).Scan(
		&record.PreAuthorizationID,
		&record.DocumentID,
		&record.VisitorName,
		&record.ResidentID,
		&validFrom,
		&validUntil,
		&record.SingleUse,
		&usedAt,
		&record.UsedByCall,
		&record.Active,
	)
	if err != nil {
		return ports.PreAuthRecord{}, mapRowError(err, "pre-authorization for "+documentID)
	}
	if validFrom != nil {
		record.ValidFrom = validFrom.UTC()
	}
	if validUntil != nil {
		record.ValidUntil = validUntil.UTC()
	}
	if usedAt != nil {
		consumed := usedAt.UTC()
		record.UsedAt = &consumed
	}
	return record, nil
}

// ConsumePreAuthorization marks a single-use record used by callID. The
// update is conditional so two calls racing for the same record cannot both
// consume it; repeating the update for the same call is a no-op success.
func (d *Postgres) ConsumePreAuthorization(ctx context.Context, tenantID, preAuthorizationID, callID string, now time.Time) error {
	tag, err := d.db.Exec(ctx, `
UPDATE pre_authorizations
SET used_at = COALESCE(used_at, $4), used_by_call = $3
WHERE tenant_id = $1 AND pre_authorization_id = $2
  AND (NOT single_use OR used_at IS NULL OR used_by_call = $3)`,
		tenantID, preAuthorizationID, callID, now.UTC())
	if err != nil {
		return fmt.Errorf("consume pre-authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pre-authorization %s already used", ports.ErrRejected, preAuthorizationID)
	}
	return nil
}

func (d *Postgres) ResolveResident(ctx context.Context, tenantID string, visitor access.Visitor) (access.ResidentRef, error) {
	hint := normalizeHint(visitor.UnitHint)
	if hint == "" {
		return access.ResidentRef{}, fmt.Errorf("%w: no unit hint", ports.ErrNotFound)
	}
	var resident access.ResidentRef
	err := d.db.QueryRow(ctx, `
SELECT resident_id, unit, display_name, channel, address
FROM residents
WHERE tenant_id = $1 AND active AND (lower(unit) = $2 OR lower(display_name) = $2)
ORDER BY (lower(unit) = $2) DESC, resident_id
LIMIT 1`, tenantID, hint).Scan(
		&resident.ResidentID,
		&resident.Unit,
		&resident.DisplayName,
		&resident.Channel,
		&resident.Address,
	)
	if err != nil {
		return access.ResidentRef{}, mapRowError(err, "resident for "+visitor.UnitHint)
	}
	return resident, nil
}

func mapRowError(err error, subject string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, subject)
	}
	return fmt.Errorf("directory query %s: %w", subject, err)
}

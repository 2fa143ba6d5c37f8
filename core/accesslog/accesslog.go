// Package accesslog writes the single terminal record of every call.
package accesslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/portero/core/jcs"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

var ErrNotTerminal = errors.New("access log record requires a terminal decision")

// Sink appends access log records. Write is idempotent per call id: a
// second write for the same call reports written=false and changes nothing.
type Sink interface {
	Write(ctx context.Context, record access.AccessLogRecord) (bool, error)
}

// Mirror receives a copy of every record the primary sink accepted.
type Mirror interface {
	Publish(ctx context.Context, record access.AccessLogRecord) error
}

// BuildRecord captures the terminal facts of a call.
func BuildRecord(state access.AuthorizationState, decidedAt time.Time) (access.AccessLogRecord, error) {
	if !state.Decision.Terminal() {
		return access.AccessLogRecord{}, fmt.Errorf("%w: call=%s decision=%s", ErrNotTerminal, state.Call.CallID, state.Decision)
	}
	snapshot := state.Clone()
	record := access.AccessLogRecord{
		SchemaID:           access.AccessLogSchemaID,
		SchemaVersion:      access.SchemaVersion,
		TenantID:           snapshot.Call.TenantID,
		CallID:             snapshot.Call.CallID,
		CallerChannel:      snapshot.Call.CallerChannel,
		StartedAt:          snapshot.Call.StartedAt.UTC(),
		DecidedAt:          decidedAt.UTC(),
		Plate:              snapshot.Plate,
		Document:           snapshot.Document,
		VehicleID:          snapshot.VehicleID,
		PreAuthorizationID: snapshot.PreAuthorizationID,
		Visitor:            snapshot.Visitor,
		ResidentRef:        snapshot.ResidentRef,
		Decision:           snapshot.Decision,
		ReasonCode:         snapshot.ReasonCode,
		GateOpened:         snapshot.GateActionTaken,
		Outcome:            access.OutcomeOf(snapshot),
	}
	digest, err := Digest(record)
	if err != nil {
		return access.AccessLogRecord{}, err
	}
	record.Digest = digest
	return record, nil
}

// Digest hashes the record with its digest field cleared.
func Digest(record access.AccessLogRecord) (string, error) {
	record.Digest = ""
	digest, err := jcs.DigestValue(record)
	if err != nil {
		return "", fmt.Errorf("digest access log record: %w", err)
	}
	return digest, nil
}

// Chain writes to a primary sink and mirrors accepted records. Mirror
// failures are logged and never fail the write: the primary sink is the
// system of record.
type Chain struct {
	Primary Sink
	Mirrors []Mirror
	Logger  *slog.Logger
}

func (c Chain) Write(ctx context.Context, record access.AccessLogRecord) (bool, error) {
	written, err := c.Primary.Write(ctx, record)
	if err != nil || !written {
		return written, err
	}
	for _, mirror := range c.Mirrors {
		if mirrorErr := mirror.Publish(ctx, record); mirrorErr != nil && c.Logger != nil {
			c.Logger.Warn("access log mirror failed",
				slog.String("tenant_id", record.TenantID),
				slog.String("call_id", record.CallID),
				slog.String("error", mirrorErr.Error()),
			)
		}
	}
	return true, nil
}

// Package checkpoint persists authorization state keyed by call id so a
// restarted process resumes in-flight calls instead of dropping them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/jcs"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/schema/validate"
	"github.com/davidahmann/portero/schemas"
)

var (
	ErrNotFound     = errors.New("checkpoint not found")
	ErrStaleVersion = errors.New("stale checkpoint version")
	ErrFinalized    = errors.New("checkpoint already finalized")
	ErrInvalidKey   = errors.New("invalid checkpoint key")
)

// Store is durable, keyed-by-call persistence of authorization state.
// Save is synchronous and atomic per call id; it rejects versions that do
// not advance past the stored one.
//
// ListActive returns every decodable non-finalized record. When some records
// cannot be decoded it also returns a *CorruptRecordsError naming them.
// Quarantine moves a corrupt record out of the key space so the call can be
// checkpointed afresh.
type Store interface {
	Save(ctx context.Context, state access.AuthorizationState) (access.CheckpointRecord, error)
	Load(ctx context.Context, callID string) (access.CheckpointRecord, error)
	Finalize(ctx context.Context, callID string, now time.Time) error
	ListActive(ctx context.Context) ([]access.CheckpointRecord, error)
	Sweep(ctx context.Context, finalizedBefore time.Time) (int, error)
	Quarantine(ctx context.Context, callID string, now time.Time) error
}

// CorruptRecordsError lists call ids whose stored records failed to decode.
type CorruptRecordsError struct {
	CallIDs []string
}

func (e *CorruptRecordsError) Error() string {
	return fmt.Sprintf("%d corrupt checkpoint record(s): %s", len(e.CallIDs), strings.Join(e.CallIDs, ", "))
}

// Unwrap lets callers match the corruption category with errors.As.
func (e *CorruptRecordsError) Unwrap() error {
	return porterrors.CheckpointCorrupt(errors.New("corrupt checkpoint records"), "checkpoint_list_corrupt")
}

// CorruptCallIDs extracts the corrupt call ids from a ListActive error.
func CorruptCallIDs(err error) []string {
	var corrupt *CorruptRecordsError
	if errors.As(err, &corrupt) {
		return corrupt.CallIDs
	}
	return nil
}

func corruptResult(callIDs []string) error {
	if len(callIDs) == 0 {
		return nil
	}
	sort.Strings(callIDs)
	return &CorruptRecordsError{CallIDs: callIDs}
}

func quarantineKey(callID string, now time.Time) string {
	return fmt.Sprintf("%s.quarantined.%d", callID, normalizeNow(now).UnixNano())
}

// NewRecord wraps state in a checkpoint envelope. createdAt is kept from the
// previous record when one exists.
func NewRecord(state access.AuthorizationState, createdAt time.Time) (access.CheckpointRecord, error) {
	if err := access.ValidateState(state); err != nil {
		return access.CheckpointRecord{}, porterrors.InvalidState(err, "checkpoint_state_invalid")
	}
	if state.Version < 1 {
		return access.CheckpointRecord{}, porterrors.InvalidState(fmt.Errorf("version must be >= 1"), "checkpoint_version_invalid")
	}
	digest, err := jcs.DigestValue(state)
	if err != nil {
		return access.CheckpointRecord{}, fmt.Errorf("digest checkpoint state: %w", err)
	}
	updatedAt := state.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if createdAt.IsZero() {
		createdAt = updatedAt
	}
	return access.CheckpointRecord{
		SchemaID:      access.CheckpointSchemaID,
		SchemaVersion: access.SchemaVersion,
		CallID:        state.Call.CallID,
		TenantID:      state.Call.TenantID,
		Phase:         state.Phase,
		Version:       state.Version,
		Digest:        digest,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt,
		State:         state,
	}, nil
}

func Encode(record access.CheckpointRecord) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return payload, nil
}

// Decode parses and verifies a stored record. Anything that is not a
// well-formed, digest-consistent, invariant-respecting record is reported as
// checkpoint corruption.
func Decode(payload []byte) (access.CheckpointRecord, error) {
	if err := validate.ValidateJSON(schemas.AccessCheckpoint, payload); err != nil {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(err, "checkpoint_schema_invalid")
	}
	var record access.CheckpointRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(fmt.Errorf("parse checkpoint: %w", err), "checkpoint_unparseable")
	}
	digest, err := jcs.DigestValue(record.State)
	if err != nil {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(err, "checkpoint_digest_failed")
	}
	if digest != record.Digest {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(fmt.Errorf("digest mismatch for call %s", record.CallID), "checkpoint_digest_mismatch")
	}
	if record.CallID != record.State.Call.CallID || record.Version != record.State.Version || record.Phase != record.State.Phase {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(fmt.Errorf("envelope does not match state for call %s", record.CallID), "checkpoint_envelope_mismatch")
	}
	if err := access.ValidateState(record.State); err != nil {
		return access.CheckpointRecord{}, porterrors.CheckpointCorrupt(err, "checkpoint_invariant_violated")
	}
	return record, nil
}

// checkAdvance enforces the monotonic version counter.
func checkAdvance(existing access.CheckpointRecord, state access.AuthorizationState) error {
	if existing.Finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, existing.CallID)
	}
	if state.Version <= existing.Version {
		return fmt.Errorf("%w: call=%s stored=%d incoming=%d", ErrStaleVersion, existing.CallID, existing.Version, state.Version)
	}
	return nil
}

func validKey(callID string) error {
	trimmed := strings.TrimSpace(callID)
	if trimmed == "" || trimmed != callID || len(callID) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, callID)
	}
	for _, r := range callID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidKey, callID)
		}
	}
	if callID == "." || callID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, callID)
	}
	return nil
}

func markFinalized(record access.CheckpointRecord, now time.Time) access.CheckpointRecord {
	finalizedAt := now.UTC()
	record.Finalized = true
	record.FinalizedAt = &finalizedAt
	return record
}

func normalizeNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}

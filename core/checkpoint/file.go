package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/fsx"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

const recordSuffix = ".checkpoint.json"

// FileStore writes one JSON record per call under root. Writes are atomic
// (temp file + rename) and serialized per call with a lock file.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	cleanRoot := strings.TrimSpace(root)
	if cleanRoot == "" {
		cleanRoot = filepath.Join(".", "portero-out", "checkpoints")
	}
	if err := os.MkdirAll(cleanRoot, 0o750); err != nil {
		return nil, porterrors.Wrap(fmt.Errorf("create checkpoint directory: %w", err), porterrors.CategoryIOFailure, "checkpoint_dir_failed", "check directory permissions", false)
	}
	return &FileStore{root: cleanRoot}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Save(_ context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	path, err := s.path(state.Call.CallID)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	var saved access.CheckpointRecord
	err = fsx.WithLock(path, func() error {
		var createdAt time.Time
		existing, readErr := readRecord(path)
		switch {
		case readErr == nil:
			if err := checkAdvance(existing, state); err != nil {
				return err
			}
			createdAt = existing.CreatedAt
		case os.IsNotExist(readErr):
		default:
			return readErr
		}
		record, err := NewRecord(state, createdAt)
		if err != nil {
			return err
		}
		if err := writeRecord(path, record); err != nil {
			return err
		}
		saved = record
		return nil
	})
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	return saved, nil
}

func (s *FileStore) Load(_ context.Context, callID string) (access.CheckpointRecord, error) {
	path, err := s.path(callID)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	record, err := readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return access.CheckpointRecord{}, fmt.Errorf("%w: %s", ErrNotFound, callID)
		}
		return access.CheckpointRecord{}, err
	}
	return record, nil
}

func (s *FileStore) Finalize(_ context.Context, callID string, now time.Time) error {
	path, err := s.path(callID)
	if err != nil {
		return err
	}
	return fsx.WithLock(path, func() error {
		record, err := readRecord(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, callID)
			}
			return err
		}
		if record.Finalized {
			return nil
		}
		return writeRecord(path, markFinalized(record, normalizeNow(now)))
	})
}

func (s *FileStore) ListActive(_ context.Context) ([]access.CheckpointRecord, error) {
	records, corrupt, err := s.scan()
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, record := range records {
		if !record.Finalized {
			active = append(active, record)
		}
	}
	sortRecords(active)
	return active, corruptResult(corrupt)
}

// Quarantine renames the record file so it no longer matches the record
// suffix. The file stays on disk for inspection.
func (s *FileStore) Quarantine(_ context.Context, callID string, now time.Time) error {
	path, err := s.path(callID)
	if err != nil {
		return err
	}
	return fsx.WithLock(path, func() error {
		target := filepath.Join(s.root, quarantineKey(callID, now)+".corrupt")
		if err := os.Rename(path, target); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: %s", ErrNotFound, callID)
			}
			return porterrors.Wrap(fmt.Errorf("quarantine checkpoint: %w", err), porterrors.CategoryIOFailure, "checkpoint_quarantine_failed", "check checkpoint directory permissions", true)
		}
		return nil
	})
}

func (s *FileStore) Sweep(_ context.Context, finalizedBefore time.Time) (int, error) {
	records, _, err := s.scan()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range records {
		if !record.Finalized || record.FinalizedAt == nil || !record.FinalizedAt.Before(finalizedBefore) {
			continue
		}
		path, err := s.path(record.CallID)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove checkpoint: %w", err)
		}
		removed++
	}
	// Temp files from a write interrupted by a crash are never renamed.
	if _, err := fsx.RemoveStaleTemps(s.root, finalizedBefore); err != nil {
		return removed, err
	}
	return removed, nil
}

// scan decodes every record under root and names the ones it could not
// decode so recovery never skips a call silently.
func (s *FileStore) scan() ([]access.CheckpointRecord, []string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint directory: %w", err)
	}
	records := make([]access.CheckpointRecord, 0, len(entries))
	var corrupt []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		record, err := readRecord(filepath.Join(s.root, entry.Name()))
		if err != nil {
			if porterrors.CategoryOf(err) == porterrors.CategoryCheckpointCorrupt {
				corrupt = append(corrupt, strings.TrimSuffix(entry.Name(), recordSuffix))
				continue
			}
			return nil, nil, fmt.Errorf("checkpoint %s: %w", entry.Name(), err)
		}
		records = append(records, record)
	}
	return records, corrupt, nil
}

func (s *FileStore) path(callID string) (string, error) {
	if err := validKey(callID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, callID+recordSuffix), nil
}

func readRecord(path string) (access.CheckpointRecord, error) {
	// #nosec G304 -- path is derived from a validated call id under the store root.
	payload, err := os.ReadFile(path)
	if err != nil {
		return access.CheckpointRecord{}, err
	}
	return Decode(payload)
}

func writeRecord(path string, record access.CheckpointRecord) error {
	payload, err := Encode(record)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(path, append(payload, '\n'), 0o600); err != nil {
		return porterrors.Wrap(fmt.Errorf("write checkpoint: %w", err), porterrors.CategoryIOFailure, "checkpoint_write_failed", "check checkpoint directory permissions", true)
	}
	return nil
}

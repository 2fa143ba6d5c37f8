package accesslog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/fsx"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/schema/validate"
	"github.com/davidahmann/portero/schemas"
)

// JSONLSink appends one JSON line per call. The file lock makes the
// check-then-append atomic across processes; the in-memory index is
// refreshed from the bytes other writers appended since the last write.
type JSONLSink struct {
	path string

	mu     sync.Mutex
	offset int64
	seen   map[string]struct{}
}

func NewJSONLSink(path string) *JSONLSink {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		cleanPath = filepath.Join(".", "portero-out", "access.jsonl")
	}
	return &JSONLSink{path: cleanPath, seen: make(map[string]struct{})}
}

func (s *JSONLSink) Path() string {
	return s.path
}

func (s *JSONLSink) Write(_ context.Context, record access.AccessLogRecord) (bool, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode access log record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	written := false
	err = fsx.WithLock(s.path, func() error {
		if err := s.refresh(); err != nil {
			return err
		}
		if _, exists := s.seen[record.CallID]; exists {
			return nil
		}
		if err := fsx.AppendLine(s.path, payload, 0o600); err != nil {
			return err
		}
		s.seen[record.CallID] = struct{}{}
		s.offset += int64(len(payload) + 1)
		written = true
		return nil
	})
	if err != nil {
		return false, porterrors.Wrap(fmt.Errorf("append access log: %w", err), porterrors.CategoryIOFailure, "access_log_write_failed", "check access log path permissions", true)
	}
	return written, nil
}

func (s *JSONLSink) refresh() error {
	// #nosec G304 -- access log path is operator configuration.
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open access log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.Seek(s.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek access log: %w", err)
	}
	tail, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read access log: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(tail))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var header struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(line, &header); err != nil {
			return fmt.Errorf("parse access log line: %w", err)
		}
		s.seen[header.CallID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan access log: %w", err)
	}
	s.offset += int64(len(tail))
	return nil
}

type VerifyReport struct {
	Records    int      `json:"records"`
	Duplicates []string `json:"duplicates,omitempty"`
	BadDigests []string `json:"bad_digests,omitempty"`
	Invalid    []string `json:"invalid,omitempty"`
}

func (r VerifyReport) OK() bool {
	return len(r.Duplicates) == 0 && len(r.BadDigests) == 0 && len(r.Invalid) == 0
}

// Verify checks every line against the record schema, re-derives its digest
// and checks call ids are unique.
func Verify(path string) (VerifyReport, error) {
	lines, err := fsx.ReadLines(path)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{}
	seen := make(map[string]struct{}, len(lines))
	for index, line := range lines {
		var record access.AccessLogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return VerifyReport{}, fmt.Errorf("access log line %d: %w", index+1, err)
		}
		report.Records++
		if err := validate.ValidateJSON(schemas.AccessLogRecord, line); err != nil {
			report.Invalid = append(report.Invalid, fmt.Sprintf("line %d: %v", index+1, err))
		}
		if _, exists := seen[record.CallID]; exists {
			report.Duplicates = append(report.Duplicates, record.CallID)
		}
		seen[record.CallID] = struct{}{}
		digest, err := Digest(record)
		if err != nil {
			return VerifyReport{}, err
		}
		if digest != record.Digest {
			report.BadDigests = append(report.BadDigests, record.CallID)
		}
	}
	return report, nil
}

// ReadRecords decodes every record in a JSONL access log.
func ReadRecords(path string) ([]access.AccessLogRecord, error) {
	lines, err := fsx.ReadLines(path)
	if err != nil {
		return nil, err
	}
	records := make([]access.AccessLogRecord, 0, len(lines))
	for index, line := range lines {
		var record access.AccessLogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("access log line %d: %w", index+1, err)
		}
		records = append(records, record)
	}
	return records, nil
}

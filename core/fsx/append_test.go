package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendLineLockedWritesOneLinePerCall(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "access.jsonl")
	if err := AppendLineLocked(targetPath, []byte(`{"call_id":"a"}`), 0o600); err != nil {
		t.Fatalf("append first line: %v", err)
	}
	if err := AppendLineLocked(targetPath, []byte(`{"call_id":"b"}`), 0o600); err != nil {
		t.Fatalf("append second line: %v", err)
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	expected := "{\"call_id\":\"a\"}\n{\"call_id\":\"b\"}\n"
	if string(raw) != expected {
		t.Fatalf("unexpected append output:\n%s", string(raw))
	}
}

func TestAppendLineLockedRejectsTraversal(t *testing.T) {
	if err := AppendLineLocked(filepath.Join("..", "escape.jsonl"), []byte(`{"ok":true}`), 0o600); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}

func TestAppendLineLockedConcurrentJSONLIntegrity(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "concurrent.jsonl")
	const writers = 200
	var group sync.WaitGroup
	group.Add(writers)
	for index := 0; index < writers; index++ {
		line := []byte(fmt.Sprintf(`{"idx":%d}`, index))
		go func(payload []byte) {
			defer group.Done()
			if err := AppendLineLocked(targetPath, payload, 0o600); err != nil {
				t.Errorf("append line: %v", err)
			}
		}(line)
	}
	group.Wait()

	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read concurrent target: %v", err)
	}
	lines := 0
	for _, entry := range splitLines(raw) {
		lines++
		var parsed map[string]any
		if err := json.Unmarshal([]byte(entry), &parsed); err != nil {
			t.Fatalf("invalid json line %d: %v (%q)", lines, err, entry)
		}
	}
	if lines != writers {
		t.Fatalf("unexpected line count: got=%d want=%d", lines, writers)
	}
}

func TestAppendPayloadCapacity(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		lineLength int
		want       int
		expectErr  bool
	}{
		{name: "zero", lineLength: 0, want: 1},
		{name: "normal", lineLength: 42, want: 43},
		{name: "negative", lineLength: -1, expectErr: true},
		{name: "maxint", lineLength: maxInt, expectErr: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			got, err := appendPayloadCapacity(testCase.lineLength)
			if testCase.expectErr {
				if err == nil {
					t.Fatalf("expected error for lineLength=%d", testCase.lineLength)
				}
				return
			}
			if err != nil {
				t.Fatalf("appendPayloadCapacity(%d): %v", testCase.lineLength, err)
			}
			if got != testCase.want {
				t.Fatalf("capacity mismatch: expected %d got %d", testCase.want, got)
			}
		})
	}
}

func TestIsLockContention(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "append.lock")
	permissionErr := &os.PathError{Op: "open", Path: lockPath, Err: os.ErrPermission}

	if !isLockContention(os.ErrExist, lockPath) {
		t.Fatalf("expected os.ErrExist to be treated as lock contention")
	}
	if isLockContention(permissionErr, lockPath) {
		t.Fatalf("expected permission error without lock file to be non-contention")
	}
	if err := os.WriteFile(lockPath, []byte("lock"), 0o600); err != nil {
		t.Fatalf("write lock file: %v", err)
	}
	if !isLockContention(permissionErr, lockPath) {
		t.Fatalf("expected permission error with existing lock file to be contention")
	}
	if isLockContention(os.ErrNotExist, lockPath) {
		t.Fatalf("expected unrelated error to be non-contention")
	}
}

func splitLines(raw []byte) []string {
	lines := make([]string, 0)
	current := make([]byte, 0)
	for _, b := range raw {
		if b == '\n' {
			if len(current) > 0 {
				lines = append(lines, string(current))
				current = current[:0]
			}
			continue
		}
		current = append(current, b)
	}
	if len(current) > 0 {
		lines = append(lines, string(current))
	}
	return lines
}

func TestReadLinesSkipsBlankAndMissing(t *testing.T) {
	missing, err := ReadLines(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected no lines for missing file, got %d", len(missing))
	}
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":1}\n\n  \n{\"b\":2}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("read lines: %v", err)
	}
	if len(lines) != 2 || string(lines[1]) != `{"b":2}` {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestWithLockRecoversStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	stale := time.Now().Add(-5 * time.Minute)
	if err := os.Chtimes(lockPath, stale, stale); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	ran := false
	if err := WithLock(path, func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if !ran {
		t.Fatal("expected callback to run")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("expected lock released, stat err=%v", err)
	}
}

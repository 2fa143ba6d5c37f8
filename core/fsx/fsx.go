package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// tempMarker names in-flight writes. A process killed between create and
// rename leaves such a file behind; RemoveStaleTemps clears them.
const tempMarker = ".tmp-"

// WriteFileAtomic replaces path with content through a synced temp file and
// rename, so readers observe either the previous or the new record, never a
// torn one.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if err := writeSynced(tempFile, content, mode); err != nil {
		return err
	}
	if err := replace(tempPath, path); err != nil {
		return err
	}
	cleanup = false
	syncDirectory(parent)
	return nil
}

func writeSynced(file *os.File, content []byte, mode os.FileMode) error {
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Chmod(mode); err != nil {
		_ = file.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

// replace renames tempPath over path. Windows refuses to rename onto an
// existing file, so there the destination goes first.
func replace(tempPath, path string) error {
	err := os.Rename(tempPath, path)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove destination before rename: %w", removeErr)
	}
	if renameErr := os.Rename(tempPath, path); renameErr != nil {
		return fmt.Errorf("rename temp file after remove: %w", renameErr)
	}
	return nil
}

// IsTempFile reports whether name is an in-flight WriteFileAtomic temp file.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

// RemoveStaleTemps deletes temp files in dir last modified before cutoff.
// Younger ones may belong to a write still in progress and are kept.
func RemoveStaleTemps(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !IsTempFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("stat temp file: %w", err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove temp file: %w", err)
		}
		removed++
	}
	return removed, nil
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from a caller-provided destination.
	dirHandle, err := os.Open(path)
	if err != nil {
		return
	}
	_ = dirHandle.Sync()
	_ = dirHandle.Close()
}

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

type LocalStorage struct {
	basePath string
}

func NewLocal(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (l *LocalStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	return copyDurable(localPath, filepath.Join(l.basePath, remoteName))
}

func (l *LocalStorage) Download(ctx context.Context, remoteName string, localPath string) error {
	return copyDurable(filepath.Join(l.basePath, remoteName), localPath)
}

func (l *LocalStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (l *LocalStorage) Delete(ctx context.Context, remoteName string) error {
	if err := os.Remove(filepath.Join(l.basePath, remoteName)); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// GetOldFiles lists files whose modification time predates cutoffTime.
// Retention normally keys on the timestamp in the filename; this is the
// fallback for files that lost theirs.
func (l *LocalStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var oldFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to get file info for %s: %w", entry.Name(), err)
		}
		if info.ModTime().Before(cutoffTime) {
			oldFiles = append(oldFiles, entry.Name())
		}
	}
	return oldFiles, nil
}

func (l *LocalStorage) GetPath(filename string) string {
	return filepath.Join(l.basePath, filename)
}

// copyDurable copies through a temp file, fsyncs, and renames into
// place, so a crash mid-copy never leaves a torn artifact under the
// final name.
func copyDurable(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "."+filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create dest: %w", err)
	}

	_, err = io.Copy(tmp, src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to copy: %w", err)
	}

	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move into place: %w", err)
	}
	return nil
}

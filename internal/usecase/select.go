package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
)

// ErrNoBackupFound means no artifact or manifest matched the requested
// recovery point.
var ErrNoBackupFound = errors.New("no backup found")

// PointLatest selects the most recent backup.
const PointLatest = "latest"

// SelectBackup picks the artifact to restore for one component: the
// newest by modification time when point is "latest", otherwise the
// newest whose filename contains point. Returns the artifact filename.
func SelectBackup(ctx context.Context, local LocalStorage, app string, comp domain.Component, point string) (string, error) {
	files, err := local.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list backups: %w", err)
	}

	var (
		best     string
		bestTime time.Time
	)
	for _, name := range files {
		if !domain.MatchesComponent(name, app, comp) {
			continue
		}
		if point != "" && point != PointLatest && !strings.Contains(name, point) {
			continue
		}
		info, err := os.Stat(local.GetPath(name))
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = name
			bestTime = info.ModTime()
		}
	}

	if best == "" {
		return "", fmt.Errorf("%w for %s component matching %q", ErrNoBackupFound, comp, point)
	}
	return best, nil
}

// SelectManifest picks the manifest for a recovery point: the newest
// when point is "latest", otherwise the newest whose filename contains
// point. Manifests without artifacts (dry runs, total failures) are
// passed over; an unreadable manifest aborts so corruption surfaces
// instead of silently selecting an older run.
func SelectManifest(store *manifest.Store, point string) (*manifest.Manifest, string, error) {
	paths, err := store.List()
	if err != nil {
		return nil, "", fmt.Errorf("list manifests: %w", err)
	}

	for i := len(paths) - 1; i >= 0; i-- {
		name := filepath.Base(paths[i])
		if point != "" && point != PointLatest && !strings.Contains(name, point) {
			continue
		}
		m, err := store.Load(paths[i])
		if err != nil {
			return nil, "", err
		}
		if len(m.Artifacts) == 0 {
			continue
		}
		return m, paths[i], nil
	}
	return nil, "", fmt.Errorf("%w: no manifest matching %q", ErrNoBackupFound, point)
}

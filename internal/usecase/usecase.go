package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/notify"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// LocalStorage is the backup directory on disk.
type LocalStorage interface {
	domain.Storage
	GetPath(filename string) string
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// ArtifactChecker runs the integrity pipeline on one artifact.
type ArtifactChecker interface {
	Check(ctx context.Context, art domain.Artifact) error
}

func hostname() string {
	host, _ := os.Hostname()
	return host
}

// writeReport persists a run report under <backupDir>/reports. Reports
// are advisory, so a failed write only warns.
func writeReport(log Logger, backupDir string, rep *manifest.Report) {
	dir := filepath.Join(backupDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("failed to create report directory: %v", err)
		return
	}
	name := fmt.Sprintf("report_%s_%s.json", rep.Operation, rep.StartedAt.Format(domain.TimestampLayout))
	path := filepath.Join(dir, name)
	if err := rep.Write(path); err != nil {
		log.Warnf("failed to write report: %v", err)
		return
	}
	log.Debugf("report written to %s", path)
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

func sinceRounded(start time.Time) time.Duration {
	return time.Since(start).Round(time.Second)
}

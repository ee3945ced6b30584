package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
)

type CleanupDeps struct {
	Config    *config.Config
	Local     LocalStorage
	Replicas  []domain.Replica
	Manifests *manifest.Store
	Notifier  Notifier
	Metrics   metrics.Recorder
	Logger    Logger
}

// Cleanup removes backups, manifests, and reports past retention, on
// the local disk and on every replica. The newest successful backup set
// survives regardless of age.
type Cleanup struct {
	cfg       *config.Config
	local     LocalStorage
	replicas  []domain.Replica
	manifests *manifest.Store
	notifier  Notifier
	metrics   metrics.Recorder
	logger    Logger
}

func NewCleanup(deps CleanupDeps) *Cleanup {
	return &Cleanup{
		cfg:       deps.Config,
		local:     deps.Local,
		replicas:  deps.Replicas,
		manifests: deps.Manifests,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

func (uc *Cleanup) Execute(ctx context.Context) error {
	start := time.Now()
	retention := uc.cfg.Backup.RetentionDays
	cutoff := time.Now().AddDate(0, 0, -retention)
	uc.logger.Infof("Starting cleanup, retention: %d days (cutoff %s)",
		retention, cutoff.Format("2006-01-02"))

	protected := uc.protectedNames()
	rep := manifest.NewReport("cleanup")

	var errs error

	localDeleted, freed, err := uc.sweepLocal(ctx, cutoff, protected)
	uc.addStep(rep, "local", err, fmt.Sprintf("%d deleted", localDeleted))
	errs = multierr.Append(errs, err)

	manifestsDeleted, err := uc.sweepManifests(cutoff, protected)
	uc.addStep(rep, "manifests", err, fmt.Sprintf("%d deleted", manifestsDeleted))
	errs = multierr.Append(errs, err)

	reportsDeleted, err := uc.sweepReports(cutoff)
	uc.addStep(rep, "reports", err, fmt.Sprintf("%d deleted", reportsDeleted))
	errs = multierr.Append(errs, err)

	replicaDeleted, err := uc.sweepReplicas(ctx, cutoff, protected)
	uc.addStep(rep, "replicas", err, fmt.Sprintf("%d deleted", replicaDeleted))
	errs = multierr.Append(errs, err)

	outcome := "success"
	if errs != nil {
		outcome = "partial"
	}

	rep.Details["local_deleted"] = localDeleted
	rep.Details["manifests_deleted"] = manifestsDeleted
	rep.Details["reports_deleted"] = reportsDeleted
	rep.Details["replica_deleted"] = replicaDeleted
	rep.Details["freed_bytes"] = freed
	rep.Finish(outcome)
	writeReport(uc.logger, uc.cfg.Backup.Dir, rep)

	duration := sinceRounded(start)
	uc.metrics.RecordRun("cleanup", outcome, duration)
	if errs == nil {
		uc.metrics.SetLastSuccess("cleanup", time.Now())
	}
	if perr := uc.metrics.Push(ctx); perr != nil {
		uc.logger.Warnf("%v", perr)
	}

	uc.notifyCleanup(ctx, outcome, localDeleted+replicaDeleted, freed, duration)
	uc.logger.Infof("Cleanup completed in %s: %d local, %d manifests, %d reports, %d replica file(s) removed, %.2f MB freed",
		duration, localDeleted, manifestsDeleted, reportsDeleted, replicaDeleted, megabytes(freed))

	if errs != nil {
		return fmt.Errorf("cleanup finished with failures: %w", errs)
	}
	return nil
}

// protectedNames collects the artifact and manifest filenames of the
// newest successful real run. Those files are never deleted, no matter
// how old, so a broken backup pipeline cannot age the last good copy
// out of existence.
func (uc *Cleanup) protectedNames() map[string]bool {
	protected := map[string]bool{}

	paths, err := uc.manifests.List()
	if err != nil {
		uc.logger.Warnf("Could not list manifests, keeping nothing protected: %v", err)
		return protected
	}

	for i := len(paths) - 1; i >= 0; i-- {
		m, err := uc.manifests.Load(paths[i])
		if err != nil {
			uc.logger.Warnf("Skipping unreadable manifest %s: %v", filepath.Base(paths[i]), err)
			continue
		}
		if m.DryRun || m.Status != manifest.StatusSuccess || len(m.Artifacts) == 0 {
			continue
		}
		for _, a := range m.Artifacts {
			protected[a.Name] = true
		}
		protected[filepath.Base(paths[i])] = true
		uc.logger.Debugf("Protecting %d artifact(s) from run %s", len(m.Artifacts), m.RunID)
		break
	}
	return protected
}

// sweepLocal keys retention on the timestamp embedded in each filename
// and falls back to the file's mtime when a name carries none.
func (uc *Cleanup) sweepLocal(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, int64, error) {
	files, err := uc.local.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list local backups: %w", err)
	}

	var errs error
	deleted := 0
	var freed int64
	for _, name := range files {
		ts, terr := domain.ExtractTimestamp(name)
		if terr != nil {
			info, serr := os.Stat(uc.local.GetPath(name))
			if serr != nil {
				continue
			}
			ts = info.ModTime()
		}
		if !ts.Before(cutoff) {
			continue
		}
		if protected[name] {
			uc.logger.Infof("Keeping %s: part of the latest good backup", name)
			continue
		}

		var size int64
		if info, serr := os.Stat(uc.local.GetPath(name)); serr == nil {
			size = info.Size()
		}
		if err := uc.local.Delete(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted++
		freed += size
		uc.logger.Infof("Deleted old backup: %s", name)
	}
	return deleted, freed, errs
}

func (uc *Cleanup) sweepManifests(cutoff time.Time, protected map[string]bool) (int, error) {
	paths, err := uc.manifests.List()
	if err != nil {
		return 0, fmt.Errorf("list manifests: %w", err)
	}

	var errs error
	deleted := 0
	for _, path := range paths {
		name := filepath.Base(path)
		ts, terr := domain.ExtractTimestamp(name)
		if terr != nil || !ts.Before(cutoff) || protected[name] {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete manifest %s: %w", name, err))
			continue
		}
		deleted++
		uc.logger.Debugf("Deleted old manifest: %s", name)
	}
	return deleted, errs
}

func (uc *Cleanup) sweepReports(cutoff time.Time) (int, error) {
	dir := filepath.Join(uc.cfg.Backup.Dir, "reports")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list reports: %w", err)
	}

	var errs error
	deleted := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ts, terr := domain.ExtractTimestamp(e.Name())
		if terr != nil || !ts.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete report %s: %w", e.Name(), err))
			continue
		}
		deleted++
	}
	return deleted, errs
}

func (uc *Cleanup) sweepReplicas(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, error) {
	if len(uc.replicas) == 0 {
		return 0, nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
		errs    error
	)
	for _, replica := range uc.replicas {
		wg.Add(1)
		go func(r domain.Replica) {
			defer wg.Done()

			n, err := uc.sweepReplica(ctx, r, cutoff, protected)
			mu.Lock()
			deleted += n
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			}
			mu.Unlock()
		}(replica)
	}
	wg.Wait()
	return deleted, errs
}

func (uc *Cleanup) sweepReplica(ctx context.Context, r domain.Replica, cutoff time.Time, protected map[string]bool) (int, error) {
	files, err := r.GetOldFiles(ctx, cutoff)
	if err != nil {
		files, err = uc.fallbackOldFiles(ctx, r, cutoff)
		if err != nil {
			return 0, err
		}
	}

	var errs error
	deleted := 0
	for _, name := range files {
		if protected[name] {
			continue
		}
		if err := r.Delete(ctx, name); err != nil {
			uc.logger.Errorf("Failed to delete %s from %s: %v", name, r.Name(), err)
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted++
		uc.logger.Infof("Deleted old backup from %s: %s", r.Name(), name)
	}

	uc.logger.Infof("Deleted %d old backup(s) from %s", deleted, r.Name())
	return deleted, errs
}

// fallbackOldFiles lists everything and filters on the filename
// timestamp, for replicas whose listing cannot filter by age.
func (uc *Cleanup) fallbackOldFiles(ctx context.Context, r domain.Replica, cutoff time.Time) ([]string, error) {
	files, err := r.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	oldFiles := make([]string, 0)
	for _, name := range files {
		ts, err := domain.ExtractTimestamp(name)
		if err != nil {
			uc.logger.Warnf("Could not parse timestamp from %s: %v", name, err)
			continue
		}
		if ts.Before(cutoff) {
			oldFiles = append(oldFiles, name)
		}
	}
	return oldFiles, nil
}

func (uc *Cleanup) addStep(rep *manifest.Report, name string, err error, message string) {
	status := manifest.StepOK
	if err != nil {
		status = manifest.StepFailed
		message = err.Error()
		rep.AddError(err)
	}
	rep.AddStep(name, status, 0, message)
}

func (uc *Cleanup) notifyCleanup(ctx context.Context, outcome string, removed int, freed int64, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	severity := notify.SeverityInfo
	if outcome != "success" {
		severity = notify.SeverityWarning
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       uc.cfg.App.Name,
		Operation: "cleanup",
		Status:    outcome,
		Severity:  severity,
		Message:   fmt.Sprintf("%d file(s) removed, %.2f MB freed", removed, megabytes(freed)),
		Host:      hostname(),
		Fields: []notify.Field{
			{Name: "retention", Value: fmt.Sprintf("%d days", uc.cfg.Backup.RetentionDays)},
			{Name: "duration", Value: d.String()},
		},
	})
}

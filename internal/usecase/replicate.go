package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
	"github.com/perimetra/salvor/internal/verify"
)

type ReplicateDeps struct {
	Config    *config.Config
	Local     LocalStorage
	Replicas  []domain.Replica
	Manifests *manifest.Store
	Notifier  Notifier
	Metrics   metrics.Recorder
	Logger    Logger
}

// Replicate copies recent backups and manifests to every replica.
// Objects whose stored checksum already matches are skipped, so reruns
// after a partial failure only move what is missing or stale.
type Replicate struct {
	cfg       *config.Config
	local     LocalStorage
	replicas  []domain.Replica
	manifests *manifest.Store
	notifier  Notifier
	metrics   metrics.Recorder
	logger    Logger
}

func NewReplicate(deps ReplicateDeps) *Replicate {
	return &Replicate{
		cfg:       deps.Config,
		local:     deps.Local,
		replicas:  deps.Replicas,
		manifests: deps.Manifests,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

type replicaTally struct {
	copied  int
	skipped int
	failed  int
}

type replicationCandidate struct {
	name string
	path string
	sha  string
}

func (uc *Replicate) Execute(ctx context.Context) error {
	start := time.Now()
	app := uc.cfg.App.Name

	if len(uc.replicas) == 0 {
		return fmt.Errorf("no replica targets are enabled")
	}

	window := time.Duration(uc.cfg.Replication.WindowHours) * time.Hour
	candidates, err := uc.collectCandidates(ctx, window)
	if err != nil {
		return err
	}
	uc.logger.Infof("[%s] Replicating %d file(s) from the last %dh to %d replica(s)",
		app, len(candidates), uc.cfg.Replication.WindowHours, len(uc.replicas))

	var mu sync.Mutex
	tallies := map[string]*replicaTally{}
	for _, r := range uc.replicas {
		tallies[r.Name()] = &replicaTally{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.Replication.Concurrency)
	for _, replica := range uc.replicas {
		for _, cand := range candidates {
			r, c := replica, cand
			g.Go(func() error {
				outcome := uc.replicateOne(gctx, r, c)
				mu.Lock()
				switch outcome {
				case "copied":
					tallies[r.Name()].copied++
				case "skipped":
					tallies[r.Name()].skipped++
				default:
					tallies[r.Name()].failed++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	// Transfer failures land in the tallies, so the group never carries
	// an error of its own.
	_ = g.Wait()

	copied, skipped, failed := 0, 0, 0
	rep := manifest.NewReport("replicate")
	for name, t := range tallies {
		copied += t.copied
		skipped += t.skipped
		failed += t.failed
		status := manifest.StepOK
		if t.failed > 0 {
			status = manifest.StepFailed
		}
		rep.AddStep(name, status, 0,
			fmt.Sprintf("%d copied, %d skipped, %d failed", t.copied, t.skipped, t.failed))
	}

	outcome := "success"
	if failed > 0 {
		outcome = "failed"
		rep.AddError(fmt.Errorf("%d transfer(s) failed", failed))
	}
	rep.Details["candidates"] = len(candidates)
	rep.Details["copied"] = copied
	rep.Details["skipped"] = skipped
	rep.Details["failed"] = failed
	rep.Finish(outcome)
	writeReport(uc.logger, uc.cfg.Backup.Dir, rep)

	duration := sinceRounded(start)
	uc.metrics.RecordRun("replicate", outcome, duration)
	if failed == 0 {
		uc.metrics.SetLastSuccess("replicate", time.Now())
	}
	if perr := uc.metrics.Push(ctx); perr != nil {
		uc.logger.Warnf("[%s] %v", app, perr)
	}

	uc.notifyReplication(ctx, outcome, copied, skipped, failed, duration)
	uc.logger.Infof("[%s] Replication finished in %s: %d copied, %d skipped, %d failed",
		app, duration, copied, skipped, failed)

	if failed > 0 {
		return fmt.Errorf("replication finished with %d failed transfer(s)", failed)
	}
	return nil
}

// collectCandidates gathers artifacts and manifests modified within the
// window, hashing each once up front so per-replica checks reuse the
// same sum.
func (uc *Replicate) collectCandidates(ctx context.Context, window time.Duration) ([]replicationCandidate, error) {
	oldest := time.Now().Add(-window)

	names, err := uc.local.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local backups: %w", err)
	}

	// The backup dir also holds the run lock and other transient
	// files; only names following the artifact scheme leave the host.
	paths := make(map[string]string, len(names))
	for _, name := range names {
		if !uc.isArtifactName(name) {
			continue
		}
		paths[name] = uc.local.GetPath(name)
	}

	manifestPaths, err := uc.manifests.List()
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	for _, p := range manifestPaths {
		paths[filepath.Base(p)] = p
	}

	var candidates []replicationCandidate
	for name, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(oldest) {
			continue
		}
		sha, err := verify.FileSHA256(path)
		if err != nil {
			return nil, fmt.Errorf("checksum %s: %w", name, err)
		}
		candidates = append(candidates, replicationCandidate{name: name, path: path, sha: sha})
	}
	return candidates, nil
}

func (uc *Replicate) isArtifactName(name string) bool {
	for _, c := range domain.Components() {
		if domain.MatchesComponent(name, uc.cfg.App.Name, c) {
			return true
		}
	}
	return false
}

// replicateOne brings one object on one replica up to date and reports
// "copied", "skipped", or "failed".
func (uc *Replicate) replicateOne(ctx context.Context, r domain.Replica, c replicationCandidate) string {
	stored, err := r.StoredChecksum(ctx, c.name)
	switch {
	case err == nil && stored == c.sha:
		uc.logger.Debugf("[%s] %s already current, skipping", r.Name(), c.name)
		return "skipped"
	case err == nil:
		uc.logger.Warnf("[%s] %s differs from local copy, overwriting", r.Name(), c.name)
	case errors.Is(err, domain.ErrObjectMissing):
		// copy needed
	default:
		uc.logger.Errorf("[%s] Failed to check %s: %v", r.Name(), c.name, err)
		return "failed"
	}

	if err := r.Store(ctx, c.path, c.name, c.sha); err != nil {
		uc.logger.Errorf("[%s] Failed to copy %s: %v", r.Name(), c.name, err)
		return "failed"
	}

	// Read the checksum back so a truncated or mangled upload counts as
	// a failure now, not during a restore.
	stored, err = r.StoredChecksum(ctx, c.name)
	if err != nil {
		uc.logger.Errorf("[%s] Failed to confirm %s after copy: %v", r.Name(), c.name, err)
		return "failed"
	}
	if stored != c.sha {
		uc.logger.Errorf("[%s] Checksum mismatch after copying %s: stored %s, local %s",
			r.Name(), c.name, stored, c.sha)
		return "failed"
	}

	uc.logger.Infof("[%s] Copied %s", r.Name(), c.name)
	return "copied"
}

func (uc *Replicate) notifyReplication(ctx context.Context, outcome string, copied, skipped, failed int, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	severity := notify.SeverityInfo
	if failed > 0 {
		severity = notify.SeverityWarning
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       uc.cfg.App.Name,
		Operation: "replicate",
		Status:    outcome,
		Severity:  severity,
		Message:   fmt.Sprintf("%d copied, %d skipped, %d failed across %d replica(s)", copied, skipped, failed, len(uc.replicas)),
		Host:      hostname(),
		Fields: []notify.Field{
			{Name: "window", Value: fmt.Sprintf("%dh", uc.cfg.Replication.WindowHours)},
			{Name: "duration", Value: d.String()},
		},
	})
}

package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
)

type VerificationDeps struct {
	Config    *config.Config
	Checker   ArtifactChecker
	Manifests *manifest.Store
	Notifier  Notifier
	Metrics   metrics.Recorder
	Logger    Logger
}

// Verification re-checks the artifacts of a recorded backup run:
// presence, size, checksum, and format.
type Verification struct {
	cfg       *config.Config
	checker   ArtifactChecker
	manifests *manifest.Store
	notifier  Notifier
	metrics   metrics.Recorder
	logger    Logger
}

func NewVerification(deps VerificationDeps) *Verification {
	return &Verification{
		cfg:       deps.Config,
		checker:   deps.Checker,
		manifests: deps.Manifests,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// Execute verifies the latest backup set.
func (uc *Verification) Execute(ctx context.Context) error {
	return uc.Run(ctx, PointLatest)
}

// Run verifies the backup set selected by point ("latest" or a filename
// token). Every artifact is checked even after one fails.
func (uc *Verification) Run(ctx context.Context, point string) error {
	start := time.Now()
	app := uc.cfg.App.Name

	m, path, err := SelectManifest(uc.manifests, point)
	if err != nil {
		return err
	}
	uc.logger.Infof("[%s] Verifying backup set %s (%d artifacts)",
		app, filepath.Base(path), len(m.Artifacts))

	rep := manifest.NewReport("verify")
	rep.Details["manifest"] = filepath.Base(path)
	rep.Details["run_id"] = m.RunID

	var errs error
	verified := 0
	for _, art := range m.Artifacts {
		stepStart := time.Now()
		if err := uc.checker.Check(ctx, art); err != nil {
			uc.logger.Errorf("[%s] FAIL %s: %v", app, art.Name, err)
			rep.AddStep(art.Name, manifest.StepFailed, time.Since(stepStart), err.Error())
			rep.AddError(err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", art.Name, err))
			continue
		}
		uc.logger.Infof("[%s] OK %s", app, art.Name)
		rep.AddStep(art.Name, manifest.StepOK, time.Since(stepStart), "")
		verified++
	}

	outcome := "success"
	if errs != nil {
		outcome = "failed"
	}
	rep.Details["verified"] = verified
	rep.Details["failed"] = len(m.Artifacts) - verified
	rep.Finish(outcome)
	writeReport(uc.logger, uc.cfg.Backup.Dir, rep)

	duration := sinceRounded(start)
	uc.metrics.RecordRun("verify", outcome, duration)
	if errs == nil {
		uc.metrics.SetLastSuccess("verify", time.Now())
	}
	if perr := uc.metrics.Push(ctx); perr != nil {
		uc.logger.Warnf("[%s] %v", app, perr)
	}

	uc.notifyVerify(ctx, m, outcome, verified, duration)
	uc.logger.Infof("[%s] Verification finished in %s: %d/%d artifacts passed",
		app, duration, verified, len(m.Artifacts))

	if errs != nil {
		return fmt.Errorf("verification failed for %d of %d artifacts: %w",
			len(m.Artifacts)-verified, len(m.Artifacts), errs)
	}
	return nil
}

func (uc *Verification) notifyVerify(ctx context.Context, m *manifest.Manifest, outcome string, verified int, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	severity := notify.SeverityInfo
	if outcome != "success" {
		severity = notify.SeverityError
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       uc.cfg.App.Name,
		Operation: "verify",
		Status:    outcome,
		Severity:  severity,
		Message:   fmt.Sprintf("%d of %d artifact(s) verified", verified, len(m.Artifacts)),
		Host:      hostname(),
		Fields: []notify.Field{
			{Name: "run_id", Value: m.RunID},
			{Name: "duration", Value: d.String()},
		},
	})
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
)

// errObjectiveMissed marks RPO/RTO violations, which warn rather than
// page: the restore works, it just missed its objective.
var errObjectiveMissed = errors.New("recovery objective missed")

// DRDatabase is the database surface a restore rehearsal needs.
type DRDatabase interface {
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	RestoreInto(ctx context.Context, dumpPath, targetDB string) error
	Query(ctx context.Context, dbname, query string) (string, error)
}

type DRTestDeps struct {
	Config   *config.Config
	Database DRDatabase
	Comp     domain.Compressor
	Local    LocalStorage
	Notifier Notifier
	Metrics  metrics.Recorder
	Logger   Logger
	Key      []byte
}

// DRTest rehearses a disaster recovery without touching live data: the
// latest database backup is restored into a scratch database, validated,
// and dropped, with the measured times held against the RTO and the
// backup's age against the RPO.
type DRTest struct {
	cfg      *config.Config
	db       DRDatabase
	comp     domain.Compressor
	local    LocalStorage
	notifier Notifier
	metrics  metrics.Recorder
	logger   Logger
	key      []byte
}

func NewDRTest(deps DRTestDeps) *DRTest {
	return &DRTest{
		cfg:      deps.Config,
		db:       deps.Database,
		comp:     deps.Comp,
		local:    deps.Local,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		key:      deps.Key,
	}
}

func (uc *DRTest) Execute(ctx context.Context) error {
	start := time.Now()
	app := uc.cfg.App.Name

	rep := manifest.NewReport("drtest")
	rep.DryRun = uc.cfg.App.DryRun

	err := uc.run(ctx, rep)

	outcome := "success"
	if err != nil {
		outcome = "failed"
		rep.AddError(err)
	}
	rep.Finish(outcome)
	writeReport(uc.logger, uc.cfg.Backup.Dir, rep)

	duration := sinceRounded(start)
	uc.metrics.RecordRun("drtest", outcome, duration)
	if err == nil && !uc.cfg.App.DryRun {
		uc.metrics.SetLastSuccess("drtest", time.Now())
	}
	if perr := uc.metrics.Push(ctx); perr != nil {
		uc.logger.Warnf("[%s] %v", app, perr)
	}

	uc.notifyResult(ctx, rep, outcome, err, duration)
	uc.logger.Infof("[%s] DR test finished in %s: %s", app, duration, outcome)
	return err
}

func (uc *DRTest) run(ctx context.Context, rep *manifest.Report) error {
	app := uc.cfg.App.Name
	if uc.db == nil {
		return fmt.Errorf("database backend is not configured")
	}

	// select the latest database backup
	artifact, err := SelectBackup(ctx, uc.local, app, domain.ComponentDatabase, PointLatest)
	if err != nil {
		rep.AddStep("select_backup", manifest.StepFailed, 0, err.Error())
		return err
	}
	rep.AddStep("select_backup", manifest.StepOK, 0, artifact)
	rep.Details["artifact"] = artifact
	uc.logger.Infof("[%s] Testing restore of %s", app, artifact)

	// RPO: the newest backup must be young enough that restoring it
	// stays inside the acceptable data loss window.
	age := uc.artifactAge(artifact)
	rep.Details["backup_age"] = age.String()
	rpoOK := age <= uc.cfg.Recovery.RPO
	rep.Details["rpo_ok"] = rpoOK
	if !rpoOK {
		uc.logger.Warnf("[%s] RPO exceeded: newest backup is %s old, objective is %s",
			app, age.Round(time.Minute), uc.cfg.Recovery.RPO)
	}

	if uc.cfg.App.DryRun {
		for _, name := range []string{"prepare", "restore", "validate"} {
			rep.AddStep(name, manifest.StepSkipped, 0, "dry-run")
		}
		uc.logger.Infof("[%s] Dry-run: would restore %s into %s", app, artifact, uc.cfg.DRTest.ScratchDB)
		if !rpoOK {
			return fmt.Errorf("%w: newest backup is %s old, rpo is %s",
				errObjectiveMissed, age.Round(time.Minute), uc.cfg.Recovery.RPO)
		}
		return nil
	}

	// prepare: decrypt and decompress into a raw dump
	prepStart := time.Now()
	staging, err := os.MkdirTemp(uc.cfg.Recovery.ScratchDir, "salvor-drtest-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	raw, err := uc.prepareDump(artifact, staging)
	if err != nil {
		rep.AddStep("prepare", manifest.StepFailed, time.Since(prepStart), err.Error())
		return err
	}
	rep.AddStep("prepare", manifest.StepOK, time.Since(prepStart), "")

	// restore into the scratch database with a fixed-count retry
	scratch := uc.cfg.DRTest.ScratchDB
	restoreStart := time.Now()
	attempts, err := uc.restoreScratch(ctx, raw, scratch)
	restoreDuration := time.Since(restoreStart)
	defer func() {
		if derr := uc.db.DropDatabase(context.Background(), scratch); derr != nil {
			uc.logger.Warnf("[%s] Could not drop scratch database %s: %v", app, scratch, derr)
		}
	}()

	rep.Details["restore_attempts"] = attempts
	rep.Details["restore_duration"] = restoreDuration.Round(time.Second).String()
	if err != nil {
		rep.AddStep("restore", manifest.StepFailed, restoreDuration, err.Error())
		return fmt.Errorf("scratch restore: %w", err)
	}
	rep.AddStep("restore", manifest.StepOK, restoreDuration, fmt.Sprintf("%d attempt(s)", attempts))

	// RTO: the rehearsed restore must fit the downtime objective.
	rtoOK := restoreDuration <= uc.cfg.Recovery.RTO
	rep.Details["rto_ok"] = rtoOK
	if !rtoOK {
		uc.logger.Warnf("[%s] RTO exceeded: restore took %s, objective is %s",
			app, restoreDuration.Round(time.Second), uc.cfg.Recovery.RTO)
	}

	// validate the scratch copy
	valStart := time.Now()
	if err := uc.validateScratch(ctx, scratch, rep); err != nil {
		rep.AddStep("validate", manifest.StepFailed, time.Since(valStart), err.Error())
		return err
	}
	rep.AddStep("validate", manifest.StepOK, time.Since(valStart), "")

	if !rpoOK {
		return fmt.Errorf("%w: newest backup is %s old, rpo is %s",
			errObjectiveMissed, age.Round(time.Minute), uc.cfg.Recovery.RPO)
	}
	if !rtoOK {
		return fmt.Errorf("%w: restore took %s, rto is %s",
			errObjectiveMissed, restoreDuration.Round(time.Second), uc.cfg.Recovery.RTO)
	}
	return nil
}

// artifactAge prefers the timestamp embedded in the filename and falls
// back to the file's mtime.
func (uc *DRTest) artifactAge(name string) time.Duration {
	if ts, err := domain.ExtractTimestamp(name); err == nil {
		return time.Since(ts)
	}
	if info, err := os.Stat(uc.local.GetPath(name)); err == nil {
		return time.Since(info.ModTime())
	}
	return 0
}

func (uc *DRTest) prepareDump(artifact, staging string) (string, error) {
	gz, err := stageArtifact(uc.local, uc.key, artifact, staging)
	if err != nil {
		return "", err
	}
	raw := filepath.Join(staging, "drtest.dump")
	if err := uc.comp.Decompress(gz, raw); err != nil {
		return "", fmt.Errorf("decompress %s: %w", artifact, err)
	}
	return raw, nil
}

// restoreScratch recreates the scratch database and loads the dump,
// retrying the whole restore a fixed number of times with a fixed
// delay. Returns how many attempts ran.
func (uc *DRTest) restoreScratch(ctx context.Context, dumpPath, scratch string) (int, error) {
	app := uc.cfg.App.Name
	retries := uc.cfg.DRTest.Retries
	if retries < 1 {
		retries = 1
	}
	delay := uc.cfg.DRTest.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	attempts := 0
	operation := func() error {
		attempts++
		// A leftover scratch database from a crashed run is dropped, not
		// restored over.
		if err := uc.db.DropDatabase(ctx, scratch); err != nil {
			return fmt.Errorf("drop leftover scratch database: %w", err)
		}
		if err := uc.db.CreateDatabase(ctx, scratch); err != nil {
			return fmt.Errorf("create scratch database: %w", err)
		}
		if err := uc.db.RestoreInto(ctx, dumpPath, scratch); err != nil {
			if attempts < retries {
				uc.logger.Warnf("[%s] Restore attempt %d/%d failed: %v", app, attempts, retries, err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries-1)),
		ctx,
	)
	err := backoff.Retry(operation, policy)
	return attempts, err
}

func (uc *DRTest) validateScratch(ctx context.Context, scratch string, rep *manifest.Report) error {
	out, err := uc.db.Query(ctx, scratch, tableCountQuery)
	if err != nil {
		return fmt.Errorf("count tables in %s: %w", scratch, err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return fmt.Errorf("unexpected table count %q: %w", out, err)
	}
	if count == 0 {
		return fmt.Errorf("restored scratch database has no tables")
	}
	rep.Details["tables"] = count

	if q := uc.cfg.Recovery.SampleQuery; q != "" {
		if _, err := uc.db.Query(ctx, scratch, q); err != nil {
			return fmt.Errorf("sample query against %s: %w", scratch, err)
		}
	}
	return nil
}

func (uc *DRTest) notifyResult(ctx context.Context, rep *manifest.Report, outcome string, err error, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	severity := notify.SeverityInfo
	message := "latest backup restored and validated in a scratch database"
	if err != nil {
		message = err.Error()
		if errors.Is(err, errObjectiveMissed) {
			severity = notify.SeverityWarning
		} else {
			severity = notify.SeverityError
		}
	}

	fields := []notify.Field{
		{Name: "duration", Value: d.String()},
	}
	if v, ok := rep.Details["artifact"].(string); ok {
		fields = append(fields, notify.Field{Name: "artifact", Value: v})
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       uc.cfg.App.Name,
		Operation: "drtest",
		Status:    outcome,
		Severity:  severity,
		Message:   message,
		Host:      hostname(),
		Fields:    fields,
	})
}

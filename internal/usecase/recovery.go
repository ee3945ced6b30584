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

	"github.com/perimetra/salvor/internal/cmdexec"
	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/crypt"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
)

// RecoveryScope selects what a recovery run restores.
type RecoveryScope string

const (
	ScopeFull     RecoveryScope = "full"
	ScopeDatabase RecoveryScope = "database"
	ScopeFiles    RecoveryScope = "files"
)

func ParseScope(s string) (RecoveryScope, error) {
	switch scope := RecoveryScope(s); scope {
	case ScopeFull, ScopeDatabase, ScopeFiles:
		return scope, nil
	}
	return "", fmt.Errorf("unknown recovery scope %q (want full, database, or files)", s)
}

// Terminal states of a recovery run, each mapped to its own exit code.
const (
	RecoverySuccess    = "SUCCESS"
	RecoveryFailed     = "FAILED"
	RecoveryRolledBack = "ROLLED_BACK"
)

// Outcome is how a recovery run ended.
type Outcome struct {
	State    string
	ExitCode int
}

// RecoveryDatabase is the database surface recovery needs: snapshot the
// current state, restore a dump over it, and answer validation queries.
type RecoveryDatabase interface {
	Ping(ctx context.Context) error
	Backup(ctx context.Context, destPath string) error
	RestoreInto(ctx context.Context, dumpPath, targetDB string) error
	Query(ctx context.Context, dbname, query string) (string, error)
	GetName() string
}

// ArchiveManager creates and unpacks file archives.
type ArchiveManager interface {
	Create(ctx context.Context, sources []string, destPath string) error
	Extract(ctx context.Context, srcPath, destRoot string) error
}

// CommandRunner executes configured service control commands.
type CommandRunner interface {
	Run(ctx context.Context, cmd cmdexec.Command) (*cmdexec.Result, error)
}

type RecoverDeps struct {
	Config   *config.Config
	Database RecoveryDatabase
	Archive  ArchiveManager
	Comp     domain.Compressor
	Local    LocalStorage
	Runner   CommandRunner
	Notifier Notifier
	Metrics  metrics.Recorder
	Logger   Logger
	Key      []byte
}

// Recovery walks the restore state machine: validate, select_backup,
// snapshot_current, stop_services, restore, start_services,
// post_validate, ending in SUCCESS, FAILED, or ROLLED_BACK.
type Recovery struct {
	cfg      *config.Config
	db       RecoveryDatabase
	archive  ArchiveManager
	comp     domain.Compressor
	local    LocalStorage
	runner   CommandRunner
	notifier Notifier
	metrics  metrics.Recorder
	logger   Logger
	key      []byte
}

func NewRecovery(deps RecoverDeps) *Recovery {
	return &Recovery{
		cfg:      deps.Config,
		db:       deps.Database,
		archive:  deps.Archive,
		comp:     deps.Comp,
		local:    deps.Local,
		runner:   deps.Runner,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		key:      deps.Key,
	}
}

// Run restores the selected scope and reports how the state machine
// ended. The returned error describes the failure (or the failure that
// forced a rollback); the Outcome carries the exit code for the CLI.
func (uc *Recovery) Run(ctx context.Context, scope RecoveryScope) (Outcome, error) {
	start := time.Now()
	app := uc.cfg.App.Name

	rep := manifest.NewReport("recover")
	rep.DryRun = uc.cfg.App.DryRun
	rep.Details["scope"] = string(scope)
	rep.Details["point"] = uc.cfg.Recovery.Point

	uc.logger.Infof("[%s] Starting %s recovery from point %q (dry-run: %v)",
		app, scope, uc.cfg.Recovery.Point, uc.cfg.App.DryRun)

	outcome, err := uc.runStateMachine(ctx, scope, rep)
	if err != nil {
		rep.AddError(err)
	}
	rep.Finish(outcome.State)
	writeReport(uc.logger, uc.cfg.Backup.Dir, rep)

	duration := sinceRounded(start)
	uc.metrics.RecordRun("recover", strings.ToLower(outcome.State), duration)
	if outcome.State == RecoverySuccess && !uc.cfg.App.DryRun {
		uc.metrics.SetLastSuccess("recover", time.Now())
	}
	if perr := uc.metrics.Push(ctx); perr != nil {
		uc.logger.Warnf("[%s] %v", app, perr)
	}

	uc.notifyRecovery(ctx, scope, outcome, err, duration)
	uc.logger.Infof("[%s] Recovery finished in %s: %s", app, duration, outcome.State)
	return outcome, err
}

func (uc *Recovery) runStateMachine(ctx context.Context, scope RecoveryScope, rep *manifest.Report) (Outcome, error) {
	app := uc.cfg.App.Name

	// validate
	needDB, needFiles, err := uc.resolveScope(scope)
	if err == nil && needDB && !uc.cfg.App.DryRun {
		if perr := uc.db.Ping(ctx); perr != nil {
			err = fmt.Errorf("database ping: %w", perr)
		}
	}
	if err != nil {
		uc.stepFail(rep, "validate", err)
		return Outcome{RecoveryFailed, 1}, err
	}
	uc.stepOK(rep, "validate", fmt.Sprintf("scope %s", scope))

	// select_backup
	var dbArtifact, filesArtifact string
	if needDB {
		dbArtifact, err = SelectBackup(ctx, uc.local, app, domain.ComponentDatabase, uc.cfg.Recovery.Point)
	}
	if err == nil && needFiles {
		filesArtifact, err = SelectBackup(ctx, uc.local, app, domain.ComponentFiles, uc.cfg.Recovery.Point)
	}
	if err != nil {
		uc.logger.Errorf("[%s] %v", app, err)
		uc.stepFail(rep, "select_backup", err)
		return Outcome{RecoveryFailed, 1}, err
	}
	selected := strings.Join(nonEmpty(dbArtifact, filesArtifact), ", ")
	uc.stepOK(rep, "select_backup", selected)
	uc.logger.Infof("[%s] Selected backup(s): %s", app, selected)

	if uc.cfg.App.DryRun {
		for _, name := range []string{"snapshot_current", "stop_services", "restore", "start_services", "post_validate"} {
			rep.AddStep(name, manifest.StepSkipped, 0, "dry-run")
		}
		uc.logger.Infof("[%s] Dry-run: would restore %s, no changes made", app, selected)
		return Outcome{RecoverySuccess, 0}, nil
	}

	// snapshot_current, best-effort
	rb := uc.snapshotCurrent(ctx, rep, needDB, needFiles)
	defer rb.remove(uc.logger)

	// stop_services, with the start re-attempted on every exit path
	stopped := len(uc.cfg.Recovery.StopCommands) > 0
	started := false
	defer func() {
		if stopped && !started {
			// The run is already failing; services must still come back.
			if serr := uc.runCommandList(context.Background(), uc.cfg.Recovery.StartCommands); serr != nil {
				uc.logger.Errorf("[%s] Service restart during cleanup failed: %v", app, serr)
			}
		}
	}()
	if stopped {
		if serr := uc.runCommandList(ctx, uc.cfg.Recovery.StopCommands); serr != nil {
			uc.stepFail(rep, "stop_services", serr)
			return Outcome{RecoveryFailed, 1}, fmt.Errorf("stop services: %w", serr)
		}
	}
	uc.stepOK(rep, "stop_services", fmt.Sprintf("%d command(s)", len(uc.cfg.Recovery.StopCommands)))

	// restore
	if rerr := uc.performRestore(ctx, rep, needDB, dbArtifact, needFiles, filesArtifact); rerr != nil {
		return uc.rollback(ctx, rep, rb, rerr, &started)
	}

	// start_services
	if serr := uc.runCommandList(ctx, uc.cfg.Recovery.StartCommands); serr != nil {
		uc.stepFail(rep, "start_services", serr)
		return uc.rollback(ctx, rep, rb, fmt.Errorf("start services: %w", serr), &started)
	}
	started = true
	uc.stepOK(rep, "start_services", fmt.Sprintf("%d command(s)", len(uc.cfg.Recovery.StartCommands)))

	// post_validate
	if verr := uc.postValidate(ctx, rep, needDB, needFiles); verr != nil {
		return uc.rollback(ctx, rep, rb, verr, &started)
	}

	return Outcome{RecoverySuccess, 0}, nil
}

func (uc *Recovery) resolveScope(scope RecoveryScope) (needDB, needFiles bool, err error) {
	switch scope {
	case ScopeFull:
		needDB = uc.cfg.Database.Enabled
		needFiles = uc.cfg.Files.Enabled
		if !needDB && !needFiles {
			return false, false, fmt.Errorf("full recovery needs the database or files component enabled")
		}
	case ScopeDatabase:
		if !uc.cfg.Database.Enabled {
			return false, false, fmt.Errorf("database recovery requested but the database component is disabled")
		}
		needDB = true
	case ScopeFiles:
		if !uc.cfg.Files.Enabled {
			return false, false, fmt.Errorf("files recovery requested but the files component is disabled")
		}
		needFiles = true
	default:
		return false, false, fmt.Errorf("unknown recovery scope %q", scope)
	}

	if needDB && uc.db == nil {
		return false, false, fmt.Errorf("database backend is not configured")
	}
	if needFiles && uc.archive == nil {
		return false, false, fmt.Errorf("archiver is not configured")
	}
	return needDB, needFiles, nil
}

// rollbackPoint is the pre-recovery snapshot a failed restore reverts
// to. complete is false when any needed piece could not be captured;
// a partial snapshot cannot safely revert a partial restore.
type rollbackPoint struct {
	dir      string
	dbDump   string
	filesTar string
	complete bool
}

func (rb *rollbackPoint) usable() bool {
	return rb != nil && rb.complete && (rb.dbDump != "" || rb.filesTar != "")
}

func (rb *rollbackPoint) remove(log Logger) {
	if rb == nil || rb.dir == "" {
		return
	}
	if err := os.RemoveAll(rb.dir); err != nil {
		log.Warnf("Failed to remove rollback point: %v", err)
	}
}

func (uc *Recovery) snapshotCurrent(ctx context.Context, rep *manifest.Report, needDB, needFiles bool) *rollbackPoint {
	app := uc.cfg.App.Name
	start := time.Now()

	dir, err := os.MkdirTemp(uc.cfg.Recovery.ScratchDir, "salvor-rollback-*")
	if err != nil {
		uc.logger.Warnf("[%s] Cannot create a rollback point: %v", app, err)
		rep.AddStep("snapshot_current", manifest.StepFailed, time.Since(start), err.Error())
		return &rollbackPoint{}
	}

	rb := &rollbackPoint{dir: dir, complete: true}
	if needDB {
		path := filepath.Join(dir, "rollback.dump")
		if err := uc.db.Backup(ctx, path); err != nil {
			uc.logger.Warnf("[%s] Could not snapshot the current database, rollback will be impossible: %v", app, err)
			rb.complete = false
		} else {
			rb.dbDump = path
		}
	}
	if needFiles {
		path := filepath.Join(dir, "rollback.tar.gz")
		if err := uc.archive.Create(ctx, uc.cfg.Files.Paths, path); err != nil {
			uc.logger.Warnf("[%s] Could not snapshot the current files, rollback will be impossible: %v", app, err)
			rb.complete = false
		} else {
			rb.filesTar = path
		}
	}

	if rb.usable() {
		rep.AddStep("snapshot_current", manifest.StepOK, time.Since(start), dir)
	} else {
		rep.AddStep("snapshot_current", manifest.StepFailed, time.Since(start), "rollback point incomplete")
	}
	rep.Details["rollback_possible"] = rb.usable()
	return rb
}

func (uc *Recovery) performRestore(ctx context.Context, rep *manifest.Report, needDB bool, dbArtifact string, needFiles bool, filesArtifact string) error {
	app := uc.cfg.App.Name
	start := time.Now()

	err := func() error {
		staging, err := os.MkdirTemp(uc.cfg.Recovery.ScratchDir, "salvor-restore-*")
		if err != nil {
			return fmt.Errorf("create staging directory: %w", err)
		}
		defer os.RemoveAll(staging)

		if needDB {
			uc.logger.Infof("[%s] Restoring database from %s", app, dbArtifact)
			gz, err := stageArtifact(uc.local, uc.key, dbArtifact, staging)
			if err != nil {
				return err
			}
			raw := filepath.Join(staging, "restore.dump")
			if err := uc.comp.Decompress(gz, raw); err != nil {
				return fmt.Errorf("decompress %s: %w", dbArtifact, err)
			}
			if err := uc.db.RestoreInto(ctx, raw, uc.db.GetName()); err != nil {
				return fmt.Errorf("database restore: %w", err)
			}
		}

		if needFiles {
			uc.logger.Infof("[%s] Restoring files from %s into %s", app, filesArtifact, uc.cfg.Recovery.RestoreRoot)
			tarball, err := stageArtifact(uc.local, uc.key, filesArtifact, staging)
			if err != nil {
				return err
			}
			if err := uc.archive.Extract(ctx, tarball, uc.cfg.Recovery.RestoreRoot); err != nil {
				return fmt.Errorf("files restore: %w", err)
			}
		}
		return nil
	}()

	if err != nil {
		rep.AddStep("restore", manifest.StepFailed, time.Since(start), err.Error())
		return err
	}
	rep.AddStep("restore", manifest.StepOK, time.Since(start), "")
	return nil
}

const tableCountQuery = "SELECT count(*) FROM information_schema.tables " +
	"WHERE table_schema NOT IN ('pg_catalog', 'information_schema')"

func (uc *Recovery) postValidate(ctx context.Context, rep *manifest.Report, needDB, needFiles bool) error {
	start := time.Now()

	err := func() error {
		if needDB {
			if err := uc.db.Ping(ctx); err != nil {
				return fmt.Errorf("database ping after restore: %w", err)
			}
			count, err := uc.tableCount(ctx)
			if err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("restored database has no tables")
			}
			if q := uc.cfg.Recovery.SampleQuery; q != "" {
				if _, err := uc.db.Query(ctx, uc.db.GetName(), q); err != nil {
					return fmt.Errorf("sample query: %w", err)
				}
			}
		}
		if needFiles {
			for _, p := range uc.cfg.Files.CriticalPaths {
				if _, err := os.Stat(p); err != nil {
					return fmt.Errorf("critical path %s missing after restore: %w", p, err)
				}
			}
		}
		return nil
	}()

	if err != nil {
		rep.AddStep("post_validate", manifest.StepFailed, time.Since(start), err.Error())
		return err
	}
	rep.AddStep("post_validate", manifest.StepOK, time.Since(start), "")
	return nil
}

func (uc *Recovery) tableCount(ctx context.Context) (int, error) {
	out, err := uc.db.Query(ctx, uc.db.GetName(), tableCountQuery)
	if err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected table count %q: %w", out, err)
	}
	return n, nil
}

// rollback reverts to the pre-recovery snapshot. Without a usable
// snapshot the run ends as unrecoverable FAILED, not ROLLED_BACK.
func (uc *Recovery) rollback(ctx context.Context, rep *manifest.Report, rb *rollbackPoint, cause error, started *bool) (Outcome, error) {
	app := uc.cfg.App.Name
	start := time.Now()
	uc.logger.Errorf("[%s] Recovery failed, attempting rollback: %v", app, cause)

	if !rb.usable() {
		err := errors.New("no rollback point available")
		rep.AddStep("rollback", manifest.StepFailed, time.Since(start), err.Error())
		return Outcome{RecoveryFailed, 1}, fmt.Errorf("unrecoverable failure, %v: %w", err, cause)
	}

	if rb.dbDump != "" {
		if err := uc.db.RestoreInto(ctx, rb.dbDump, uc.db.GetName()); err != nil {
			rep.AddStep("rollback", manifest.StepFailed, time.Since(start), err.Error())
			return Outcome{RecoveryFailed, 1}, fmt.Errorf("rollback failed: %v, original failure: %w", err, cause)
		}
	}
	if rb.filesTar != "" {
		if err := uc.archive.Extract(ctx, rb.filesTar, uc.cfg.Recovery.RestoreRoot); err != nil {
			rep.AddStep("rollback", manifest.StepFailed, time.Since(start), err.Error())
			return Outcome{RecoveryFailed, 1}, fmt.Errorf("rollback failed: %v, original failure: %w", err, cause)
		}
	}

	if err := uc.runCommandList(ctx, uc.cfg.Recovery.StartCommands); err != nil {
		uc.logger.Errorf("[%s] Service restart after rollback failed: %v", app, err)
	} else {
		*started = true
	}

	rep.AddStep("rollback", manifest.StepOK, time.Since(start), "reverted to pre-recovery snapshot")
	uc.logger.Warnf("[%s] Rolled back to the pre-recovery snapshot", app)
	return Outcome{RecoveryRolledBack, 2}, fmt.Errorf("recovery rolled back: %w", cause)
}

// runCommandList shells out each configured command in order and stops
// at the first failure.
func (uc *Recovery) runCommandList(ctx context.Context, commands []string) error {
	for _, cmdStr := range commands {
		uc.logger.Infof("[%s] Running service command: %s", uc.cfg.App.Name, cmdStr)
		_, err := uc.runner.Run(ctx, cmdexec.Command{
			Name:        "/bin/sh",
			Args:        []string{"-c", cmdStr},
			Timeout:     uc.cfg.Recovery.StepTimeout,
			Destructive: true,
		})
		if err != nil {
			return fmt.Errorf("command %q: %w", cmdStr, err)
		}
	}
	return nil
}

func (uc *Recovery) stepOK(rep *manifest.Report, name, message string) {
	rep.AddStep(name, manifest.StepOK, 0, message)
}

func (uc *Recovery) stepFail(rep *manifest.Report, name string, err error) {
	rep.AddStep(name, manifest.StepFailed, 0, err.Error())
}

func (uc *Recovery) notifyRecovery(ctx context.Context, scope RecoveryScope, outcome Outcome, err error, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	severity := notify.SeverityInfo
	message := fmt.Sprintf("%s recovery completed", scope)
	if outcome.State != RecoverySuccess {
		severity = notify.SeverityError
		message = err.Error()
	} else if uc.cfg.App.DryRun {
		message = fmt.Sprintf("%s recovery dry-run completed, no changes made", scope)
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       uc.cfg.App.Name,
		Operation: "recover",
		Status:    outcome.State,
		Severity:  severity,
		Message:   message,
		Host:      hostname(),
		Fields: []notify.Field{
			{Name: "scope", Value: string(scope)},
			{Name: "point", Value: uc.cfg.Recovery.Point},
			{Name: "duration", Value: d.String()},
		},
	})
}

// stageArtifact makes an artifact's compressed payload readable,
// decrypting into dir when the name carries the encryption suffix.
func stageArtifact(local LocalStorage, key []byte, name, dir string) (string, error) {
	src := local.GetPath(name)
	if !strings.HasSuffix(name, domain.EncryptedSuffix) {
		return src, nil
	}
	if len(key) == 0 {
		return "", fmt.Errorf("artifact %s is encrypted but no key is configured", name)
	}
	out := filepath.Join(dir, strings.TrimSuffix(name, domain.EncryptedSuffix))
	if err := crypt.DecryptFile(src, out, key); err != nil {
		return "", fmt.Errorf("decrypt %s: %w", name, err)
	}
	return out, nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/perimetra/salvor/internal/adapter/archive"
	"github.com/perimetra/salvor/internal/adapter/compressor"
	"github.com/perimetra/salvor/internal/adapter/database"
	"github.com/perimetra/salvor/internal/adapter/storage"
	"github.com/perimetra/salvor/internal/cmdexec"
	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/crypt"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/infrastructure/logger"
	"github.com/perimetra/salvor/internal/infrastructure/scheduler"
	"github.com/perimetra/salvor/internal/lockfile"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
	"github.com/perimetra/salvor/internal/perfcheck"
	"github.com/perimetra/salvor/internal/preflight"
	"github.com/perimetra/salvor/internal/usecase"
	"github.com/perimetra/salvor/internal/verify"
)

// App wires configuration, adapters, and use cases into the commands
// the CLI exposes.
type App struct {
	cfg *config.Config
	log *logger.Logger

	runner    *cmdexec.Runner
	local     *storage.LocalStorage
	replicas  []domain.Replica
	postgres  *database.PostgreSQLDatabase
	redis     *database.RedisDatabase
	archive   *archive.TarGz
	comp      domain.Compressor
	key       []byte
	manifests *manifest.Store
	checker   *verify.Checker
	pre       *preflight.Checker
	notifier  *notify.Notifier
	rec       metrics.Recorder
	prom      *metrics.Prom
}

func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Infof("Starting %s", cfg.App.Name)
	if cfg.App.DryRun {
		log.Warnf("Dry-run mode: destructive actions are logged, not executed")
	}

	local, err := storage.NewLocal(cfg.Backup.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		runner:    cmdexec.New(log.Named("exec"), cfg.App.DryRun),
		local:     local,
		comp:      compressor.NewGzip(),
		manifests: manifest.NewStore(cfg.Backup.Dir),
	}
	a.archive = archive.NewTarGz(log.Named("archive"))

	if cfg.Database.Enabled {
		a.postgres = database.NewPostgreSQL(&cfg.Database, a.runner, cfg.Backup.StepTimeout)
		log.Infof("✓ Database component enabled (%s on %s:%d)",
			cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Redis.Enabled {
		a.redis = database.NewRedis(&cfg.Redis, cfg.Backup.StepTimeout)
		log.Infof("✓ Redis component enabled (%s)", cfg.Redis.Addr)
	}
	if cfg.Files.Enabled {
		log.Infof("✓ Files component enabled (%d path(s))", len(cfg.Files.Paths))
	}

	if cfg.Backup.Encrypt {
		key, err := crypt.LoadKey(cfg.Backup.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load encryption key: %w", err)
		}
		a.key = key
		log.Infof("✓ Encryption enabled")
	}

	a.replicas = buildReplicas(cfg, log)

	var dumps verify.DumpLister
	if a.postgres != nil {
		dumps = a.postgres
	}
	a.checker = verify.NewChecker(a.comp, a.archive, dumps, a.key, cfg.Recovery.ScratchDir, log.Named("verify"))
	a.pre = preflight.New(a.runner, log.Named("preflight"))

	a.notifier = notify.New(&cfg.Notify, log.Named("notify"))
	if channels := a.notifier.Channels(); len(channels) > 0 {
		log.Infof("✓ Notifications: %s", strings.Join(channels, ", "))
	}

	a.rec = metrics.Noop{}
	if cfg.Metrics.Enabled {
		a.prom = metrics.NewProm("salvor", &cfg.Metrics)
		a.rec = a.prom
		log.Infof("✓ Metrics enabled")
	}

	return a, nil
}

func buildReplicas(cfg *config.Config, log *logger.Logger) []domain.Replica {
	var replicas []domain.Replica

	for _, target := range cfg.EnabledReplicaTargets() {
		t := target
		var (
			r   domain.Replica
			err error
		)
		switch t.Type {
		case "s3":
			r, err = storage.NewS3(&t)
		case "s3compat":
			r, err = storage.NewMinio(&t)
		case "gcs":
			r, err = storage.NewGCS(&t)
		default:
			log.Warnf("Unknown replica type %q for %s", t.Type, t.Name)
			continue
		}
		if err != nil {
			log.Errorf("Failed to initialize replica %s: %v", t.Name, err)
			continue
		}
		log.Infof("✓ Replica %s ready (%s, bucket %s)", t.Name, t.Type, t.Bucket)
		replicas = append(replicas, r)
	}

	return replicas
}

// Backup runs one backup pass over the named components, or over every
// enabled component when the list is empty or says "full".
func (a *App) Backup(ctx context.Context, components []string, trigger domain.Trigger) error {
	deps := usecase.BackupDeps{
		Config:     a.cfg,
		Archiver:   a.archive,
		Compressor: a.comp,
		Local:      a.local,
		Checker:    a.checker,
		Manifests:  a.manifests,
		Preflight:  a.pre,
		Notifier:   a.notifier,
		Metrics:    a.rec,
		Logger:     a.log,
		Key:        a.key,
		Trigger:    trigger,
	}
	if a.postgres != nil {
		deps.Database = a.postgres
	}
	if a.redis != nil {
		deps.Redis = a.redis
	}

	uc := usecase.NewBackup(deps)
	return a.withLock(trigger == domain.TriggerScheduled, func() error {
		return uc.Run(ctx, parseComponents(components))
	})
}

func parseComponents(args []string) []domain.Component {
	var comps []domain.Component
	for _, arg := range args {
		if arg == "full" {
			return nil
		}
		comps = append(comps, domain.Component(arg))
	}
	return comps
}

// Verify re-checks the artifacts of a recorded backup set.
func (a *App) Verify(ctx context.Context, point string) error {
	uc := usecase.NewVerification(usecase.VerificationDeps{
		Config:    a.cfg,
		Checker:   a.checker,
		Manifests: a.manifests,
		Notifier:  a.notifier,
		Metrics:   a.rec,
		Logger:    a.log,
	})
	return uc.Run(ctx, point)
}

// Cleanup applies the retention policy locally and on every replica.
func (a *App) Cleanup(ctx context.Context, trigger domain.Trigger) error {
	uc := usecase.NewCleanup(usecase.CleanupDeps{
		Config:    a.cfg,
		Local:     a.local,
		Replicas:  a.replicas,
		Manifests: a.manifests,
		Notifier:  a.notifier,
		Metrics:   a.rec,
		Logger:    a.log,
	})
	return a.withLock(trigger == domain.TriggerScheduled, func() error {
		return uc.Execute(ctx)
	})
}

// Replicate copies recent backups to the configured replica targets.
func (a *App) Replicate(ctx context.Context, trigger domain.Trigger) error {
	uc := usecase.NewReplicate(usecase.ReplicateDeps{
		Config:    a.cfg,
		Local:     a.local,
		Replicas:  a.replicas,
		Manifests: a.manifests,
		Notifier:  a.notifier,
		Metrics:   a.rec,
		Logger:    a.log,
	})
	return a.withLock(trigger == domain.TriggerScheduled, func() error {
		return uc.Execute(ctx)
	})
}

// Recover restores the requested scope from the configured recovery
// point. The outcome carries the process exit code.
func (a *App) Recover(ctx context.Context, scope string) (usecase.Outcome, error) {
	failed := usecase.Outcome{State: usecase.RecoveryFailed, ExitCode: 1}

	sc, err := usecase.ParseScope(scope)
	if err != nil {
		return failed, err
	}

	deps := usecase.RecoverDeps{
		Config:   a.cfg,
		Archive:  a.archive,
		Comp:     a.comp,
		Local:    a.local,
		Runner:   a.runner,
		Notifier: a.notifier,
		Metrics:  a.rec,
		Logger:   a.log,
		Key:      a.key,
	}
	if a.postgres != nil {
		deps.Database = a.postgres
	}

	lock, err := lockfile.Acquire(a.lockPath())
	if err != nil {
		return failed, err
	}
	defer a.release(lock)

	return usecase.NewRecovery(deps).Run(ctx, sc)
}

// DRTest rehearses a restore into a scratch database.
func (a *App) DRTest(ctx context.Context) error {
	deps := usecase.DRTestDeps{
		Config:   a.cfg,
		Comp:     a.comp,
		Local:    a.local,
		Notifier: a.notifier,
		Metrics:  a.rec,
		Logger:   a.log,
		Key:      a.key,
	}
	if a.postgres != nil {
		deps.Database = a.postgres
	}
	return usecase.NewDRTest(deps).Execute(ctx)
}

// Perf compares current performance results against the baseline.
func (a *App) Perf() (*perfcheck.Report, error) {
	pc := a.cfg.Perf
	if pc.BaselineFile == "" || pc.CurrentDir == "" {
		return nil, fmt.Errorf("perf needs perf.baseline_file and perf.current_dir configured")
	}

	analyzer := perfcheck.New(pc.Threshold, a.log.Named("perf"))
	baseline, err := analyzer.LoadBaseline(pc.BaselineFile)
	if err != nil {
		return nil, err
	}
	current, err := analyzer.LoadCurrent(pc.CurrentDir)
	if err != nil {
		return nil, err
	}

	report := analyzer.Compare(baseline, current)
	if pc.OutputFile != "" {
		if err := manifest.WriteJSONAtomic(pc.OutputFile, report); err != nil {
			a.log.Warnf("Failed to write perf report: %v", err)
		}
	}
	return report, nil
}

// Schedule runs the cron daemon until the context is cancelled.
func (a *App) Schedule(ctx context.Context) error {
	sched := scheduler.New(a.log.Named("scheduler"))

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) error
	}{
		{"backup", a.cfg.Backup.Schedule, true, func(ctx context.Context) error {
			return a.Backup(ctx, nil, domain.TriggerScheduled)
		}},
		{"cleanup", a.cfg.Backup.CleanupSchedule, true, func(ctx context.Context) error {
			return a.Cleanup(ctx, domain.TriggerScheduled)
		}},
		{"replicate", a.cfg.Replication.Schedule, a.cfg.Replication.Enabled, func(ctx context.Context) error {
			return a.Replicate(ctx, domain.TriggerScheduled)
		}},
		{"drtest", a.cfg.DRTest.Schedule, a.cfg.DRTest.Enabled, a.DRTest},
	}

	scheduled := 0
	for _, j := range jobs {
		if !j.enabled || j.spec == "" {
			continue
		}
		if err := sched.AddJob(j.name, j.spec, j.run); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		a.log.Infof("Scheduled %s: %s", j.name, j.spec)
		scheduled++
	}
	if scheduled == 0 {
		return fmt.Errorf("no jobs to schedule")
	}

	var srv *http.Server
	if a.prom != nil && a.cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		srv = &http.Server{
			Addr:              a.cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Infof("Serving /metrics on %s", a.cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}

	sched.Start()
	a.log.Infof("Scheduler started with %d job(s)", scheduled)

	<-ctx.Done()
	a.log.Infof("Shutting down")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warnf("Metrics listener shutdown: %v", err)
		}
	}
	sched.Stop()
	return nil
}

func (a *App) lockPath() string {
	return filepath.Join(a.cfg.Backup.Dir, ".salvor.lock")
}

// withLock serializes runs that write to the backup directory. In
// scheduled mode a held lock means another run is still in flight, so
// the job skips quietly instead of failing the tick.
func (a *App) withLock(scheduled bool, fn func() error) error {
	lock, err := lockfile.Acquire(a.lockPath())
	if err != nil {
		if scheduled && errors.Is(err, lockfile.ErrLockHeld) {
			a.log.Warnf("Skipping run: %v", err)
			return nil
		}
		return err
	}
	defer a.release(lock)
	return fn()
}

func (a *App) release(lock *lockfile.Lock) {
	if err := lock.Release(); err != nil {
		a.log.Warnf("%v", err)
	}
}

func (a *App) Shutdown() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warnf("Failed to close redis client: %v", err)
		}
	}
	a.log.Close()
}

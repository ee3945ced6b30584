package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/crypt"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
	"github.com/perimetra/salvor/internal/metrics"
	"github.com/perimetra/salvor/internal/notify"
	"github.com/perimetra/salvor/internal/preflight"
	"github.com/perimetra/salvor/internal/verify"
)

// Dumper produces a raw database dump.
type Dumper interface {
	Backup(ctx context.Context, destPath string) error
	Ping(ctx context.Context) error
	GetName() string
}

// Snapshotter produces a raw redis snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, destPath string) error
	Ping(ctx context.Context) error
}

// Archiver packs file trees into a tar.gz.
type Archiver interface {
	Create(ctx context.Context, sources []string, destPath string) error
}

type Preflight interface {
	Run(ctx context.Context, req preflight.Requirements) error
}

// BackupDeps carries everything a backup run touches. Component deps
// may be nil when the matching component is disabled.
type BackupDeps struct {
	Config     *config.Config
	Database   Dumper
	Redis      Snapshotter
	Archiver   Archiver
	Compressor domain.Compressor
	Local      LocalStorage
	Checker    ArtifactChecker
	Manifests  *manifest.Store
	Preflight  Preflight
	Notifier   Notifier
	Metrics    metrics.Recorder
	Logger     Logger
	Key        []byte
	Trigger    domain.Trigger
}

type Backup struct {
	cfg       *config.Config
	db        Dumper
	redis     Snapshotter
	archiver  Archiver
	comp      domain.Compressor
	local     LocalStorage
	checker   ArtifactChecker
	manifests *manifest.Store
	preflight Preflight
	notifier  Notifier
	metrics   metrics.Recorder
	logger    Logger
	key       []byte
	trigger   domain.Trigger
}

func NewBackup(deps BackupDeps) *Backup {
	return &Backup{
		cfg:       deps.Config,
		db:        deps.Database,
		redis:     deps.Redis,
		archiver:  deps.Archiver,
		comp:      deps.Compressor,
		local:     deps.Local,
		checker:   deps.Checker,
		manifests: deps.Manifests,
		preflight: deps.Preflight,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		key:       deps.Key,
		trigger:   deps.Trigger,
	}
}

// Execute backs up every enabled component.
func (uc *Backup) Execute(ctx context.Context) error {
	return uc.Run(ctx, nil)
}

// Run backs up the given components, or every enabled one when comps is
// empty. One failing component does not stop the others; the run ends
// partial and the error names every failure.
func (uc *Backup) Run(ctx context.Context, comps []domain.Component) error {
	start := time.Now()

	comps, err := uc.resolveComponents(comps)
	if err != nil {
		return err
	}

	app := uc.cfg.App.Name
	uc.logger.Infof("[%s] Starting backup of %s (trigger: %s)", app, joinComponents(comps), uc.trigger)

	if err := uc.preflight.Run(ctx, uc.requirements(comps)); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	m := manifest.New(app, uc.trigger, uc.cfg.App.DryRun)

	var errs error
	for _, comp := range comps {
		if err := uc.backupComponent(ctx, m, comp); err != nil {
			uc.logger.Errorf("[%s] %s backup failed: %v", app, comp, err)
			m.AddError(fmt.Errorf("%s: %w", comp, err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", comp, err))
		}
	}
	m.Finish()

	if path, err := uc.manifests.Write(m); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("write manifest: %w", err))
	} else {
		uc.logger.Infof("[%s] Manifest written: %s", app, path)
	}

	duration := sinceRounded(start)
	uc.metrics.RecordRun("backup", string(m.Status), duration)
	if m.Status == manifest.StatusSuccess {
		uc.metrics.SetLastSuccess("backup", time.Now())
	}
	if err := uc.metrics.Push(ctx); err != nil {
		uc.logger.Warnf("[%s] %v", app, err)
	}

	uc.notifyRun(ctx, m, comps, duration)
	uc.logger.Infof("[%s] Backup finished in %s with status %s (%d artifacts)",
		app, duration, m.Status, len(m.Artifacts))

	if errs != nil {
		return fmt.Errorf("backup finished %s: %w", m.Status, errs)
	}
	return nil
}

func (uc *Backup) resolveComponents(comps []domain.Component) ([]domain.Component, error) {
	enabled := map[domain.Component]bool{
		domain.ComponentDatabase: uc.cfg.Database.Enabled,
		domain.ComponentRedis:    uc.cfg.Redis.Enabled,
		domain.ComponentFiles:    uc.cfg.Files.Enabled,
	}

	if len(comps) == 0 {
		for _, c := range domain.Components() {
			if enabled[c] {
				comps = append(comps, c)
			}
		}
		if len(comps) == 0 {
			return nil, fmt.Errorf("no backup components are enabled")
		}
		return comps, nil
	}

	for _, c := range comps {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown backup component %q", c)
		}
		if !enabled[c] {
			return nil, fmt.Errorf("backup component %q is not enabled", c)
		}
	}
	return comps, nil
}

func (uc *Backup) requirements(comps []domain.Component) preflight.Requirements {
	req := preflight.Requirements{
		Dirs:           []string{uc.cfg.Backup.Dir},
		FreeSpacePath:  uc.cfg.Backup.Dir,
		MinFreeSpaceMB: uc.cfg.Backup.MinFreeSpaceMB,
	}
	for _, c := range comps {
		if c == domain.ComponentDatabase {
			req.Binaries = append(req.Binaries, "pg_dump", "pg_restore", "psql")
		}
	}
	return req
}

func (uc *Backup) backupComponent(ctx context.Context, m *manifest.Manifest, comp domain.Component) error {
	app := uc.cfg.App.Name

	if err := uc.pingComponent(ctx, comp); err != nil {
		return err
	}

	if uc.cfg.App.DryRun {
		uc.logger.Infof("[%s] Dry-run: %s reachable, skipping artifact creation", app, comp)
		return nil
	}

	workDir, err := os.MkdirTemp("", "salvor-backup-*")
	if err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	plainName := domain.ArtifactName(app, comp, m.StartedAt, false)
	compressedPath := filepath.Join(workDir, plainName)

	if err := uc.produceArtifact(ctx, comp, workDir, compressedPath); err != nil {
		return err
	}

	finalPath, finalName := compressedPath, plainName
	encrypted := uc.cfg.Backup.Encrypt
	if encrypted {
		finalName = plainName + domain.EncryptedSuffix
		finalPath = filepath.Join(workDir, finalName)
		uc.logger.Infof("[%s] Encrypting %s backup...", app, comp)
		if err := crypt.EncryptFile(compressedPath, finalPath, uc.key); err != nil {
			return fmt.Errorf("encrypt artifact: %w", err)
		}
		os.Remove(compressedPath)
	}

	sum, err := verify.FileSHA256(finalPath)
	if err != nil {
		return fmt.Errorf("checksum artifact: %w", err)
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	if err := uc.local.Upload(ctx, finalPath, finalName); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	art := domain.Artifact{
		Name:       finalName,
		Path:       uc.local.GetPath(finalName),
		Component:  comp,
		SizeBytes:  info.Size(),
		SHA256:     sum,
		Compressed: true,
		Encrypted:  encrypted,
		CreatedAt:  m.StartedAt,
	}

	if uc.cfg.Backup.VerifyAfter && uc.checker != nil {
		uc.logger.Infof("[%s] Verifying %s artifact...", app, comp)
		if err := uc.checker.Check(ctx, art); err != nil {
			if derr := uc.local.Delete(ctx, art.Name); derr != nil {
				uc.logger.Warnf("[%s] Failed to remove unverified artifact %s: %v", app, art.Name, derr)
			}
			return fmt.Errorf("post-backup verification: %w", err)
		}
	}

	m.Artifacts = append(m.Artifacts, art)
	uc.metrics.RecordArtifact(string(comp), art.SizeBytes)
	uc.logger.Infof("[%s] %s backup stored: %s (%.2f MB, sha256 %s)",
		app, comp, art.Name, megabytes(art.SizeBytes), sum[:12])
	return nil
}

func (uc *Backup) pingComponent(ctx context.Context, comp domain.Component) error {
	switch comp {
	case domain.ComponentDatabase:
		if uc.db == nil {
			return fmt.Errorf("database backend is not configured")
		}
		if err := uc.db.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
	case domain.ComponentRedis:
		if uc.redis == nil {
			return fmt.Errorf("redis backend is not configured")
		}
		if err := uc.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	case domain.ComponentFiles:
		if uc.archiver == nil {
			return fmt.Errorf("archiver is not configured")
		}
	}
	return nil
}

// produceArtifact writes the compressed artifact for comp to destPath.
// Database and redis dump raw first and gzip after; the files component
// tars and gzips in one pass.
func (uc *Backup) produceArtifact(ctx context.Context, comp domain.Component, workDir, destPath string) error {
	app := uc.cfg.App.Name

	switch comp {
	case domain.ComponentDatabase:
		raw := filepath.Join(workDir, "database.dump")
		uc.logger.Infof("[%s] Dumping database %s...", app, uc.db.GetName())
		if err := uc.db.Backup(ctx, raw); err != nil {
			return fmt.Errorf("database dump: %w", err)
		}
		defer os.Remove(raw)
		if err := uc.comp.Compress(raw, destPath); err != nil {
			return fmt.Errorf("compress dump: %w", err)
		}

	case domain.ComponentRedis:
		raw := filepath.Join(workDir, "dump.rdb")
		uc.logger.Infof("[%s] Snapshotting redis...", app)
		if err := uc.redis.Snapshot(ctx, raw); err != nil {
			return fmt.Errorf("redis snapshot: %w", err)
		}
		defer os.Remove(raw)
		if err := uc.comp.Compress(raw, destPath); err != nil {
			return fmt.Errorf("compress snapshot: %w", err)
		}

	case domain.ComponentFiles:
		uc.logger.Infof("[%s] Archiving %d path(s)...", app, len(uc.cfg.Files.Paths))
		stepCtx, cancel := context.WithTimeout(ctx, uc.cfg.Backup.StepTimeout)
		defer cancel()
		if err := uc.archiver.Create(stepCtx, uc.cfg.Files.Paths, destPath); err != nil {
			return fmt.Errorf("archive files: %w", err)
		}

	default:
		return fmt.Errorf("unknown backup component %q", comp)
	}
	return nil
}

func (uc *Backup) notifyRun(ctx context.Context, m *manifest.Manifest, comps []domain.Component, d time.Duration) {
	if uc.notifier == nil {
		return
	}

	var totalBytes int64
	for _, a := range m.Artifacts {
		totalBytes += a.SizeBytes
	}

	severity := notify.SeverityInfo
	switch m.Status {
	case manifest.StatusPartial:
		severity = notify.SeverityWarning
	case manifest.StatusFailed:
		severity = notify.SeverityError
	}

	message := fmt.Sprintf("%d of %d component(s) backed up", len(m.Artifacts), len(comps))
	if m.DryRun {
		message = "dry-run, no artifacts written"
	}

	uc.notifier.Notify(ctx, notify.Event{
		App:       m.App,
		Operation: "backup",
		Status:    string(m.Status),
		Severity:  severity,
		Message:   message,
		Host:      m.Host,
		Fields: []notify.Field{
			{Name: "components", Value: joinComponents(comps)},
			{Name: "artifacts", Value: fmt.Sprintf("%d", len(m.Artifacts))},
			{Name: "size", Value: fmt.Sprintf("%.2f MB", megabytes(totalBytes))},
			{Name: "duration", Value: d.String()},
		},
	})
}

func joinComponents(comps []domain.Component) string {
	names := make([]string, len(comps))
	for i, c := range comps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

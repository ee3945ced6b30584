package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetra/salvor/internal/adapter/compressor"
	"github.com/perimetra/salvor/internal/adapter/storage"
	"github.com/perimetra/salvor/internal/cmdexec"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/notify"
)

type fakeRecoveryDB struct {
	name    string
	pingErr error
	pings   int

	backupErr error
	backups   int

	// restoreErrs is popped once per RestoreInto call; successful calls
	// are recorded as "target<-dumpfile".
	restoreErrs []error
	restores    []string

	tableCount string
	sampleErr  error
	queries    []string
}

func (f *fakeRecoveryDB) Ping(context.Context) error {
	f.pings++
	return f.pingErr
}

func (f *fakeRecoveryDB) Backup(_ context.Context, destPath string) error {
	f.backups++
	if f.backupErr != nil {
		return f.backupErr
	}
	return os.WriteFile(destPath, []byte("snapshot"), 0o644)
}

func (f *fakeRecoveryDB) RestoreInto(_ context.Context, dumpPath, targetDB string) error {
	if len(f.restoreErrs) > 0 {
		err := f.restoreErrs[0]
		f.restoreErrs = f.restoreErrs[1:]
		if err != nil {
			return err
		}
	}
	f.restores = append(f.restores, targetDB+"<-"+filepath.Base(dumpPath))
	return nil
}

func (f *fakeRecoveryDB) Query(_ context.Context, _, query string) (string, error) {
	f.queries = append(f.queries, query)
	if strings.Contains(query, "information_schema.tables") {
		return f.tableCount, nil
	}
	return "1", f.sampleErr
}

func (f *fakeRecoveryDB) GetName() string { return f.name }

type fakeArchive struct {
	createErr error
	creates   []string

	// extractErrs is popped once per Extract call.
	extractErrs []error
	extracts    []string
}

func (f *fakeArchive) Create(_ context.Context, _ []string, destPath string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.creates = append(f.creates, filepath.Base(destPath))
	return os.WriteFile(destPath, []byte("tar"), 0o644)
}

func (f *fakeArchive) Extract(_ context.Context, srcPath, destRoot string) error {
	if len(f.extractErrs) > 0 {
		err := f.extractErrs[0]
		f.extractErrs = f.extractErrs[1:]
		if err != nil {
			return err
		}
	}
	f.extracts = append(f.extracts, filepath.Base(srcPath)+"->"+destRoot)
	return nil
}

type fakeServiceRunner struct {
	commands []string
	failOn   string
}

func (f *fakeServiceRunner) Run(_ context.Context, cmd cmdexec.Command) (*cmdexec.Result, error) {
	payload := cmd.Args[len(cmd.Args)-1]
	f.commands = append(f.commands, payload)
	if f.failOn != "" && strings.Contains(payload, f.failOn) {
		return nil, errors.New("exit status 1")
	}
	return &cmdexec.Result{}, nil
}

func TestParseScope(t *testing.T) {
	Convey("Scope parsing", t, func() {
		for _, s := range []string{"full", "database", "files"} {
			scope, err := ParseScope(s)
			So(err, ShouldBeNil)
			So(string(scope), ShouldEqual, s)
		}

		_, err := ParseScope("redis")
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "unknown recovery scope")
	})
}

func TestRecovery(t *testing.T) {
	Convey("Given a database backup and a recovery setup", t, func() {
		dir := t.TempDir()
		cfg := testConfig(dir)
		cfg.Database.Enabled = true
		cfg.Recovery.ScratchDir = t.TempDir()
		cfg.Recovery.StopCommands = []string{"systemctl stop app"}
		cfg.Recovery.StartCommands = []string{"systemctl start app"}

		local, err := storage.NewLocal(dir)
		So(err, ShouldBeNil)
		ctx := context.Background()

		_, err = writeArtifact(local, "salvor", domain.ComponentDatabase, time.Now(), "dump bytes")
		So(err, ShouldBeNil)

		db := &fakeRecoveryDB{name: "appdb", tableCount: "42"}
		archive := &fakeArchive{}
		runner := &fakeServiceRunner{}
		notifier := &recordNotifier{}
		rec := newRecordRecorder()
		deps := RecoverDeps{
			Config:   cfg,
			Database: db,
			Archive:  archive,
			Comp:     compressor.NewGzip(),
			Local:    local,
			Runner:   runner,
			Notifier: notifier,
			Metrics:  rec,
			Logger:   nopLogger{},
		}

		Convey("When a database recovery succeeds", func() {
			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("It should end in SUCCESS with exit code 0", func() {
				So(err, ShouldBeNil)
				So(out.State, ShouldEqual, RecoverySuccess)
				So(out.ExitCode, ShouldEqual, 0)
			})

			Convey("It should restore the dump into the live database", func() {
				So(db.restores, ShouldResemble, []string{"appdb<-restore.dump"})
				So(db.backups, ShouldEqual, 1)
			})

			Convey("It should stop services before the restore and start them after", func() {
				So(runner.commands, ShouldResemble, []string{"systemctl stop app", "systemctl start app"})
			})

			Convey("It should validate the restored database", func() {
				So(strings.Join(db.queries, "\n"), ShouldContainSubstring, "information_schema.tables")
				So(db.queries, ShouldContain, "SELECT 1")
			})

			Convey("It should record metrics, notify, and write a report", func() {
				So(rec.runs, ShouldContain, "recover/success")
				So(rec.lastSuccess, ShouldContain, "recover")
				So(notifier.last().Status, ShouldEqual, RecoverySuccess)
				So(notifier.last().Severity, ShouldEqual, notify.SeverityInfo)

				reports, gerr := filepath.Glob(filepath.Join(dir, "reports", "report_recover_*.json"))
				So(gerr, ShouldBeNil)
				So(len(reports), ShouldEqual, 1)
			})
		})

		Convey("When recovery runs in dry-run mode with the database down", func() {
			cfg.App.DryRun = true
			db.pingErr = errors.New("connection refused")

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("A valid selection should still exit 0 without touching anything", func() {
				So(err, ShouldBeNil)
				So(out.State, ShouldEqual, RecoverySuccess)
				So(out.ExitCode, ShouldEqual, 0)
				So(db.pings, ShouldEqual, 0)
				So(db.restores, ShouldBeEmpty)
				So(db.backups, ShouldEqual, 0)
				So(runner.commands, ShouldBeEmpty)
				So(rec.lastSuccess, ShouldNotContain, "recover")
			})
		})

		Convey("When no backup matches the recovery point", func() {
			empty, serr := storage.NewLocal(t.TempDir())
			So(serr, ShouldBeNil)
			deps.Local = empty

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("It should fail with exit code 1 before touching services", func() {
				So(errors.Is(err, ErrNoBackupFound), ShouldBeTrue)
				So(out.State, ShouldEqual, RecoveryFailed)
				So(out.ExitCode, ShouldEqual, 1)
				So(runner.commands, ShouldBeEmpty)
				So(notifier.last().Severity, ShouldEqual, notify.SeverityError)
			})
		})

		Convey("When the restored database fails validation", func() {
			db.tableCount = "0"

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("It should roll back to the pre-recovery snapshot", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "recovery rolled back")
				So(err.Error(), ShouldContainSubstring, "no tables")
				So(out.State, ShouldEqual, RecoveryRolledBack)
				So(out.ExitCode, ShouldEqual, 2)
				So(db.restores, ShouldResemble, []string{"appdb<-restore.dump", "appdb<-rollback.dump"})
				So(rec.runs, ShouldContain, "recover/rolled_back")
				So(notifier.last().Severity, ShouldEqual, notify.SeverityError)
			})
		})

		Convey("When validation fails and no snapshot could be taken", func() {
			db.tableCount = "0"
			db.backupErr = errors.New("pg_dump: connection refused")

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("The failure should be unrecoverable, not rolled back", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "unrecoverable failure")
				So(out.State, ShouldEqual, RecoveryFailed)
				So(out.ExitCode, ShouldEqual, 1)
				So(db.restores, ShouldResemble, []string{"appdb<-restore.dump"})
			})
		})

		Convey("When stopping services fails", func() {
			runner.failOn = "stop"

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			Convey("It should fail without restoring and still restart services", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "stop services")
				So(out.State, ShouldEqual, RecoveryFailed)
				So(out.ExitCode, ShouldEqual, 1)
				So(db.restores, ShouldBeEmpty)
				So(runner.commands, ShouldResemble, []string{"systemctl stop app", "systemctl start app"})
			})
		})

		Convey("When the requested scope is disabled", func() {
			cfg.Database.Enabled = false

			out, err := NewRecovery(deps).Run(ctx, ScopeDatabase)

			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "disabled")
			So(out.State, ShouldEqual, RecoveryFailed)
			So(out.ExitCode, ShouldEqual, 1)
		})
	})

	Convey("Given a files backup and a restore root", t, func() {
		dir := t.TempDir()
		restoreRoot := t.TempDir()
		srcDir := t.TempDir()
		marker := filepath.Join(srcDir, "app.conf")
		So(os.WriteFile(marker, []byte("key=value"), 0o644), ShouldBeNil)

		cfg := testConfig(dir)
		cfg.Files.Enabled = true
		cfg.Files.Paths = []string{srcDir}
		cfg.Files.CriticalPaths = []string{marker}
		cfg.Recovery.ScratchDir = t.TempDir()
		cfg.Recovery.RestoreRoot = restoreRoot

		local, err := storage.NewLocal(dir)
		So(err, ShouldBeNil)
		ctx := context.Background()

		artName, err := writeArtifact(local, "salvor", domain.ComponentFiles, time.Now(), "tar bytes")
		So(err, ShouldBeNil)

		db := &fakeRecoveryDB{name: "appdb"}
		archive := &fakeArchive{}
		runner := &fakeServiceRunner{}
		deps := RecoverDeps{
			Config:   cfg,
			Database: db,
			Archive:  archive,
			Comp:     compressor.NewGzip(),
			Local:    local,
			Runner:   runner,
			Notifier: &recordNotifier{},
			Metrics:  newRecordRecorder(),
			Logger:   nopLogger{},
		}

		Convey("When a files recovery succeeds", func() {
			out, err := NewRecovery(deps).Run(ctx, ScopeFiles)

			Convey("It should extract the archive under the restore root", func() {
				So(err, ShouldBeNil)
				So(out.State, ShouldEqual, RecoverySuccess)
				So(archive.extracts, ShouldResemble, []string{artName + "->" + restoreRoot})
			})

			Convey("It should snapshot the current files first and leave the database alone", func() {
				So(archive.creates, ShouldResemble, []string{"rollback.tar.gz"})
				So(db.restores, ShouldBeEmpty)
				So(db.backups, ShouldEqual, 0)
			})
		})

		Convey("When extraction fails", func() {
			archive.extractErrs = []error{errors.New("tar: unexpected EOF")}

			out, err := NewRecovery(deps).Run(ctx, ScopeFiles)

			Convey("It should unpack the snapshot back over the restore root", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "recovery rolled back")
				So(out.State, ShouldEqual, RecoveryRolledBack)
				So(out.ExitCode, ShouldEqual, 2)
				So(archive.extracts, ShouldResemble, []string{"rollback.tar.gz->" + restoreRoot})
			})
		})
	})
}

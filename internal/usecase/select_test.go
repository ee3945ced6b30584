package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetra/salvor/internal/adapter/storage"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/manifest"
)

func TestSelectBackup(t *testing.T) {
	Convey("Given a backup directory with several database dumps", t, func() {
		dir := t.TempDir()
		local, err := storage.NewLocal(dir)
		So(err, ShouldBeNil)
		ctx := context.Background()

		older := time.Now().Add(-2 * time.Hour)
		newer := time.Now().Add(-1 * time.Hour)

		olderName, err := writeArtifact(local, "salvor", domain.ComponentDatabase, older, "older")
		So(err, ShouldBeNil)
		newerName, err := writeArtifact(local, "salvor", domain.ComponentDatabase, newer, "newer")
		So(err, ShouldBeNil)
		_, err = writeArtifact(local, "salvor", domain.ComponentFiles, newer, "tarball")
		So(err, ShouldBeNil)

		// Coarse filesystem timestamps can leave back-to-back writes with
		// identical mtimes; pin each dump to its own timestamp.
		So(os.Chtimes(local.GetPath(olderName), older, older), ShouldBeNil)
		So(os.Chtimes(local.GetPath(newerName), newer, newer), ShouldBeNil)

		Convey("Selecting latest should pick the newest by modification time", func() {
			// The older-named dump was rewritten last, so it wins.
			past := time.Now().Add(-3 * time.Hour)
			So(os.Chtimes(local.GetPath(newerName), past, past), ShouldBeNil)

			name, err := SelectBackup(ctx, local, "salvor", domain.ComponentDatabase, PointLatest)
			So(err, ShouldBeNil)
			So(name, ShouldEqual, olderName)
		})

		Convey("Selecting by token should match the filename timestamp", func() {
			name, err := SelectBackup(ctx, local, "salvor", domain.ComponentDatabase, older.Format(domain.TimestampLayout))
			So(err, ShouldBeNil)
			So(name, ShouldEqual, olderName)
		})

		Convey("Only the requested component should be considered", func() {
			name, err := SelectBackup(ctx, local, "salvor", domain.ComponentDatabase, PointLatest)
			So(err, ShouldBeNil)
			So(name, ShouldEqual, newerName)
		})

		Convey("A token matching nothing should report no backup found", func() {
			_, err := SelectBackup(ctx, local, "salvor", domain.ComponentDatabase, "19990101_000000")
			So(errors.Is(err, ErrNoBackupFound), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "no backup found")
		})

		Convey("A component with no backups should report no backup found", func() {
			_, err := SelectBackup(ctx, local, "salvor", domain.ComponentRedis, PointLatest)
			So(errors.Is(err, ErrNoBackupFound), ShouldBeTrue)
		})
	})
}

func TestSelectManifest(t *testing.T) {
	Convey("Given a manifest store with mixed runs", t, func() {
		dir := t.TempDir()
		store := manifest.NewStore(dir)

		okTS := time.Now().Add(-2 * time.Hour).UTC()
		dryTS := time.Now().Add(-1 * time.Hour).UTC()

		okManifest := &manifest.Manifest{
			SchemaVersion: manifest.SchemaVersion,
			RunID:         "run-ok",
			App:           "salvor",
			StartedAt:     okTS,
			FinishedAt:    okTS,
			Status:        manifest.StatusSuccess,
			Artifacts:     []domain.Artifact{{Name: "salvor_database_x.dump.gz", Component: domain.ComponentDatabase}},
		}
		_, err := store.Write(okManifest)
		So(err, ShouldBeNil)

		dryManifest := &manifest.Manifest{
			SchemaVersion: manifest.SchemaVersion,
			RunID:         "run-dry",
			App:           "salvor",
			DryRun:        true,
			StartedAt:     dryTS,
			FinishedAt:    dryTS,
			Status:        manifest.StatusSuccess,
		}
		_, err = store.Write(dryManifest)
		So(err, ShouldBeNil)

		Convey("Selecting latest should skip runs without artifacts", func() {
			m, path, err := SelectManifest(store, PointLatest)
			So(err, ShouldBeNil)
			So(m.RunID, ShouldEqual, "run-ok")
			So(filepath.Base(path), ShouldContainSubstring, okTS.Format(domain.TimestampLayout))
		})

		Convey("Selecting by token should match the manifest filename", func() {
			m, _, err := SelectManifest(store, okTS.Format(domain.TimestampLayout))
			So(err, ShouldBeNil)
			So(m.RunID, ShouldEqual, "run-ok")
		})

		Convey("A token matching nothing should report no backup found", func() {
			_, _, err := SelectManifest(store, "19990101_000000")
			So(errors.Is(err, ErrNoBackupFound), ShouldBeTrue)
		})

		Convey("An unreadable manifest should abort selection", func() {
			broken := filepath.Join(store.Dir(), "manifest_20990101_000000.json")
			So(os.WriteFile(broken, []byte("not json"), 0o644), ShouldBeNil)

			_, _, err := SelectManifest(store, PointLatest)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "parse manifest")
		})
	})
}

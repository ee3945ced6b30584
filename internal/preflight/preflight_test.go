package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetra/salvor/internal/cmdexec"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}

// fakeTool writes an executable that prints the given version line.
func fakeTool(t *testing.T, dir, name, output string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"" + output + "\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChecker(t *testing.T) {
	Convey("Given a preflight Checker", t, func() {
		tempDir, err := os.MkdirTemp("", "preflight_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		runner := cmdexec.New(nopLogger{}, false)
		checker := New(runner, nopLogger{})
		ctx := context.Background()

		Convey("Binary checks", func() {
			Convey("When every binary is present", func() {
				err := checker.Run(ctx, Requirements{
					Binaries: []string{"sh", "ls"},
				})

				Convey("It should pass", func() {
					So(err, ShouldBeNil)
				})
			})

			Convey("When binaries are missing", func() {
				err := checker.Run(ctx, Requirements{
					Binaries: []string{"sh", "no-such-tool-a", "no-such-tool-b"},
				})

				Convey("It should name all of them in one error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "no-such-tool-a")
					So(err.Error(), ShouldContainSubstring, "no-such-tool-b")
				})
			})
		})

		Convey("Version checks", func() {
			tool := fakeTool(t, tempDir, "faketool", "faketool (Fake) 2.5.1")

			Convey("When the tool meets the minimum version", func() {
				err := checker.Run(ctx, Requirements{
					Binaries:       []string{tool},
					BinaryVersions: map[string]string{tool: "2.0"},
				})

				Convey("It should pass", func() {
					So(err, ShouldBeNil)
				})
			})

			Convey("When the tool is too old", func() {
				err := checker.Run(ctx, Requirements{
					Binaries:       []string{tool},
					BinaryVersions: map[string]string{tool: "3.0"},
				})

				Convey("It should report the version gap", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "older than required")
				})
			})

			Convey("When the tool prints no version", func() {
				mute := fakeTool(t, tempDir, "mutetool", "no digits here")

				err := checker.Run(ctx, Requirements{
					Binaries:       []string{mute},
					BinaryVersions: map[string]string{mute: "1.0"},
				})

				Convey("It should say the version was not found", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "cannot find a version")
				})
			})

			Convey("When the binary is missing entirely", func() {
				err := checker.Run(ctx, Requirements{
					Binaries:       []string{"no-such-tool"},
					BinaryVersions: map[string]string{"no-such-tool": "1.0"},
				})

				Convey("It should not probe the version on top of the missing report", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "missing required tools")
					So(err.Error(), ShouldNotContainSubstring, "probe")
				})
			})
		})

		Convey("Directory checks", func() {
			Convey("When directories are missing", func() {
				target := filepath.Join(tempDir, "backups", "manifests")

				err := checker.Run(ctx, Requirements{
					Dirs: []string{target},
				})

				Convey("It should create them", func() {
					So(err, ShouldBeNil)

					info, statErr := os.Stat(target)
					So(statErr, ShouldBeNil)
					So(info.IsDir(), ShouldBeTrue)
				})
			})
		})

		Convey("Free space checks", func() {
			Convey("When enough space is available", func() {
				err := checker.Run(ctx, Requirements{
					FreeSpacePath:  tempDir,
					MinFreeSpaceMB: 1,
				})

				Convey("It should pass", func() {
					So(err, ShouldBeNil)
				})
			})

			Convey("When the requirement is absurdly large", func() {
				err := checker.Run(ctx, Requirements{
					FreeSpacePath:  tempDir,
					MinFreeSpaceMB: 1 << 40,
				})

				Convey("It should fail with the shortfall", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "need at least")
				})
			})
		})

		Convey("Aggregation", func() {
			Convey("When several requirements fail together", func() {
				old := fakeTool(t, tempDir, "oldtool", "oldtool 1.0.0")

				err := checker.Run(ctx, Requirements{
					Binaries:       []string{"no-such-tool", old},
					BinaryVersions: map[string]string{old: "2.0"},
					FreeSpacePath:  tempDir,
					MinFreeSpaceMB: 1 << 40,
				})

				Convey("It should report every failure at once", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "missing required tools")
					So(err.Error(), ShouldContainSubstring, "older than required")
					So(err.Error(), ShouldContainSubstring, "need at least")
				})
			})
		})
	})
}

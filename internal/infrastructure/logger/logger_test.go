package logger

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogger(t *testing.T) {
	Convey("Given the Logger package", t, func() {
		Convey("New function", func() {
			Convey("When creating a logger with console output only", func() {
				logger, err := New("info", "")

				Convey("It should create a logger successfully", func() {
					So(err, ShouldBeNil)
					So(logger, ShouldNotBeNil)
					So(func() { logger.Info("test log") }, ShouldNotPanic)
				})
			})

			Convey("When creating a logger with a valid log file", func() {
				tempDir, err := os.MkdirTemp("", "logger_test")
				So(err, ShouldBeNil)
				defer os.RemoveAll(tempDir)

				logFile := filepath.Join(tempDir, "nested", "salvor.log")

				logger, err := New("debug", logFile)

				Convey("It should create the log directory and file", func() {
					So(err, ShouldBeNil)
					So(logger, ShouldNotBeNil)

					logger.Debug("test debug log")
					logger.Close()

					_, err := os.Stat(logFile)
					So(err, ShouldBeNil)
				})
			})

			Convey("When creating a logger with an invalid log level", func() {
				logger, err := New("shout", "")

				Convey("It should fall back to info level", func() {
					So(err, ShouldBeNil)
					So(logger, ShouldNotBeNil)
					So(func() { logger.Info("test info log") }, ShouldNotPanic)
				})
			})

			Convey("When the log directory cannot be created", func() {
				tempDir, err := os.MkdirTemp("", "logger_test")
				So(err, ShouldBeNil)
				defer os.RemoveAll(tempDir)

				// A regular file where a directory is needed makes
				// MkdirAll fail regardless of permissions.
				blocker := filepath.Join(tempDir, "blocker")
				So(os.WriteFile(blocker, []byte("x"), 0o644), ShouldBeNil)

				logger, err := New("info", filepath.Join(blocker, "salvor.log"))

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "failed to create log directory")
					So(logger, ShouldBeNil)
				})
			})
		})

		Convey("Rotation settings", func() {
			Convey("When building the file sink", func() {
				sink := fileSink("/var/log/salvor/salvor.log")

				Convey("It should rotate at 100 MB keeping 3 backups for 28 days", func() {
					So(sink.MaxSize, ShouldEqual, 100)
					So(sink.MaxBackups, ShouldEqual, 3)
					So(sink.MaxAge, ShouldEqual, 28)
					So(sink.Compress, ShouldBeTrue)
				})
			})
		})

		Convey("Named method", func() {
			Convey("When deriving a subsystem logger", func() {
				logger, err := New("info", "")
				So(err, ShouldBeNil)

				child := logger.Named("scheduler")

				Convey("It should return a usable child logger", func() {
					So(child, ShouldNotBeNil)
					So(func() { child.Info("test log") }, ShouldNotPanic)
				})
			})
		})

		Convey("Nop function", func() {
			Convey("When logging through a nop logger", func() {
				logger := Nop()

				Convey("It should discard everything without panicking", func() {
					So(logger, ShouldNotBeNil)
					So(func() {
						logger.Infof("dropped %d", 1)
						logger.Errorf("dropped %d", 2)
						logger.Close()
					}, ShouldNotPanic)
				})
			})
		})
	})
}

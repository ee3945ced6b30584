package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"
)

func TestLockfile(t *testing.T) {
	Convey("Given a lock path", t, func() {
		tempDir, err := os.MkdirTemp("", "lockfile_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		path := filepath.Join(tempDir, "salvor.lock")

		Convey("Acquire function", func() {
			Convey("When the lock is free", func() {
				lock, err := Acquire(path)

				Convey("It should create the lock file with owner details", func() {
					So(err, ShouldBeNil)
					So(lock, ShouldNotBeNil)

					data, err := os.ReadFile(path)
					So(err, ShouldBeNil)

					var i info
					So(json.Unmarshal(data, &i), ShouldBeNil)
					So(i.PID, ShouldEqual, os.Getpid())
					So(i.AcquiredAt.IsZero(), ShouldBeFalse)
				})
			})

			Convey("When the lock is held by a live process", func() {
				first, err := Acquire(path)
				So(err, ShouldBeNil)
				defer first.Release()

				second, err := Acquire(path)

				Convey("It should refuse with ErrLockHeld", func() {
					So(second, ShouldBeNil)
					So(errors.Is(err, ErrLockHeld), ShouldBeTrue)
					So(err.Error(), ShouldContainSubstring, fmt.Sprintf("pid %d", os.Getpid()))
				})
			})

			Convey("When the lock was left by a dead process", func() {
				hostname, _ := os.Hostname()
				stale, err := json.Marshal(info{
					// Near pid_max, so nothing running has this pid.
					PID:        4194000,
					Hostname:   hostname,
					AcquiredAt: time.Now().Add(-time.Hour),
				})
				So(err, ShouldBeNil)
				So(os.WriteFile(path, stale, 0o644), ShouldBeNil)

				lock, err := Acquire(path)

				Convey("It should take the lock over", func() {
					So(err, ShouldBeNil)
					So(lock, ShouldNotBeNil)

					data, err := os.ReadFile(path)
					So(err, ShouldBeNil)

					var i info
					So(json.Unmarshal(data, &i), ShouldBeNil)
					So(i.PID, ShouldEqual, os.Getpid())
				})
			})

			Convey("When the lock file is corrupt", func() {
				So(os.WriteFile(path, []byte("not json"), 0o644), ShouldBeNil)

				lock, err := Acquire(path)

				Convey("It should treat it as stale and take over", func() {
					So(err, ShouldBeNil)
					So(lock, ShouldNotBeNil)
				})
			})

			Convey("When the lock was written by another host", func() {
				foreign, err := json.Marshal(info{
					PID:        4194000,
					Hostname:   "other-host",
					AcquiredAt: time.Now(),
				})
				So(err, ShouldBeNil)
				So(os.WriteFile(path, foreign, 0o644), ShouldBeNil)

				lock, err := Acquire(path)

				Convey("It should refuse rather than guess", func() {
					So(lock, ShouldBeNil)
					So(errors.Is(err, ErrLockHeld), ShouldBeTrue)
					So(err.Error(), ShouldContainSubstring, "other-host")
				})
			})
		})

		Convey("Stale takeover race", func() {
			hostname, _ := os.Hostname()

			Convey("When the dead-pid lock is replaced before the claim", func() {
				stale, err := json.Marshal(info{
					PID:        4194000,
					Hostname:   hostname,
					AcquiredAt: time.Now().Add(-time.Hour),
				})
				So(err, ShouldBeNil)
				So(os.WriteFile(path, stale, 0o644), ShouldBeNil)

				observed, err := readInfo(path)
				So(err, ShouldBeNil)

				// Another takeover wins the race and writes its own
				// lock before ours acts on the stale read.
				fresh, err := Acquire(path)
				So(err, ShouldBeNil)
				defer fresh.Release()

				claimErr := claimStale(path, observed)

				Convey("It should back off and leave the winner's lock alone", func() {
					So(errors.Is(claimErr, ErrLockHeld), ShouldBeTrue)

					data, err := os.ReadFile(path)
					So(err, ShouldBeNil)

					var i info
					So(json.Unmarshal(data, &i), ShouldBeNil)
					So(i.PID, ShouldEqual, os.Getpid())
				})
			})

			Convey("When the stale lock is unchanged", func() {
				stale, err := json.Marshal(info{
					PID:        4194000,
					Hostname:   hostname,
					AcquiredAt: time.Now().Add(-time.Hour),
				})
				So(err, ShouldBeNil)
				So(os.WriteFile(path, stale, 0o644), ShouldBeNil)

				observed, err := readInfo(path)
				So(err, ShouldBeNil)

				Convey("It should clear the way for a fresh lock", func() {
					So(claimStale(path, observed), ShouldBeNil)

					_, statErr := os.Stat(path)
					So(os.IsNotExist(statErr), ShouldBeTrue)
				})
			})
		})

		Convey("Release method", func() {
			Convey("When releasing a held lock", func() {
				lock, err := Acquire(path)
				So(err, ShouldBeNil)

				Convey("It should remove the file and free the lock", func() {
					So(lock.Release(), ShouldBeNil)

					_, err := os.Stat(path)
					So(os.IsNotExist(err), ShouldBeTrue)

					again, err := Acquire(path)
					So(err, ShouldBeNil)
					So(again, ShouldNotBeNil)
				})
			})

			Convey("When releasing twice", func() {
				lock, err := Acquire(path)
				So(err, ShouldBeNil)

				Convey("It should stay quiet the second time", func() {
					So(lock.Release(), ShouldBeNil)
					So(lock.Release(), ShouldBeNil)
				})
			})
		})
	})
}

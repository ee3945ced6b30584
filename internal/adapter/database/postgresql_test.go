package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetra/salvor/internal/cmdexec"
	"github.com/perimetra/salvor/internal/config"
)

// fakeRunner records every command and replays canned results per
// binary name.
type fakeRunner struct {
	commands []cmdexec.Command
	results  map[string]*cmdexec.Result
	errs     map[string]error
}

func (f *fakeRunner) Run(_ context.Context, cmd cmdexec.Command) (*cmdexec.Result, error) {
	f.commands = append(f.commands, cmd)
	if err, ok := f.errs[cmd.Name]; ok {
		return &cmdexec.Result{}, err
	}
	if res, ok := f.results[cmd.Name]; ok {
		return res, nil
	}
	return &cmdexec.Result{}, nil
}

func (f *fakeRunner) last() cmdexec.Command {
	return f.commands[len(f.commands)-1]
}

func pgConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Enabled:  true,
		Host:     "db.internal",
		Port:     5433,
		Username: "backup_ro",
		Password: "hunter2",
		Database: "payments",
		SSLMode:  "require",
	}
}

func TestPostgreSQLDatabase(t *testing.T) {
	Convey("Given a PostgreSQL adapter", t, func() {
		runner := &fakeRunner{
			results: map[string]*cmdexec.Result{},
			errs:    map[string]error{},
		}
		db := NewPostgreSQL(pgConfig(), runner, 15*time.Minute)
		ctx := context.Background()

		Convey("Backup method", func() {
			Convey("When dumping the database", func() {
				err := db.Backup(ctx, "/tmp/payments.dump")

				Convey("It should call pg_dump with connection and format flags", func() {
					So(err, ShouldBeNil)

					cmd := runner.last()
					So(cmd.Name, ShouldEqual, "pg_dump")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--host=db.internal")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--port=5433")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--format=custom")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--file=/tmp/payments.dump")
					So(cmd.Args[len(cmd.Args)-1], ShouldEqual, "payments")
					So(cmd.Timeout, ShouldEqual, 15*time.Minute)
					So(cmd.Destructive, ShouldBeFalse)
				})

				Convey("It should pass credentials through the environment", func() {
					So(err, ShouldBeNil)

					cmd := runner.last()
					So(cmd.Env, ShouldContain, "PGPASSWORD=hunter2")
					So(cmd.Env, ShouldContain, "PGSSLMODE=require")
					So(strings.Join(cmd.Args, " "), ShouldNotContainSubstring, "hunter2")
				})
			})

			Convey("When pg_dump fails", func() {
				runner.errs["pg_dump"] = errors.New("pg_dump failed: exit status 1, output: connection refused")

				err := db.Backup(ctx, "/tmp/payments.dump")

				Convey("It should surface the error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "connection refused")
				})
			})
		})

		Convey("Restore methods", func() {
			Convey("When restoring into the live database", func() {
				err := db.Restore(ctx, "/tmp/payments.dump")

				Convey("It should run a destructive pg_restore with clean flags", func() {
					So(err, ShouldBeNil)

					cmd := runner.last()
					So(cmd.Name, ShouldEqual, "pg_restore")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--dbname=payments")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--clean")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--if-exists")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--exit-on-error")
					So(cmd.Destructive, ShouldBeTrue)
				})
			})

			Convey("When restoring into a scratch database", func() {
				err := db.RestoreInto(ctx, "/tmp/payments.dump", "salvor_scratch")

				Convey("It should target the scratch database", func() {
					So(err, ShouldBeNil)
					So(strings.Join(runner.last().Args, " "), ShouldContainSubstring, "--dbname=salvor_scratch")
				})
			})
		})

		Convey("Scratch database lifecycle", func() {
			Convey("When creating a scratch database", func() {
				err := db.CreateDatabase(ctx, "salvor_scratch")

				Convey("It should call createdb destructively", func() {
					So(err, ShouldBeNil)

					cmd := runner.last()
					So(cmd.Name, ShouldEqual, "createdb")
					So(cmd.Args[len(cmd.Args)-1], ShouldEqual, "salvor_scratch")
					So(cmd.Destructive, ShouldBeTrue)
				})
			})

			Convey("When dropping a scratch database", func() {
				err := db.DropDatabase(ctx, "salvor_scratch")

				Convey("It should call dropdb with --if-exists", func() {
					So(err, ShouldBeNil)

					cmd := runner.last()
					So(cmd.Name, ShouldEqual, "dropdb")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--if-exists")
				})
			})

			Convey("When asked to drop the live database", func() {
				err := db.DropDatabase(ctx, "payments")

				Convey("It should refuse without running anything", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "refusing to drop the live database")
					So(runner.commands, ShouldBeEmpty)
				})
			})
		})

		Convey("Query method", func() {
			Convey("When the query returns rows", func() {
				runner.results["psql"] = &cmdexec.Result{Output: " 42\n"}

				out, err := db.Query(ctx, "payments", "SELECT count(*) FROM users")

				Convey("It should return the trimmed output", func() {
					So(err, ShouldBeNil)
					So(out, ShouldEqual, "42")

					cmd := runner.last()
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--tuples-only")
					So(strings.Join(cmd.Args, " "), ShouldContainSubstring, "--no-align")
					So(cmd.Destructive, ShouldBeFalse)
				})
			})
		})

		Convey("ListDump method", func() {
			Convey("When the dump has a table of contents", func() {
				runner.results["pg_restore"] = &cmdexec.Result{
					Output: "; Archive created at 2024-01-01\n1; 1259 TABLE public users\n",
				}

				out, err := db.ListDump(ctx, "/tmp/payments.dump")

				Convey("It should return the listing", func() {
					So(err, ShouldBeNil)
					So(out, ShouldContainSubstring, "TABLE public users")
					So(strings.Join(runner.last().Args, " "), ShouldContainSubstring, "--list")
				})
			})
		})

		Convey("Identity methods", func() {
			Convey("When asked for name and type", func() {
				So(db.GetName(), ShouldEqual, "payments")
				So(db.GetType(), ShouldEqual, "postgresql")
			})
		})
	})
}

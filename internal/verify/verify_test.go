package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/perimetra/salvor/internal/adapter/archive"
	"github.com/perimetra/salvor/internal/adapter/compressor"
	"github.com/perimetra/salvor/internal/crypt"
	"github.com/perimetra/salvor/internal/domain"
)

type nopLog struct{}

func (nopLog) Debugf(string, ...interface{}) {}
func (nopLog) Infof(string, ...interface{})  {}
func (nopLog) Warnf(string, ...interface{})  {}

type fakeLister struct {
	paths []string
	err   error
}

func (f *fakeLister) ListDump(_ context.Context, dumpPath string) (string, error) {
	f.paths = append(f.paths, dumpPath)
	if f.err != nil {
		return "", f.err
	}
	return ";     217 1259 16386 TABLE public users app", nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func gzipOf(t *testing.T, dir, name, content string) string {
	t.Helper()
	plain := filepath.Join(dir, name+".plain")
	writeFile(t, plain, content)
	gz := filepath.Join(dir, name)
	if err := compressor.NewGzip().Compress(plain, gz); err != nil {
		t.Fatal(err)
	}
	return gz
}

func artifactFor(path string, c domain.Component) domain.Artifact {
	sum, _ := FileSHA256(path)
	return domain.Artifact{
		Name:      filepath.Base(path),
		Path:      path,
		Component: c,
		SHA256:    sum,
	}
}

func TestCheckerFormats(t *testing.T) {
	Convey("Given a checker over real gzip and tar adapters", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		scratch := t.TempDir()
		lister := &fakeLister{}
		checker := NewChecker(compressor.NewGzip(), archive.NewTarGz(nopLog{}), lister, nil, scratch, nopLog{})

		Convey("When checking a files artifact", func() {
			srcRoot := filepath.Join(dir, "appdata")
			So(os.MkdirAll(srcRoot, 0755), ShouldBeNil)
			writeFile(t, filepath.Join(srcRoot, "app.conf"), "listen = :8080\n")

			tarPath := filepath.Join(dir, "shopd_files_20260301_040000.tar.gz")
			So(archive.NewTarGz(nopLog{}).Create(ctx, []string{srcRoot}, tarPath), ShouldBeNil)

			Convey("It should pass the archive walk", func() {
				So(checker.Check(ctx, artifactFor(tarPath, domain.ComponentFiles)), ShouldBeNil)
			})
		})

		Convey("When checking a database artifact", func() {
			gz := gzipOf(t, dir, "shopd_database_20260301_040000.dump.gz", "PGDMP fake custom dump payload")

			Convey("It should decompress and list the dump", func() {
				So(checker.Check(ctx, artifactFor(gz, domain.ComponentDatabase)), ShouldBeNil)
				So(len(lister.paths), ShouldEqual, 1)
				So(lister.paths[0], ShouldStartWith, scratch)
			})

			Convey("It should clean its scratch files up", func() {
				So(checker.Check(ctx, artifactFor(gz, domain.ComponentDatabase)), ShouldBeNil)
				entries, err := os.ReadDir(scratch)
				So(err, ShouldBeNil)
				So(len(entries), ShouldEqual, 0)
			})

			Convey("It should fail when the dump listing fails", func() {
				lister.err = errors.New("pg_restore: error: unsupported version")
				err := checker.Check(ctx, artifactFor(gz, domain.ComponentDatabase))
				So(err, ShouldNotBeNil)
				So(errors.Is(err, ErrVerificationFailed), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "dump listing")
			})
		})

		Convey("When checking a redis artifact", func() {
			Convey("A real rdb header passes", func() {
				gz := gzipOf(t, dir, "shopd_redis_20260301_040000.rdb.gz", "REDIS0011\xfa\x09redis-ver")
				So(checker.Check(ctx, artifactFor(gz, domain.ComponentRedis)), ShouldBeNil)
			})

			Convey("A payload without the rdb signature fails", func() {
				gz := gzipOf(t, dir, "shopd_redis_20260301_040100.rdb.gz", "definitely not an rdb")
				err := checker.Check(ctx, artifactFor(gz, domain.ComponentRedis))
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "not a redis rdb")
			})
		})
	})
}

func TestCheckerBasics(t *testing.T) {
	Convey("Given a checker", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		lister := &fakeLister{}
		checker := NewChecker(compressor.NewGzip(), archive.NewTarGz(nopLog{}), lister, nil, t.TempDir(), nopLog{})

		Convey("A missing artifact fails verification", func() {
			art := domain.Artifact{Name: "gone.dump.gz", Path: filepath.Join(dir, "gone.dump.gz"), Component: domain.ComponentDatabase}
			err := checker.Check(ctx, art)
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrVerificationFailed), ShouldBeTrue)
		})

		Convey("An empty artifact fails verification", func() {
			path := filepath.Join(dir, "empty.dump.gz")
			writeFile(t, path, "")
			err := checker.Check(ctx, domain.Artifact{Name: "empty.dump.gz", Path: path, Component: domain.ComponentDatabase})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "is empty")
		})

		Convey("A checksum mismatch fails before any format check", func() {
			gz := gzipOf(t, dir, "shopd_database_20260301_050000.dump.gz", "payload")
			art := artifactFor(gz, domain.ComponentDatabase)
			art.SHA256 = "deadbeef"
			err := checker.Check(ctx, art)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "checksum mismatch")
			So(len(lister.paths), ShouldEqual, 0)
		})

		Convey("A truncated gzip stream fails before the dump listing", func() {
			gz := gzipOf(t, dir, "shopd_database_20260301_060000.dump.gz", "a longer payload so truncation bites")
			data, err := os.ReadFile(gz)
			So(err, ShouldBeNil)
			So(os.WriteFile(gz, data[:len(data)-6], 0644), ShouldBeNil)

			err = checker.Check(ctx, artifactFor(gz, domain.ComponentDatabase))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "gzip check")
			So(len(lister.paths), ShouldEqual, 0)
		})
	})
}

func TestCheckerWithoutDumpLister(t *testing.T) {
	Convey("Given a checker built with no database adapter", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		checker := NewChecker(compressor.NewGzip(), archive.NewTarGz(nopLog{}), nil, nil, t.TempDir(), nopLog{})

		Convey("When checking a database artifact from an earlier run", func() {
			gz := gzipOf(t, dir, "shopd_database_20260301_040000.dump.gz", "PGDMP fake custom dump payload")
			art := artifactFor(gz, domain.ComponentDatabase)

			Convey("It should stop at the gzip layer instead of panicking", func() {
				So(func() { So(checker.Check(ctx, art), ShouldBeNil) }, ShouldNotPanic)
			})
		})

		Convey("When the gzip layer itself is damaged", func() {
			gz := gzipOf(t, dir, "shopd_database_20260301_050000.dump.gz", "a longer payload so truncation bites")
			data, err := os.ReadFile(gz)
			So(err, ShouldBeNil)
			So(os.WriteFile(gz, data[:len(data)-6], 0644), ShouldBeNil)

			Convey("It should still fail verification", func() {
				err := checker.Check(ctx, artifactFor(gz, domain.ComponentDatabase))
				So(err, ShouldNotBeNil)
				So(errors.Is(err, ErrVerificationFailed), ShouldBeTrue)
			})
		})
	})
}

func TestCheckerEncrypted(t *testing.T) {
	Convey("Given an encrypted artifact", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		key := make([]byte, crypt.KeySize)
		for i := range key {
			key[i] = byte(i)
		}

		gz := gzipOf(t, dir, "shopd_redis_20260301_070000.rdb.gz", "REDIS0011\xfa\x09redis-ver")
		enc := gz + ".enc"
		So(crypt.EncryptFile(gz, enc, key), ShouldBeNil)

		art := artifactFor(enc, domain.ComponentRedis)
		art.Encrypted = true

		Convey("A checker holding the key verifies it", func() {
			checker := NewChecker(compressor.NewGzip(), archive.NewTarGz(nopLog{}), &fakeLister{}, key, t.TempDir(), nopLog{})
			So(checker.Check(ctx, art), ShouldBeNil)
		})

		Convey("A checker without the key refuses it", func() {
			checker := NewChecker(compressor.NewGzip(), archive.NewTarGz(nopLog{}), &fakeLister{}, nil, t.TempDir(), nopLog{})
			err := checker.Check(ctx, art)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "no key is configured")
		})
	})
}

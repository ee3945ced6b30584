package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/multierr"

	"github.com/perimetra/salvor/internal/cmdexec"
)

// Logger is the slice of the application logger preflight needs.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
}

// Runner executes version probes.
type Runner interface {
	Run(ctx context.Context, cmd cmdexec.Command) (*cmdexec.Result, error)
}

// Requirements describes what the environment must provide before a
// destructive operation may start.
type Requirements struct {
	// Binaries must resolve on PATH (or be absolute executables).
	Binaries []string
	// BinaryVersions maps a binary to its minimum acceptable version.
	BinaryVersions map[string]string
	// Dirs are created when absent.
	Dirs []string
	// FreeSpacePath and MinFreeSpaceMB gate on available disk space.
	FreeSpacePath  string
	MinFreeSpaceMB int64
}

type Checker struct {
	runner Runner
	log    Logger
}

func New(runner Runner, log Logger) *Checker {
	return &Checker{runner: runner, log: log}
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// Run evaluates every requirement and reports all failures at once
// rather than stopping at the first.
func (c *Checker) Run(ctx context.Context, req Requirements) error {
	var errs error

	missing := map[string]bool{}
	for _, bin := range req.Binaries {
		if _, err := exec.LookPath(bin); err != nil {
			missing[bin] = true
		}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for bin := range missing {
			names = append(names, bin)
		}
		sort.Strings(names)
		errs = multierr.Append(errs, fmt.Errorf("missing required tools: %s", strings.Join(names, ", ")))
	}

	bins := make([]string, 0, len(req.BinaryVersions))
	for bin := range req.BinaryVersions {
		bins = append(bins, bin)
	}
	sort.Strings(bins)
	for _, bin := range bins {
		if missing[bin] {
			continue
		}
		if err := c.checkVersion(ctx, bin, req.BinaryVersions[bin]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	for _, dir := range req.Dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("create directory %s: %w", dir, err))
		}
	}

	if req.MinFreeSpaceMB > 0 && req.FreeSpacePath != "" {
		if err := c.checkFreeSpace(req.FreeSpacePath, req.MinFreeSpaceMB); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if errs == nil {
		c.log.Infof("preflight passed: %d tools, %d dirs", len(req.Binaries), len(req.Dirs))
	}
	return errs
}

func (c *Checker) checkVersion(ctx context.Context, bin, min string) error {
	res, err := c.runner.Run(ctx, cmdexec.Command{
		Name:    bin,
		Args:    []string{"--version"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("probe %s version: %w", bin, err)
	}

	found := versionPattern.FindString(res.Output)
	if found == "" {
		return fmt.Errorf("cannot find a version in %s output: %q", bin, strings.TrimSpace(res.Output))
	}

	have, err := version.NewVersion(found)
	if err != nil {
		return fmt.Errorf("parse %s version %q: %w", bin, found, err)
	}
	want, err := version.NewVersion(min)
	if err != nil {
		return fmt.Errorf("parse minimum version %q for %s: %w", min, bin, err)
	}

	if have.LessThan(want) {
		return fmt.Errorf("%s version %s is older than required %s", bin, have, want)
	}
	c.log.Debugf("%s version %s satisfies minimum %s", bin, have, want)
	return nil
}

func (c *Checker) checkFreeSpace(path string, minMB int64) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("check free space at %s: %w", path, err)
	}

	freeMB := int64(usage.Free / (1024 * 1024))
	if freeMB < minMB {
		return fmt.Errorf("only %d MB free at %s, need at least %d MB", freeMB, path, minMB)
	}
	c.log.Debugf("%d MB free at %s", freeMB, path)
	return nil
}

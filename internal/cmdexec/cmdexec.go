package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Logger is the slice of the application logger command execution needs.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// Command describes one external program invocation.
type Command struct {
	Name string
	Args []string
	// Env entries are appended to the inherited environment.
	Env []string
	Dir string
	// Stdin feeds the process when set.
	Stdin io.Reader
	// Stdout receives the process stdout when set; otherwise stdout is
	// captured into Result.Output together with stderr.
	Stdout io.Writer
	// Timeout bounds a single attempt. Zero means the caller's context
	// is the only bound.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failure.
	Retries    int
	RetryDelay time.Duration
	// Destructive marks commands that modify live systems; dry-run mode
	// skips them and reports success.
	Destructive bool
}

// Result captures what a finished (or skipped) command did.
type Result struct {
	Output   string
	Duration time.Duration
	Attempts int
	Skipped  bool
}

type Runner struct {
	log    Logger
	dryRun bool
}

func New(log Logger, dryRun bool) *Runner {
	return &Runner{log: log, dryRun: dryRun}
}

// DryRun reports whether destructive commands are being skipped.
func (r *Runner) DryRun() bool { return r.dryRun }

// Run executes the command, retrying failed attempts with a constant
// delay. The returned error carries the final attempt's output so
// callers can surface what the tool printed.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if r.dryRun && cmd.Destructive {
		r.log.Infof("[dry-run] would run: %s", cmd.String())
		return &Result{Skipped: true}, nil
	}

	res := &Result{}
	start := time.Now()

	operation := func() error {
		res.Attempts++
		out, err := r.runOnce(ctx, cmd)
		res.Output = out
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return backoff.Permanent(err)
			}
			if res.Attempts <= cmd.Retries {
				r.log.Warnf("%s failed (attempt %d/%d): %v", cmd.Name, res.Attempts, cmd.Retries+1, err)
			}
			return err
		}
		return nil
	}

	delay := cmd.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(cmd.Retries)),
		ctx,
	)

	err := backoff.Retry(operation, policy)
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%s failed: %w, output: %s", cmd.Name, err, strings.TrimSpace(res.Output))
	}
	return res, nil
}

func (r *Runner) runOnce(ctx context.Context, cmd Command) (string, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin

	var buf bytes.Buffer
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
		c.Stderr = &buf
	} else {
		c.Stdout = &buf
		c.Stderr = &buf
	}

	r.log.Debugf("running: %s", cmd.String())
	err := c.Run()
	out := buf.String()
	if err != nil {
		// Distinguish a per-attempt timeout from the tool's own failure.
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return out, fmt.Errorf("timed out after %s", cmd.Timeout)
		}
		return out, err
	}
	return out, nil
}

// String renders the command for logs. Secrets travel through Env, so
// printing name and args is safe.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

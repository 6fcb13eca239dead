// Package command runs external processes on behalf of the executor, the
// verification gates, git plumbing and deployment. Every invocation is
// logged with credential-shaped arguments redacted, bounded by a timeout,
// and refused outright when command execution is disabled.
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// Options control a single invocation.
type Options struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string
	// RequireTool refuses to run when the program is not on PATH.
	RequireTool bool
	// DryRun logs the command and returns success without running it.
	DryRun bool
	// Timeout bounds the process. Zero means no ceiling beyond ctx.
	Timeout time.Duration
	// Stdin, when non-nil, is fed to the process.
	Stdin io.Reader
}

// Result is the outcome of an invocation. ExitCode is -1 when the process
// never ran or did not exit on its own.
type Result struct {
	ExitCode int
	Output   string
	Error    error
	Duration time.Duration
}

// OK reports whether the process ran and exited zero.
func (r Result) OK() bool {
	return r.Error == nil && r.ExitCode == 0
}

// Executor is the narrow interface the rest of swarm runs commands through.
type Executor interface {
	ExecuteCommand(ctx context.Context, name string, args []string, opts Options) Result
}

// Config configures a Runner.
type Config struct {
	Enabled        bool
	DryRun         bool
	RedactPatterns []string
}

// Runner executes commands with os/exec.
type Runner struct {
	enabled  bool
	dryRun   bool
	redactor *Redactor
	logger   *logging.Logger
	lookPath func(string) (string, error)
}

// NewRunner creates a Runner. Invalid extra redaction patterns are reported
// as an error so a misconfiguration never leaks a credential.
func NewRunner(cfg Config, logger *logging.Logger) (*Runner, error) {
	red, err := NewRedactor(cfg.RedactPatterns)
	if err != nil {
		return nil, err
	}
	return &Runner{
		enabled:  cfg.Enabled,
		dryRun:   cfg.DryRun,
		redactor: red,
		logger:   logging.OrNop(logger).WithComponent("command"),
		lookPath: exec.LookPath,
	}, nil
}

// ExecuteCommand runs name with args. It never returns a Go error directly;
// failures are reported in Result.Error with ExitCode -1 when the process
// could not be run to completion.
func (r *Runner) ExecuteCommand(ctx context.Context, name string, args []string, opts Options) Result {
	display := r.redactor.Command(name, args)

	if !r.enabled {
		r.logger.Warn("command refused: execution disabled", "command", display)
		return Result{
			ExitCode: -1,
			Error:    fmt.Errorf("refusing to run %q: %w", name, errors.ErrCommandDisabled),
		}
	}

	if opts.RequireTool {
		if _, err := r.lookPath(name); err != nil {
			r.logger.Warn("command refused: tool not found", "command", display)
			return Result{
				ExitCode: -1,
				Error:    fmt.Errorf("%s is not installed or not on PATH: %w", name, errors.ErrToolNotFound),
			}
		}
	}

	if opts.DryRun || r.dryRun {
		r.logger.Info("dry run", "command", display, "dir", opts.Dir)
		return Result{Output: "dry run: " + display}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// Kill the whole process group so shell-spawned children die with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	r.logger.Debug("running command", "command", display, "dir", opts.Dir)
	start := time.Now()
	err := cmd.Run()
	res := Result{Output: buf.String(), Duration: time.Since(start)}

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && opts.Timeout > 0:
		res.ExitCode = -1
		res.Error = errors.NewTimeoutError(display, opts.Timeout).WithCause(err)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Error = fmt.Errorf("%s: %w", display, errors.Join(errors.ErrCanceled, ctx.Err()))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = fmt.Errorf("exec %s: %w", name, err)
		}
	}

	r.logger.Debug("command finished",
		"command", display,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// Redact returns a copy of args with credential-shaped values masked.
func (r *Runner) Redact(args []string) []string {
	return r.redactor.Args(args)
}

// Shell runs script with "sh -c".
func Shell(ctx context.Context, x Executor, script string, opts Options) Result {
	return x.ExecuteCommand(ctx, "sh", []string{"-c", script}, opts)
}

// Combined returns the result's output, with the error appended when set.
func (r Result) Combined() string {
	if r.Error == nil {
		return r.Output
	}
	return strings.TrimSpace(r.Output + "\n" + r.Error.Error())
}

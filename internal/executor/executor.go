// Package executor delegates a step's task to an external coding-agent CLI.
//
// The executor never fails with a Go error: an unavailable tool, a disabled
// command runner or a crashed process all come back as a well-formed Result,
// with Degraded set when the collaborator itself could not be reached.
package executor

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// PromptPlaceholder is substituted with the composed task in Config.Args.
const PromptPlaceholder = "{{prompt}}"

// Task is one delegated unit of work.
type Task struct {
	Prompt     string
	Dir        string
	StepNumber int
	Agent      string
	Timeout    time.Duration
}

// Result is what the executor reports for a task.
type Result struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exitCode"`
	Degraded  bool          `json:"degraded"`
	Reason    string        `json:"reason,omitempty"`
	CostUSD   float64       `json:"costUsd,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Capabilities is the outcome of the availability probe.
type Capabilities struct {
	Available bool      `json:"available"`
	Version   string    `json:"version,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Executor runs tasks. CheckCapabilities is cached for the executor's lifetime.
type Executor interface {
	Execute(ctx context.Context, task Task) Result
	CheckCapabilities(ctx context.Context) Capabilities
}

// Config configures a CLIExecutor.
type Config struct {
	Command   string
	Args      []string
	ProbeArgs []string
	Timeout   time.Duration
	EnvFile   string
}

// CLIExecutor runs a coding-agent CLI through a command runner.
type CLIExecutor struct {
	cfg    Config
	runner command.Executor
	logger *logging.Logger

	mu   sync.Mutex
	caps *Capabilities

	envOnce sync.Once
	env     []string
}

// NewCLIExecutor creates an executor over runner.
func NewCLIExecutor(cfg Config, runner command.Executor, logger *logging.Logger) *CLIExecutor {
	return &CLIExecutor{
		cfg:    cfg,
		runner: runner,
		logger: logging.OrNop(logger).WithComponent("executor"),
	}
}

// CheckCapabilities probes the CLI once and caches the answer.
func (e *CLIExecutor) CheckCapabilities(ctx context.Context) Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caps != nil {
		return *e.caps
	}

	caps := Capabilities{CheckedAt: time.Now()}
	res := e.runner.ExecuteCommand(ctx, e.cfg.Command, e.cfg.ProbeArgs, command.Options{
		RequireTool: true,
		Timeout:     30 * time.Second,
	})
	switch {
	case res.Error != nil:
		caps.Reason = res.Error.Error()
	case res.ExitCode != 0:
		caps.Reason = fmt.Sprintf("probe exited with code %d: %s", res.ExitCode, firstLine(res.Output))
	default:
		caps.Available = true
		caps.Version = firstLine(res.Output)
	}

	if caps.Available {
		e.logger.Info("executor available", "command", e.cfg.Command, "version", caps.Version)
	} else {
		e.logger.Warn("executor unavailable", "command", e.cfg.Command, "reason", caps.Reason)
	}
	e.caps = &caps
	return caps
}

// Execute runs one task. It always returns a well-formed Result.
func (e *CLIExecutor) Execute(ctx context.Context, task Task) Result {
	caps := e.CheckCapabilities(ctx)
	if !caps.Available {
		return Degraded(fmt.Sprintf("executor %s unavailable: %s", e.cfg.Command, caps.Reason))
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	args, stdin := e.buildArgs(task.Prompt)
	opts := command.Options{
		Dir:         task.Dir,
		Env:         e.environment(),
		RequireTool: true,
		Timeout:     timeout,
	}
	if stdin {
		opts.Stdin = strings.NewReader(task.Prompt)
	}

	log := e.logger.WithStep(task.StepNumber).With("agent", task.Agent)
	log.Info("executing task", "dir", task.Dir, "timeout", timeout.String())

	res := e.runner.ExecuteCommand(ctx, e.cfg.Command, args, opts)
	out := Result{ExitCode: res.ExitCode, Output: res.Output, Duration: res.Duration}

	if res.Error != nil {
		out.Reason = res.Error.Error()
		if errors.Is(res.Error, errors.ErrCommandDisabled) || errors.Is(res.Error, errors.ErrToolNotFound) {
			out.Degraded = true
		}
		log.Warn("task did not complete", "reason", out.Reason, "degraded", out.Degraded)
		return out
	}

	parsed := ParseOutput(res.Output)
	out.Output = parsed.Text
	out.CostUSD = parsed.CostUSD
	out.SessionID = parsed.SessionID
	out.Success = res.ExitCode == 0 && !parsed.IsError
	if !out.Success {
		if parsed.IsError {
			out.Reason = "executor reported an error"
		} else {
			out.Reason = fmt.Sprintf("executor exited with code %d", res.ExitCode)
		}
	}

	log.Info("task finished",
		"success", out.Success,
		"exit_code", out.ExitCode,
		"cost_usd", out.CostUSD,
		"duration_ms", out.Duration.Milliseconds(),
	)
	return out
}

// Degraded builds the result returned when the executor cannot be reached.
func Degraded(reason string) Result {
	return Result{ExitCode: -1, Degraded: true, Reason: reason}
}

// buildArgs substitutes the prompt into the configured args. When no arg
// carries the placeholder the prompt is sent on stdin.
func (e *CLIExecutor) buildArgs(prompt string) (args []string, stdin bool) {
	args = make([]string, len(e.cfg.Args))
	found := false
	for i, a := range e.cfg.Args {
		if strings.Contains(a, PromptPlaceholder) {
			found = true
			a = strings.ReplaceAll(a, PromptPlaceholder, prompt)
		}
		args[i] = a
	}
	return args, !found
}

// environment loads the env file once. A missing file is not an error.
func (e *CLIExecutor) environment() []string {
	e.envOnce.Do(func() {
		if e.cfg.EnvFile == "" {
			return
		}
		vars, err := godotenv.Read(e.cfg.EnvFile)
		if err != nil {
			if !os.IsNotExist(err) {
				e.logger.Warn("failed to read env file", "path", e.cfg.EnvFile, "error", err)
			}
			return
		}
		for _, k := range slices.Sorted(maps.Keys(vars)) {
			e.env = append(e.env, k+"="+vars[k])
		}
		e.logger.Debug("loaded executor environment", "path", e.cfg.EnvFile, "count", len(e.env))
	})
	return e.env
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package deploy runs the optional preview deployment after a successful run.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// Request identifies what to deploy.
type Request struct {
	RunID      string
	Goal       string
	BaseBranch string
	// Dir is the worktree holding the integrated result.
	Dir string
}

// Result is the outcome of a deployment.
type Result struct {
	URL    string
	Output string
	Err    error
}

// Deployer deploys an integrated run.
type Deployer interface {
	Deploy(ctx context.Context, req Request) Result
}

// Config configures a CommandDeployer.
type Config struct {
	Command string
	// Args may reference {{.RunID}}, {{.Goal}}, {{.BaseBranch}} and {{.Dir}}.
	Args    []string
	Timeout time.Duration
}

// CommandDeployer runs a deploy CLI and reports the first URL it prints.
type CommandDeployer struct {
	cfg    Config
	runner command.Executor
	logger *logging.Logger
}

// NewCommandDeployer creates a deployer that runs cfg.Command through runner.
func NewCommandDeployer(cfg Config, runner command.Executor, logger *logging.Logger) (*CommandDeployer, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.NewValidationError("deploy command is empty").WithField("deploy.command")
	}
	for _, a := range cfg.Args {
		if _, err := template.New("arg").Parse(a); err != nil {
			return nil, errors.NewValidationError("invalid deploy argument template").
				WithField("deploy.args").WithValue(a).WithCause(err)
		}
	}
	return &CommandDeployer{cfg: cfg, runner: runner, logger: logging.OrNop(logger).WithComponent("deploy")}, nil
}

// Deploy runs the command in req.Dir.
func (d *CommandDeployer) Deploy(ctx context.Context, req Request) Result {
	args, err := expandArgs(d.cfg.Args, req)
	if err != nil {
		return Result{Err: err}
	}

	res := d.runner.ExecuteCommand(ctx, d.cfg.Command, args, command.Options{
		Dir:         req.Dir,
		RequireTool: true,
		Timeout:     d.cfg.Timeout,
	})
	out := Result{Output: res.Output, URL: FirstURL(res.Output)}
	switch {
	case res.Error != nil:
		out.Err = fmt.Errorf("deploy failed: %w", res.Error)
	case res.ExitCode != 0:
		out.Err = errors.NewExecutionError("deploy command failed", nil).WithExitCode(res.ExitCode)
	}

	if out.Err != nil {
		d.logger.Warn("deploy failed", "run_id", req.RunID, "exit_code", res.ExitCode, "error", out.Err)
	} else {
		d.logger.Info("deploy finished", "run_id", req.RunID, "url", out.URL, "duration", res.Duration)
	}
	return out
}

func expandArgs(args []string, req Request) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !strings.Contains(a, "{{") {
			out = append(out, a)
			continue
		}
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deploy argument %q: %w", a, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, req); err != nil {
			return nil, fmt.Errorf("failed to expand deploy argument %q: %w", a, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// FirstURL returns the first http(s) URL in s, without trailing punctuation.
func FirstURL(s string) string {
	u := urlPattern.FindString(s)
	return strings.TrimRight(u, ".,;:)]}")
}

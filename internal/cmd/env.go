package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/deploy"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/executor"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/orchestrator"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/verify"
	"github.com/Iron-Ham/swarm/internal/worktree"
	"github.com/spf13/viper"
)

// environment is the loaded configuration and the directories derived from it.
type environment struct {
	cfg      *config.Config
	repoDir  string
	stateDir string
}

func loadEnvironment() (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	repoDir, err := resolveRepoDir()
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:      cfg,
		repoDir:  repoDir,
		stateDir: cfg.Paths.ResolveStateDir(repoDir),
	}, nil
}

// resolveRepoDir returns the repository root containing --repo or the
// working directory. Outside a repository the directory itself is used so
// read-only commands work on a copied state directory.
func resolveRepoDir() (string, error) {
	dir := viper.GetString("repo")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}
	if root, err := worktree.FindGitRoot(dir); err == nil {
		return root, nil
	}
	return filepath.Abs(dir)
}

// resolvePath makes a configured relative path relative to the repository.
func (e *environment) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.repoDir, path)
}

func (e *environment) openStore() (*runstate.Store, error) {
	return runstate.NewStore(e.stateDir)
}

// openResolver opens the conflict log of an existing run.
func (e *environment) openResolver(store *runstate.Store, runID string) (*conflict.Resolver, error) {
	if _, err := store.LoadInfo(runID); err != nil {
		return nil, err
	}
	return conflict.Open(store.RunDir(runID), nil)
}

// newLogger writes to runDir/debug.log when file logging is enabled and
// to stderr otherwise.
func (e *environment) newLogger(runDir string) (*logging.Logger, error) {
	dir := ""
	if e.cfg.Logging.ToFile {
		dir = runDir
	}
	return logging.NewLogger(dir, e.cfg.Logging.Level)
}

// wiring is an orchestrator and the collaborators that must be closed with it.
type wiring struct {
	orch   *orchestrator.Orchestrator
	store  *runstate.Store
	bus    *event.Bus
	sink   analytics.Sink
	logger *logging.Logger
}

func (w *wiring) Close() {
	if err := w.sink.Close(); err != nil {
		w.logger.Warn("failed to close analytics sink", "error", err)
	}
	_ = w.logger.Close()
}

// wire builds an orchestrator for runID from the configuration.
func (e *environment) wire(ctx context.Context, runID string) (w *wiring, err error) {
	store, err := e.openStore()
	if err != nil {
		return nil, err
	}
	logger, err := e.newLogger(store.RunDir(runID))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = logger.Close()
		}
	}()

	cfg := e.cfg
	runner, err := command.NewRunner(command.Config{
		Enabled:        cfg.Commands.Enabled,
		DryRun:         cfg.Commands.DryRun,
		RedactPatterns: cfg.Commands.RedactPatterns,
	}, logger)
	if err != nil {
		return nil, err
	}

	workspaces, err := worktree.New(e.repoDir, worktree.Config{
		WorktreeDir:  cfg.Paths.ResolveWorktreeDir(e.repoDir),
		BranchPrefix: cfg.Swarm.BranchPrefix,
	}, runner, logger)
	if err != nil {
		return nil, err
	}

	agents, err := agent.LoadRegistry(e.resolvePath(cfg.Paths.ProfilesFile))
	if err != nil {
		return nil, err
	}
	prefs, err := agent.LoadPreferences(e.resolvePath(cfg.Paths.PreferencesFile))
	if err != nil {
		return nil, err
	}

	verification := cfg.Verification
	verification.GatesFile = e.resolvePath(verification.GatesFile)
	gates, err := verify.BuildGates(verification, runner)
	if err != nil {
		return nil, err
	}

	var deployer deploy.Deployer
	if cfg.Deploy.Enabled {
		d, err := deploy.NewCommandDeployer(deploy.Config{
			Command: cfg.Deploy.Command,
			Args:    cfg.Deploy.Args,
			Timeout: cfg.Deploy.Timeout,
		}, runner, logger)
		if err != nil {
			return nil, err
		}
		deployer = d
	}

	sink, err := analytics.Open(ctx, cfg.Analytics, e.stateDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = sink.Close()
		}
	}()

	bus := event.NewBus(logger)
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:       store,
		Workspaces:  workspaces,
		Agents:      agents,
		Preferences: prefs,
		Executor: executor.NewCLIExecutor(executor.Config{
			Command:   cfg.Executor.Command,
			Args:      cfg.Executor.Args,
			ProbeArgs: cfg.Executor.ProbeArgs,
			Timeout:   cfg.Executor.Timeout,
			EnvFile:   e.resolvePath(cfg.Executor.EnvFile),
		}, runner, logger),
		Verifier:  verify.NewEngine(gates, logger),
		Deployer:  deployer,
		Analytics: sink,
		Bus:       bus,
		Logger:    logger,
	}, orchestrator.FromConfig(cfg), orchestrator.WithIDGenerator(func() string { return runID }))
	if err != nil {
		return nil, err
	}

	return &wiring{orch: orch, store: store, bus: bus, sink: sink, logger: logger}, nil
}

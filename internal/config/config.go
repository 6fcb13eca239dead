package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete swarm configuration
type Config struct {
	Swarm        SwarmConfig        `mapstructure:"swarm"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Verification VerificationConfig `mapstructure:"verification"`
	Commands     CommandsConfig     `mapstructure:"commands"`
	Conflicts    ConflictsConfig    `mapstructure:"conflicts"`
	Replan       ReplanConfig       `mapstructure:"replan"`
	Deploy       DeployConfig       `mapstructure:"deploy"`
	Analytics    AnalyticsConfig    `mapstructure:"analytics"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
}

// SwarmConfig controls wave scheduling and retry behavior
type SwarmConfig struct {
	// MaxParallel is the maximum number of steps executing at once within a wave (default: 3)
	MaxParallel int `mapstructure:"max_parallel"`
	// HaltOnFatal stops admitting waves after an unrecoverable executor error (default: true).
	// Sibling steps already running in the wave are allowed to finish.
	HaltOnFatal bool `mapstructure:"halt_on_fatal"`
	// MaxStepRetries is how many times a failed execution is retried before the
	// step is blocked and escalated (default: 2)
	MaxStepRetries int `mapstructure:"max_step_retries"`
	// RetryBackoff is the wait before the first retry; it doubles per attempt (default: 2s)
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// RetryBackoffMax caps the backoff (default: 30s)
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max"`
	// BaseBranch is the branch runs start from. Empty means the current HEAD.
	BaseBranch string `mapstructure:"base_branch"`
	// BranchPrefix prefixes every branch a run creates (default: "swarm")
	// Branches are named <prefix>/<run-id>/step-<n>
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// ExecutorConfig controls the external task executor
type ExecutorConfig struct {
	// Command is the executor CLI binary (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed to Command; the literal "{{prompt}}" is replaced with the composed task
	Args []string `mapstructure:"args"`
	// ProbeArgs are used once per run to check the executor is available (default: ["--version"])
	ProbeArgs []string `mapstructure:"probe_args"`
	// Timeout bounds a single executor invocation (default: 30m)
	Timeout time.Duration `mapstructure:"timeout"`
	// TranscriptLimit is the maximum number of transcript bytes stored per attempt (default: 64KiB)
	TranscriptLimit int `mapstructure:"transcript_limit"`
	// EnvFile is a dotenv file whose variables are passed to the executor (default: ".env")
	// A missing file is ignored.
	EnvFile string `mapstructure:"env_file"`
}

// GateConfig describes one verification gate
type GateConfig struct {
	// ID uniquely identifies the gate within a run ("tests", "lint", ...)
	ID string `mapstructure:"id" yaml:"id"`
	// Title is the human-readable gate name
	Title string `mapstructure:"title" yaml:"title"`
	// Command is run with `sh -c` inside the step's worktree
	Command string `mapstructure:"command" yaml:"command"`
	// Parser interprets the command output: generic, gotest, eslint, npm-audit (default: generic)
	Parser string `mapstructure:"parser" yaml:"parser"`
	// Enabled=false makes the gate report skip; unset means enabled
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`
	// Paths are glob patterns; when set the gate only runs if a changed file matches
	Paths []string `mapstructure:"paths" yaml:"paths"`
	// Timeout overrides verification.gate_timeout for this gate
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Retries overrides verification.max_gate_retries for this gate when positive
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// IsEnabled reports whether the gate should run.
func (g GateConfig) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// VerificationConfig controls the verification engine
type VerificationConfig struct {
	// MaxGateRetries is how many times a failing gate is re-run before it is recorded as failed (default: 1)
	MaxGateRetries int `mapstructure:"max_gate_retries"`
	// GateTimeout bounds a single gate command (default: 10m)
	GateTimeout time.Duration `mapstructure:"gate_timeout"`
	// RequireCommits fails verification when a step produced no commits (default: true)
	RequireCommits bool `mapstructure:"require_commits"`
	// CheckExpectedOutputs fails verification when a declared expected output is missing (default: true)
	CheckExpectedOutputs bool `mapstructure:"check_expected_outputs"`
	// Gates are the configured command gates
	Gates []GateConfig `mapstructure:"gates"`
	// GatesFile is an optional YAML file with additional gates
	GatesFile string `mapstructure:"gates_file"`
}

// CommandsConfig controls the external command runner
type CommandsConfig struct {
	// Enabled=false refuses every external command with exit code -1 (default: true)
	Enabled bool `mapstructure:"enabled"`
	// DryRun logs commands without running them (default: false)
	DryRun bool `mapstructure:"dry_run"`
	// RedactPatterns are extra regular expressions whose matches are redacted from logged arguments
	RedactPatterns []string `mapstructure:"redact_patterns"`
}

// ConflictsConfig controls how open conflicts are resolved during a run
type ConflictsConfig struct {
	// Policy is "manual" (wait for a human), "approve" or "reject" (resolve automatically)
	Policy string `mapstructure:"policy"`
	// PollInterval is how often the conflict log is re-read while waiting (default: 5s)
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// WaitTimeout bounds the wait for a human resolution; 0 waits until canceled
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// WatchOverlaps watches step worktrees for files edited by more than one step (default: true)
	WatchOverlaps bool `mapstructure:"watch_overlaps"`
	// MergeStrategy is "escalate-on-overlap" (default) or "git"
	MergeStrategy string `mapstructure:"merge_strategy"`
}

// ReplanConfig controls the replanner
type ReplanConfig struct {
	// AutoRework lets a rejection without instruction rework the step from its
	// verification evidence instead of blocking the run (default: false)
	AutoRework bool `mapstructure:"auto_rework"`
}

// DeployConfig controls the optional deployment step
type DeployConfig struct {
	// Enabled allows deployment after a successful run when the plan requests it (default: false)
	Enabled bool `mapstructure:"enabled"`
	// Command is the deploy CLI; Args are passed to it
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// Timeout bounds the deploy command (default: 10m)
	Timeout time.Duration `mapstructure:"timeout"`
}

// AnalyticsConfig controls the run metrics sink
type AnalyticsConfig struct {
	// Backend is "sqlite" (default), "postgres" or "none"
	Backend string `mapstructure:"backend"`
	// DSN is the sqlite file path or postgres connection string.
	// Empty means <state_dir>/analytics.db for sqlite.
	DSN string `mapstructure:"dsn"`
	// HistoryWindow is how many previous runs are averaged for comparison (default: 10)
	HistoryWindow int `mapstructure:"history_window"`
}

// PathsConfig controls where swarm stores data
type PathsConfig struct {
	// StateDir holds run state, relative to the repository root (default: ".swarm")
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir is where step worktrees are created.
	// If empty, defaults to "<state_dir>/worktrees". Supports ~ expansion.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// ProfilesFile is an optional YAML file of additional agent profiles
	ProfilesFile string `mapstructure:"profiles_file"`
	// PreferencesFile is an optional YAML file of instruction prefixes and agent weights
	PreferencesFile string `mapstructure:"preferences_file"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// ToFile writes logs to <run dir>/debug.log instead of stderr (default: true)
	ToFile bool `mapstructure:"to_file"`
}

// ServerConfig controls the read-only run browser
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8787")
	Addr string `mapstructure:"addr"`
}

// expandPath expands ~ and resolves relative paths against baseDir.
func expandPath(path, baseDir string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// ResolveStateDir returns the absolute state directory for a repository rooted at baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	if p.StateDir == "" {
		return filepath.Join(baseDir, ".swarm")
	}
	return expandPath(p.StateDir, baseDir)
}

// ResolveWorktreeDir returns the absolute worktree directory.
// If WorktreeDir is empty, worktrees live under the state directory.
func (p *PathsConfig) ResolveWorktreeDir(baseDir string) string {
	if p.WorktreeDir == "" {
		return filepath.Join(p.ResolveStateDir(baseDir), "worktrees")
	}
	return expandPath(p.WorktreeDir, baseDir)
}

// ResolveDSN returns the analytics DSN, defaulting to a sqlite file in the state directory.
func (a *AnalyticsConfig) ResolveDSN(stateDir string) string {
	if a.DSN != "" {
		return a.DSN
	}
	return filepath.Join(stateDir, "analytics.db")
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Swarm: SwarmConfig{
			MaxParallel:     3,
			HaltOnFatal:     true,
			MaxStepRetries:  2,
			RetryBackoff:    2 * time.Second,
			RetryBackoffMax: 30 * time.Second,
			BaseBranch:      "",
			BranchPrefix:    "swarm",
		},
		Executor: ExecutorConfig{
			Command:         "claude",
			Args:            []string{"-p", "{{prompt}}", "--output-format", "json"},
			ProbeArgs:       []string{"--version"},
			Timeout:         30 * time.Minute,
			TranscriptLimit: 64 * 1024,
			EnvFile:         ".env",
		},
		Verification: VerificationConfig{
			MaxGateRetries:       1,
			GateTimeout:          10 * time.Minute,
			RequireCommits:       true,
			CheckExpectedOutputs: true,
			Gates:                []GateConfig{},
		},
		Commands: CommandsConfig{
			Enabled:        true,
			DryRun:         false,
			RedactPatterns: []string{},
		},
		Conflicts: ConflictsConfig{
			Policy:        "manual",
			PollInterval:  5 * time.Second,
			WaitTimeout:   0,
			WatchOverlaps: true,
			MergeStrategy: "escalate-on-overlap",
		},
		Replan: ReplanConfig{
			AutoRework: false,
		},
		Deploy: DeployConfig{
			Enabled: false,
			Timeout: 10 * time.Minute,
			Args:    []string{},
		},
		Analytics: AnalyticsConfig{
			Backend:       "sqlite",
			HistoryWindow: 10,
		},
		Paths: PathsConfig{
			StateDir: ".swarm",
		},
		Logging: LoggingConfig{
			Level:  "info",
			ToFile: true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Swarm defaults
	viper.SetDefault("swarm.max_parallel", defaults.Swarm.MaxParallel)
	viper.SetDefault("swarm.halt_on_fatal", defaults.Swarm.HaltOnFatal)
	viper.SetDefault("swarm.max_step_retries", defaults.Swarm.MaxStepRetries)
	viper.SetDefault("swarm.retry_backoff", defaults.Swarm.RetryBackoff)
	viper.SetDefault("swarm.retry_backoff_max", defaults.Swarm.RetryBackoffMax)
	viper.SetDefault("swarm.base_branch", defaults.Swarm.BaseBranch)
	viper.SetDefault("swarm.branch_prefix", defaults.Swarm.BranchPrefix)

	// Executor defaults
	viper.SetDefault("executor.command", defaults.Executor.Command)
	viper.SetDefault("executor.args", defaults.Executor.Args)
	viper.SetDefault("executor.probe_args", defaults.Executor.ProbeArgs)
	viper.SetDefault("executor.timeout", defaults.Executor.Timeout)
	viper.SetDefault("executor.transcript_limit", defaults.Executor.TranscriptLimit)
	viper.SetDefault("executor.env_file", defaults.Executor.EnvFile)

	// Verification defaults
	viper.SetDefault("verification.max_gate_retries", defaults.Verification.MaxGateRetries)
	viper.SetDefault("verification.gate_timeout", defaults.Verification.GateTimeout)
	viper.SetDefault("verification.require_commits", defaults.Verification.RequireCommits)
	viper.SetDefault("verification.check_expected_outputs", defaults.Verification.CheckExpectedOutputs)
	viper.SetDefault("verification.gates", defaults.Verification.Gates)
	viper.SetDefault("verification.gates_file", defaults.Verification.GatesFile)

	// Command runner defaults
	viper.SetDefault("commands.enabled", defaults.Commands.Enabled)
	viper.SetDefault("commands.dry_run", defaults.Commands.DryRun)
	viper.SetDefault("commands.redact_patterns", defaults.Commands.RedactPatterns)

	// Conflict defaults
	viper.SetDefault("conflicts.policy", defaults.Conflicts.Policy)
	viper.SetDefault("conflicts.poll_interval", defaults.Conflicts.PollInterval)
	viper.SetDefault("conflicts.wait_timeout", defaults.Conflicts.WaitTimeout)
	viper.SetDefault("conflicts.watch_overlaps", defaults.Conflicts.WatchOverlaps)
	viper.SetDefault("conflicts.merge_strategy", defaults.Conflicts.MergeStrategy)

	viper.SetDefault("replan.auto_rework", defaults.Replan.AutoRework)

	// Deploy defaults
	viper.SetDefault("deploy.enabled", defaults.Deploy.Enabled)
	viper.SetDefault("deploy.command", defaults.Deploy.Command)
	viper.SetDefault("deploy.args", defaults.Deploy.Args)
	viper.SetDefault("deploy.timeout", defaults.Deploy.Timeout)

	// Analytics defaults
	viper.SetDefault("analytics.backend", defaults.Analytics.Backend)
	viper.SetDefault("analytics.dsn", defaults.Analytics.DSN)
	viper.SetDefault("analytics.history_window", defaults.Analytics.HistoryWindow)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.profiles_file", defaults.Paths.ProfilesFile)
	viper.SetDefault("paths.preferences_file", defaults.Paths.PreferencesFile)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.to_file", defaults.Logging.ToFile)

	viper.SetDefault("server.addr", defaults.Server.Addr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarm"
	}
	return filepath.Join(home, ".config", "swarm")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

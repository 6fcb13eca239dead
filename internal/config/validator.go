package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "swarm.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// gateIDRegex keeps gate ids usable as file name components
var gateIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidConflictPolicies returns the list of valid conflict resolution policies
func ValidConflictPolicies() []string {
	return []string{"manual", "approve", "reject"}
}

// ValidMergeStrategies returns the list of valid merge strategies
func ValidMergeStrategies() []string {
	return []string{"escalate-on-overlap", "git"}
}

// ValidParsers returns the list of gate output parsers
func ValidParsers() []string {
	return []string{"generic", "gotest", "eslint", "npm-audit"}
}

// ValidAnalyticsBackends returns the list of metrics sink backends
func ValidAnalyticsBackends() []string {
	return []string{"sqlite", "postgres", "none"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSwarm()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateVerification()...)
	errors = append(errors, c.validateConflicts()...)
	errors = append(errors, c.validateDeploy()...)
	errors = append(errors, c.validateAnalytics()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateSwarm() []ValidationError {
	var errors []ValidationError
	s := c.Swarm

	const maxParallelLimit = 64
	if s.MaxParallel < 1 || s.MaxParallel > maxParallelLimit {
		errors = append(errors, ValidationError{
			Field:   "swarm.max_parallel",
			Value:   s.MaxParallel,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallelLimit),
		})
	}
	if s.MaxStepRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "swarm.max_step_retries",
			Value:   s.MaxStepRetries,
			Message: "must be non-negative",
		})
	}
	if s.RetryBackoff < 0 {
		errors = append(errors, ValidationError{
			Field:   "swarm.retry_backoff",
			Value:   s.RetryBackoff,
			Message: "must be non-negative",
		})
	}
	if s.RetryBackoffMax > 0 && s.RetryBackoffMax < s.RetryBackoff {
		errors = append(errors, ValidationError{
			Field:   "swarm.retry_backoff_max",
			Value:   s.RetryBackoffMax,
			Message: "must not be smaller than swarm.retry_backoff",
		})
	}
	if !branchPrefixRegex.MatchString(s.BranchPrefix) {
		errors = append(errors, ValidationError{
			Field:   "swarm.branch_prefix",
			Value:   s.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, '-' or '_'",
		})
	}

	return errors
}

func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError
	e := c.Executor

	if strings.TrimSpace(e.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "executor.command",
			Value:   e.Command,
			Message: "must not be empty",
		})
	}
	if !slices.Contains(e.Args, "{{prompt}}") {
		errors = append(errors, ValidationError{
			Field:   "executor.args",
			Value:   e.Args,
			Message: "must contain the {{prompt}} placeholder",
		})
	}
	if e.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.timeout",
			Value:   e.Timeout,
			Message: "must be positive",
		})
	}
	const minTranscript = 1024
	if e.TranscriptLimit < minTranscript {
		errors = append(errors, ValidationError{
			Field:   "executor.transcript_limit",
			Value:   e.TranscriptLimit,
			Message: fmt.Sprintf("must be at least %d bytes", minTranscript),
		})
	}

	return errors
}

func (c *Config) validateVerification() []ValidationError {
	var errors []ValidationError
	v := c.Verification

	if v.MaxGateRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "verification.max_gate_retries",
			Value:   v.MaxGateRetries,
			Message: "must be non-negative",
		})
	}
	if v.GateTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "verification.gate_timeout",
			Value:   v.GateTimeout,
			Message: "must be positive",
		})
	}
	errors = append(errors, ValidateGates(v.Gates, "verification.gates")...)

	return errors
}

// ValidateGates checks a gate list, whether it came from the config file or a gates file.
func ValidateGates(gates []GateConfig, fieldPrefix string) []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool)

	for i, g := range gates {
		field := fmt.Sprintf("%s[%d]", fieldPrefix, i)
		if !gateIDRegex.MatchString(g.ID) {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Value:   g.ID,
				Message: "must be lowercase letters, digits, '-' or '_'",
			})
		} else if seen[g.ID] {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Value:   g.ID,
				Message: "duplicate gate id",
			})
		}
		seen[g.ID] = true

		if strings.TrimSpace(g.Command) == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".command",
				Value:   g.Command,
				Message: "must not be empty",
			})
		}
		if g.Parser != "" && !slices.Contains(ValidParsers(), g.Parser) {
			errors = append(errors, ValidationError{
				Field:   field + ".parser",
				Value:   g.Parser,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidParsers(), ", ")),
			})
		}
		if g.Timeout < 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".timeout",
				Value:   g.Timeout,
				Message: "must be non-negative",
			})
		}
	}

	return errors
}

func (c *Config) validateConflicts() []ValidationError {
	var errors []ValidationError
	cf := c.Conflicts

	if !slices.Contains(ValidConflictPolicies(), cf.Policy) {
		errors = append(errors, ValidationError{
			Field:   "conflicts.policy",
			Value:   cf.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidConflictPolicies(), ", ")),
		})
	}
	if cf.Policy == "manual" && cf.PollInterval < 100*time.Millisecond {
		errors = append(errors, ValidationError{
			Field:   "conflicts.poll_interval",
			Value:   cf.PollInterval,
			Message: "must be at least 100ms",
		})
	}
	if cf.WaitTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "conflicts.wait_timeout",
			Value:   cf.WaitTimeout,
			Message: "must be non-negative",
		})
	}
	if !slices.Contains(ValidMergeStrategies(), cf.MergeStrategy) {
		errors = append(errors, ValidationError{
			Field:   "conflicts.merge_strategy",
			Value:   cf.MergeStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidMergeStrategies(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateDeploy() []ValidationError {
	var errors []ValidationError

	if c.Deploy.Enabled && strings.TrimSpace(c.Deploy.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "deploy.command",
			Value:   c.Deploy.Command,
			Message: "must be set when deploy.enabled is true",
		})
	}
	if c.Deploy.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "deploy.timeout",
			Value:   c.Deploy.Timeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateAnalytics() []ValidationError {
	var errors []ValidationError
	a := c.Analytics

	if !slices.Contains(ValidAnalyticsBackends(), a.Backend) {
		errors = append(errors, ValidationError{
			Field:   "analytics.backend",
			Value:   a.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidAnalyticsBackends(), ", ")),
		})
	}
	if a.Backend == "postgres" && a.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "analytics.dsn",
			Value:   a.DSN,
			Message: "must be set for the postgres backend",
		})
	}
	if a.HistoryWindow < 1 {
		errors = append(errors, ValidationError{
			Field:   "analytics.history_window",
			Value:   a.HistoryWindow,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	check := func(field, path string) {
		if path == "" {
			return
		}
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}
	check("paths.state_dir", c.Paths.StateDir)
	check("paths.worktree_dir", c.Paths.WorktreeDir)
	check("paths.profiles_file", c.Paths.ProfilesFile)
	check("paths.preferences_file", c.Paths.PreferencesFile)

	return errors
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Swarm.MaxParallel != 3 {
		t.Errorf("Swarm.MaxParallel = %d, want 3", cfg.Swarm.MaxParallel)
	}
	if !cfg.Swarm.HaltOnFatal {
		t.Error("Swarm.HaltOnFatal should default to true")
	}
	if cfg.Swarm.BranchPrefix != "swarm" {
		t.Errorf("Swarm.BranchPrefix = %q, want %q", cfg.Swarm.BranchPrefix, "swarm")
	}
	if cfg.Executor.TranscriptLimit != 64*1024 {
		t.Errorf("Executor.TranscriptLimit = %d", cfg.Executor.TranscriptLimit)
	}
	if cfg.Conflicts.Policy != "manual" {
		t.Errorf("Conflicts.Policy = %q, want manual", cfg.Conflicts.Policy)
	}
	if cfg.Conflicts.MergeStrategy != "escalate-on-overlap" {
		t.Errorf("Conflicts.MergeStrategy = %q", cfg.Conflicts.MergeStrategy)
	}
	if cfg.Replan.AutoRework {
		t.Error("Replan.AutoRework should default to false")
	}
	if cfg.Analytics.Backend != "sqlite" {
		t.Errorf("Analytics.Backend = %q, want sqlite", cfg.Analytics.Backend)
	}
}

func TestGateConfig_IsEnabled(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name    string
		enabled *bool
		want    bool
	}{
		{"unset", nil, true},
		{"true", &yes, true},
		{"false", &no, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GateConfig{ID: "tests", Enabled: tt.enabled}
			if got := g.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathsConfig_Resolve(t *testing.T) {
	base := "/repo"

	p := PathsConfig{}
	if got := p.ResolveStateDir(base); got != "/repo/.swarm" {
		t.Errorf("ResolveStateDir() = %q", got)
	}
	if got := p.ResolveWorktreeDir(base); got != "/repo/.swarm/worktrees" {
		t.Errorf("ResolveWorktreeDir() = %q", got)
	}

	p = PathsConfig{StateDir: "state", WorktreeDir: "/abs/wt"}
	if got := p.ResolveStateDir(base); got != "/repo/state" {
		t.Errorf("ResolveStateDir() = %q", got)
	}
	if got := p.ResolveWorktreeDir(base); got != "/abs/wt" {
		t.Errorf("ResolveWorktreeDir() = %q", got)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p = PathsConfig{WorktreeDir: "~/wt"}
		if got := p.ResolveWorktreeDir(base); got != filepath.Join(home, "wt") {
			t.Errorf("ResolveWorktreeDir(~) = %q", got)
		}
	}
}

func TestAnalyticsConfig_ResolveDSN(t *testing.T) {
	a := AnalyticsConfig{}
	if got := a.ResolveDSN("/repo/.swarm"); got != "/repo/.swarm/analytics.db" {
		t.Errorf("ResolveDSN() = %q", got)
	}
	a.DSN = "postgres://localhost/swarm"
	if got := a.ResolveDSN("/repo/.swarm"); got != a.DSN {
		t.Errorf("ResolveDSN() = %q", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/swarm" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/swarm")
		}
		if got := ConfigFile(); got != "/custom/config/swarm/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "swarm")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
swarm:
  max_parallel: 5
  retry_backoff: 500ms
verification:
  gates:
    - id: tests
      command: go test ./...
      parser: gotest
      timeout: 2m
    - id: lint
      command: golangci-lint run
      enabled: false
conflicts:
  policy: reject
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Swarm.MaxParallel != 5 {
		t.Errorf("MaxParallel = %d, want 5", cfg.Swarm.MaxParallel)
	}
	if cfg.Swarm.RetryBackoff != 500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 500ms", cfg.Swarm.RetryBackoff)
	}
	if cfg.Swarm.MaxStepRetries != 2 {
		t.Errorf("MaxStepRetries = %d, want default 2", cfg.Swarm.MaxStepRetries)
	}
	if len(cfg.Verification.Gates) != 2 {
		t.Fatalf("got %d gates, want 2", len(cfg.Verification.Gates))
	}
	if cfg.Verification.Gates[0].Timeout != 2*time.Minute {
		t.Errorf("gate timeout = %v", cfg.Verification.Gates[0].Timeout)
	}
	if !cfg.Verification.Gates[0].IsEnabled() || cfg.Verification.Gates[1].IsEnabled() {
		t.Error("gate enabled flags not decoded correctly")
	}
	if cfg.Conflicts.Policy != "reject" {
		t.Errorf("Policy = %q", cfg.Conflicts.Policy)
	}
}

func TestLoad_InvalidReturnsValidationErrors(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
	viper.Set("swarm.max_parallel", 0)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for max_parallel=0")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if verrs[0].Field != "swarm.max_parallel" {
		t.Errorf("Field = %q", verrs[0].Field)
	}
}

func TestGet_FallsBackToDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Executor.Command != "claude" {
		t.Errorf("Executor.Command = %q", cfg.Executor.Command)
	}
}

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in run directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "runs", "r1")

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(filepath.Join(dir, "debug.log")); os.IsNotExist(err) {
			t.Error("log file was not created")
		}
	})

	t.Run("writes to stderr when dir is empty", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer logger.Close()

		if logger.file != nil {
			t.Error("expected file to be nil when dir is empty")
		}
	})
}

func TestLogLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["msg"] != "warn" || entries[1]["msg"] != "error" {
		t.Errorf("unexpected messages: %v, %v", entries[0]["msg"], entries[1]["msg"])
	}
}

func TestContextPropagation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithRun("run-1").WithWave(2).WithStep(3).WithPhase("wave-executing").WithComponent("session")
	child.Info("started", "branch", "swarm/run-1/step-3")
	logger.Info("parent")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	got := entries[0]
	if got["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", got["run_id"])
	}
	// JSON numbers decode as float64
	if got["wave"] != float64(2) || got["step"] != float64(3) {
		t.Errorf("wave/step = %v/%v, want 2/3", got["wave"], got["step"])
	}
	if got["phase"] != "wave-executing" || got["component"] != "session" {
		t.Errorf("phase/component = %v/%v", got["phase"], got["component"])
	}
	if got["branch"] != "swarm/run-1/step-3" {
		t.Errorf("branch = %v", got["branch"])
	}
	if _, ok := entries[1]["run_id"]; ok {
		t.Error("parent logger should not inherit child attributes")
	}
}

func TestWith(t *testing.T) {
	logger := NopLogger()
	if logger.With() != logger {
		t.Error("With() without args should return the same logger")
	}
	child := logger.With("a", 1, "b", "two", 3, "ignored")
	if len(child.attrs) != 2 {
		t.Errorf("got %d attrs, want 2 (non-string keys skipped)", len(child.attrs))
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NopLogger()
	if OrNop(l) != l {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v", ValidLevels())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			l := logger.WithStep(step)
			for range 25 {
				l.Info("tick")
			}
		}(i + 1)
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := len(readEntries(t, dir)); got != 200 {
		t.Errorf("got %d entries, want 200", got)
	}
}

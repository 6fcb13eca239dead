package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/swarm/internal/logging"
)

// LockFileName is the name of the lock file within a run directory
const LockFileName = "run.lock"

// ErrRunLocked is returned when another live process is driving the run
var ErrRunLocked = errors.New("run is locked by another process")

// Lock marks a run as being driven by this process.
type Lock struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes the run lock in runDir. A lock left by a dead process is
// replaced. The logger may be nil.
func AcquireLock(runDir, runID string, logger *logging.Logger) (*Lock, error) {
	logger = logging.OrNop(logger)
	lockPath := filepath.Join(runDir, LockFileName)

	if existing, err := ReadLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrRunLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale run lock cleaned", "run_id", runID, "old_pid", existing.PID)
	}

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		RunID:     runID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly against a concurrent acquirer
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrRunLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	logger.Debug("run lock acquired", "run_id", runID, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it.
// Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	logging.OrNop(l.logger).Debug("run lock released", "run_id", l.RunID)
	return nil
}

// ReadLock reads a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether a live process holds the lock in runDir.
func IsLocked(runDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(runDir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

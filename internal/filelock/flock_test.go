package filelock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileLock_LockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	fl := New(path)

	if err := fl.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("second Unlock should be a no-op: %v", err)
	}
}

func TestFileLock_TryLockContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	first := New(path)
	if ok, err := first.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}

	// flock locks belong to the open file description, so a second
	// descriptor in the same process contends like another process would.
	second := New(path)
	ok, err := second.TryLock()
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if ok {
		t.Error("TryLock() acquired a held lock")
	}

	_ = first.Unlock()
	if ok, _ := second.TryLock(); !ok {
		t.Error("TryLock() should succeed after release")
	}
	_ = second.Unlock()
}

func TestFileLock_InvalidDir(t *testing.T) {
	fl := New("/nonexistent/dir/test.lock")
	if err := fl.Lock(); err == nil {
		t.Error("Lock should fail for nonexistent directory")
	}
	if _, err := fl.TryLock(); err == nil {
		t.Error("TryLock should fail for nonexistent directory")
	}
}

func TestWith_SerializesCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = With(path, func() error {
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("With allowed concurrent holders")
	}

	want := errors.New("boom")
	if err := With(path, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("With() error = %v, want %v", err, want)
	}
}

// Package filelock provides cross-process mutual exclusion with flock(2).
//
// The conflict log is appended to by a running orchestrator and resolved from
// a separate CLI process; both take the same lock file around every read and
// write so neither observes a partially written entry.
//
//	fl := filelock.New(filepath.Join(runDir, "conflicts.lock"))
//	if err := fl.Lock(); err != nil {
//		return err
//	}
//	defer fl.Unlock()
package filelock

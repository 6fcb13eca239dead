// Package retry tracks execution attempts per step.
//
// A step gets one initial attempt plus MaxRetries retries. The Manager is the
// single place that decides whether another attempt is allowed and how long
// to wait before it, so the retry policy is an explicit, inspectable state
// machine rather than a loop counter buried in the session.
package retry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StepState tracks attempts for a step.
type StepState struct {
	StepNumber   int    `json:"step_number"`
	Attempts     int    `json:"attempts"`
	Failures     int    `json:"failures"`
	MaxRetries   int    `json:"max_retries"`
	LastError    string `json:"last_error,omitempty"`
	CommitCounts []int  `json:"commit_counts,omitempty"` // Commits per attempt
	Succeeded    bool   `json:"succeeded,omitempty"`
}

// Exhausted reports whether the step failed and has no attempts left.
func (s StepState) Exhausted() bool {
	return !s.Succeeded && s.Failures > 0 && s.Attempts > s.MaxRetries
}

// Policy configures retry limits and backoff.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Manager manages retry state for steps.
// It is thread-safe and can be used concurrently.
type Manager struct {
	mu     sync.RWMutex
	policy Policy
	states map[int]*StepState
}

// NewManager creates a new retry manager.
func NewManager(policy Policy) *Manager {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Manager{
		policy: policy,
		states: make(map[int]*StepState),
	}
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) stateLocked(step int) *StepState {
	state, ok := m.states[step]
	if !ok {
		state = &StepState{StepNumber: step, MaxRetries: m.policy.MaxRetries}
		m.states[step] = state
	}
	return state
}

// Begin starts a new attempt for step and returns its 1-based number.
func (m *Manager) Begin(step int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(step)
	state.Attempts++
	return state.Attempts
}

// ShouldRetry returns whether step may be attempted again.
func (m *Manager) ShouldRetry(step int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[step]
	if !ok {
		return false
	}
	return !state.Succeeded && state.Attempts <= state.MaxRetries
}

// RecordFailure records a failed attempt.
func (m *Manager) RecordFailure(step int, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(step)
	state.Failures++
	state.LastError = errMsg
}

// RecordSuccess marks step as succeeded; no more retries will be allowed.
func (m *Manager) RecordSuccess(step int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateLocked(step).Succeeded = true
}

// RecordCommitCount records the number of commits for an attempt.
func (m *Manager) RecordCommitCount(step, commits int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(step)
	state.CommitCounts = append(state.CommitCounts, commits)
}

// Resume seeds step with attempts already made in an earlier process, so a
// resumed run does not get a fresh budget.
func (m *Manager) Resume(step, attempts, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(step)
	state.Attempts = attempts
	state.Failures = failures
}

// Rearm grants step a fresh retry budget while keeping its attempt numbering,
// so records of earlier rounds are not overwritten.
func (m *Manager) Rearm(step int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(step)
	state.MaxRetries = state.Attempts + m.policy.MaxRetries
	state.Failures = 0
	state.Succeeded = false
	state.LastError = ""
}

// Reset clears the state for step, restoring its full budget.
func (m *Manager) Reset(step int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, step)
}

// State returns a copy of the state for step.
func (m *Manager) State(step int) (StepState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[step]
	if !ok {
		return StepState{}, false
	}
	return copyState(state), true
}

// States returns a copy of every step's state ordered by step number.
func (m *Manager) States() []StepState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StepState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, copyState(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// Exhausted returns the steps that failed with no attempts left.
func (m *Manager) Exhausted() []int {
	var steps []int
	for _, s := range m.States() {
		if s.Exhausted() {
			steps = append(steps, s.StepNumber)
		}
	}
	return steps
}

// Backoff returns the delay before attempt, which is the attempt about to
// start. The delay doubles per retry and is capped by MaxDelay.
func (m *Manager) Backoff(attempt int) time.Duration {
	return Backoff(m.policy.BaseDelay, m.policy.MaxDelay, attempt)
}

// Wait sleeps for the backoff before attempt or until ctx is done.
func (m *Manager) Wait(ctx context.Context, attempt int) error {
	d := m.Backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff computes base * 2^(retry-1) where retry is attempt-1, capped at
// maxDelay when maxDelay is positive. The first attempt has no delay.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt <= 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 2; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

func copyState(s *StepState) StepState {
	out := *s
	if s.CommitCounts != nil {
		out.CommitCounts = make([]int, len(s.CommitCounts))
		copy(out.CommitCounts, s.CommitCounts)
	}
	return out
}

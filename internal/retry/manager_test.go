package retry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		setup      func(m *Manager)
		expected   bool
	}{
		{
			name:     "unknown step",
			setup:    func(_ *Manager) {},
			expected: false,
		},
		{
			name:       "first attempt failed with retries available",
			maxRetries: 2,
			setup: func(m *Manager) {
				m.Begin(1)
				m.RecordFailure(1, "boom")
			},
			expected: true,
		},
		{
			name:       "budget spent",
			maxRetries: 2,
			setup: func(m *Manager) {
				for range 3 {
					m.Begin(1)
					m.RecordFailure(1, "boom")
				}
			},
			expected: false,
		},
		{
			name:       "succeeded",
			maxRetries: 2,
			setup: func(m *Manager) {
				m.Begin(1)
				m.RecordSuccess(1)
			},
			expected: false,
		},
		{
			name:       "zero retries",
			maxRetries: 0,
			setup: func(m *Manager) {
				m.Begin(1)
				m.RecordFailure(1, "boom")
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Policy{MaxRetries: tt.maxRetries})
			tt.setup(m)
			if got := m.ShouldRetry(1); got != tt.expected {
				t.Errorf("ShouldRetry() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBeginNumbersAttempts(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 3})
	for want := 1; want <= 3; want++ {
		if got := m.Begin(5); got != want {
			t.Errorf("Begin() = %d, want %d", got, want)
		}
	}
	if got := m.Begin(6); got != 1 {
		t.Errorf("Begin() for another step = %d, want 1", got)
	}
}

func TestExhausted(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 1})
	for range 2 {
		m.Begin(2)
		m.RecordFailure(2, "still broken")
	}
	m.Begin(3)
	m.RecordFailure(3, "once")

	got := m.Exhausted()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Exhausted() = %v, want [2]", got)
	}
	state, ok := m.State(2)
	if !ok || state.LastError != "still broken" || !state.Exhausted() {
		t.Errorf("State(2) = %+v", state)
	}

	m.Reset(2)
	if _, ok := m.State(2); ok {
		t.Error("Reset() should clear state")
	}
	if m.Begin(2) != 1 {
		t.Error("budget should restart after Reset()")
	}
}

func TestResume(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 2})
	m.Resume(4, 2, 2)
	if !m.ShouldRetry(4) {
		t.Error("one retry should remain")
	}
	if got := m.Begin(4); got != 3 {
		t.Errorf("Begin() after resume = %d, want 3", got)
	}
	m.RecordFailure(4, "x")
	if m.ShouldRetry(4) {
		t.Error("budget should be spent")
	}
}

func TestRearm(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 1})
	for range 2 {
		m.Begin(2)
		m.RecordFailure(2, "boom")
	}
	if m.ShouldRetry(2) {
		t.Fatal("budget should be spent before rearming")
	}

	m.Rearm(2)
	if !m.ShouldRetry(2) {
		t.Error("rearmed step should be retryable")
	}
	if got := m.Begin(2); got != 3 {
		t.Errorf("Begin() after rearm = %d, want numbering to continue at 3", got)
	}
	m.RecordFailure(2, "boom")
	if !m.ShouldRetry(2) {
		t.Error("one retry should remain after rearming")
	}
	m.Begin(2)
	m.RecordFailure(2, "boom")
	if s, _ := m.State(2); !s.Exhausted() {
		t.Errorf("state = %+v, want exhausted", s)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 5*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := Backoff(0, time.Second, 3); got != 0 {
		t.Errorf("zero base = %v", got)
	}
}

func TestWait_Canceled(t *testing.T) {
	m := NewManager(Policy{BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Wait(ctx, 2); err != context.Canceled {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestStates_CopiesAndOrder(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 1})
	m.Begin(3)
	m.Begin(1)
	m.RecordCommitCount(1, 2)

	states := m.States()
	if len(states) != 2 || states[0].StepNumber != 1 || states[1].StepNumber != 3 {
		t.Fatalf("States() = %+v", states)
	}
	states[0].CommitCounts[0] = 99
	if s, _ := m.State(1); s.CommitCounts[0] != 2 {
		t.Error("States() must return copies")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager(Policy{MaxRetries: 100})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			m.Begin(step % 5)
			m.RecordFailure(step%5, "x")
			_ = m.ShouldRetry(step % 5)
			_ = m.States()
		}(i)
	}
	wg.Wait()

	total := 0
	for _, s := range m.States() {
		total += s.Attempts
	}
	if total != 50 {
		t.Errorf("total attempts = %d, want 50", total)
	}
}

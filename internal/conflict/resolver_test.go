package conflict

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/errors"
)

func openResolver(t *testing.T, dir string) *Resolver {
	t.Helper()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return r
}

func add(t *testing.T, r *Resolver, step int) Conflict {
	t.Helper()
	c, err := r.AddConflict(Conflict{
		Type:        TypeVerification,
		StepNumber:  step,
		AgentName:   "implementer",
		Description: "verification failed",
		Evidence:    []string{"[tests] FAIL TestParse"},
	})
	if err != nil {
		t.Fatalf("AddConflict() error = %v", err)
	}
	return c
}

func TestAddConflict_AssignsIDAndTimestamp(t *testing.T) {
	r := openResolver(t, t.TempDir())
	c := add(t, r, 1)
	if c.ID == "" || c.Timestamp.IsZero() {
		t.Errorf("conflict = %+v", c)
	}
	if c.Resolved {
		t.Error("new conflict must be pending")
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c2, err := r.AddConflict(Conflict{ID: "given", Timestamp: fixed, Resolved: true, Resolution: Approved})
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID != "given" || !c2.Timestamp.Equal(fixed) || c2.Resolved {
		t.Errorf("conflict = %+v", c2)
	}
	if _, err := r.AddConflict(Conflict{ID: "given"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("duplicate id error = %v", err)
	}
}

func TestPendingConflicts_FIFO(t *testing.T) {
	r := openResolver(t, t.TempDir())
	a := add(t, r, 3)
	b := add(t, r, 1)
	c := add(t, r, 2)

	var ids []string
	for _, p := range r.GetPendingConflicts() {
		ids = append(ids, p.ID)
	}
	if !slices.Equal(ids, []string{a.ID, b.ID, c.ID}) {
		t.Errorf("pending order = %v", ids)
	}
	if next := r.GetNextConflict(); next == nil || next.ID != a.ID {
		t.Errorf("GetNextConflict() = %+v", next)
	}

	r.ApproveConflict(a.ID, "alice", "")
	if next := r.GetNextConflict(); next == nil || next.ID != b.ID {
		t.Errorf("GetNextConflict() after approve = %+v", next)
	}
	r.RejectConflict(b.ID, "alice", "")
	r.RejectConflict(c.ID, "alice", "")
	if next := r.GetNextConflict(); next != nil {
		t.Errorf("GetNextConflict() with nothing pending = %+v", next)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	tests := []struct {
		name   string
		first  func(r *Resolver, id string) bool
		second func(r *Resolver, id string) bool
		want   Resolution
	}{
		{
			name:   "approve twice",
			first:  func(r *Resolver, id string) bool { return r.ApproveConflict(id, "alice", "ok") },
			second: func(r *Resolver, id string) bool { return r.ApproveConflict(id, "bob", "again") },
			want:   Approved,
		},
		{
			name:   "approve then reject",
			first:  func(r *Resolver, id string) bool { return r.ApproveConflict(id, "alice", "ok") },
			second: func(r *Resolver, id string) bool { return r.RejectConflict(id, "bob", "no") },
			want:   Approved,
		},
		{
			name:   "reject then approve",
			first:  func(r *Resolver, id string) bool { return r.RejectConflict(id, "alice", "redo it") },
			second: func(r *Resolver, id string) bool { return r.ApproveConflict(id, "bob", "") },
			want:   Rejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := openResolver(t, t.TempDir())
			c := add(t, r, 1)

			if !tt.first(r, c.ID) {
				t.Fatal("first resolution should succeed")
			}
			if tt.second(r, c.ID) {
				t.Error("second resolution should return false")
			}
			got, _ := r.Get(c.ID)
			if got.Resolution != tt.want || got.ResolvedBy != "alice" {
				t.Errorf("resolution = %s by %s, want %s by alice", got.Resolution, got.ResolvedBy, tt.want)
			}
		})
	}
}

func TestResolve_UnknownID(t *testing.T) {
	r := openResolver(t, t.TempDir())
	if r.ApproveConflict("nope", "alice", "") || r.RejectConflict("nope", "alice", "") {
		t.Error("resolving an unknown conflict should return false")
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := openResolver(t, dir)
	a := add(t, r, 1)
	b, _ := r.AddConflict(Conflict{
		Type:        TypeMerge,
		StepNumber:  4,
		AgentName:   "tester",
		Attempt:     2,
		Description: "overlap",
		Evidence:    []string{"a.go", "b.go"},
	})
	r.RejectConflict(a.ID, "carol", "split the parser into two files")

	fresh := openResolver(t, dir)
	before, after := r.All(), fresh.All()
	if len(after) != 2 {
		t.Fatalf("got %d conflicts after reopen, want 2", len(after))
	}
	for i := range before {
		assertSameConflict(t, before[i], after[i])
	}
	if got, _ := fresh.Get(b.ID); got.Attempt != 2 || !slices.Equal(got.Evidence, []string{"a.go", "b.go"}) {
		t.Errorf("merge conflict = %+v", got)
	}
	if got, _ := fresh.Get(a.ID); got.Note != "split the parser into two files" {
		t.Errorf("note = %q", got.Note)
	}
}

func assertSameConflict(t *testing.T, want, got Conflict) {
	t.Helper()
	if want.ID != got.ID || want.Type != got.Type || want.StepNumber != got.StepNumber ||
		want.AgentName != got.AgentName || want.Description != got.Description ||
		want.Resolved != got.Resolved || want.Resolution != got.Resolution ||
		want.ResolvedBy != got.ResolvedBy || want.Note != got.Note ||
		!slices.Equal(want.Evidence, got.Evidence) || !want.Timestamp.Equal(got.Timestamp) {
		t.Errorf("conflict changed across reopen:\nwant %+v\ngot  %+v", want, got)
	}
	if (want.ResolvedAt == nil) != (got.ResolvedAt == nil) ||
		(want.ResolvedAt != nil && !want.ResolvedAt.Equal(*got.ResolvedAt)) {
		t.Errorf("ResolvedAt changed: %v vs %v", want.ResolvedAt, got.ResolvedAt)
	}
}

func TestReload_SeesOtherWriter(t *testing.T) {
	dir := t.TempDir()
	orchestrator := openResolver(t, dir)
	c := add(t, orchestrator, 1)

	cli := openResolver(t, dir)
	if !cli.ApproveConflict(c.ID, "dave", "") {
		t.Fatal("approve from second resolver failed")
	}

	if got, _ := orchestrator.Get(c.ID); got.Resolved {
		t.Error("resolution should not be visible before Reload")
	}
	if err := orchestrator.Reload(); err != nil {
		t.Fatal(err)
	}
	if got, _ := orchestrator.Get(c.ID); !got.Resolved || got.ResolvedBy != "dave" {
		t.Errorf("after Reload = %+v", got)
	}
	if orchestrator.RejectConflict(c.ID, "eve", "") {
		t.Error("stale resolver must not resolve a conflict another process resolved")
	}
}

func TestLogIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	r := openResolver(t, dir)
	c := add(t, r, 1)
	first, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatal(err)
	}
	r.ApproveConflict(c.ID, "alice", "")
	second, _ := os.ReadFile(r.Path())
	if len(second) <= len(first) || string(second[:len(first)]) != string(first) {
		t.Error("resolution must append, not rewrite")
	}
}

func TestReplay_TruncatedTailAndCorruption(t *testing.T) {
	dir := t.TempDir()
	r := openResolver(t, dir)
	add(t, r, 1)

	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"op":"add","confl`)
	_ = f.Close()

	after := openResolver(t, dir)
	if got := after.All(); len(got) != 1 {
		t.Errorf("truncated tail: got %d conflicts, want 1", len(got))
	}

	// Appending after the partial line must keep the log readable.
	second := add(t, after, 2)
	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() after append to truncated log error = %v", err)
	}
	if got := reopened.All(); len(got) != 2 || got[1].ID != second.ID {
		t.Errorf("after append: got %+v, want 2 conflicts ending with %s", got, second.ID)
	}
	if !reopened.ApproveConflict(second.ID, "alice", "") {
		t.Error("ApproveConflict() on repaired log = false")
	}
	if c, _ := openResolver(t, dir).Get(second.ID); !c.Resolved {
		t.Errorf("resolution not persisted: %+v", c)
	}

	// A final entry missing only its newline is whole and is kept.
	noNewline := t.TempDir()
	r2 := openResolver(t, noNewline)
	first := add(t, r2, 1)
	logPath := filepath.Join(noNewline, LogFileName)
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, bytes.TrimRight(data, "\n"), 0644); err != nil {
		t.Fatal(err)
	}
	add(t, openResolver(t, noNewline), 2)
	if got := openResolver(t, noNewline).All(); len(got) != 2 || got[0].ID != first.ID {
		t.Errorf("unterminated entry: got %+v, want 2 conflicts starting with %s", got, first.ID)
	}

	bad := filepath.Join(t.TempDir(), LogFileName)
	if err := os.WriteFile(bad, []byte("garbage\n{\"op\":\"add\"}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Dir(bad), nil); !errors.Is(err, errors.ErrStorageCorrupted) {
		t.Errorf("Open(corrupt) error = %v, want ErrStorageCorrupted", err)
	}
}

func TestConcurrentResolution(t *testing.T) {
	dir := t.TempDir()
	r := openResolver(t, dir)
	c := add(t, r, 1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			other := openResolver(t, dir)
			var ok bool
			if i%2 == 0 {
				ok = other.ApproveConflict(c.ID, "racer", "")
			} else {
				ok = other.RejectConflict(c.ID, "racer", "")
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d resolutions succeeded, want exactly 1", wins)
	}
}

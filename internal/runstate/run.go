// Package runstate holds the state of one swarm run and persists it.
//
// A Run is the run-scoped context object handed to every component that needs
// to read or change run progress. It is safe for concurrent use: steps of a
// wave record their executions in parallel. A Store writes each artifact of a
// run to its own file so that the plan, the execution records, the
// verification reports and the conflict log can each be loaded on their own.
package runstate

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/plan"
)

// Status is the overall status of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusBlocked Status = "blocked"
	StatusHalted  Status = "halted"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further progress will be made without a resume.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Phase is the orchestrator state a run is in.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseScheduling    Phase = "scheduling"
	PhaseWaveExecuting Phase = "wave-executing"
	PhaseVerifying     Phase = "verifying"
	PhaseReplanning    Phase = "replanning"
	PhaseDone          Phase = "done"
	PhaseBlocked       Phase = "blocked"
	PhaseHalted        Phase = "halted"
)

// RecordStatus is the lifecycle state of one execution attempt.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordRunning   RecordStatus = "running"
	RecordVerifying RecordStatus = "verifying"
	RecordVerified  RecordStatus = "verified"
	RecordFailed    RecordStatus = "failed"
	RecordBlocked   RecordStatus = "blocked"
)

// ExecutionRecord describes one attempt at one step.
type ExecutionRecord struct {
	StepNumber   int          `json:"stepNumber"`
	AgentName    string       `json:"agentName"`
	BranchName   string       `json:"branchName"`
	WorktreePath string       `json:"worktreePath,omitempty"`
	Attempt      int          `json:"attempt"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   *time.Time   `json:"finishedAt,omitempty"`
	CommitIDs    []string     `json:"commitIds"`
	Status       RecordStatus `json:"status"`
	ExitCode     int          `json:"exitCode"`
	Degraded     bool         `json:"degraded,omitempty"`
	Error        string       `json:"error,omitempty"`
	CostUSD      float64      `json:"costUsd,omitempty"`
	// Exhausted is set on the final failed attempt once the retry budget is spent.
	Exhausted bool `json:"exhausted,omitempty"`

	// Transcript is stored next to the record, not inside it.
	Transcript string `json:"-"`
}

// Finish stamps the record's completion time and status.
func (r *ExecutionRecord) Finish(status RecordStatus) {
	now := time.Now()
	r.FinishedAt = &now
	r.Status = status
}

// Clone returns a copy that shares no slices with r.
func (r ExecutionRecord) Clone() ExecutionRecord {
	r.CommitIDs = slices.Clone(r.CommitIDs)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// Info is the persisted summary of a run.
type Info struct {
	ID     string `json:"id"`
	Goal   string `json:"goal"`
	Status Status `json:"status"`
	Phase  Phase  `json:"phase"`
	// SourceBranch is what the run's base branch was created from.
	SourceBranch string `json:"sourceBranch,omitempty"`
	// BaseBranch receives the merged work of verified steps.
	BaseBranch string `json:"baseBranch"`
	// BaseDir is the worktree checked out on BaseBranch.
	BaseDir     string  `json:"baseDir"`
	RepoDir     string  `json:"repoDir"`
	Revision    int     `json:"revision"`
	Waves       [][]int `json:"waves"`
	CurrentWave int     `json:"currentWave"`
	Verified    []int   `json:"verified"`
	Integrated  []int   `json:"integrated"`
	Replans     int     `json:"replans"`
	// Applied lists conflict ids whose resolution has been acted on.
	Applied     []string   `json:"appliedConflicts,omitempty"`
	Deploy      bool       `json:"deploy,omitempty"`
	DeployURL   string     `json:"deployUrl,omitempty"`
	DeployError string     `json:"deployError,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

type recordKey struct {
	step    int
	attempt int
}

// Run is the live state of one run.
type Run struct {
	mu      sync.RWMutex
	info    Info
	plan    *plan.Plan
	records map[recordKey]ExecutionRecord
}

// New creates a running run for p.
func New(id string, p *plan.Plan) *Run {
	now := time.Now()
	r := &Run{
		info: Info{
			ID:        id,
			Status:    StatusRunning,
			Phase:     PhasePlanning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		records: make(map[recordKey]ExecutionRecord),
	}
	if p != nil {
		r.info.Goal = p.Goal
		r.info.Revision = p.Revision
		r.info.Deploy = p.Deploy
		r.plan = p.Clone()
	}
	return r
}

// FromInfo rebuilds a run from persisted parts.
func FromInfo(info Info, p *plan.Plan, records []ExecutionRecord) *Run {
	r := &Run{info: info, records: make(map[recordKey]ExecutionRecord, len(records))}
	if p != nil {
		r.plan = p.Clone()
	}
	for _, rec := range records {
		r.records[recordKey{rec.StepNumber, rec.Attempt}] = rec.Clone()
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.ID
}

// Snapshot returns a copy of the run summary.
func (r *Run) Snapshot() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneInfo(r.info)
}

// Update applies fn to the run summary under the lock.
func (r *Run) Update(fn func(*Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.info)
	r.info.UpdatedAt = time.Now()
}

// SetPhase moves the run to phase.
func (r *Run) SetPhase(phase Phase) {
	r.Update(func(i *Info) { i.Phase = phase })
}

// Finish records a terminal status.
func (r *Run) Finish(status Status, phase Phase, errMsg string) {
	r.Update(func(i *Info) {
		now := time.Now()
		i.Status = status
		i.Phase = phase
		i.Error = errMsg
		i.FinishedAt = &now
	})
}

// Plan returns a copy of the current plan revision.
func (r *Run) Plan() *plan.Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plan.Clone()
}

// SetPlan installs a new plan revision.
func (r *Run) SetPlan(p *plan.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plan = p.Clone()
	if p != nil {
		r.info.Revision = p.Revision
	}
	r.info.UpdatedAt = time.Now()
}

// SetWaves records the current wave schedule.
func (r *Run) SetWaves(waves [][]int) {
	r.Update(func(i *Info) {
		i.Waves = cloneWaves(waves)
		i.CurrentWave = 0
	})
}

// MarkVerified adds step to the verified set.
func (r *Run) MarkVerified(step int) {
	r.Update(func(i *Info) {
		if !slices.Contains(i.Verified, step) {
			i.Verified = append(i.Verified, step)
			slices.Sort(i.Verified)
		}
	})
}

// IsVerified reports whether step has been verified.
func (r *Run) IsVerified(step int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.info.Verified, step)
}

// VerifiedSet returns the verified steps as a set.
func (r *Run) VerifiedSet() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[int]bool, len(r.info.Verified))
	for _, n := range r.info.Verified {
		set[n] = true
	}
	return set
}

// MarkIntegrated records that step's branch has been merged into the base branch.
func (r *Run) MarkIntegrated(step int) {
	r.Update(func(i *Info) {
		if !slices.Contains(i.Integrated, step) {
			i.Integrated = append(i.Integrated, step)
			slices.Sort(i.Integrated)
		}
	})
}

// IsIntegrated reports whether step's branch has been merged.
func (r *Run) IsIntegrated(step int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.info.Integrated, step)
}

// MarkApplied records that the resolution of conflict id has been acted on.
func (r *Run) MarkApplied(id string) {
	r.Update(func(i *Info) {
		if !slices.Contains(i.Applied, id) {
			i.Applied = append(i.Applied, id)
		}
	})
}

// IsApplied reports whether the resolution of conflict id has been acted on.
func (r *Run) IsApplied(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.info.Applied, id)
}

// PutRecord stores rec, replacing any record for the same step and attempt.
func (r *Run) PutRecord(rec ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[recordKey{rec.StepNumber, rec.Attempt}] = rec.Clone()
	r.info.UpdatedAt = time.Now()
}

// LatestRecord returns the highest attempt recorded for step.
func (r *Run) LatestRecord(step int) (ExecutionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		latest ExecutionRecord
		found  bool
	)
	for k, rec := range r.records {
		if k.step == step && (!found || k.attempt > latest.Attempt) {
			latest, found = rec, true
		}
	}
	return latest.Clone(), found
}

// Attempts returns how many attempts have been recorded for step.
func (r *Run) Attempts(step int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.records {
		if k.step == step {
			n = max(n, k.attempt)
		}
	}
	return n
}

// Records returns every record ordered by step then attempt.
func (r *Run) Records() []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutionRecord, 0, len(r.records))
	for _, k := range sortedKeys(r.records) {
		out = append(out, r.records[k].Clone())
	}
	return out
}

func sortedKeys(m map[recordKey]ExecutionRecord) []recordKey {
	keys := slices.Collect(maps.Keys(m))
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].step != keys[j].step {
			return keys[i].step < keys[j].step
		}
		return keys[i].attempt < keys[j].attempt
	})
	return keys
}

func cloneInfo(i Info) Info {
	i.Waves = cloneWaves(i.Waves)
	i.Verified = slices.Clone(i.Verified)
	i.Integrated = slices.Clone(i.Integrated)
	i.Applied = slices.Clone(i.Applied)
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		i.FinishedAt = &t
	}
	return i
}

func cloneWaves(waves [][]int) [][]int {
	if waves == nil {
		return nil
	}
	out := make([][]int, len(waves))
	for i, w := range waves {
		out[i] = slices.Clone(w)
	}
	return out
}

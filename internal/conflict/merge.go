package conflict

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/Iron-Ham/swarm/internal/errors"
)

// Strategy names accepted by NewMergeStrategy.
const (
	StrategyEscalateOnOverlap = "escalate-on-overlap"
	StrategyGit               = "git"
)

// Merger merges a branch into the base worktree. On a textual conflict it
// returns the conflicting files and an error matching errors.ErrMergeConflict,
// and leaves the base worktree clean.
type Merger interface {
	Merge(ctx context.Context, baseDir, branch, message string) ([]string, error)
}

// Candidate is a verified step waiting to be integrated.
type Candidate struct {
	StepNumber   int
	AgentName    string
	Branch       string
	ChangedFiles []string
}

// MergeOutcome reports what happened to one candidate.
type MergeOutcome struct {
	StepNumber int
	Merged     bool
	// Files that prevented the merge.
	Files []string
	// OverlapsWith lists earlier steps of the wave that touched Files.
	OverlapsWith []int
	Err          error
}

// Escalate reports whether the outcome needs a merge conflict.
func (o MergeOutcome) Escalate() bool { return !o.Merged }

// Description renders the outcome for a conflict record.
func (o MergeOutcome) Description() string {
	switch {
	case len(o.OverlapsWith) > 0:
		return fmt.Sprintf("step %d changes files already merged from step(s) %v in the same wave", o.StepNumber, o.OverlapsWith)
	case errors.Is(o.Err, errors.ErrMergeConflict):
		return fmt.Sprintf("merging step %d into the base branch conflicts", o.StepNumber)
	case o.Err != nil:
		return fmt.Sprintf("merging step %d failed: %v", o.StepNumber, o.Err)
	default:
		return fmt.Sprintf("step %d was not merged", o.StepNumber)
	}
}

// MergeStrategy integrates a wave's verified branches. Candidates are
// processed in ascending step order regardless of input order.
type MergeStrategy interface {
	Name() string
	MergeWave(ctx context.Context, baseDir string, candidates []Candidate) []MergeOutcome
}

// NewMergeStrategy returns the strategy registered under name. An empty name
// selects escalate-on-overlap.
func NewMergeStrategy(name string, merger Merger) (MergeStrategy, error) {
	switch name {
	case "", StrategyEscalateOnOverlap:
		return &EscalateOnOverlap{merger: merger}, nil
	case StrategyGit:
		return &GitMerge{merger: merger}, nil
	default:
		return nil, errors.NewValidationError("unknown merge strategy").WithField("merge_strategy").WithValue(name)
	}
}

// EscalateOnOverlap refuses to merge a branch whose changed files overlap a
// branch merged earlier in the same wave, even when git could combine them.
type EscalateOnOverlap struct {
	merger Merger
}

func (s *EscalateOnOverlap) Name() string { return StrategyEscalateOnOverlap }

func (s *EscalateOnOverlap) MergeWave(ctx context.Context, baseDir string, candidates []Candidate) []MergeOutcome {
	owners := make(map[string]int)
	var outcomes []MergeOutcome
	for _, c := range sorted(candidates) {
		var files []string
		var with []int
		for _, f := range c.ChangedFiles {
			if owner, ok := owners[f]; ok {
				files = append(files, f)
				if !slices.Contains(with, owner) {
					with = append(with, owner)
				}
			}
		}
		if len(files) > 0 {
			slices.Sort(files)
			slices.Sort(with)
			outcomes = append(outcomes, MergeOutcome{StepNumber: c.StepNumber, Files: files, OverlapsWith: with})
			continue
		}

		out := mergeOne(ctx, s.merger, baseDir, c)
		if out.Merged {
			for _, f := range c.ChangedFiles {
				owners[f] = c.StepNumber
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// GitMerge merges every branch and escalates only textual conflicts.
type GitMerge struct {
	merger Merger
}

func (s *GitMerge) Name() string { return StrategyGit }

func (s *GitMerge) MergeWave(ctx context.Context, baseDir string, candidates []Candidate) []MergeOutcome {
	var outcomes []MergeOutcome
	for _, c := range sorted(candidates) {
		outcomes = append(outcomes, mergeOne(ctx, s.merger, baseDir, c))
	}
	return outcomes
}

func mergeOne(ctx context.Context, merger Merger, baseDir string, c Candidate) MergeOutcome {
	msg := fmt.Sprintf("swarm: merge step %d (%s)", c.StepNumber, c.AgentName)
	files, err := merger.Merge(ctx, baseDir, c.Branch, msg)
	if err != nil {
		return MergeOutcome{StepNumber: c.StepNumber, Files: files, Err: err}
	}
	return MergeOutcome{StepNumber: c.StepNumber, Merged: true}
}

func sorted(candidates []Candidate) []Candidate {
	out := slices.Clone(candidates)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

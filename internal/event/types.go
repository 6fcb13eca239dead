package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "step.verified".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypeRunStarted       = "run.started"
	TypeRunFinished      = "run.finished"
	TypeWaveStarted      = "wave.started"
	TypeWaveCompleted    = "wave.completed"
	TypeStepStarted      = "step.started"
	TypeStepCompleted    = "step.completed"
	TypeStepVerified     = "step.verified"
	TypeStepFailed       = "step.failed"
	TypeConflictOpened   = "conflict.opened"
	TypeConflictResolved = "conflict.resolved"
	TypePlanRevised      = "plan.revised"
	TypeOverlapDetected  = "overlap.detected"
	TypeDeployFinished   = "deploy.finished"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
	RunID     string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType, runID string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
		RunID:     runID,
	}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunStartedEvent is emitted once the plan is validated and the run created.
type RunStartedEvent struct {
	baseEvent
	Goal    string
	Steps   int
	Waves   [][]int
	Resumed bool
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID, goal string, steps int, waves [][]int, resumed bool) RunStartedEvent {
	return RunStartedEvent{
		baseEvent: newBaseEvent(TypeRunStarted, runID),
		Goal:      goal,
		Steps:     steps,
		Waves:     waves,
		Resumed:   resumed,
	}
}

// RunFinishedEvent is emitted when a run reaches a terminal status.
type RunFinishedEvent struct {
	baseEvent
	Status   string // done, blocked, halted or failed
	Verified int
	Duration time.Duration
	Error    string
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, status string, verified int, duration time.Duration, errMsg string) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent(TypeRunFinished, runID),
		Status:    status,
		Verified:  verified,
		Duration:  duration,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Wave Events
// -----------------------------------------------------------------------------

// WaveStartedEvent is emitted before the steps of a wave are launched.
type WaveStartedEvent struct {
	baseEvent
	Wave  int // 0-based index within the current revision
	Total int
	Steps []int
}

// NewWaveStartedEvent creates a WaveStartedEvent.
func NewWaveStartedEvent(runID string, wave, total int, steps []int) WaveStartedEvent {
	return WaveStartedEvent{
		baseEvent: newBaseEvent(TypeWaveStarted, runID),
		Wave:      wave,
		Total:     total,
		Steps:     steps,
	}
}

// WaveCompletedEvent is emitted after a wave's merges finish.
type WaveCompletedEvent struct {
	baseEvent
	Wave     int
	Verified []int
	Merged   []int
	Failed   []int
}

// NewWaveCompletedEvent creates a WaveCompletedEvent.
func NewWaveCompletedEvent(runID string, wave int, verified, merged, failed []int) WaveCompletedEvent {
	return WaveCompletedEvent{
		baseEvent: newBaseEvent(TypeWaveCompleted, runID),
		Wave:      wave,
		Verified:  verified,
		Merged:    merged,
		Failed:    failed,
	}
}

// -----------------------------------------------------------------------------
// Step Events
// -----------------------------------------------------------------------------

// StepStartedEvent is emitted when a session begins an attempt.
type StepStartedEvent struct {
	baseEvent
	Step    int
	Agent   string
	Attempt int
}

// NewStepStartedEvent creates a StepStartedEvent.
func NewStepStartedEvent(runID string, step int, agent string, attempt int) StepStartedEvent {
	return StepStartedEvent{
		baseEvent: newBaseEvent(TypeStepStarted, runID),
		Step:      step,
		Agent:     agent,
		Attempt:   attempt,
	}
}

// StepCompletedEvent is emitted when a step's execution finishes, before
// verification.
type StepCompletedEvent struct {
	baseEvent
	Step     int
	Agent    string
	Attempt  int
	Success  bool
	Commits  int
	Duration time.Duration
}

// NewStepCompletedEvent creates a StepCompletedEvent.
func NewStepCompletedEvent(runID string, step int, agent string, attempt int, success bool, commits int, duration time.Duration) StepCompletedEvent {
	return StepCompletedEvent{
		baseEvent: newBaseEvent(TypeStepCompleted, runID),
		Step:      step,
		Agent:     agent,
		Attempt:   attempt,
		Success:   success,
		Commits:   commits,
		Duration:  duration,
	}
}

// StepVerifiedEvent is emitted when a step passes verification or a
// verification conflict for it is approved.
type StepVerifiedEvent struct {
	baseEvent
	Step     int
	Agent    string
	Approved bool // accepted by a human rather than by the gates
}

// NewStepVerifiedEvent creates a StepVerifiedEvent.
func NewStepVerifiedEvent(runID string, step int, agent string, approved bool) StepVerifiedEvent {
	return StepVerifiedEvent{
		baseEvent: newBaseEvent(TypeStepVerified, runID),
		Step:      step,
		Agent:     agent,
		Approved:  approved,
	}
}

// StepFailedEvent is emitted when a step fails execution or verification.
type StepFailedEvent struct {
	baseEvent
	Step      int
	Agent     string
	Attempt   int
	Reason    string
	Degraded  bool
	Exhausted bool
}

// NewStepFailedEvent creates a StepFailedEvent.
func NewStepFailedEvent(runID string, step int, agent string, attempt int, reason string, degraded, exhausted bool) StepFailedEvent {
	return StepFailedEvent{
		baseEvent: newBaseEvent(TypeStepFailed, runID),
		Step:      step,
		Agent:     agent,
		Attempt:   attempt,
		Reason:    reason,
		Degraded:  degraded,
		Exhausted: exhausted,
	}
}

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictOpenedEvent is emitted when a conflict is added to the log.
type ConflictOpenedEvent struct {
	baseEvent
	ConflictID  string
	Type        string
	Step        int
	Description string
}

// NewConflictOpenedEvent creates a ConflictOpenedEvent.
func NewConflictOpenedEvent(runID, conflictID, conflictType string, step int, description string) ConflictOpenedEvent {
	return ConflictOpenedEvent{
		baseEvent:   newBaseEvent(TypeConflictOpened, runID),
		ConflictID:  conflictID,
		Type:        conflictType,
		Step:        step,
		Description: description,
	}
}

// ConflictResolvedEvent is emitted when the orchestrator observes a resolution.
type ConflictResolvedEvent struct {
	baseEvent
	ConflictID string
	Step       int
	Resolution string
	By         string
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(runID, conflictID string, step int, resolution, by string) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		baseEvent:  newBaseEvent(TypeConflictResolved, runID),
		ConflictID: conflictID,
		Step:       step,
		Resolution: resolution,
		By:         by,
	}
}

// OverlapDetectedEvent is emitted when the same file is edited by several
// steps of a running wave.
type OverlapDetectedEvent struct {
	baseEvent
	Wave  int
	Path  string
	Steps []int
}

// NewOverlapDetectedEvent creates an OverlapDetectedEvent.
func NewOverlapDetectedEvent(runID string, wave int, path string, steps []int) OverlapDetectedEvent {
	return OverlapDetectedEvent{
		baseEvent: newBaseEvent(TypeOverlapDetected, runID),
		Wave:      wave,
		Path:      path,
		Steps:     steps,
	}
}

// -----------------------------------------------------------------------------
// Plan and Deploy Events
// -----------------------------------------------------------------------------

// PlanRevisedEvent is emitted after a replan.
type PlanRevisedEvent struct {
	baseEvent
	Revision int
	Step     int
	Kind     string // drop, remediate or rework
	Summary  string
}

// NewPlanRevisedEvent creates a PlanRevisedEvent.
func NewPlanRevisedEvent(runID string, revision, step int, kind, summary string) PlanRevisedEvent {
	return PlanRevisedEvent{
		baseEvent: newBaseEvent(TypePlanRevised, runID),
		Revision:  revision,
		Step:      step,
		Kind:      kind,
		Summary:   summary,
	}
}

// DeployFinishedEvent is emitted after the optional deployment.
type DeployFinishedEvent struct {
	baseEvent
	Success bool
	URL     string
	Error   string
}

// NewDeployFinishedEvent creates a DeployFinishedEvent.
func NewDeployFinishedEvent(runID string, success bool, url, errMsg string) DeployFinishedEvent {
	return DeployFinishedEvent{
		baseEvent: newBaseEvent(TypeDeployFinished, runID),
		Success:   success,
		URL:       url,
		Error:     errMsg,
	}
}

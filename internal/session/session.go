// Package session holds run state and the per-run event record.
package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused_for_approval"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// EventType discriminates events in a run's log.
type EventType string

const (
	EventObservation      EventType = "observation"
	EventPlan             EventType = "plan"
	EventProposal         EventType = "proposal"
	EventApprovalRequest  EventType = "approval_request"
	EventApprovalDecision EventType = "approval_decision"
	EventExecutionResult  EventType = "execution_result"
	EventReflection       EventType = "reflection"
	EventError            EventType = "error"
)

// ErrTerminal is returned when mutating a run that has already finished.
var ErrTerminal = errors.New("run is in a terminal state")

// Event is one immutable entry in a run's log.
type Event struct {
	RunID     string          `json:"run_id"`
	SeqID     uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Fields decodes the payload as a generic object.
func (e Event) Fields() map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(e.Payload, &m)
	return m
}

// Kind returns the payload's "kind" field, used by error events.
func (e Event) Kind() string {
	var k struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(e.Payload, &k)
	return k.Kind
}

// RunInfo is the serializable view of a run.
type RunInfo struct {
	ID           string    `json:"run_id"`
	Goal         string    `json:"goal"`
	Cwd          string    `json:"cwd"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	ApprovalMode string    `json:"approval_mode,omitempty"`
	TeamMode     bool      `json:"team_mode,omitempty"`
	MaxSteps     int       `json:"max_steps"`
	MaxRetries   int       `json:"max_retries"`
	Status       Status    `json:"status"`
	StepCount    int       `json:"step_count"`
	FinalText    string    `json:"final_text,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Run is the live, mutable state of one goal-directed execution. Only the
// orchestrator driving the run mutates it; readers take snapshots via Info.
type Run struct {
	mu          sync.RWMutex
	info        RunInfo
	deniedTools map[string]bool
}

// NewRun creates a running run from its initial description.
func NewRun(info RunInfo) *Run {
	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.UpdatedAt = info.CreatedAt
	info.Status = StatusRunning
	return &Run{info: info, deniedTools: make(map[string]bool)}
}

// ID returns the run id.
func (r *Run) ID() string { return r.info.ID }

// Info returns a copy of the run's current state.
func (r *Run) Info() RunInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// Status returns the current status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.Status
}

// SetStatus moves a live run between running and paused_for_approval.
func (r *Run) SetStatus(s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Status.Terminal() {
		return ErrTerminal
	}
	r.info.Status = s
	r.info.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementStep records a completed step and returns the new count.
func (r *Run) IncrementStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.StepCount++
	r.info.UpdatedAt = time.Now().UTC()
	return r.info.StepCount
}

// Complete finishes the run with a final answer.
func (r *Run) Complete(finalText string) error {
	return r.finish(StatusCompleted, finalText, "")
}

// Fail finishes the run with a failure reason.
func (r *Run) Fail(reason string) error {
	return r.finish(StatusFailed, "", reason)
}

// Abort finishes the run after an external abort.
func (r *Run) Abort(reason string) error {
	return r.finish(StatusAborted, "", reason)
}

func (r *Run) finish(s Status, finalText, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info.Status.Terminal() {
		return ErrTerminal
	}
	r.info.Status = s
	r.info.FinalText = finalText
	r.info.Error = reason
	r.info.UpdatedAt = time.Now().UTC()
	return nil
}

// DenyTool rejects every later action using tool for the rest of this run.
func (r *Run) DenyTool(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deniedTools[tool] = true
}

// ToolDenied reports whether the operator chose to always deny tool.
func (r *Run) ToolDenied(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deniedTools[tool]
}

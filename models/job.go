package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the current state of a build job in the system
type JobState string

const (
	StatePending   JobState = "pending"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// DefaultBuildMode is used when a submission does not name one.
const DefaultBuildMode = "simulator"

// UnknownRequester is recorded for completion reports about jobs the broker never saw.
const UnknownRequester = "unknown"

// IsTerminal reports whether no further transition is allowed from s.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Rank orders states along the lifecycle. Completed and Failed share a rank.
func (s JobState) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateActive:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	return s.Rank() >= 0
}

// JobRecord represents one build request and its evolving state
type JobRecord struct {
	JobID       string     `json:"job_id" yaml:"job_id"`
	SourceRef   string     `json:"source_url" yaml:"source_url"`
	BuildMode   string     `json:"build_mode" yaml:"build_mode"`
	Requester   string     `json:"requester" yaml:"requester"`
	CallbackRef string     `json:"callback_url,omitempty" yaml:"callback_url,omitempty"`
	State       JobState   `json:"state" yaml:"state"`
	OutputRef   string     `json:"output_url,omitempty" yaml:"output_url,omitempty"`
	ErrorDetail string     `json:"error,omitempty" yaml:"error,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty" yaml:"claimed_by,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at" yaml:"submitted_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty" yaml:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// NewJobRecord builds a pending record with a freshly generated job id
func NewJobRecord(sourceRef, buildMode, requester, callbackRef string) JobRecord {
	if buildMode == "" {
		buildMode = DefaultBuildMode
	}
	return JobRecord{
		JobID:       uuid.New().String(),
		SourceRef:   sourceRef,
		BuildMode:   buildMode,
		Requester:   requester,
		CallbackRef: callbackRef,
		State:       StatePending,
		SubmittedAt: time.Now().UTC(),
	}
}

// Clone returns a copy that shares no pointers with r.
func (r JobRecord) Clone() JobRecord {
	out := r
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		out.ClaimedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CompletionReport is what a worker sends back when it finishes a job
type CompletionReport struct {
	JobID       string
	Success     bool
	OutputRef   string
	ErrorDetail string
	WorkerID    string
}

// FinalState maps the report outcome onto a terminal state.
func (c CompletionReport) FinalState() JobState {
	if c.Success {
		return StateCompleted
	}
	return StateFailed
}

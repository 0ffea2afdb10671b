// Package job defines the extraction job model, its state machine, and the
// Service that is the sole writer of job records.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a job. Exactly one status is current at
// any time.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further transitions are permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type classifies what kind of work the job performs.
type Type string

const (
	TypeExtraction    Type = "extraction"
	TypeAIAnalysis    Type = "ai_analysis"
	TypeExcelFunction Type = "excel_function"
)

// Job is one tracked unit of asynchronous extraction work.
//
// StartedAt is set exactly when the status first transitions to running.
// CompletedAt is set exactly once, when the status reaches completed, failed,
// or cancelled. A job with a terminal status is immutable.
type Job struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId,omitempty"`

	Type     Type `json:"type"`
	Priority int  `json:"priority"`

	Status           Status `json:"status"`
	Progress         int    `json:"progress"` // 0-100
	CurrentStep      string `json:"currentStep,omitempty"`
	TotalSteps       int    `json:"totalSteps"`
	RecordsProcessed int    `json:"recordsProcessed"`

	DocumentIDs     []string        `json:"documentIds"`
	TargetFields    json.RawMessage `json:"targetFields,omitempty"`    // opaque, passed through to the worker
	ExtractionRules json.RawMessage `json:"extractionRules,omitempty"` // opaque, passed through to the worker

	Result       json.RawMessage `json:"results,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`

	Callback *Callback `json:"callback,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Callback configures an optional webhook notified on terminal events.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Request represents a request to create a new extraction job.
type Request struct {
	SessionID       string          `json:"sessionId"`
	ProjectID       string          `json:"projectId"`
	UserID          string          `json:"userId,omitempty"`
	Type            Type            `json:"mode,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	Files           []string        `json:"files"`
	TargetFields    json.RawMessage `json:"targetFields,omitempty"`
	ExtractionRules json.RawMessage `json:"extractionRules,omitempty"`
	DependsOn       []string        `json:"dependsOn,omitempty"`
	Callback        *Callback       `json:"callback,omitempty"`
}

// Response represents the response when a job is accepted.
type Response struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

// Snapshot is the read-only progress view served to clients.
type Snapshot struct {
	JobID            string          `json:"jobId"`
	Status           Status          `json:"status"`
	Progress         int             `json:"progress"`
	CurrentStep      string          `json:"currentStep,omitempty"`
	TotalSteps       int             `json:"totalSteps"`
	RecordsProcessed int             `json:"recordsProcessed"`
	Results          json.RawMessage `json:"results,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

// SnapshotOf builds the client-facing view of a job.
func SnapshotOf(j *Job) *Snapshot {
	return &Snapshot{
		JobID:            j.ID,
		Status:           j.Status,
		Progress:         j.Progress,
		CurrentStep:      j.CurrentStep,
		TotalSteps:       j.TotalSteps,
		RecordsProcessed: j.RecordsProcessed,
		Results:          j.Result,
		ErrorMessage:     j.ErrorMessage,
	}
}

// Update carries field updates applied atomically with a status transition.
// Nil pointer fields are left unchanged.
type Update struct {
	Progress         *int
	CurrentStep      *string
	RecordsProcessed *int
	Result           json.RawMessage
	ErrorMessage     *string
}

// LogLine is one timestamped, append-only job log entry.
type LogLine struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an async job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the state machine permits s -> next
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	default:
		return false
	}
}

// ActiveJobStatuses are the non-terminal statuses counted against per-user limits
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// JobType identifies the kind of work a job performs
type JobType string

const (
	JobTypeAdContent JobType = "AD_CONTENT_GENERATION"
	JobTypeImage     JobType = "IMAGE_GENERATION"
)

// Job is a trackable, cancellable unit of asynchronous work
type Job struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Type         JobType         `json:"type" db:"job_type"`
	Status       JobStatus       `json:"status" db:"status"`
	Progress     int             `json:"progress" db:"progress"`
	TotalSteps   int             `json:"total_steps" db:"total_steps"`
	CurrentStep  string          `json:"current_step,omitempty" db:"current_step"`
	Payload      json.RawMessage `json:"-" db:"payload"`
	Result       json.RawMessage `json:"-" db:"result"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TableName returns the table name for the Job model
func (Job) TableName() string {
	return "generation_jobs"
}

// NewJob creates a PENDING job owned by userID
func NewJob(userID string, jobType JobType, totalSteps int, payload json.RawMessage) *Job {
	now := time.Now().UTC()
	if totalSteps < 1 {
		totalSteps = 1
	}
	return &Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        jobType,
		Status:      JobStatusPending,
		TotalSteps:  totalSteps,
		CurrentStep: "Queued",
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy safe to hand out to callers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// MarkAsRunning moves the job to RUNNING
func (j *Job) MarkAsRunning(step string) {
	j.Status = JobStatusRunning
	j.CurrentStep = step
	j.touch()
}

// SetProgress records step n of TotalSteps, clamped to 0..99 while running
func (j *Job) SetProgress(step int, label string) {
	pct := 0
	if j.TotalSteps > 0 {
		pct = step * 100 / j.TotalSteps
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	j.Progress = pct
	if label != "" {
		j.CurrentStep = label
	}
	j.touch()
}

// MarkAsCompleted stores the result and moves the job to COMPLETED
func (j *Job) MarkAsCompleted(result json.RawMessage) {
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.CurrentStep = "Completed"
	j.Result = result
	j.finish()
}

// MarkAsFailed moves the job to FAILED with a human-readable message
func (j *Job) MarkAsFailed(message string) {
	j.Status = JobStatusFailed
	j.CurrentStep = "Failed"
	j.ErrorMessage = message
	j.finish()
}

// MarkAsCancelled moves the job to CANCELLED
func (j *Job) MarkAsCancelled() {
	j.Status = JobStatusCancelled
	j.CurrentStep = "Cancelled"
	j.finish()
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) finish() {
	j.touch()
	now := j.UpdatedAt
	j.CompletedAt = &now
}

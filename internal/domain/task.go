package domain

import "time"

// TaskStatus enumerates generation task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusProcessing     TaskStatus = "processing"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusFailedRefunded TaskStatus = "failed_refunded"
)

// Terminal reports whether a task in this status may never change again.
// A plain "failed" task is not terminal: it is still waiting for its refund.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailedRefunded
}

// GenerationTask is one admitted, credit-charged generation request.
type GenerationTask struct {
	ID             string
	UserID         string
	Prompt         string
	ModelSlug      string
	Status         TaskStatus
	CreditsSpent   int
	IdempotencyKey string
	ErrorMessage   string
	WrapID         string
	Steps          []StepRecord
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StepRecord is a single append-only audit entry attached to a task.
type StepRecord struct {
	Step      string    `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

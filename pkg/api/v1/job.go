package v1

import "time"

// JobType identifies the kind of work an agent job performs.
type JobType string

const (
	JobTypeSpawnAgent     JobType = "spawn-agent"
	JobTypeExecuteTask    JobType = "execute-task"
	JobTypeRecoverContext JobType = "recover-context"
	JobTypeTerminateAgent JobType = "terminate-agent"
	JobTypeChat           JobType = "chat"
)

// ValidJobType reports whether t is a recognised job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeSpawnAgent, JobTypeExecuteTask, JobTypeRecoverContext, JobTypeTerminateAgent, JobTypeChat:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a durable queue record for one agent invocation.
type Job struct {
	ID              string                 `json:"id"`
	WorkspaceID     string                 `json:"workspace_id"`
	ProjectID       string                 `json:"project_id"`
	JobType         JobType                `json:"job_type"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Status          JobStatus              `json:"status"`
	ExternalQueueID string                 `json:"external_queue_id,omitempty"`
	Priority        int                    `json:"priority"` // 1 = highest, <= 100
	Attempts        int                    `json:"attempts"`
	MaxAttempts     int                    `json:"max_attempts"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// EnqueueJobRequest is the control-plane request for creating a job.
type EnqueueJobRequest struct {
	JobType  JobType                `json:"jobType" binding:"required"`
	Data     map[string]interface{} `json:"data"`
	Priority *int                   `json:"priority,omitempty"`
}

// JobListResponse is the paginated job listing envelope.
type JobListResponse struct {
	Jobs   []*Job `json:"jobs"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// QueueStats summarises queue occupancy.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

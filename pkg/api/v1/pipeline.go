package v1

import "time"

// PipelineState is the authoritative workflow state of one project.
type PipelineState string

const (
	StateIdle           PipelineState = "idle"
	StatePlanning       PipelineState = "planning"
	StateReadyForDev    PipelineState = "ready-for-dev"
	StateImplementing   PipelineState = "implementing"
	StateInQA           PipelineState = "in-qa"
	StateReadyForDeploy PipelineState = "ready-for-deploy"
	StateDeploying      PipelineState = "deploying"
	StateCompleted      PipelineState = "completed"
	StateFailed         PipelineState = "failed"
)

// Terminal reports whether the pipeline admits no further transitions.
func (s PipelineState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// PipelineContext is the per-project workflow row. Exactly one exists per
// project; transitions are append-only history.
type PipelineContext struct {
	ProjectID       string                 `json:"project_id"`
	WorkspaceID     string                 `json:"workspace_id"`
	WorkflowID      string                 `json:"workflow_id"`
	CurrentState    PipelineState          `json:"current_state"`
	PreviousState   PipelineState          `json:"previous_state"`
	StateEnteredAt  time.Time              `json:"state_entered_at"`
	ActiveAgentID   string                 `json:"active_agent_id,omitempty"`
	ActiveAgentType AgentType              `json:"active_agent_type,omitempty"`
	CurrentStoryID  string                 `json:"current_story_id,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// PipelineStateHistory is one immutable transition audit row.
type PipelineStateHistory struct {
	ID           int64                  `json:"id"`
	ProjectID    string                 `json:"project_id"`
	FromState    PipelineState          `json:"from_state"`
	ToState      PipelineState          `json:"to_state"`
	TransitionAt time.Time              `json:"transition_at"`
	Trigger      string                 `json:"trigger"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// HistoryListResponse is the paginated history envelope.
type HistoryListResponse struct {
	History []*PipelineStateHistory `json:"history"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

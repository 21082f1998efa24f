// Package events defines the event types and payloads published on the
// orchestrator event bus. Bus subjects are dotted (NATS-safe); the Type field
// carries the externally documented colon-separated name, which is what
// WebSocket subscribers see.
package events

import (
	"time"

	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// Bus subjects.
const (
	SubjectSessionStarted   = "cli.session.started"
	SubjectSessionOutput    = "cli.session.output"
	SubjectSessionCompleted = "cli.session.completed"
	SubjectSessionFailed    = "cli.session.failed"
	SubjectSessionStalled   = "cli.session.stalled"
	SubjectSessionAll       = "cli.session.>"

	SubjectDevProgress     = "agent.progress.dev"
	SubjectQAProgress      = "agent.progress.qa"
	SubjectPlannerProgress = "agent.progress.planner"
	SubjectDevOpsProgress  = "agent.progress.devops"
	SubjectProgressAll     = "agent.progress.>"

	SubjectPipelineStateChanged = "pipeline.state.changed"
)

// Externally visible event type names (event plane contract).
const (
	TypeSessionStarted   = "cli:session:started"
	TypeSessionOutput    = "cli:session:output"
	TypeSessionCompleted = "cli:session:completed"
	TypeSessionFailed    = "cli:session:failed"
	TypeSessionStalled   = "cli:session:stalled"

	TypeDevProgress     = "dev-agent:progress"
	TypeQAProgress      = "qa-agent:progress"
	TypePlannerProgress = "planner-agent:progress"
	TypeDevOpsProgress  = "devops-agent:progress"

	TypePipelineStateChanged = "pipeline:state:changed"
)

// SessionEvent is the payload for every cli:session:* event.
type SessionEvent struct {
	SessionID   string                 `json:"session_id"`
	AgentID     string                 `json:"agent_id"`
	AgentType   v1.AgentType           `json:"agent_type"`
	WorkspaceID string                 `json:"workspace_id"`
	ProjectID   string                 `json:"project_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ProgressStatus is the per-step status of an executor progress event.
type ProgressStatus string

const (
	StepStarted   ProgressStatus = "started"
	StepCompleted ProgressStatus = "completed"
	StepFailed    ProgressStatus = "failed"
)

// ProgressEvent is the payload for every <agent>-agent:progress event.
type ProgressEvent struct {
	SessionID   string         `json:"session_id"`
	StoryID     string         `json:"story_id"`
	WorkspaceID string         `json:"workspace_id"`
	Step        string         `json:"step"`
	Status      ProgressStatus `json:"status"`
	Details     string         `json:"details,omitempty"`
	Percentage  int            `json:"percentage"`
	Timestamp   time.Time      `json:"timestamp"`
}

// PipelineStateChanged is the payload for pipeline:state:changed.
type PipelineStateChanged struct {
	ProjectID string           `json:"project_id"`
	From      v1.PipelineState `json:"from"`
	To        v1.PipelineState `json:"to"`
	Trigger   string           `json:"trigger"`
	Timestamp time.Time        `json:"timestamp"`
}

// ProgressSubject returns the bus subject for an agent type's progress events.
func ProgressSubject(agentType v1.AgentType) string {
	switch agentType {
	case v1.AgentDev:
		return SubjectDevProgress
	case v1.AgentQA:
		return SubjectQAProgress
	case v1.AgentPlanner:
		return SubjectPlannerProgress
	case v1.AgentDevOps:
		return SubjectDevOpsProgress
	default:
		return SubjectProgressAll
	}
}

// ProgressType returns the external event type for an agent type.
func ProgressType(agentType v1.AgentType) string {
	switch agentType {
	case v1.AgentDev:
		return TypeDevProgress
	case v1.AgentQA:
		return TypeQAProgress
	case v1.AgentPlanner:
		return TypePlannerProgress
	case v1.AgentDevOps:
		return TypeDevOpsProgress
	default:
		return "agent:progress"
	}
}

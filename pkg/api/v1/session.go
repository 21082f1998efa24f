package v1

import "time"

// AgentType identifies which pipeline agent a session or job belongs to.
type AgentType string

const (
	AgentPlanner      AgentType = "planner"
	AgentDev          AgentType = "dev"
	AgentQA           AgentType = "qa"
	AgentDevOps       AgentType = "devops"
	AgentOrchestrator AgentType = "orchestrator"
)

// ValidAgentType reports whether t is a recognised agent type.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentPlanner, AgentDev, AgentQA, AgentDevOps, AgentOrchestrator:
		return true
	}
	return false
}

// SessionStatus represents the lifecycle state of a CLI session.
type SessionStatus string

const (
	SessionSpawning   SessionStatus = "spawning"
	SessionRunning    SessionStatus = "running"
	SessionStalled    SessionStatus = "stalled"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionTerminated SessionStatus = "terminated"
)

// CLISession is one invocation of the external CLI binary inside a
// workspace. Owned by the process supervisor for its lifetime; everyone
// else holds it by sessionId.
type CLISession struct {
	SessionID       string        `json:"session_id"`
	WorkspaceID     string        `json:"workspace_id"`
	ProjectID       string        `json:"project_id"`
	AgentID         string        `json:"agent_id"`
	AgentType       AgentType     `json:"agent_type"`
	Status          SessionStatus `json:"status"`
	PID             *int          `json:"pid,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	OutputLineCount int           `json:"output_line_count"`
}

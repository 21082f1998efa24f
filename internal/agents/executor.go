// Package agents implements the four executors (planner, dev, qa, devops)
// that drive CLI coding sessions and turn their output plus git state into
// typed results. Executors never return errors to callers: every failure is
// reported as a result with Success=false.
package agents

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/common/scrub"
	"github.com/devos-ai/devos/internal/events"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/gitops"
	"github.com/devos-ai/devos/internal/supervisor"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// SessionRunner is the Process Supervisor surface the executors use.
type SessionRunner interface {
	Spawn(ctx context.Context, params supervisor.SpawnParams) (*v1.CLISession, error)
	Wait(ctx context.Context, sessionID string) (*v1.CLISession, error)
	Terminate(ctx context.Context, sessionID, reason string) error
	Release(sessionID string)
}

// OutputReader reads a session's buffered output after completion.
type OutputReader interface {
	GetBufferedOutput(ctx context.Context, sessionID string) ([]string, error)
}

// Task is the unit of work handed to an executor.
type Task struct {
	WorkspaceID string                 `json:"workspace_id"`
	ProjectID   string                 `json:"project_id"`
	AgentID     string                 `json:"agent_id"`
	StoryID     string                 `json:"story_id,omitempty"`
	Prompt      string                 `json:"prompt"`
	GitRepoURL  string                 `json:"git_repo_url,omitempty"`
	GitToken    string                 `json:"-"` // never serialised
	RepoOwner   string                 `json:"repo_owner,omitempty"`
	RepoName    string                 `json:"repo_name,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"` // handoff projection
}

// base carries the shared executor dependencies and the common workflow
// helpers: progress events, CLI session lifecycle, workspace paths.
type base struct {
	sessions SessionRunner
	output   OutputReader
	git      *gitops.Client
	bus      bus.EventBus
	cfg      *config.Config
	logger   *logger.Logger
}

func newBase(sessions SessionRunner, output OutputReader, git *gitops.Client, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) base {
	return base{
		sessions: sessions,
		output:   output,
		git:      git,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log,
	}
}

// workspaceDir is the directory the agent's session runs in.
func (b *base) workspaceDir(task *Task) string {
	return supervisor.WorkspaceDir(b.cfg.Workspace.Root, task.WorkspaceID, task.ProjectID)
}

// progress publishes one step progress event. Emission failures are logged
// and never fail the workflow.
func (b *base) progress(agentType v1.AgentType, task *Task, sessionID, step string, status events.ProgressStatus, pct int, details string) {
	payload := events.ProgressEvent{
		SessionID:   sessionID,
		StoryID:     task.StoryID,
		WorkspaceID: task.WorkspaceID,
		Step:        step,
		Status:      status,
		Details:     details,
		Percentage:  pct,
		Timestamp:   time.Now().UTC(),
	}
	data := map[string]interface{}{
		"session_id":   payload.SessionID,
		"story_id":     payload.StoryID,
		"workspace_id": payload.WorkspaceID,
		"step":         payload.Step,
		"status":       string(payload.Status),
		"details":      payload.Details,
		"percentage":   payload.Percentage,
		"timestamp":    payload.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, events.ProgressSubject(agentType),
		bus.NewEvent(events.ProgressType(agentType), string(agentType)+"-executor", data)); err != nil {
		b.logger.Warn("failed to publish progress event",
			zap.String("step", step), zap.Error(err))
	}
}

// step wraps one workflow step in started/completed/failed progress events.
func (b *base) step(agentType v1.AgentType, task *Task, sessionID, name string, pct int, fn func() error) error {
	b.progress(agentType, task, sessionID, name, events.StepStarted, pct, "")
	if err := fn(); err != nil {
		b.progress(agentType, task, sessionID, name, events.StepFailed, pct, scrub.Error(err))
		return err
	}
	b.progress(agentType, task, sessionID, name, events.StepCompleted, pct, "")
	return nil
}

// ensureWorkspace prepares the workspace clone before any git-side step
// runs. Executors do this themselves (rather than via Spawn) because branch
// setup has to happen between clone and CLI start.
func (b *base) ensureWorkspace(ctx context.Context, task *Task) (string, error) {
	dir := b.workspaceDir(task)
	if task.GitRepoURL == "" {
		return dir, nil
	}
	if err := b.git.EnsureClone(ctx, dir, task.GitRepoURL, b.cfg.Git.BaseBranch, task.GitToken); err != nil {
		// A workspace that cannot be prepared is a broken invariant, not a
		// retryable CLI hiccup.
		return dir, errs.WrapKind(err, errs.KindFatal, "workspace prep failed")
	}
	return dir, nil
}

// cliOutcome is what the shared CLI session step produces.
type cliOutcome struct {
	SessionID string
	ExitCode  int
	Lines     []string
}

// spawnCLI launches the agent's CLI session. The workspace is expected to be
// prepared already, so no repo URL is passed down.
func (b *base) spawnCLI(ctx context.Context, agentType v1.AgentType, task *Task) (*v1.CLISession, error) {
	pipelineCtx, _ := json.Marshal(task.Context)
	return b.sessions.Spawn(ctx, supervisor.SpawnParams{
		WorkspaceID:     task.WorkspaceID,
		ProjectID:       task.ProjectID,
		AgentID:         task.AgentID,
		AgentType:       agentType,
		Prompt:          task.Prompt,
		StoryID:         task.StoryID,
		GitToken:        task.GitToken,
		PipelineContext: pipelineCtx,
	})
}

// awaitCLI waits for a spawned session and collects its buffered output.
// Release is guaranteed on every path; a context abort terminates the
// process so it cannot outlive its executor.
func (b *base) awaitCLI(ctx context.Context, sessionID string) (*cliOutcome, error) {
	defer b.sessions.Release(sessionID)

	done, err := b.sessions.Wait(ctx, sessionID)
	if err != nil {
		_ = b.sessions.Terminate(context.Background(), sessionID, "executor aborted")
		return &cliOutcome{SessionID: sessionID}, err
	}

	lines, err := b.output.GetBufferedOutput(ctx, sessionID)
	if err != nil {
		b.logger.Warn("failed to read session output",
			zap.String("session_id", sessionID), zap.Error(err))
		lines = nil
	}

	exitCode := 0
	if done.ExitCode != nil {
		exitCode = *done.ExitCode
	}
	return &cliOutcome{SessionID: sessionID, ExitCode: exitCode, Lines: lines}, nil
}

// finish fills the shared result fields. Failures keep their taxonomy kind
// so the registry and coordinator can tell fatal from retryable.
func finish(rb *v1.ResultBase, sessionID string, startedAt time.Time, err error) {
	rb.SessionID = sessionID
	rb.DurationMs = time.Since(startedAt).Milliseconds()
	if err != nil {
		rb.Success = false
		rb.Error = scrub.Error(err)
		rb.FailureKind = string(errs.KindOf(err))
		return
	}
	rb.Success = true
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/supervisor"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// ResultHandler brackets every agent job. The handoff coordinator registers
// itself here: HandleStart gates the job (pipeline "job started" transition,
// parallelism slot) and HandleResult decides what runs next. HandleResult is
// guaranteed whenever HandleStart succeeded.
type ResultHandler interface {
	HandleStart(ctx context.Context, job *v1.Job, task *Task, agentType v1.AgentType) error
	HandleResult(ctx context.Context, job *v1.Job, task *Task, agentType v1.AgentType, result interface{}) error
}

// Registry routes queue jobs to the right executor. It is the queue's
// Dispatcher implementation.
type Registry struct {
	planner *PlannerExecutor
	dev     *DevExecutor
	qa      *QAExecutor
	devops  *DevOpsExecutor

	sessions SessionRunner
	output   OutputReader
	cfg      *config.Config
	logger   *logger.Logger

	handler ResultHandler
}

// NewRegistry creates the executor registry.
func NewRegistry(planner *PlannerExecutor, dev *DevExecutor, qa *QAExecutor, devops *DevOpsExecutor, sessions SessionRunner, output OutputReader, cfg *config.Config, log *logger.Logger) *Registry {
	return &Registry{
		planner:  planner,
		dev:      dev,
		qa:       qa,
		devops:   devops,
		sessions: sessions,
		output:   output,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-registry")),
	}
}

// SetResultHandler installs the post-execution hook. Must be called before
// the queue starts; the registry does not lock around it.
func (r *Registry) SetResultHandler(h ResultHandler) { r.handler = h }

// taskPayload is the job payload shape for agent jobs.
type taskPayload struct {
	Task
	AgentType v1.AgentType `json:"agent_type"`
}

// Dispatch executes one job. Agent jobs route to their executor; session
// control jobs act on the supervisor directly.
func (r *Registry) Dispatch(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
	switch job.JobType {
	case v1.JobTypeExecuteTask, v1.JobTypeRecoverContext:
		return r.runAgent(ctx, job)
	case v1.JobTypeSpawnAgent, v1.JobTypeChat:
		return r.runSession(ctx, job)
	case v1.JobTypeTerminateAgent:
		return r.terminate(ctx, job)
	}
	return nil, errs.Fatal(fmt.Sprintf("unknown job type %q", job.JobType))
}

func (r *Registry) decodeTask(job *v1.Job) (*taskPayload, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, errs.Fatal("job payload is not serialisable: " + err.Error())
	}
	var p taskPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Fatal("malformed job payload: " + err.Error())
	}
	if p.WorkspaceID == "" {
		p.WorkspaceID = job.WorkspaceID
	}
	if p.ProjectID == "" {
		p.ProjectID = job.ProjectID
	}
	// Credentials are never part of the payload; they are injected here
	// from config.
	p.GitToken = r.cfg.Git.Token
	return &p, nil
}

// runAgent routes to the agent executor for the payload's agent type. A
// result with Success=false comes back as both the job result and an error,
// so the queue can apply its retry taxonomy.
func (r *Registry) runAgent(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
	p, err := r.decodeTask(job)
	if err != nil {
		return nil, err
	}
	if !executableAgent(p.AgentType) {
		return nil, errs.Validation("agent_type", fmt.Sprintf("%q is not an executable agent", p.AgentType))
	}

	if r.handler != nil {
		if err := r.handler.HandleStart(ctx, job, &p.Task, p.AgentType); err != nil {
			return nil, err
		}
	}

	var result interface{}
	var rb v1.ResultBase
	switch p.AgentType {
	case v1.AgentPlanner:
		res := r.planner.Execute(ctx, &p.Task)
		result, rb = res, res.ResultBase
	case v1.AgentDev:
		res := r.dev.Execute(ctx, &p.Task)
		result, rb = res, res.ResultBase
	case v1.AgentQA:
		res := r.qa.Execute(ctx, &p.Task)
		result, rb = res, res.ResultBase
	case v1.AgentDevOps:
		res := r.devops.Execute(ctx, &p.Task)
		result, rb = res, res.ResultBase
	}

	if r.handler != nil {
		if err := r.handler.HandleResult(ctx, job, &p.Task, p.AgentType, result); err != nil {
			r.logger.Error("result handler failed",
				zap.String("job_id", job.ID),
				zap.String("agent_type", string(p.AgentType)),
				zap.Error(err))
			return resultMap(result), err
		}
	}

	if !rb.Success {
		return resultMap(result), resultError(rb)
	}
	return resultMap(result), nil
}

// resultError rebuilds the typed error a failed result was finished with, so
// the queue's retry decision sees the executor's classification instead of a
// blanket retryable CLI error.
func resultError(rb v1.ResultBase) error {
	kind := errs.Kind(rb.FailureKind)
	if kind == "" {
		kind = errs.KindCLI
	}
	return errs.WrapKind(nil, kind, rb.Error)
}

// runSession drives a bare CLI session with no git workflow around it. Used
// for ad-hoc chat prompts and direct agent spawns.
func (r *Registry) runSession(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
	p, err := r.decodeTask(job)
	if err != nil {
		return nil, err
	}
	agentType := p.AgentType
	if agentType == "" {
		agentType = v1.AgentOrchestrator
	}

	pipelineCtx, _ := json.Marshal(p.Context)
	sess, err := r.sessions.Spawn(ctx, supervisor.SpawnParams{
		WorkspaceID:     p.WorkspaceID,
		ProjectID:       p.ProjectID,
		AgentID:         p.AgentID,
		AgentType:       agentType,
		Prompt:          p.Prompt,
		StoryID:         p.StoryID,
		GitRepoURL:      p.GitRepoURL,
		GitToken:        p.GitToken,
		PipelineContext: pipelineCtx,
	})
	if err != nil {
		return nil, err
	}
	defer r.sessions.Release(sess.SessionID)

	done, err := r.sessions.Wait(ctx, sess.SessionID)
	if err != nil {
		_ = r.sessions.Terminate(context.Background(), sess.SessionID, "job aborted")
		return map[string]interface{}{"session_id": sess.SessionID}, err
	}

	lines, err := r.output.GetBufferedOutput(ctx, sess.SessionID)
	if err != nil {
		r.logger.Warn("failed to read session output",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	exitCode := 0
	if done.ExitCode != nil {
		exitCode = *done.ExitCode
	}
	out := map[string]interface{}{
		"session_id": sess.SessionID,
		"exit_code":  exitCode,
		"output":     lines,
	}
	if exitCode != 0 {
		return out, errs.CLI(fmt.Sprintf("CLI session exited with code %d", exitCode))
	}
	return out, nil
}

func (r *Registry) terminate(ctx context.Context, job *v1.Job) (map[string]interface{}, error) {
	sessionID, _ := job.Payload["session_id"].(string)
	if sessionID == "" {
		return nil, errs.Validation("session_id", "must not be empty")
	}
	reason, _ := job.Payload["reason"].(string)
	if reason == "" {
		reason = "terminated by job"
	}
	if err := r.sessions.Terminate(ctx, sessionID, reason); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": sessionID, "terminated": true}, nil
}

func executableAgent(t v1.AgentType) bool {
	switch t {
	case v1.AgentPlanner, v1.AgentDev, v1.AgentQA, v1.AgentDevOps:
		return true
	}
	return false
}

// resultMap flattens a typed result into the queue's result column shape.
func resultMap(result interface{}) map[string]interface{} {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// Package handoff implements the coordinator that sits between agent
// results and the next agent's job: it validates results against the
// coordination rules, advances the pipeline state machine, persists the
// handoff history and enqueues the follow-up job. The next job is enqueued
// only after the state transition and the handoff row are durably persisted.
package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devos-ai/devos/internal/agents"
	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/pipeline"
	"github.com/devos-ai/devos/internal/queue"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// resumePriority outranks regular work so interrupted pipelines restart
// ahead of new jobs.
const resumePriority = 10

// Enqueuer is the job queue surface the coordinator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, params queue.EnqueueParams) (*v1.Job, error)
}

// Coordinator validates agent handoffs and drives the pipeline forward. It
// implements the agent registry's ResultHandler and the pipeline machine's
// ResumeEnqueuer.
type Coordinator struct {
	machine *pipeline.Machine
	store   *Store
	rules   *Rules
	queue   Enqueuer
	cfg     *config.Config
	logger  *logger.Logger

	// sem bounds concurrently running agents across the whole system.
	sem    *semaphore.Weighted
	slotMu sync.Mutex
	slots  map[string]struct{}
}

// NewCoordinator creates the coordinator.
func NewCoordinator(machine *pipeline.Machine, store *Store, q Enqueuer, cfg *config.Config, log *logger.Logger) *Coordinator {
	return &Coordinator{
		machine: machine,
		store:   store,
		rules:   NewRules(store),
		queue:   q,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "handoff-coordinator")),
		sem:     semaphore.NewWeighted(int64(cfg.Agent.MaxParallel)),
		slots:   make(map[string]struct{}),
	}
}

// HandleStart gates an agent job: it waits for a parallelism slot and
// performs the "job started" pipeline transition. A job that finds the
// pipeline in a state it cannot legally start from is refused.
func (c *Coordinator) HandleStart(ctx context.Context, job *v1.Job, task *agents.Task, agentType v1.AgentType) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errs.WrapKind(err, errs.KindTransient, "waiting for an agent slot was interrupted")
	}
	c.slotMu.Lock()
	c.slots[job.ID] = struct{}{}
	c.slotMu.Unlock()

	if err := c.startTransition(ctx, task, agentType); err != nil {
		c.releaseSlot(job.ID)
		return err
	}
	return nil
}

func (c *Coordinator) startTransition(ctx context.Context, task *agents.Task, agentType v1.AgentType) error {
	pc, err := c.machine.EnsureContext(ctx, task.ProjectID, task.WorkspaceID)
	if err != nil {
		return err
	}

	var target v1.PipelineState
	var trigger string
	switch agentType {
	case v1.AgentPlanner:
		target, trigger = v1.StatePlanning, "planner job started"
	case v1.AgentDev:
		target, trigger = v1.StateImplementing, "dev job started"
	case v1.AgentDevOps:
		target, trigger = v1.StateDeploying, "devops job started"
	case v1.AgentQA:
		// QA runs inside in-qa; dev's result acceptance already moved the
		// pipeline there.
		if pc.CurrentState != v1.StateInQA {
			return errs.Conflict(fmt.Sprintf("QA cannot start while pipeline is %s", pc.CurrentState))
		}
		return nil
	default:
		return errs.Validation("agentType", fmt.Sprintf("%q cannot start a pipeline phase", agentType))
	}

	// Single-agent-per-story: a context already in the target state belongs
	// to a resuming or retrying job, but never to a different live agent.
	if pc.CurrentState == target {
		if pc.ActiveAgentID != "" && pc.ActiveAgentID != task.AgentID {
			return errs.Conflict(fmt.Sprintf("agent %s is already active for project %s", pc.ActiveAgentID, task.ProjectID))
		}
		return nil
	}

	opts := []pipeline.TransitionOption{pipeline.WithActiveAgent(task.AgentID, agentType)}
	if task.StoryID != "" {
		opts = append(opts, pipeline.WithStoryID(task.StoryID))
	}
	_, err = c.machine.Transition(ctx, task.ProjectID, target, trigger, nil, opts...)
	return err
}

// HandleResult runs after every agent execution. Successful results are
// validated and handed off; fatal failures and failures that exhausted the
// job's retry budget mark the pipeline failed.
func (c *Coordinator) HandleResult(ctx context.Context, job *v1.Job, task *agents.Task, agentType v1.AgentType, result interface{}) error {
	defer c.releaseSlot(job.ID)

	switch res := result.(type) {
	case *v1.PlannerResult:
		if !res.Success {
			return c.handleFailure(ctx, job, task, agentType, res.ResultBase)
		}
		return c.afterPlanner(ctx, task, res)
	case *v1.DevResult:
		if !res.Success {
			return c.handleFailure(ctx, job, task, agentType, res.ResultBase)
		}
		return c.afterDev(ctx, task, res)
	case *v1.QAResult:
		if !res.Success {
			return c.handleFailure(ctx, job, task, agentType, res.ResultBase)
		}
		return c.afterQA(ctx, task, res)
	case *v1.DevOpsResult:
		return c.afterDevOps(ctx, job, task, res)
	}
	return errs.Fatal(fmt.Sprintf("unknown result type for agent %s", agentType))
}

// handleFailure lets the queue retry within budget. Fatal failures and
// exhausted budgets mark the pipeline failed immediately.
func (c *Coordinator) handleFailure(ctx context.Context, job *v1.Job, task *agents.Task, agentType v1.AgentType, rb v1.ResultBase) error {
	fatal := errs.Kind(rb.FailureKind) == errs.KindFatal
	if !fatal && job.Attempts < job.MaxAttempts {
		c.logger.Warn("agent failed, leaving retry to the queue",
			zap.String("project_id", task.ProjectID),
			zap.String("agent_type", string(agentType)),
			zap.Int("attempt", job.Attempts))
		return nil
	}
	return c.failPipeline(ctx, task.ProjectID,
		fmt.Sprintf("%s agent failed: %s", agentType, rb.Error))
}

func (c *Coordinator) failPipeline(ctx context.Context, projectID, reason string) error {
	_, err := c.machine.Transition(ctx, projectID, v1.StateFailed, reason, nil,
		pipeline.WithClearActiveAgent())
	if err != nil {
		c.logger.Error("failed to mark pipeline failed",
			zap.String("project_id", projectID),
			zap.String("reason", reason),
			zap.Error(err))
	}
	return nil
}

func (c *Coordinator) afterPlanner(ctx context.Context, task *agents.Task, res *v1.PlannerResult) error {
	storyID := ""
	if len(res.StoriesCreated) > 0 {
		storyID = res.StoriesCreated[0]
	}
	next := map[string]interface{}{
		"story_id":        storyID,
		"documents":       res.DocumentsGenerated,
		"planning_commit": res.CommitHash,
	}
	// Predecessor stories declared on the planning task gate the dev handoff.
	if deps := dependsOn(task.Context); len(deps) > 0 {
		next["depends_on"] = deps
	}
	return c.handoff(ctx, task, v1.AgentPlanner, res, handoffPlan{
		NextAgent:   v1.AgentDev,
		StoryID:     storyID,
		Context:     next,
		ToState:     v1.StateReadyForDev,
		Trigger:     "planner result accepted",
		Prompt:      fmt.Sprintf("Implement story %s following the planning documents.", storyID),
		Transitions: []pipeline.TransitionOption{pipeline.WithClearActiveAgent(), pipeline.WithStoryID(storyID)},
	})
}

func (c *Coordinator) afterDev(ctx context.Context, task *agents.Task, res *v1.DevResult) error {
	next := map[string]interface{}{
		"story_id":       res.StoryID,
		"branch":         res.Branch,
		"pr_url":         res.PRURL,
		"pr_number":      res.PRNumber,
		"commit_hash":    res.CommitHash,
		"files_created":  res.FilesCreated,
		"files_modified": res.FilesModified,
		"test_results": map[string]interface{}{
			"total":    res.TestResults.Total,
			"passed":   res.TestResults.Passed,
			"failed":   res.TestResults.Failed,
			"coverage": res.TestResults.Coverage,
		},
	}
	return c.handoff(ctx, task, v1.AgentDev, res, handoffPlan{
		NextAgent:   v1.AgentQA,
		StoryID:     res.StoryID,
		Context:     next,
		ToState:     v1.StateInQA,
		Trigger:     "dev result accepted",
		Prompt:      fmt.Sprintf("Review the implementation of story %s on branch %s.", res.StoryID, res.Branch),
		Transitions: []pipeline.TransitionOption{pipeline.WithClearActiveAgent()},
	})
}

func (c *Coordinator) afterQA(ctx context.Context, task *agents.Task, res *v1.QAResult) error {
	if res.Verdict == v1.VerdictPass {
		next := map[string]interface{}{
			"story_id":   res.StoryID,
			"qa_verdict": string(res.Verdict),
			"pr_number":  task.Context["pr_number"],
			"pr_url":     task.Context["pr_url"],
			"qa_summary": res.Report.Summary,
			"coverage":   res.Report.TestResults.Coverage,
			"platform":   c.cfg.Deploy.Platform,
		}
		return c.handoff(ctx, task, v1.AgentQA, res, handoffPlan{
			NextAgent:   v1.AgentDevOps,
			StoryID:     res.StoryID,
			Context:     next,
			ToState:     v1.StateReadyForDeploy,
			Trigger:     "QA verdict = PASS",
			Prompt:      fmt.Sprintf("Merge and deploy story %s.", res.StoryID),
			Transitions: []pipeline.TransitionOption{pipeline.WithClearActiveAgent(), pipeline.WithRetryReset()},
		})
	}

	// Rework loop: the story goes back to dev while the retry budget lasts.
	pc, err := c.machine.Get(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	if pc.RetryCount >= pc.MaxRetries {
		reason := fmt.Sprintf("QA verdict = %s: retry budget exhausted after %d rework loops", res.Verdict, pc.RetryCount)
		rec := c.newRecord(task, v1.AgentQA, v1.AgentDev, res.StoryID, nil)
		rec.Status = v1.HandoffRejected
		rec.RejectionReason = reason
		now := time.Now().UTC()
		rec.CompletedAt = &now
		if err := c.store.Create(ctx, rec); err != nil {
			c.logger.Error("failed to persist rejected handoff", zap.Error(err))
		}
		return c.failPipeline(ctx, task.ProjectID, reason)
	}

	next := map[string]interface{}{
		"story_id":          res.StoryID,
		"qa_verdict":        string(res.Verdict),
		"branch":            task.Context["branch"],
		"pr_number":         task.Context["pr_number"],
		"failed_tests":      res.Report.TestResults.Failed,
		"lint_errors":       res.Report.LintErrors,
		"type_errors":       res.Report.TypeErrors,
		"security_findings": res.Report.SecurityFindings,
		"criteria_unmet":    res.Report.CriteriaUnmet,
		"change_requests":   res.Report.ChangeRequests,
		"iteration":         pc.RetryCount + 1,
	}
	return c.handoff(ctx, task, v1.AgentQA, res, handoffPlan{
		NextAgent: v1.AgentDev,
		StoryID:   res.StoryID,
		Context:   next,
		ToState:   v1.StateImplementing,
		Trigger:   fmt.Sprintf("QA verdict = %s", res.Verdict),
		Prompt:    fmt.Sprintf("Rework story %s: address the QA change requests and failing checks.", res.StoryID),
		Transitions: []pipeline.TransitionOption{
			pipeline.WithClearActiveAgent(),
			pipeline.WithRetryIncrement(),
		},
	})
}

func (c *Coordinator) afterDevOps(ctx context.Context, job *v1.Job, task *agents.Task, res *v1.DevOpsResult) error {
	if !res.Success {
		// A deployment that failed after rollback is terminal regardless of
		// the job's remaining attempts.
		if res.Incident != nil {
			return c.failPipeline(ctx, task.ProjectID,
				fmt.Sprintf("deployment failed after rollback: %s", res.Incident.RootCause))
		}
		return c.handleFailure(ctx, job, task, v1.AgentDevOps, res.ResultBase)
	}

	if _, err := c.machine.Transition(ctx, task.ProjectID, v1.StateCompleted,
		"deployment and smoke tests succeeded", nil,
		pipeline.WithClearActiveAgent()); err != nil {
		return err
	}

	// Completion marker: StoryCompleted checks hinge on this row.
	rec := c.newRecord(task, v1.AgentDevOps, "", res.StoryID, map[string]interface{}{
		"merge_commit":   res.MergeCommitHash,
		"deployment_id":  res.DeploymentID,
		"deployment_url": res.DeploymentURL,
		"platform":       res.Platform,
	})
	rec.Status = v1.HandoffExecuted
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := c.store.Create(ctx, rec); err != nil {
		c.logger.Error("failed to persist completion marker", zap.Error(err))
	}
	return nil
}

// handoffPlan is one computed route from a completing agent to the next.
type handoffPlan struct {
	NextAgent   v1.AgentType
	StoryID     string
	Context     map[string]interface{}
	ToState     v1.PipelineState
	Trigger     string
	Prompt      string
	Transitions []pipeline.TransitionOption
}

// handoff validates, transitions, persists and enqueues — in that order.
func (c *Coordinator) handoff(ctx context.Context, task *agents.Task, from v1.AgentType, result interface{}, plan handoffPlan) error {
	pc, err := c.machine.Get(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	rejection, err := c.rules.Evaluate(ctx, &Evaluation{
		Context:     pc,
		Task:        task,
		AgentType:   from,
		Result:      result,
		NextAgent:   plan.NextAgent,
		NextStoryID: plan.StoryID,
		NextContext: plan.Context,
	})
	if err != nil {
		return errs.Wrap(err, "failed to evaluate handoff rules")
	}
	if rejection != nil {
		c.logger.Warn("handoff rejected",
			zap.String("project_id", task.ProjectID),
			zap.String("rule", rejection.Rule),
			zap.String("reason", rejection.Reason))
		rec := c.newRecord(task, from, plan.NextAgent, plan.StoryID, plan.Context)
		rec.Status = v1.HandoffRejected
		rec.RejectionReason = rejection.Reason
		now := time.Now().UTC()
		rec.CompletedAt = &now
		if err := c.store.Create(ctx, rec); err != nil {
			c.logger.Error("failed to persist rejected handoff", zap.Error(err))
		}
		return c.failPipeline(ctx, task.ProjectID, rejection.Error())
	}

	if _, err := c.machine.Transition(ctx, task.ProjectID, plan.ToState, plan.Trigger, nil, plan.Transitions...); err != nil {
		return err
	}

	rec := c.newRecord(task, from, plan.NextAgent, plan.StoryID, plan.Context)
	rec.Status = v1.HandoffValidated
	if err := c.store.Create(ctx, rec); err != nil {
		return errs.Wrap(err, "failed to persist handoff")
	}

	payload := c.nextPayload(task, plan)
	if _, err := c.queue.Enqueue(ctx, queue.EnqueueParams{
		WorkspaceID: task.WorkspaceID,
		ProjectID:   task.ProjectID,
		JobType:     v1.JobTypeExecuteTask,
		Payload:     payload,
	}); err != nil {
		c.logger.Error("failed to enqueue next agent job",
			zap.String("project_id", task.ProjectID),
			zap.String("next_agent", string(plan.NextAgent)),
			zap.Error(err))
		return c.failPipeline(ctx, task.ProjectID,
			fmt.Sprintf("handoff to %s could not be enqueued: %v", plan.NextAgent, err))
	}

	if err := c.store.UpdateStatus(ctx, rec.ID, v1.HandoffExecuted, ""); err != nil {
		c.logger.Error("failed to mark handoff executed",
			zap.String("handoff_id", rec.ID), zap.Error(err))
	}

	c.logger.Info("handoff executed",
		zap.String("project_id", task.ProjectID),
		zap.String("from", string(from)),
		zap.String("to", string(plan.NextAgent)),
		zap.String("story_id", plan.StoryID))
	return nil
}

func (c *Coordinator) newRecord(task *agents.Task, from, to v1.AgentType, storyID string, snapshot map[string]interface{}) *Record {
	return &Record{
		ID:              uuid.NewString(),
		ProjectID:       task.ProjectID,
		WorkspaceID:     task.WorkspaceID,
		StoryID:         storyID,
		FromAgent:       from,
		ToAgent:         to,
		ContextSnapshot: snapshot,
		CreatedAt:       time.Now().UTC(),
	}
}

// nextPayload builds the job payload for the receiving agent. Credentials
// never travel in the payload; the registry injects them at dispatch time.
func (c *Coordinator) nextPayload(task *agents.Task, plan handoffPlan) map[string]interface{} {
	return map[string]interface{}{
		"agent_type":   string(plan.NextAgent),
		"workspace_id": task.WorkspaceID,
		"project_id":   task.ProjectID,
		"agent_id":     uuid.NewString(),
		"story_id":     plan.StoryID,
		"prompt":       plan.Prompt,
		"git_repo_url": task.GitRepoURL,
		"repo_owner":   task.RepoOwner,
		"repo_name":    task.RepoName,
		"context":      plan.Context,
	}
}

// EnqueueResume re-enqueues the agent that resumes an interrupted pipeline,
// rebuilding its context from the latest executed handoff.
func (c *Coordinator) EnqueueResume(ctx context.Context, pc *v1.PipelineContext, agent v1.AgentType) error {
	payload := map[string]interface{}{
		"agent_type":   string(agent),
		"workspace_id": pc.WorkspaceID,
		"project_id":   pc.ProjectID,
		"agent_id":     uuid.NewString(),
		"story_id":     pc.CurrentStoryID,
		"prompt":       fmt.Sprintf("Resume %s work for project %s after an orchestrator restart.", agent, pc.ProjectID),
	}
	for _, key := range []string{"git_repo_url", "repo_owner", "repo_name"} {
		if v, ok := pc.Metadata[key]; ok {
			payload[key] = v
		}
	}
	if rec, err := c.store.LatestExecuted(ctx, pc.ProjectID); err != nil {
		return errs.Wrap(err, "failed to load latest handoff for resume")
	} else if rec != nil {
		payload["context"] = rec.ContextSnapshot
	}

	priority := resumePriority
	_, err := c.queue.Enqueue(ctx, queue.EnqueueParams{
		WorkspaceID: pc.WorkspaceID,
		ProjectID:   pc.ProjectID,
		JobType:     v1.JobTypeRecoverContext,
		Payload:     payload,
		Priority:    &priority,
	})
	return err
}

func (c *Coordinator) releaseSlot(jobID string) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	if _, ok := c.slots[jobID]; !ok {
		return
	}
	delete(c.slots, jobID)
	c.sem.Release(1)
}

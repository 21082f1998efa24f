package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/common/scrub"
	"github.com/devos-ai/devos/internal/deploy"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/github"
	"github.com/devos-ai/devos/internal/gitops"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// DevOpsExecutor merges the approved PR, deploys it, watches the deployment
// and smoke-tests the result, rolling back and raising an incident on
// failure.
type DevOpsExecutor struct {
	base
	github    github.Client
	platforms []deploy.Platform
	monitor   *deploy.Monitor
}

// NewDevOpsExecutor creates the devops executor. Platform order matters:
// auto-detection probes candidates front to back.
func NewDevOpsExecutor(sessions SessionRunner, output OutputReader, git *gitops.Client, gh github.Client, platforms []deploy.Platform, monitor *deploy.Monitor, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *DevOpsExecutor {
	return &DevOpsExecutor{
		base:      newBase(sessions, output, git, eventBus, cfg, log.WithFields(zap.String("component", "devops-executor"))),
		github:    gh,
		platforms: platforms,
		monitor:   monitor,
	}
}

// AgentType returns the agent this executor runs.
func (e *DevOpsExecutor) AgentType() v1.AgentType { return v1.AgentDevOps }

// Execute runs the deployment workflow and never returns an error to the
// caller.
func (e *DevOpsExecutor) Execute(ctx context.Context, task *Task) *v1.DevOpsResult {
	startedAt := time.Now()
	result := &v1.DevOpsResult{StoryID: task.StoryID}
	sessionID := ""
	fail := func(err error) *v1.DevOpsResult {
		finish(&result.ResultBase, sessionID, startedAt, err)
		return result
	}

	// QA PASS precondition: anything else is refused without side effects.
	verdict, _ := task.Context["qa_verdict"].(string)
	if verdict != string(v1.VerdictPass) {
		result.Error = fmt.Sprintf("Deployment skipped: QA verdict is %s", verdict)
		result.DurationMs = time.Since(startedAt).Milliseconds()
		return result
	}

	prNumber := contextInt(task.Context, "pr_number")

	// merging-pr(10)
	if err := e.step(v1.AgentDevOps, task, sessionID, "merging-pr", 10, func() error {
		if prNumber == 0 {
			return errs.Validation("prNumber", "handoff context is missing the PR number")
		}
		sha, err := e.github.MergePR(ctx, task.RepoOwner, task.RepoName, prNumber, github.MergeMethodSquash)
		if err != nil {
			return err
		}
		result.MergeCommitHash = sha
		return nil
	}); err != nil {
		// Merge conflicts and protection violations are terminal with no
		// rollback and no incident.
		return fail(err)
	}

	// detecting-platform(20)
	var platform deploy.Platform
	if err := e.step(v1.AgentDevOps, task, sessionID, "detecting-platform", 20, func() error {
		var err error
		platform, err = deploy.Detect(ctx, e.cfg.Deploy.Platform, e.platforms)
		return err
	}); err != nil {
		return fail(err)
	}
	result.Platform = platform.Name()

	// running-migrations(30): delegated to the platform build; the label is
	// still part of the observable sequence.
	_ = e.step(v1.AgentDevOps, task, sessionID, "running-migrations", 30, func() error {
		e.logger.Info("migrations delegated to platform build",
			zap.String("platform", platform.Name()))
		return nil
	})

	// triggering-deployment(40)
	var deployment *deploy.Deployment
	if err := e.step(v1.AgentDevOps, task, sessionID, "triggering-deployment", 40, func() error {
		var err error
		deployment, err = platform.Trigger(ctx)
		return err
	}); err != nil {
		return fail(err)
	}
	result.DeploymentID = deployment.ID
	result.DeploymentURL = deployment.URL

	// monitoring-deployment(60)
	var watch *deploy.MonitorResult
	if err := e.step(v1.AgentDevOps, task, sessionID, "monitoring-deployment", 60, func() error {
		var err error
		watch, err = e.monitor.Watch(ctx, platform, deployment.ID)
		return err
	}); err != nil {
		return fail(err)
	}

	if watch.Status != deploy.StatusSuccess {
		failureType := v1.IncidentDeploymentFailed
		if watch.Status == deploy.StatusTimeout {
			failureType = v1.IncidentTimeout
		}
		rootCause := fmt.Sprintf("deployment ended with status %s", watch.Status)
		if watch.BuildLogs != "" {
			rootCause += ": " + watch.BuildLogs
		}
		return e.rollbackAndReport(ctx, task, sessionID, result, platform, deployment.ID,
			failureType, rootCause, startedAt)
	}

	// running-smoke-tests(80)
	var smoke *v1.SmokeTestResults
	_ = e.step(v1.AgentDevOps, task, sessionID, "running-smoke-tests", 80, func() error {
		var err error
		smoke, err = e.runSmokeTests(ctx, task, deployment.URL)
		if err != nil {
			e.logger.Warn("smoke test session failed", zap.Error(err))
			smoke = &v1.SmokeTestResults{Passed: false, HealthCheck: v1.SmokeCheck{
				Name: "smoke-session", Passed: false, Detail: scrub.Error(err),
			}}
		}
		return nil
	})
	result.SmokeTests = smoke

	if !smoke.Passed {
		return e.rollbackAndReport(ctx, task, sessionID, result, platform, deployment.ID,
			v1.IncidentSmokeTestsFailed, "post-deployment smoke tests did not pass", startedAt)
	}

	// updating-status(100)
	_ = e.step(v1.AgentDevOps, task, sessionID, "updating-status", 100, func() error { return nil })

	return fail(nil)
}

// rollbackAndReport performs the conditional handling-rollback(90) and
// creating-incident-report(95) steps and returns the failed result.
func (e *DevOpsExecutor) rollbackAndReport(ctx context.Context, task *Task, sessionID string, result *v1.DevOpsResult, platform deploy.Platform, deploymentID string, failureType v1.IncidentFailureType, rootCause string, startedAt time.Time) *v1.DevOpsResult {
	rollbackErr := errors.New("not attempted")
	_ = e.step(v1.AgentDevOps, task, sessionID, "handling-rollback", 90, func() error {
		rollbackErr = platform.Rollback(ctx, deploymentID)
		return rollbackErr
	})
	result.RollbackPerformed = true

	_ = e.step(v1.AgentDevOps, task, sessionID, "creating-incident-report", 95, func() error {
		result.Incident = deploy.NewIncident(task.StoryID, failureType, scrub.String(rootCause),
			true, rollbackErr == nil)
		return nil
	})

	finish(&result.ResultBase, sessionID, startedAt, errs.Fatal(scrub.String(rootCause)))
	return result
}

// smokeOutput is the structured block the smoke-test CLI session prints.
type smokeOutput struct {
	HealthCheck v1.SmokeCheck   `json:"healthCheck"`
	APIChecks   []v1.SmokeCheck `json:"apiChecks"`
}

// runSmokeTests drives a bounded CLI session against the deployment URL and
// parses the verification block.
func (e *DevOpsExecutor) runSmokeTests(ctx context.Context, task *Task, deploymentURL string) (*v1.SmokeTestResults, error) {
	smokeCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Deploy.SmokeTestTimeout)*time.Second)
	defer cancel()

	smokeTask := *task
	smokeTask.Prompt = fmt.Sprintf(
		"Run smoke tests against the deployment at %s. Verify the health endpoint and the core API routes. "+
			"Report the outcome as a ```json block with healthCheck and apiChecks fields.", deploymentURL)

	sess, err := e.spawnCLI(smokeCtx, v1.AgentDevOps, &smokeTask)
	if err != nil {
		return nil, err
	}
	out, err := e.awaitCLI(smokeCtx, sess.SessionID)
	if err != nil {
		return nil, err
	}

	var parsed smokeOutput
	if err := extractJSONBlock(out.Lines, &parsed); err != nil {
		return nil, errs.CLI("smoke test session produced no verification block: " + err.Error())
	}

	passed := parsed.HealthCheck.Passed
	for _, check := range parsed.APIChecks {
		passed = passed && check.Passed
	}
	return &v1.SmokeTestResults{
		Passed:      passed,
		HealthCheck: parsed.HealthCheck,
		APIChecks:   parsed.APIChecks,
	}, nil
}

package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/github"
	"github.com/devos-ai/devos/internal/gitops"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// QAExecutor reviews a dev branch: it checks the code out, drives a CLI
// review session, derives the verdict from the structured report and submits
// a PR review. QA never merges.
type QAExecutor struct {
	base
	github github.Client
}

// NewQAExecutor creates the QA executor.
func NewQAExecutor(sessions SessionRunner, output OutputReader, git *gitops.Client, gh github.Client, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *QAExecutor {
	return &QAExecutor{
		base:   newBase(sessions, output, git, eventBus, cfg, log.WithFields(zap.String("component", "qa-executor"))),
		github: gh,
	}
}

// AgentType returns the agent this executor runs.
func (e *QAExecutor) AgentType() v1.AgentType { return v1.AgentQA }

// Execute runs the QA workflow and never returns an error to the caller.
func (e *QAExecutor) Execute(ctx context.Context, task *Task) *v1.QAResult {
	startedAt := time.Now()
	result := &v1.QAResult{StoryID: task.StoryID}
	sessionID := ""
	fail := func(err error) *v1.QAResult {
		finish(&result.ResultBase, sessionID, startedAt, err)
		return result
	}

	branch, _ := task.Context["branch"].(string)
	prNumber := contextInt(task.Context, "pr_number")
	var dir string

	// checking-out(10)
	if err := e.step(v1.AgentQA, task, sessionID, "checking-out", 10, func() error {
		if branch == "" {
			return errs.Validation("branch", "handoff context is missing the dev branch")
		}
		if task.GitRepoURL == "" {
			return errs.Validation("gitRepoUrl", "must not be empty")
		}
		// Clone-or-fetch directly on the feature branch under review.
		dir = e.workspaceDir(task)
		return e.git.EnsureClone(ctx, dir, task.GitRepoURL, branch, task.GitToken)
	}); err != nil {
		return fail(err)
	}

	// reviewing(60) covers spawn + the whole review session.
	var out *cliOutcome
	if err := e.step(v1.AgentQA, task, sessionID, "reviewing", 60, func() error {
		sess, err := e.spawnCLI(ctx, v1.AgentQA, task)
		if err != nil {
			return err
		}
		sessionID = sess.SessionID
		if out, err = e.awaitCLI(ctx, sessionID); err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return errs.CLI(fmt.Sprintf("CLI session exited with code %d", out.ExitCode))
		}
		return nil
	}); err != nil {
		return fail(err)
	}

	// generating-report(80)
	if err := e.step(v1.AgentQA, task, sessionID, "generating-report", 80, func() error {
		report, additional, err := parseQAReport(out.Lines)
		if err != nil {
			return err
		}
		result.Report = *report
		result.AdditionalTestsWritten = additional
		result.Verdict = deriveVerdict(report)
		return nil
	}); err != nil {
		return fail(err)
	}

	// submitting-review(100)
	_ = e.step(v1.AgentQA, task, sessionID, "submitting-review", 100, func() error {
		if prNumber == 0 {
			return nil
		}
		event := github.ReviewRequestChanges
		if result.Verdict == v1.VerdictPass {
			event = github.ReviewApprove
		}
		body := reviewBody(result.Verdict, &result.Report)
		if err := e.github.SubmitReview(ctx, task.RepoOwner, task.RepoName, prNumber, event, body); err != nil {
			e.logger.Warn("failed to submit PR review",
				zap.Int("pr_number", prNumber), zap.Error(err))
		}
		return nil
	})

	return fail(nil)
}

// qaOutput is the structured block the QA CLI session prints.
type qaOutput struct {
	v1.QAReport
	AdditionalTestsWritten int `json:"additional_tests_written"`
}

// parseQAReport extracts the structured report from the session output. A
// missing report falls back to whatever test summary the output carries, so
// the verdict can still be derived.
func parseQAReport(lines []string) (*v1.QAReport, int, error) {
	var out qaOutput
	if err := extractJSONBlock(lines, &out); err == nil {
		return &out.QAReport, out.AdditionalTestsWritten, nil
	}

	res, ok := parseTestResults(lines)
	if !ok {
		return nil, 0, errs.CLI("QA session produced neither a report block nor a test summary")
	}
	return &v1.QAReport{
		TestResults: res,
		Summary:     "derived from test-runner output, no structured report found",
	}, 0, nil
}

// deriveVerdict applies the verdict policy to a report: FAIL on test
// failures, critical findings or unmet criteria; PASS only when tests pass,
// coverage meets the threshold and nothing high or critical was found;
// NEEDS_CHANGES for everything in between.
func deriveVerdict(r *v1.QAReport) v1.QAVerdict {
	critical, high := false, false
	for _, f := range r.SecurityFindings {
		switch strings.ToLower(f.Severity) {
		case "critical":
			critical = true
		case "high":
			high = true
		}
	}

	if r.TestResults.Failed > 0 || critical || len(r.CriteriaUnmet) > 0 {
		return v1.VerdictFail
	}
	if !high && r.TestResults.Coverage >= r.CoverageThreshold {
		return v1.VerdictPass
	}
	return v1.VerdictNeedsChanges
}

func reviewBody(verdict v1.QAVerdict, r *v1.QAReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QA verdict: %s\n\n", verdict)
	fmt.Fprintf(&b, "Tests: %d passed, %d failed, %d total (coverage %.2f%%)\n",
		r.TestResults.Passed, r.TestResults.Failed, r.TestResults.Total, r.TestResults.Coverage)
	if len(r.CriteriaUnmet) > 0 {
		fmt.Fprintf(&b, "Unmet acceptance criteria: %s\n", strings.Join(r.CriteriaUnmet, "; "))
	}
	if len(r.ChangeRequests) > 0 {
		fmt.Fprintf(&b, "Change requests: %s\n", strings.Join(r.ChangeRequests, "; "))
	}
	if r.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", r.Summary)
	}
	return b.String()
}

// contextInt reads an integer from a handoff context map, tolerating the
// float64 that JSON round-trips produce.
func contextInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

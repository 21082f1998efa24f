package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
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

// ErrNoCommitsProduced is the dev executor's failure when a CLI session ends
// without adding a single commit to the feature branch.
var ErrNoCommitsProduced = errs.Fatal("no commits produced by CLI session")

// branchPrefix is where dev feature branches live.
const branchPrefix = "devos/dev/"

// DevExecutor implements a story: create the feature branch, drive the CLI
// coding session, verify tests, commit, push and open the pull request.
type DevExecutor struct {
	base
	github github.Client
}

// NewDevExecutor creates the dev executor.
func NewDevExecutor(sessions SessionRunner, output OutputReader, git *gitops.Client, gh github.Client, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *DevExecutor {
	return &DevExecutor{
		base:   newBase(sessions, output, git, eventBus, cfg, log.WithFields(zap.String("component", "dev-executor"))),
		github: gh,
	}
}

// AgentType returns the agent this executor runs.
func (e *DevExecutor) AgentType() v1.AgentType { return v1.AgentDev }

// Execute runs the dev workflow. It never returns an error: all failures
// come back as a result with Success=false.
func (e *DevExecutor) Execute(ctx context.Context, task *Task) *v1.DevResult {
	startedAt := time.Now()
	result := &v1.DevResult{StoryID: task.StoryID}
	sessionID := ""
	fail := func(err error) *v1.DevResult {
		finish(&result.ResultBase, sessionID, startedAt, err)
		return result
	}

	branch := branchPrefix + task.StoryID
	baseBranch := e.cfg.Git.BaseBranch
	var dir string

	// reading-story(5)
	if err := e.step(v1.AgentDev, task, sessionID, "reading-story", 5, func() error {
		if !validStoryID(task.StoryID) {
			return errs.Validation("storyId", fmt.Sprintf("%q does not match the required shape", task.StoryID))
		}
		if task.GitRepoURL == "" {
			return errs.Validation("gitRepoUrl", "must not be empty")
		}
		if !gitops.ValidComponent(branch) {
			return errs.Validation("branch", fmt.Sprintf("%q contains disallowed characters", branch))
		}
		return nil
	}); err != nil {
		return fail(err)
	}
	result.Branch = branch

	// creating-branch(10)
	if err := e.step(v1.AgentDev, task, sessionID, "creating-branch", 10, func() error {
		var err error
		if dir, err = e.ensureWorkspace(ctx, task); err != nil {
			return err
		}
		return e.git.CreateBranch(ctx, dir, branch, baseBranch)
	}); err != nil {
		return fail(err)
	}

	// spawning-cli(15)
	var sess *v1.CLISession
	if err := e.step(v1.AgentDev, task, sessionID, "spawning-cli", 15, func() error {
		var err error
		sess, err = e.spawnCLI(ctx, v1.AgentDev, task)
		return err
	}); err != nil {
		return fail(err)
	}
	sessionID = sess.SessionID

	// writing-code(60) spans the whole CLI session.
	var out *cliOutcome
	if err := e.step(v1.AgentDev, task, sessionID, "writing-code", 60, func() error {
		var err error
		out, err = e.awaitCLI(ctx, sessionID)
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return errs.CLI(fmt.Sprintf("CLI session exited with code %d", out.ExitCode))
		}
		return nil
	}); err != nil {
		return fail(err)
	}

	// running-tests(65)
	_ = e.step(v1.AgentDev, task, sessionID, "running-tests", 65, func() error {
		result.TestResults = e.testResults(ctx, dir, out.Lines)
		return nil
	})

	// committing-code(75)
	if err := e.step(v1.AgentDev, task, sessionID, "committing-code", 75, func() error {
		hash, err := e.git.CommitAll(ctx, dir, fmt.Sprintf("feat: implement story %s", task.StoryID))
		if err != nil && !errors.Is(err, gitops.ErrNoChanges) {
			return err
		}
		ahead, err := e.git.CommitsAhead(ctx, dir, "origin/"+baseBranch)
		if err != nil {
			return err
		}
		if ahead == 0 {
			return ErrNoCommitsProduced
		}
		if hash == "" {
			// The CLI committed its own work.
			if hash, err = e.git.HeadCommit(ctx, dir); err != nil {
				return err
			}
		}
		result.CommitHash = hash
		return nil
	}); err != nil {
		return fail(err)
	}

	// pushing-branch(85)
	if err := e.step(v1.AgentDev, task, sessionID, "pushing-branch", 85, func() error {
		return e.git.Push(ctx, dir, task.GitRepoURL, branch, task.GitToken)
	}); err != nil {
		return fail(err)
	}

	// creating-pr(95)
	if err := e.step(v1.AgentDev, task, sessionID, "creating-pr", 95, func() error {
		pr, err := e.github.CreatePR(ctx, task.RepoOwner, task.RepoName, github.CreatePRParams{
			Title: fmt.Sprintf("feat: story %s", task.StoryID),
			Body:  fmt.Sprintf("Automated implementation of story %s.", task.StoryID),
			Head:  branch,
			Base:  baseBranch,
		})
		if err != nil {
			return err
		}
		result.PRURL = pr.HTMLURL
		result.PRNumber = pr.Number

		// Labels are best-effort.
		labels := []string{"devos", "story-" + task.StoryID}
		if labelErr := e.github.AddLabels(ctx, task.RepoOwner, task.RepoName, pr.Number, labels); labelErr != nil {
			e.logger.Warn("failed to add PR labels",
				zap.Int("pr_number", pr.Number), zap.Error(labelErr))
		}
		return nil
	}); err != nil {
		return fail(err)
	}

	// updating-status(100)
	_ = e.step(v1.AgentDev, task, sessionID, "updating-status", 100, func() error {
		created, modified, err := e.git.ChangedFiles(ctx, dir, "origin/"+baseBranch)
		if err != nil {
			e.logger.Warn("failed to compute changed files", zap.Error(err))
			return nil
		}
		result.FilesCreated = created
		result.FilesModified = modified
		return nil
	})

	return fail(nil)
}

// testResults extracts a test summary from the session output; when none is
// found it runs the project's test command itself and parses that, falling
// back to zero-filled results.
func (e *DevExecutor) testResults(ctx context.Context, dir string, lines []string) v1.TestResults {
	if res, ok := parseTestResults(lines); ok {
		return res
	}

	e.logger.Info("no test summary in CLI output, running test command",
		zap.String("dir", dir))
	timeout := time.Duration(e.cfg.Agent.TestRunTimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "npm", "test", "--", "--ci", "--coverage")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		e.logger.Warn("test command failed", zap.Error(err))
	}

	var cmdLines []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		cmdLines = append(cmdLines, scanner.Text())
	}
	res, _ := parseTestResults(cmdLines)
	return res
}

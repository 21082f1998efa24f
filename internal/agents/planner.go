package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/gitops"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// sprintManifestPath is where the sprint-status manifest lives inside a
// workspace clone.
const sprintManifestPath = "docs/sprint-status.yaml"

// PlannerExecutor turns a project brief into planning documents and stories,
// records them in the sprint-status manifest and commits the result.
type PlannerExecutor struct {
	base
}

// NewPlannerExecutor creates the planner executor.
func NewPlannerExecutor(sessions SessionRunner, output OutputReader, git *gitops.Client, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *PlannerExecutor {
	return &PlannerExecutor{
		base: newBase(sessions, output, git, eventBus, cfg, log.WithFields(zap.String("component", "planner-executor"))),
	}
}

// AgentType returns the agent this executor runs.
func (e *PlannerExecutor) AgentType() v1.AgentType { return v1.AgentPlanner }

// plannerOutput is the structured block the planner CLI session prints.
type plannerOutput struct {
	Documents []string       `json:"documents"`
	Epic      string         `json:"epic"`
	Stories   []PlannedStory `json:"stories"`
}

// PlannedStory is one story the planner generated.
type PlannedStory struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// Execute runs the planning workflow and never returns an error to the
// caller.
func (e *PlannerExecutor) Execute(ctx context.Context, task *Task) *v1.PlannerResult {
	startedAt := time.Now()
	result := &v1.PlannerResult{}
	sessionID := ""
	fail := func(err error) *v1.PlannerResult {
		finish(&result.ResultBase, sessionID, startedAt, err)
		return result
	}

	var dir string

	// reading-context(10)
	if err := e.step(v1.AgentPlanner, task, sessionID, "reading-context", 10, func() error {
		if task.GitRepoURL == "" {
			return errs.Validation("gitRepoUrl", "must not be empty")
		}
		var err error
		dir, err = e.ensureWorkspace(ctx, task)
		return err
	}); err != nil {
		return fail(err)
	}

	// planning(60) covers the whole CLI session.
	var out *cliOutcome
	if err := e.step(v1.AgentPlanner, task, sessionID, "planning", 60, func() error {
		sess, err := e.spawnCLI(ctx, v1.AgentPlanner, task)
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

	// validating-documents(75)
	var planned plannerOutput
	if err := e.step(v1.AgentPlanner, task, sessionID, "validating-documents", 75, func() error {
		if err := extractJSONBlock(out.Lines, &planned); err != nil {
			return errs.CLI("planner session produced no structured plan: " + err.Error())
		}
		if len(planned.Stories) == 0 {
			return errs.CLI("planner session produced no stories")
		}
		for _, s := range planned.Stories {
			if !validStoryID(s.ID) {
				return errs.CLI(fmt.Sprintf("planner produced malformed story id %q", s.ID))
			}
		}
		for _, doc := range planned.Documents {
			if _, err := os.Stat(filepath.Join(dir, doc)); err != nil {
				return errs.CLI(fmt.Sprintf("planner reported document %q but it does not exist", doc))
			}
		}
		result.DocumentsGenerated = planned.Documents
		return nil
	}); err != nil {
		return fail(err)
	}

	// updating-manifest(85)
	if err := e.step(v1.AgentPlanner, task, sessionID, "updating-manifest", 85, func() error {
		ids, err := updateSprintManifest(filepath.Join(dir, sprintManifestPath), planned.Epic, planned.Stories)
		if err != nil {
			return err
		}
		result.StoriesCreated = ids
		return nil
	}); err != nil {
		return fail(err)
	}

	// committing(100)
	if err := e.step(v1.AgentPlanner, task, sessionID, "committing", 100, func() error {
		hash, err := e.git.CommitAll(ctx, dir, "docs: planning documents and sprint status")
		if errors.Is(err, gitops.ErrNoChanges) {
			// Re-planning with nothing new; the previous commit stands.
			if hash, err = e.git.HeadCommit(ctx, dir); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		result.CommitHash = hash
		return e.git.Push(ctx, dir, task.GitRepoURL, e.cfg.Git.BaseBranch, task.GitToken)
	}); err != nil {
		return fail(err)
	}

	return fail(nil)
}

// manifestStory is one story row in the sprint-status manifest.
type manifestStory struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	Status string `yaml:"status"`
}

// sprintManifest is the on-disk sprint-status format.
type sprintManifest struct {
	Epic    string          `yaml:"epic,omitempty"`
	Stories []manifestStory `yaml:"stories"`
}

// updateSprintManifest records the planned stories in the manifest. Story ids
// already present keep their rows and statuses, so re-planning after a crash
// or restart is idempotent; the first new story becomes ready-for-dev, later
// ones go to the backlog. Returns the ids of all the planned stories now in
// the manifest, whether this run added them or an earlier one did.
func updateSprintManifest(path, epic string, stories []PlannedStory) ([]string, error) {
	var manifest sprintManifest
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &manifest); err != nil {
			return nil, fmt.Errorf("corrupt sprint manifest %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	dirty := false
	if epic != "" && manifest.Epic != epic {
		manifest.Epic = epic
		dirty = true
	}

	existing := make(map[string]bool, len(manifest.Stories))
	for _, s := range manifest.Stories {
		existing[s.ID] = true
	}

	ids := make([]string, 0, len(stories))
	newCount := 0
	for _, s := range stories {
		ids = append(ids, s.ID)
		if existing[s.ID] {
			continue
		}
		status := "backlog"
		if newCount == 0 {
			status = "ready-for-dev"
		}
		manifest.Stories = append(manifest.Stories, manifestStory{
			ID:     s.ID,
			Title:  s.Title,
			Status: status,
		})
		existing[s.ID] = true
		newCount++
		dirty = true
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if !dirty {
		// Everything was already recorded; no rewrite.
		return ids, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, err
	}
	return ids, nil
}

package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/supervisor"
)

func plannerTask(remote string) *Task {
	return &Task{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		AgentID:     "agent-0",
		Prompt:      "plan the checkout epic",
		GitRepoURL:  remote,
	}
}

func TestPlannerExecutor_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote(t)
	task := plannerTask(remote)
	dir := env.workspaceFor(task)

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "prd.md"), []byte("# PRD\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "architecture.md"), []byte("# Arch\n"), 0o644))
		return []string{
			"planning complete",
			"```json",
			`{"documents": ["docs/prd.md", "docs/architecture.md"],`,
			` "epic": "Checkout",`,
			` "stories": [{"id": "1-1", "title": "Cart page"}, {"id": "1-2", "title": "Payment"}]}`,
			"```",
		}, nil
	}

	exec := NewPlannerExecutor(env.cli, env.cli, env.git, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"docs/prd.md", "docs/architecture.md"}, res.DocumentsGenerated)
	assert.Equal(t, []string{"1-1", "1-2"}, res.StoriesCreated)
	assert.Len(t, res.CommitHash, 40)

	// The commit landed on the remote's main with the manifest in it.
	assert.Equal(t, res.CommitHash, gitT(t, remote, "rev-parse", "refs/heads/main"))
	manifest := gitT(t, remote, "show", "main:docs/sprint-status.yaml")
	assert.Contains(t, manifest, "epic: Checkout")
	assert.Contains(t, manifest, "id: 1-1")
	assert.Contains(t, manifest, "ready-for-dev")
	assert.Contains(t, manifest, "backlog")
}

func TestPlannerExecutor_RerunAfterRestartKeepsStories(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote(t)
	task := plannerTask(remote)
	dir := env.workspaceFor(task)

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "prd.md"), []byte("# PRD\n"), 0o644))
		return []string{
			"```json",
			`{"documents": ["docs/prd.md"], "epic": "Checkout",`,
			` "stories": [{"id": "1-1", "title": "Cart page"}, {"id": "1-2", "title": "Payment"}]}`,
			"```",
		}, nil
	}

	exec := NewPlannerExecutor(env.cli, env.cli, env.git, env.bus, env.cfg, env.log)
	first := exec.Execute(context.Background(), task)
	require.True(t, first.Success, first.Error)

	// An orchestrator restart re-runs planning over the already-populated
	// manifest; the result must still name the stories so the handoff is
	// accepted instead of being rejected as story-less.
	second := exec.Execute(context.Background(), task)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, []string{"1-1", "1-2"}, second.StoriesCreated)
	assert.Equal(t, first.CommitHash, second.CommitHash)
}

func TestPlannerExecutor_ReportedDocumentMissing(t *testing.T) {
	env := newTestEnv(t)
	task := plannerTask(testRemote(t))

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return []string{
			"```json",
			`{"documents": ["docs/prd.md"], "stories": [{"id": "1-1", "title": "A"}]}`,
			"```",
		}, nil
	}

	exec := NewPlannerExecutor(env.cli, env.cli, env.git, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "does not exist")
}

func TestPlannerExecutor_MalformedStoryID(t *testing.T) {
	env := newTestEnv(t)
	task := plannerTask(testRemote(t))

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return []string{
			"```json",
			`{"stories": [{"id": "story-one", "title": "A"}]}`,
			"```",
		}, nil
	}

	exec := NewPlannerExecutor(env.cli, env.cli, env.git, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "malformed story id")
}

func TestUpdateSprintManifest_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs", "sprint-status.yaml")

	ids, err := updateSprintManifest(path, "Checkout", []PlannedStory{
		{ID: "1-1", Title: "Cart"},
		{ID: "1-2", Title: "Payment"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-1", "1-2"}, ids)

	// Re-planning with one overlap adds only the new story, leaves existing
	// statuses alone, and still reports every planned story.
	ids, err = updateSprintManifest(path, "Checkout", []PlannedStory{
		{ID: "1-2", Title: "Payment"},
		{ID: "1-3", Title: "Receipts"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-2", "1-3"}, ids)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "id: 1-3")

	// An identical repeat reports the full story list again, without
	// rewriting the file.
	ids, err = updateSprintManifest(path, "Checkout", []PlannedStory{
		{ID: "1-2", Title: "Payment"},
		{ID: "1-3", Title: "Receipts"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1-2", "1-3"}, ids)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(after))
}

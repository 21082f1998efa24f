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

func devTask(remote string) *Task {
	return &Task{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		AgentID:     "agent-1",
		StoryID:     "11-4",
		Prompt:      "implement story 11-4",
		GitRepoURL:  remote,
		RepoOwner:   "acme",
		RepoName:    "shop",
	}
}

func TestDevExecutor_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote(t)
	task := devTask(remote)
	dir := env.workspaceFor(task)

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		// The CLI agent writes code into the prepared workspace.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.ts"), []byte("export {}\n"), 0o644))
		return []string{
			"Tests:       5 passed, 5 total",
			"All files |   91.20 |",
		}, nil
	}

	exec := NewDevExecutor(env.cli, env.cli, env.git, env.gh, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "devos/dev/11-4", res.Branch)
	assert.Len(t, res.CommitHash, 40)
	assert.Equal(t, 42, res.PRNumber)
	assert.Contains(t, res.PRURL, "/pull/42")
	assert.Equal(t, 5, res.TestResults.Passed)
	assert.InDelta(t, 91.20, res.TestResults.Coverage, 0.001)
	assert.Equal(t, []string{"feature.ts"}, res.FilesCreated)

	labels := env.gh.Labels("acme", "shop", 42)
	assert.Contains(t, labels, "devos")
	assert.Contains(t, labels, "story-11-4")

	// The branch on the remote points at the reported commit.
	assert.Equal(t, res.CommitHash, gitT(t, remote, "rev-parse", "refs/heads/devos/dev/11-4"))

	// Session released exactly once.
	assert.Equal(t, []string{"sess-1"}, env.cli.released)
}

func TestDevExecutor_CLISelfCommits(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote(t)
	task := devTask(remote)
	dir := env.workspaceFor(task)

	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "done.ts"), []byte("ok\n"), 0o644))
		gitT(t, dir, "add", "-A")
		gitT(t, dir, "commit", "-m", "agent commit")
		return []string{"Tests:       1 passed, 1 total"}, nil
	}

	exec := NewDevExecutor(env.cli, env.cli, env.git, env.gh, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, gitT(t, dir, "rev-parse", "HEAD"), res.CommitHash)
}

func TestDevExecutor_RejectsMalformedStoryID(t *testing.T) {
	env := newTestEnv(t)
	task := devTask(testRemote(t))
	task.StoryID = "story-abc"

	exec := NewDevExecutor(env.cli, env.cli, env.git, env.gh, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, env.cli.spawnCount())
}

func TestDevExecutor_CLIExitFailure(t *testing.T) {
	env := newTestEnv(t)
	remote := testRemote(t)
	task := devTask(remote)

	env.cli.exitCode = 1
	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return []string{"error: could not implement story"}, nil
	}

	exec := NewDevExecutor(env.cli, env.cli, env.git, env.gh, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exited with code 1")

	// Nothing was pushed.
	assert.Empty(t, gitT(t, remote, "for-each-ref", "refs/heads/devos/dev/11-4"))
}

func TestDevExecutor_NoCommitsProduced(t *testing.T) {
	env := newTestEnv(t)
	task := devTask(testRemote(t))

	// The session succeeds but touches nothing.
	env.cli.work = func(p supervisor.SpawnParams) ([]string, error) {
		return []string{"nothing to do"}, nil
	}

	exec := NewDevExecutor(env.cli, env.cli, env.git, env.gh, env.bus, env.cfg, env.log)
	res := exec.Execute(context.Background(), task)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no commits produced")
}

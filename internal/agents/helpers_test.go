package agents

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/config"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events/bus"
	"github.com/devos-ai/devos/internal/github"
	"github.com/devos-ai/devos/internal/gitops"
	"github.com/devos-ai/devos/internal/supervisor"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
)

// fakeCLI implements SessionRunner and OutputReader. The work hook runs at
// Wait time, standing in for whatever the CLI agent would do inside the
// workspace, and returns the session's output lines.
type fakeCLI struct {
	mu         sync.Mutex
	next       int
	exitCode   int
	spawnErr   error
	waitErr    error
	work       func(params supervisor.SpawnParams) ([]string, error)
	spawned    []supervisor.SpawnParams
	params     map[string]supervisor.SpawnParams
	outputs    map[string][]string
	released   []string
	terminated []string
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{
		params:  make(map[string]supervisor.SpawnParams),
		outputs: make(map[string][]string),
	}
}

func (f *fakeCLI) Spawn(ctx context.Context, params supervisor.SpawnParams) (*v1.CLISession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.spawned = append(f.spawned, params)
	f.params[id] = params
	return &v1.CLISession{
		SessionID:   id,
		WorkspaceID: params.WorkspaceID,
		ProjectID:   params.ProjectID,
		AgentType:   params.AgentType,
		Status:      v1.SessionRunning,
		StartedAt:   time.Now().UTC(),
	}, nil
}

func (f *fakeCLI) Wait(ctx context.Context, sessionID string) (*v1.CLISession, error) {
	f.mu.Lock()
	params, ok := f.params[sessionID]
	work, waitErr, exitCode := f.work, f.waitErr, f.exitCode
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	if waitErr != nil {
		return nil, waitErr
	}

	var lines []string
	if work != nil {
		var err error
		if lines, err = work(params); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.outputs[sessionID] = lines
	f.mu.Unlock()

	return &v1.CLISession{
		SessionID: sessionID,
		Status:    v1.SessionCompleted,
		ExitCode:  &exitCode,
	}, nil
}

func (f *fakeCLI) Terminate(ctx context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func (f *fakeCLI) Release(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sessionID)
}

func (f *fakeCLI) GetBufferedOutput(ctx context.Context, sessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.outputs[sessionID]...), nil
}

func (f *fakeCLI) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

// testEnv wires the fakes and real gitops client every executor test needs.
type testEnv struct {
	cli *fakeCLI
	git *gitops.Client
	gh  *github.MockClient
	bus bus.EventBus
	cfg *config.Config
	log *logger.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Root: t.TempDir()},
		Git: config.GitConfig{
			AuthorName:     "DevOS Agent",
			AuthorEmail:    "agent@devos.ai",
			BaseBranch:     "main",
			CommandTimeout: 30,
			PushTimeout:    120,
		},
		Agent: config.AgentConfig{TestRunTimeoutSecs: 2},
		Deploy: config.DeployConfig{
			Platform:         "auto",
			PollIntervalSecs: 1,
			MonitorTimeout:   5,
			SmokeTestTimeout: 5,
		},
	}
	return &testEnv{
		cli: newFakeCLI(),
		git: gitops.New(cfg.Git, log),
		gh:  github.NewMockClient(),
		bus: bus.NewMemoryEventBus(log),
		cfg: cfg,
		log: log,
	}
}

// workspaceFor is the directory an executor will run the task in.
func (e *testEnv) workspaceFor(task *Task) string {
	return supervisor.WorkspaceDir(e.cfg.Workspace.Root, task.WorkspaceID, task.ProjectID)
}

func gitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir, "-c", "user.name=tester", "-c", "user.email=tester@example.com"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// testRemote creates a bare repository seeded with one commit on main.
func testRemote(t *testing.T) string {
	t.Helper()
	seed := t.TempDir()
	gitT(t, seed, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o644))
	gitT(t, seed, "add", "-A")
	gitT(t, seed, "commit", "-m", "initial commit")

	remote := filepath.Join(t.TempDir(), "remote.git")
	out, err := exec.Command("git", "init", "--bare", "-b", "main", remote).CombinedOutput()
	require.NoError(t, err, "git init --bare: %s", out)
	gitT(t, seed, "push", remote, "main")
	return remote
}
